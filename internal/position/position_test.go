package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pos(sym, qty string) Position {
	return Position{Symbol: sym, Quantity: decimal.RequireFromString(qty), AvgPrice: decimal.RequireFromString("10"), UpdatedAt: time.Unix(0, 0).UTC()}
}

func TestStatic(t *testing.T) {
	s := NewStatic(pos("MSFT", "1"), pos("AAPL", "2"))

	got, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "AAPL", got[0].Symbol, "sorted by symbol")

	got[0].Symbol = "XXX"
	again, _ := s.Snapshot(context.Background())
	assert.Equal(t, "AAPL", again[0].Symbol, "snapshot is a copy")

	boom := errors.New("boom")
	s.Fail(boom)
	_, err = s.Snapshot(context.Background())
	assert.ErrorIs(t, err, boom)

	s.Fail(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSelectQuery(t *testing.T) {
	assert.Equal(t,
		`SELECT symbol, quantity::text, avg_price::text, updated_at FROM "positions" ORDER BY symbol`,
		selectQuery("positions"))
	assert.Equal(t,
		`SELECT symbol, quantity::text, avg_price::text, updated_at FROM "trading"."positions" ORDER BY symbol`,
		selectQuery("trading.positions"))
}

func TestNewPostgres_RejectsBadTable(t *testing.T) {
	_, err := NewPostgres(context.Background(), PostgresConfig{DSN: "postgres://localhost/x", Table: "positions; drop table x"}, nil)
	assert.ErrorContains(t, err, "invalid table name")
}
