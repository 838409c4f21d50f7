package position

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresConfig описывает подключение к хранилищу позиций.
type PostgresConfig struct {
	DSN          string
	Table        string
	QueryTimeout time.Duration
}

// Postgres reads positions from a table owned by the external API.
type Postgres struct {
	pool    *pgxpool.Pool
	query   string
	timeout time.Duration
	log     *logger.Logger
}

// NewPostgres создаёт пул и проверяет подключение.
func NewPostgres(ctx context.Context, cfg PostgresConfig, log *logger.Logger) (*Postgres, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("position: invalid table name %q", cfg.Table)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Second
	}

	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("position: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("position: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("position: ping: %w", err)
	}

	log.Info("position store connected", zap.String("table", cfg.Table))
	return &Postgres{
		pool:    pool,
		query:   selectQuery(cfg.Table),
		timeout: cfg.QueryTimeout,
		log:     log.Named("position"),
	}, nil
}

func selectQuery(table string) string {
	return fmt.Sprintf(
		`SELECT symbol, quantity::text, avg_price::text, updated_at FROM %s ORDER BY symbol`,
		pgx.Identifier(strings.Split(table, ".")).Sanitize(),
	)
}

// Snapshot returns every row, ordered by symbol.
func (p *Postgres) Snapshot(ctx context.Context) ([]Position, error) {
	ctx, span := otel.Tracer("position/postgres").Start(ctx, "Snapshot",
		trace.WithAttributes(attribute.String("db.statement", p.query)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, p.query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("position: query: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var (
			pos      Position
			qty, avg string
		)
		if err := rows.Scan(&pos.Symbol, &qty, &avg, &pos.UpdatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("position: scan: %w", err)
		}
		if pos.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("position: quantity of %s: %w", pos.Symbol, err)
		}
		if pos.AvgPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("position: avg_price of %s: %w", pos.Symbol, err)
		}
		pos.UpdatedAt = pos.UpdatedAt.UTC()
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("position: rows: %w", err)
	}
	return out, nil
}

// Ping checks the pool.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }
