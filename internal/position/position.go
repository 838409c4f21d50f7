// Package position provides account position snapshots for the position feed.
// The positions store belongs to the external API; this package only reads it.
package position

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one open holding.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Source returns the current set of positions.
type Source interface {
	Snapshot(ctx context.Context) ([]Position, error)
	Close()
}

// SortBySymbol orders positions in place so that equal sets encode identically.
func SortBySymbol(ps []Position) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Symbol < ps[j].Symbol })
}

// Static is an in-memory Source. Used when no database is configured.
type Static struct {
	mu        sync.RWMutex
	positions []Position
	err       error
}

// NewStatic returns a source serving ps.
func NewStatic(ps ...Position) *Static {
	s := &Static{}
	s.Set(ps...)
	return s
}

// Set replaces the served positions.
func (s *Static) Set(ps ...Position) {
	cp := append([]Position(nil), ps...)
	SortBySymbol(cp)
	s.mu.Lock()
	s.positions = cp
	s.mu.Unlock()
}

// Fail makes Snapshot return err until called with nil.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Snapshot returns a copy of the served positions.
func (s *Static) Snapshot(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]Position(nil), s.positions...), nil
}

// Close is a no-op.
func (s *Static) Close() {}
