// Package marketdata holds the canonical tick model shared by ingestion, cache and fan-out.
package marketdata

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the kind of upstream update a tick came from.
type Channel string

const (
	ChannelQuote   Channel = "quote"
	ChannelTrade   Channel = "trade"
	ChannelSummary Channel = "summary"
)

// Channels lists every channel in the order fan-out reads them.
var Channels = []Channel{ChannelQuote, ChannelTrade, ChannelSummary}

// Tick is one normalized update. Optional fields are nil when the channel does not carry them.
type Tick struct {
	Symbol  string  `json:"symbol"`
	Channel Channel `json:"channel"`

	// quote
	Bid     *decimal.Decimal `json:"bid,omitempty"`
	Ask     *decimal.Decimal `json:"ask,omitempty"`
	Mid     *decimal.Decimal `json:"mid,omitempty"`
	BidSize *decimal.Decimal `json:"bid_size,omitempty"`
	AskSize *decimal.Decimal `json:"ask_size,omitempty"`

	// trade
	LastPrice *decimal.Decimal `json:"last_price,omitempty"`
	LastSize  *decimal.Decimal `json:"last_size,omitempty"`

	// summary
	Open   *decimal.Decimal `json:"open,omitempty"`
	High   *decimal.Decimal `json:"high,omitempty"`
	Low    *decimal.Decimal `json:"low,omitempty"`
	Close  *decimal.Decimal `json:"close,omitempty"`
	Volume *decimal.Decimal `json:"volume,omitempty"`

	ObservedAt time.Time `json:"observed_at"`

	// Seq is stamped by the cache on Put and grows with every write.
	Seq uint64 `json:"seq,omitempty"`
}

// Key addresses the latest tick of one symbol on one channel.
type Key struct {
	Symbol  string
	Channel Channel
}

// String renders the key as used by the redis backend: "tick:AAPL:quote".
func (k Key) String() string {
	return "tick:" + k.Symbol + ":" + string(k.Channel)
}

// Key returns the cache key of t.
func (t Tick) Key() Key {
	return Key{Symbol: t.Symbol, Channel: t.Channel}
}

// NormalizeSymbol upper-cases and trims s.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols normalizes, drops empties and de-duplicates; the result is sorted.
func NormalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ParseSymbolList splits a comma-separated query value like "aapl, MSFT".
func ParseSymbolList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return NormalizeSymbols(strings.Split(raw, ","))
}
