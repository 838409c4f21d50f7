// Package normalizer turns raw provider frames into canonical ticks.
package normalizer

import (
	"bytes"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/YaganovValera/market-stream/internal/marketdata"
)

var two = decimal.NewFromInt(2)

// wireMessage covers every documented shape. Numeric fields accept numbers or quoted strings.
type wireMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`

	Bid     *decimal.Decimal `json:"bid"`
	Ask     *decimal.Decimal `json:"ask"`
	BidSize *decimal.Decimal `json:"bid_size"`
	AskSize *decimal.Decimal `json:"ask_size"`

	Price *decimal.Decimal `json:"price"`
	Size  *decimal.Decimal `json:"size"`

	Open   *decimal.Decimal `json:"open"`
	High   *decimal.Decimal `json:"high"`
	Low    *decimal.Decimal `json:"low"`
	Close  *decimal.Decimal `json:"close"`
	Volume *decimal.Decimal `json:"volume"`

	TS *decimal.Decimal `json:"ts"` // unix ms
}

var controlTypes = map[string]struct{}{
	"subscribed":   {},
	"unsubscribed": {},
	"heartbeat":    {},
	"welcome":      {},
	"pong":         {},
}

// Normalize decodes one provider message. now is used when the frame carries no ts.
func Normalize(raw []byte, now time.Time) (marketdata.Tick, error) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return marketdata.Tick{}, malformed("invalid_json", err)
	}

	typ := strings.ToLower(strings.TrimSpace(m.Type))
	if typ == "" {
		return marketdata.Tick{}, malformed("missing_type", nil)
	}
	if _, ok := controlTypes[typ]; ok {
		return marketdata.Tick{}, ErrControl
	}

	var tick marketdata.Tick
	switch marketdata.Channel(typ) {
	case marketdata.ChannelQuote:
		if m.Bid == nil && m.Ask == nil {
			return marketdata.Tick{}, malformed("empty_quote", nil)
		}
		tick = marketdata.Tick{
			Channel: marketdata.ChannelQuote,
			Bid:     m.Bid,
			Ask:     m.Ask,
			BidSize: m.BidSize,
			AskSize: m.AskSize,
		}
		if m.Bid != nil && m.Ask != nil {
			mid := m.Bid.Add(*m.Ask).Div(two)
			tick.Mid = &mid
		}
	case marketdata.ChannelTrade:
		if m.Price == nil {
			return marketdata.Tick{}, malformed("missing_price", nil)
		}
		tick = marketdata.Tick{
			Channel:   marketdata.ChannelTrade,
			LastPrice: m.Price,
			LastSize:  m.Size,
		}
	case marketdata.ChannelSummary:
		tick = marketdata.Tick{
			Channel: marketdata.ChannelSummary,
			Open:    m.Open,
			High:    m.High,
			Low:     m.Low,
			Close:   m.Close,
			Volume:  m.Volume,
		}
	default:
		return marketdata.Tick{}, ErrUnknownType
	}

	tick.Symbol = marketdata.NormalizeSymbol(m.Symbol)
	if tick.Symbol == "" {
		return marketdata.Tick{}, malformed("missing_symbol", nil)
	}

	tick.ObservedAt = now.UTC()
	if m.TS != nil && m.TS.IsPositive() {
		tick.ObservedAt = time.UnixMilli(m.TS.IntPart()).UTC()
	}
	return tick, nil
}

// Frame normalizes a frame that is either one message or a JSON array of messages.
// Ticks that decoded are returned in order; every other element yields one error in dropped.
// Control replies are skipped silently.
func Frame(raw []byte, now time.Time) (ticks []marketdata.Tick, dropped []error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, []error{malformed("empty_frame", nil)}
	}

	if trimmed[0] != '[' {
		t, err := Normalize(trimmed, now)
		if err != nil {
			if err == ErrControl {
				return nil, nil
			}
			return nil, []error{err}
		}
		return []marketdata.Tick{t}, nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, []error{malformed("invalid_json", err)}
	}
	ticks = make([]marketdata.Tick, 0, len(batch))
	for _, item := range batch {
		t, err := Normalize(item, now)
		switch {
		case err == nil:
			ticks = append(ticks, t)
		case err == ErrControl:
		default:
			dropped = append(dropped, err)
		}
	}
	return ticks, dropped
}
