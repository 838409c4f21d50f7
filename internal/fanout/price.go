package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/cache"
	"github.com/YaganovValera/market-stream/internal/marketdata"
	"github.com/YaganovValera/market-stream/internal/metrics"
)

const feedPrices = "prices"

// Subscriber adds symbols to the upstream subscription set.
type Subscriber interface {
	Subscribe(symbols []string) error
}

// PriceConfig of the price feed.
type PriceConfig struct {
	Interval      time.Duration
	WriteTimeout  time.Duration
	AutoSubscribe bool
}

// PriceUpdate is the payload of a price data event. Absent fields are omitted.
type PriceUpdate struct {
	Symbol    string       `json:"symbol"`
	Bid       *json.Number `json:"bid,omitempty"`
	Ask       *json.Number `json:"ask,omitempty"`
	Mid       *json.Number `json:"mid,omitempty"`
	Last      *json.Number `json:"last,omitempty"`
	Volume    *json.Number `json:"volume,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// PriceStreamer serves the price feed from the cache.
type PriceStreamer struct {
	cfg   PriceConfig
	cache cache.Cache
	subs  Subscriber
	log   *logger.Logger
	now   func() time.Time
}

// NewPriceStreamer builds a streamer. subs may be nil when auto-subscribe is off.
func NewPriceStreamer(cfg PriceConfig, c cache.Cache, subs Subscriber, log *logger.Logger) *PriceStreamer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &PriceStreamer{cfg: cfg, cache: c, subs: subs, log: log.Named("fanout.prices"), now: time.Now}
}

// Serve polls the cache for symbols until ctx ends or a write fails. The first poll
// happens immediately. Returns nil on ctx cancellation, *ClientWriteError otherwise.
func (p *PriceStreamer) Serve(ctx context.Context, w EventWriter, symbols []string) error {
	sub := newClientSubscription(w.ConnectionID(), marketdata.NormalizeSymbols(symbols))
	log := p.log.WithContext(ctx)

	if p.cfg.AutoSubscribe && p.subs != nil && len(sub.Symbols) > 0 {
		if err := p.subs.Subscribe(sub.Symbols); err != nil {
			log.Warn("auto-subscribe failed", zap.Strings("symbols", sub.Symbols), zap.Error(err))
		}
	}

	metrics.FeedClients.WithLabelValues(feedPrices).Inc()
	defer metrics.FeedClients.WithLabelValues(feedPrices).Dec()
	log.Info("price feed opened", zap.Strings("symbols", sub.Symbols))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.poll(ctx, w, sub); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.FeedWriteErrors.WithLabelValues(feedPrices).Inc()
			log.Info("price feed closed", zap.Error(err))
			return err
		}
		select {
		case <-ctx.Done():
			log.Info("price feed closed by client")
			return nil
		case <-ticker.C:
		}
	}
}

// poll emits one data event per symbol with a cache write the client has not seen,
// or a single heartbeat.
func (p *PriceStreamer) poll(ctx context.Context, w EventWriter, sub *ClientSubscription) error {
	changed := false
	for _, sym := range sub.Symbols {
		upd, seqs := p.read(ctx, sym)
		if !fresh(seqs, sub.LastSeen) {
			continue
		}
		if err := write(ctx, w, p.cfg.WriteTimeout, Event{Name: EventData, Data: upd}); err != nil {
			return err
		}
		for k, seq := range seqs {
			sub.LastSeen[k] = seq
		}
		metrics.FeedEvents.WithLabelValues(feedPrices, EventData).Inc()
		changed = true
	}
	if changed {
		return nil
	}
	if err := write(ctx, w, p.cfg.WriteTimeout, Event{Name: EventHeartbeat, Data: Heartbeat{Timestamp: p.now().UTC()}}); err != nil {
		return err
	}
	metrics.FeedEvents.WithLabelValues(feedPrices, EventHeartbeat).Inc()
	return nil
}

func fresh(seqs, seen map[marketdata.Key]uint64) bool {
	for k, seq := range seqs {
		if seq != seen[k] {
			return true
		}
	}
	return false
}

// read merges the quote, trade and summary entries of one symbol and returns the write
// sequence of each entry found. Timestamp is the newest provider time among them.
func (p *PriceStreamer) read(ctx context.Context, sym string) (PriceUpdate, map[marketdata.Key]uint64) {
	upd := PriceUpdate{Symbol: sym}
	seqs := make(map[marketdata.Key]uint64, len(marketdata.Channels))
	var newest time.Time

	for _, ch := range marketdata.Channels {
		key := marketdata.Key{Symbol: sym, Channel: ch}
		t, err := p.cache.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, cache.ErrMiss) {
				p.log.Debug("cache read failed", zap.String("symbol", sym), zap.Error(err))
			}
			continue
		}
		seqs[key] = t.Seq
		if t.ObservedAt.After(newest) {
			newest = t.ObservedAt
		}
		switch ch {
		case marketdata.ChannelQuote:
			upd.Bid, upd.Ask, upd.Mid = number(t.Bid), number(t.Ask), number(t.Mid)
		case marketdata.ChannelTrade:
			upd.Last = number(t.LastPrice)
		case marketdata.ChannelSummary:
			upd.Volume = number(t.Volume)
			if upd.Last == nil {
				upd.Last = number(t.Close)
			}
		}
	}
	upd.Timestamp = newest.UTC()
	return upd, seqs
}

func number(d *decimal.Decimal) *json.Number {
	if d == nil {
		return nil
	}
	n := json.Number(d.String())
	return &n
}
