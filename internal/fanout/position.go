package fanout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/position"
)

const feedPositions = "positions"

// PositionConfig of the position feed.
type PositionConfig struct {
	Interval     time.Duration
	WriteTimeout time.Duration
}

// PositionUpdate is the payload of a position data event.
type PositionUpdate struct {
	Positions []position.Position `json:"positions"`
}

// PositionStreamer serves position deltas: a data event only when the snapshot changed.
type PositionStreamer struct {
	cfg    PositionConfig
	source position.Source
	log    *logger.Logger
	now    func() time.Time
}

// NewPositionStreamer builds a streamer over source.
func NewPositionStreamer(cfg PositionConfig, source position.Source, log *logger.Logger) *PositionStreamer {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &PositionStreamer{cfg: cfg, source: source, log: log.Named("fanout.positions"), now: time.Now}
}

// Serve polls the source until ctx ends or a write fails.
func (p *PositionStreamer) Serve(ctx context.Context, w EventWriter) error {
	sub := newClientSubscription(w.ConnectionID(), nil)
	log := p.log.WithContext(ctx)

	metrics.FeedClients.WithLabelValues(feedPositions).Inc()
	defer metrics.FeedClients.WithLabelValues(feedPositions).Dec()
	log.Info("position feed opened")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.poll(ctx, w, sub); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.FeedWriteErrors.WithLabelValues(feedPositions).Inc()
			log.Info("position feed closed", zap.Error(err))
			return err
		}
		select {
		case <-ctx.Done():
			log.Info("position feed closed by client")
			return nil
		case <-ticker.C:
		}
	}
}

func (p *PositionStreamer) poll(ctx context.Context, w EventWriter, sub *ClientSubscription) error {
	ps, err := p.source.Snapshot(ctx)
	if err != nil {
		// клиент остаётся подключённым, получает heartbeat
		if ctx.Err() == nil {
			p.log.WithContext(ctx).Warn("position snapshot failed", zap.Error(err))
		}
		return p.heartbeat(ctx, w)
	}

	update := PositionUpdate{Positions: ps}
	if update.Positions == nil {
		update.Positions = []position.Position{}
	}
	position.SortBySymbol(update.Positions)
	hash, err := snapshotHash(update.Positions)
	if err != nil {
		p.log.WithContext(ctx).Warn("position snapshot encode failed", zap.Error(err))
		return p.heartbeat(ctx, w)
	}
	if hash == sub.LastSentHash {
		return p.heartbeat(ctx, w)
	}

	if err := write(ctx, w, p.cfg.WriteTimeout, Event{Name: EventData, Data: update}); err != nil {
		return err
	}
	sub.LastSentHash = hash
	metrics.FeedEvents.WithLabelValues(feedPositions, EventData).Inc()
	return nil
}

func (p *PositionStreamer) heartbeat(ctx context.Context, w EventWriter) error {
	if err := write(ctx, w, p.cfg.WriteTimeout, Event{Name: EventHeartbeat, Data: Heartbeat{Timestamp: p.now().UTC()}}); err != nil {
		return err
	}
	metrics.FeedEvents.WithLabelValues(feedPositions, EventHeartbeat).Inc()
	return nil
}

// snapshotHash is a SHA-256 over the symbol-sorted JSON encoding.
func snapshotHash(ps []position.Position) (string, error) {
	data, err := json.Marshal(ps)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
