package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/cache"
	"github.com/YaganovValera/market-stream/internal/marketdata"
	"github.com/YaganovValera/market-stream/internal/position"
)

type recorder struct {
	id string
	ch chan Event
}

func newRecorder(id string) *recorder { return &recorder{id: id, ch: make(chan Event, 1024)} }

func (r *recorder) ConnectionID() string { return r.id }

func (r *recorder) WriteEvent(ctx context.Context, ev Event) error {
	select {
	case r.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next returns the next event with the given name, skipping others.
func (r *recorder) next(t *testing.T, name string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event for %s", name, r.id)
		}
	}
}

// stuck never completes a write.
type stuck struct{}

func (stuck) ConnectionID() string { return "stuck" }

func (stuck) WriteEvent(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

type subscriberFunc func([]string) error

func (f subscriberFunc) Subscribe(s []string) error { return f(s) }

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func quote(sym, bid, ask, mid string, at time.Time) marketdata.Tick {
	return marketdata.Tick{Symbol: sym, Channel: marketdata.ChannelQuote, Bid: dec(bid), Ask: dec(ask), Mid: dec(mid), ObservedAt: at}
}

func put(t *testing.T, c cache.Cache, tick marketdata.Tick) {
	t.Helper()
	require.NoError(t, c.Put(context.Background(), tick.Key(), tick, time.Minute))
}

func serve(t *testing.T, fn func(ctx context.Context) error) (cancel func(), result <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() { out <- fn(ctx) }()
	t.Cleanup(stop)
	return stop, out
}

func newMemory(t *testing.T) *cache.Memory {
	c := cache.NewMemory(0, logger.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPriceStreamer_QuoteScenario(t *testing.T) {
	c := newMemory(t)
	put(t, c, quote("AAPL", "150.00", "150.05", "150.025", time.Now()))

	ps := NewPriceStreamer(PriceConfig{Interval: 20 * time.Millisecond, WriteTimeout: time.Second}, c, nil, logger.NewNop())
	rec := newRecorder("c1")
	cancel, done := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, rec, []string{"aapl"}) })

	ev := rec.next(t, EventData)
	upd, ok := ev.Data.(PriceUpdate)
	require.True(t, ok)
	assert.Equal(t, "AAPL", upd.Symbol)
	assert.Equal(t, "150", upd.Bid.String())
	assert.Equal(t, "150.05", upd.Ask.String())
	assert.Equal(t, "150.025", upd.Mid.String())
	assert.Nil(t, upd.Last)

	raw, err := json.Marshal(upd)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"mid":150.025`)

	// nothing new → heartbeat
	rec.next(t, EventHeartbeat)

	cancel()
	assert.NoError(t, <-done)
}

func TestPriceStreamer_MergesChannels(t *testing.T) {
	c := newMemory(t)
	now := time.Now()
	put(t, c, quote("MSFT", "1", "3", "2", now))
	put(t, c, marketdata.Tick{Symbol: "MSFT", Channel: marketdata.ChannelTrade, LastPrice: dec("2.5"), ObservedAt: now.Add(time.Millisecond)})
	put(t, c, marketdata.Tick{Symbol: "MSFT", Channel: marketdata.ChannelSummary, Close: dec("9"), Volume: dec("1000"), ObservedAt: now})

	ps := NewPriceStreamer(PriceConfig{Interval: 20 * time.Millisecond}, c, nil, logger.NewNop())
	upd, seqs := ps.read(context.Background(), "MSFT")
	require.Len(t, seqs, 3)
	assert.Equal(t, "2.5", upd.Last.String(), "trade wins over summary close")
	assert.Equal(t, "1000", upd.Volume.String())
	assert.True(t, upd.Timestamp.Equal(now.Add(time.Millisecond).UTC()))
	assert.Less(t, seqs[marketdata.Key{Symbol: "MSFT", Channel: marketdata.ChannelQuote}],
		seqs[marketdata.Key{Symbol: "MSFT", Channel: marketdata.ChannelSummary}])

	_, seqs = ps.read(context.Background(), "NONE")
	assert.Empty(t, seqs)
}

func TestPriceStreamer_DataOnNewWrite(t *testing.T) {
	c := newMemory(t)
	t0 := time.Now()
	put(t, c, quote("AAPL", "1", "2", "1.5", t0))

	ps := NewPriceStreamer(PriceConfig{Interval: 10 * time.Millisecond}, c, nil, logger.NewNop())
	rec := newRecorder("c1")
	cancel, _ := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, rec, []string{"AAPL"}) })
	defer cancel()

	rec.next(t, EventData)
	rec.next(t, EventHeartbeat)

	put(t, c, quote("AAPL", "3", "4", "3.5", t0.Add(time.Second)))
	ev := rec.next(t, EventData)
	assert.Equal(t, "3.5", ev.Data.(PriceUpdate).Mid.String())
}

func TestPriceStreamer_RewriteWithSameOrOlderProviderTime(t *testing.T) {
	c := newMemory(t)
	t0 := time.UnixMilli(1_700_000_000_000)
	put(t, c, quote("AAPL", "150.00", "150.05", "150.025", t0))

	ps := NewPriceStreamer(PriceConfig{Interval: 10 * time.Millisecond}, c, nil, logger.NewNop())
	rec := newRecorder("c1")
	cancel, _ := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, rec, []string{"AAPL"}) })
	defer cancel()

	rec.next(t, EventData)
	rec.next(t, EventHeartbeat)

	// same millisecond as the quote already sent
	put(t, c, quote("AAPL", "151.00", "151.10", "151.05", t0))
	ev := rec.next(t, EventData)
	assert.Equal(t, "151", ev.Data.(PriceUpdate).Bid.String())

	// provider time earlier than anything sent so far
	put(t, c, marketdata.Tick{Symbol: "AAPL", Channel: marketdata.ChannelTrade, LastPrice: dec("150.9"), ObservedAt: t0.Add(-time.Millisecond)})
	ev = rec.next(t, EventData)
	upd := ev.Data.(PriceUpdate)
	require.NotNil(t, upd.Last)
	assert.Equal(t, "150.9", upd.Last.String())
	assert.Equal(t, "151", upd.Bid.String())
}

func TestPriceStreamer_ClientsSeeOnlyTheirSymbols(t *testing.T) {
	c := newMemory(t)
	now := time.Now()
	for _, s := range []string{"AAPL", "MSFT", "TSLA"} {
		put(t, c, quote(s, "1", "2", "1.5", now))
	}
	ps := NewPriceStreamer(PriceConfig{Interval: 10 * time.Millisecond}, c, nil, logger.NewNop())

	a, b := newRecorder("a"), newRecorder("b")
	cancelA, _ := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, a, []string{"AAPL", "MSFT"}) })
	cancelB, _ := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, b, []string{"MSFT", "TSLA"}) })
	defer cancelA()
	defer cancelB()

	collect := func(r *recorder) map[string]bool {
		got := map[string]bool{}
		for len(got) < 2 {
			got[r.next(t, EventData).Data.(PriceUpdate).Symbol] = true
		}
		return got
	}
	assert.Equal(t, map[string]bool{"AAPL": true, "MSFT": true}, collect(a))
	assert.Equal(t, map[string]bool{"MSFT": true, "TSLA": true}, collect(b))

	// later data events still only carry own symbols
	put(t, c, quote("TSLA", "5", "6", "5.5", now.Add(time.Second)))
	ev := b.next(t, EventData)
	assert.Equal(t, "TSLA", ev.Data.(PriceUpdate).Symbol)
	for len(a.ch) > 0 {
		ev := <-a.ch
		if ev.Name == EventData {
			assert.NotEqual(t, "TSLA", ev.Data.(PriceUpdate).Symbol)
		}
	}
}

func TestPriceStreamer_SlowClientDoesNotStallOthers(t *testing.T) {
	c := newMemory(t)
	put(t, c, quote("AAPL", "1", "2", "1.5", time.Now()))
	ps := NewPriceStreamer(PriceConfig{Interval: 10 * time.Millisecond, WriteTimeout: 50 * time.Millisecond}, c, nil, logger.NewNop())

	_, slowDone := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, stuck{}, []string{"AAPL"}) })
	fast := newRecorder("fast")
	cancel, _ := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, fast, []string{"AAPL"}) })
	defer cancel()

	rec := fast.next(t, EventData)
	assert.Equal(t, "AAPL", rec.Data.(PriceUpdate).Symbol)
	for i := 0; i < 3; i++ {
		fast.next(t, EventHeartbeat)
	}

	select {
	case err := <-slowDone:
		var cwe *ClientWriteError
		require.ErrorAs(t, err, &cwe)
		assert.Equal(t, "stuck", cwe.ConnectionID)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("slow client was not torn down")
	}
}

func TestPriceStreamer_AutoSubscribe(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	subs := subscriberFunc(func(s []string) error {
		mu.Lock()
		got = append(got, s...)
		mu.Unlock()
		return errors.New("market data unavailable")
	})
	ps := NewPriceStreamer(PriceConfig{Interval: 10 * time.Millisecond, AutoSubscribe: true}, newMemory(t), subs, logger.NewNop())
	rec := newRecorder("c")
	cancel, done := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, rec, []string{"msft", "aapl"}) })

	rec.next(t, EventHeartbeat)
	cancel()
	require.NoError(t, <-done, "a failed auto-subscribe does not end the feed")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"AAPL", "MSFT"}, got)
}

func TestPositionStreamer_DataOnlyOnChange(t *testing.T) {
	src := position.NewStatic(position.Position{Symbol: "AAPL", Quantity: decimal.NewFromInt(10), AvgPrice: decimal.NewFromInt(150)})
	ps := NewPositionStreamer(PositionConfig{Interval: 10 * time.Millisecond}, src, logger.NewNop())
	rec := newRecorder("p")
	cancel, done := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, rec) })

	ev := rec.next(t, EventData)
	assert.Len(t, ev.Data.(PositionUpdate).Positions, 1)

	for i := 0; i < 3; i++ {
		assert.Equal(t, EventHeartbeat, (<-rec.ch).Name, "unchanged snapshot only heartbeats")
	}

	src.Set(
		position.Position{Symbol: "MSFT", Quantity: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(300)},
		position.Position{Symbol: "AAPL", Quantity: decimal.NewFromInt(10), AvgPrice: decimal.NewFromInt(150)},
	)
	ev = rec.next(t, EventData)
	syms := []string{}
	for _, p := range ev.Data.(PositionUpdate).Positions {
		syms = append(syms, p.Symbol)
	}
	assert.Equal(t, []string{"AAPL", "MSFT"}, syms)
	assert.Equal(t, EventHeartbeat, rec.next(t, EventHeartbeat).Name)

	cancel()
	assert.NoError(t, <-done)
}

func TestPositionStreamer_SnapshotErrorKeepsClient(t *testing.T) {
	src := position.NewStatic()
	src.Fail(errors.New("db down"))
	ps := NewPositionStreamer(PositionConfig{Interval: 10 * time.Millisecond}, src, logger.NewNop())
	rec := newRecorder("p")
	cancel, done := serve(t, func(ctx context.Context) error { return ps.Serve(ctx, rec) })

	rec.next(t, EventHeartbeat)
	rec.next(t, EventHeartbeat)

	src.Fail(nil)
	ev := rec.next(t, EventData)
	assert.Empty(t, ev.Data.(PositionUpdate).Positions)

	cancel()
	assert.NoError(t, <-done)
}

func TestSnapshotHash_OrderIndependent(t *testing.T) {
	a := []position.Position{{Symbol: "A"}, {Symbol: "B"}}
	b := []position.Position{{Symbol: "B"}, {Symbol: "A"}}
	position.SortBySymbol(b)
	ha, err := snapshotHash(a)
	require.NoError(t, err)
	hb, err := snapshotHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}
