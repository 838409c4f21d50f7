package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/market-stream/common/backoff"
	"github.com/YaganovValera/market-stream/common/kafka"
	"github.com/YaganovValera/market-stream/common/kafka/producer"
	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/marketdata"
	"github.com/YaganovValera/market-stream/internal/metrics"
)

type fakeProducer struct {
	mu   sync.Mutex
	sent []kafka.Message
	err  error
}

func (f *fakeProducer) Publish(_ context.Context, msg kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeProducer) Ping(context.Context) error { return nil }
func (f *fakeProducer) Close() error               { return nil }

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func trade(sym, price string) marketdata.Tick {
	d := decimal.RequireFromString(price)
	return marketdata.Tick{Symbol: sym, Channel: marketdata.ChannelTrade, LastPrice: &d, ObservedAt: time.Now()}
}

func TestKafka_PublishesKeyedBySymbol(t *testing.T) {
	fp := &fakeProducer{}
	k := NewKafka(fp, "ticks", 8, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	k.Offer(trade("AAPL", "150.02"))
	k.Offer(trade("MSFT", "300"))
	require.Eventually(t, func() bool { return fp.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Equal(t, "ticks", fp.sent[0].Topic)
	assert.Equal(t, "AAPL", string(fp.sent[0].Key))
	assert.Equal(t, "trade", fp.sent[0].Headers["channel"])
	var got marketdata.Tick
	require.NoError(t, json.Unmarshal(fp.sent[0].Value, &got))
	assert.Equal(t, "150.02", got.LastPrice.String())
}

func TestKafka_FullQueueDrops(t *testing.T) {
	k := NewKafka(&fakeProducer{}, "ticks", 1, logger.NewNop())
	before := testutil.ToFloat64(metrics.BufferDrops)

	k.Offer(trade("AAPL", "1"))
	k.Offer(trade("AAPL", "2"))
	k.Offer(trade("AAPL", "3"))

	assert.Equal(t, before+2, testutil.ToFloat64(metrics.BufferDrops))
	assert.Len(t, k.queue, 1)
}

func TestKafka_PublishErrorIsCounted(t *testing.T) {
	fp := &fakeProducer{err: errors.New("broker down")}
	k := NewKafka(fp, "ticks", 1, logger.NewNop())
	before := testutil.ToFloat64(metrics.PublishErrors)

	err := k.publish(context.Background(), trade("AAPL", "1"))
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PublishErrors))
}

func TestKafka_WithSaramaProducer(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "TSLA" || msg.Topic != "ticks" {
			return errors.New("unexpected message " + msg.Topic + "/" + string(key))
		}
		for _, h := range msg.Headers {
			if string(h.Key) == "channel" && string(h.Value) == "trade" {
				return nil
			}
		}
		return errors.New("channel header missing")
	})
	p := producer.NewFromSyncProducer(sp, backoff.Config{InitialInterval: time.Millisecond, MaxRetries: 1}, logger.NewNop())
	k := NewKafka(p, "ticks", 4, logger.NewNop())

	require.NoError(t, k.publish(context.Background(), trade("TSLA", "250")))
	require.NoError(t, p.Close())
}
