package producer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/market-stream/common/backoff"
	"github.com/YaganovValera/market-stream/common/kafka"
	"github.com/YaganovValera/market-stream/common/kafka/producer"
	"github.com/YaganovValera/market-stream/common/logger"
)

func fastBackoff() backoff.Config {
	return backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxRetries: 2}
}

func TestNew_RequiresBrokers(t *testing.T) {
	_, err := producer.New(context.Background(), producer.Config{}, logger.NewNop())
	require.Error(t, err)
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	_, err := producer.New(context.Background(), producer.Config{Brokers: []string{"localhost:1"}, RequiredAcks: "some"}, logger.NewNop())
	assert.ErrorContains(t, err, "RequiredAcks")

	_, err = producer.New(context.Background(), producer.Config{Brokers: []string{"localhost:1"}, Compression: "brotli"}, logger.NewNop())
	assert.ErrorContains(t, err, "Compression")
}

func TestPublish_KeyValueAndHeaders(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		val, _ := msg.Value.Encode()
		if msg.Topic != "ticks" || string(key) != "AAPL" || string(val) != `{"symbol":"AAPL"}` {
			return errors.New("unexpected record")
		}
		if len(msg.Headers) != 2 || string(msg.Headers[0].Key) != "channel" || string(msg.Headers[1].Key) != "content-type" {
			return errors.New("headers must be sorted by name")
		}
		return nil
	})

	before := testutil.ToFloat64(producer.PublishedFor("ticks"))
	p := producer.NewFromSyncProducer(sp, fastBackoff(), logger.NewNop())
	err := p.Publish(context.Background(), kafka.Message{
		Topic:   "ticks",
		Key:     []byte("AAPL"),
		Value:   []byte(`{"symbol":"AAPL"}`),
		Headers: map[string]string{"content-type": "application/json", "channel": "quote"},
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(producer.PublishedFor("ticks")))
	assert.NoError(t, p.Ping(context.Background()))
	require.NoError(t, p.Close())
}

func TestPublish_RetriesThenSucceeds(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	sp.ExpectSendMessageAndSucceed()

	p := producer.NewFromSyncProducer(sp, fastBackoff(), logger.NewNop())
	require.NoError(t, p.Publish(context.Background(), kafka.Message{Topic: "ticks", Value: []byte("x")}))
	require.NoError(t, p.Close())
}

func TestPublish_GivesUp(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	p := producer.NewFromSyncProducer(sp, fastBackoff(), logger.NewNop())
	err := p.Publish(context.Background(), kafka.Message{Topic: "ticks", Value: []byte("x")})
	require.Error(t, err)

	var maxErr *backoff.ErrMaxRetries
	assert.ErrorAs(t, err, &maxErr)
	assert.ErrorContains(t, err, "publish to ticks")
	require.NoError(t, p.Close())
}
