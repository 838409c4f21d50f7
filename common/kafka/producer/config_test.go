package producer

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaramaConfig_IdempotentOnlyWithAllAcks(t *testing.T) {
	cfg := Config{Brokers: []string{"b:9092"}}
	cfg.applyDefaults()

	sc, err := saramaConfig(cfg)
	require.NoError(t, err, "leader acks must pass sarama validation")
	assert.Equal(t, sarama.WaitForLocal, sc.Producer.RequiredAcks)
	assert.False(t, sc.Producer.Idempotent)
	assert.Equal(t, "market-stream", sc.ClientID)

	cfg.RequiredAcks, cfg.Compression = "ALL", "zstd"
	sc, err = saramaConfig(cfg)
	require.NoError(t, err)
	assert.True(t, sc.Producer.Idempotent)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
	assert.Equal(t, sarama.CompressionZSTD, sc.Producer.Compression)
}
