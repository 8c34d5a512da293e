package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSink)
}

func TestNewKafkaSink_AppliesDefaults(t *testing.T) {
	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)

	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, defaultResultsTopic, s.results.Topic)
	assert.Equal(t, defaultAnomaliesTopic, s.anomalies.Topic)
}
