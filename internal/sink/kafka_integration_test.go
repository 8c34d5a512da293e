package sink_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	segmentio "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/metronome-io/metronome/internal/monitor"
	"github.com/metronome-io/metronome/internal/sink"
)

// setupKafka starts a single-node broker and returns its addresses.
func setupKafka(ctx context.Context, t *testing.T) []string {
	t.Helper()

	container, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("metronome-test"),
	)
	require.NoError(t, err, "kafka container must start")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	return brokers
}

func readOne(ctx context.Context, t *testing.T, brokers []string, topic string) segmentio.Message {
	t.Helper()

	reader := segmentio.NewReader(segmentio.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		StartOffset: segmentio.FirstOffset,
		MaxWait:     time.Second,
	})
	t.Cleanup(func() { _ = reader.Close() })

	readCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err, "published message must be consumable")

	return msg
}

func TestKafkaSink_PublishAndConsumeResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	brokers := setupKafka(ctx, t)

	s, err := sink.NewKafkaSink(sink.KafkaConfig{
		Brokers:      brokers,
		BatchTimeout: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)

	result := monitor.CheckResult{
		ID:          "2d4f6a8c-1e3b-4d5f-8a9c-0b1d2e3f4a5b",
		ClefID:      "clef-orders",
		StaveID:     "stave-1",
		CheckType:   monitor.CheckRowCount,
		State:       monitor.RunCompleted,
		Status:      monitor.StatusCritical,
		Message:     "Table orders is empty",
		Details:     map[string]any{"table": "orders", "actual_count": 0.0},
		Severity:    monitor.SeverityCritical,
		StartedAt:   now,
		CompletedAt: now,
	}

	require.NoError(t, s.SaveResult(ctx, result))
	require.NoError(t, s.Close())

	msg := readOne(ctx, t, brokers, "metronome.check-results")
	assert.Equal(t, "clef-orders", string(msg.Key))

	var decoded monitor.CheckResult
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, result.ID, decoded.ID)
	assert.Equal(t, monitor.StatusCritical, decoded.Status)
	assert.Equal(t, result.Message, decoded.Message)
	assert.Equal(t, result.Details, decoded.Details)
}

func TestKafkaSink_PublishAndConsumeAnomalies(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	brokers := setupKafka(ctx, t)

	s, err := sink.NewKafkaSink(sink.KafkaConfig{
		Brokers:      brokers,
		BatchTimeout: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	record := monitor.AnomalyRecord{
		ID:               "7b9d1f3a-5c7e-4b6d-9f0a-1c2e3d4f5a6b",
		CheckID:          "2d4f6a8c-1e3b-4d5f-8a9c-0b1d2e3f4a5b",
		TableName:        "orders",
		ColumnName:       "total",
		AnomalyType:      "statistical_iqr",
		Description:      "Value in column total is a iqr outlier",
		Severity:         monitor.SeverityMedium,
		DetectedAt:       time.Now().UTC().Truncate(time.Millisecond),
		ResolutionStatus: monitor.ResolutionInvestigating,
	}

	require.NoError(t, s.SaveAnomalies(ctx, []monitor.AnomalyRecord{record}))
	require.NoError(t, s.Close())

	msg := readOne(ctx, t, brokers, "metronome.anomalies")
	assert.Equal(t, "orders", string(msg.Key))

	var decoded monitor.AnomalyRecord
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, record.ID, decoded.ID)
	assert.Equal(t, "statistical_iqr", decoded.AnomalyType)
	assert.Equal(t, monitor.ResolutionInvestigating, decoded.ResolutionStatus)
}
