package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	"github.com/metronome-io/metronome/internal/monitor"
)

const (
	defaultResultsTopic   = "metronome.check-results"
	defaultAnomaliesTopic = "metronome.anomalies"
)

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"         json:"brokers"`
	ResultsTopic   string        `yaml:"results_topic"   json:"results_topic"`
	AnomaliesTopic string        `yaml:"anomalies_topic" json:"anomalies_topic"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"   json:"batch_timeout"`
}

// KafkaSink publishes results and anomaly records as JSON messages.
// Publishes run through a circuit breaker so a down broker degrades to
// fast failures instead of stalling every check run.
type KafkaSink struct {
	results   *kafka.Writer
	anomalies *kafka.Writer
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// NewKafkaSink returns a sink publishing to the configured brokers.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers configured", ErrSink)
	}

	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ResultsTopic == "" {
		cfg.ResultsTopic = defaultResultsTopic
	}

	if cfg.AnomaliesTopic == "" {
		cfg.AnomaliesTopic = defaultAnomaliesTopic
	}

	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kafka-sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("kafka sink breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
			// First publish against a fresh broker creates the topic
			// instead of failing on missing metadata.
			AllowAutoTopicCreation: true,
		}
	}

	return &KafkaSink{
		results:   newWriter(cfg.ResultsTopic),
		anomalies: newWriter(cfg.AnomaliesTopic),
		breaker:   breaker,
		logger:    logger,
	}, nil
}

// SaveResult publishes the result keyed by its clef ID so all results
// for one clef land in the same partition.
func (k *KafkaSink) SaveResult(ctx context.Context, result monitor.CheckResult) error {
	key := result.ClefID
	if key == "" {
		key = result.ID
	}

	return k.publish(ctx, k.results, key, result)
}

// SaveAnomalies publishes one message per record, keyed by table name.
func (k *KafkaSink) SaveAnomalies(ctx context.Context, records []monitor.AnomalyRecord) error {
	if len(records) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(records))

	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("%w: encoding anomaly %s: %v", ErrSink, record.ID, err)
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(record.TableName),
			Value: payload,
		})
	}

	_, err := k.breaker.Execute(func() (any, error) {
		return nil, k.anomalies.WriteMessages(ctx, messages...)
	})
	if err != nil {
		return fmt.Errorf("%w: publishing anomalies: %v", ErrSink, err)
	}

	return nil
}

// Close flushes and closes both writers.
func (k *KafkaSink) Close() error {
	if err := k.results.Close(); err != nil {
		return fmt.Errorf("%w: closing results writer: %v", ErrSink, err)
	}

	if err := k.anomalies.Close(); err != nil {
		return fmt.Errorf("%w: closing anomalies writer: %v", ErrSink, err)
	}

	return nil
}

func (k *KafkaSink) publish(ctx context.Context, writer *kafka.Writer, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encoding message: %v", ErrSink, err)
	}

	_, err = k.breaker.Execute(func() (any, error) {
		return nil, writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(key),
			Value: value,
		})
	})
	if err != nil {
		return fmt.Errorf("%w: publishing to %s: %v", ErrSink, writer.Topic, err)
	}

	return nil
}
