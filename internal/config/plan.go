package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metronome-io/metronome/internal/monitor"
	"github.com/metronome-io/metronome/internal/sink"
)

// ErrConfig is the root of all configuration failures.
var ErrConfig = errors.New("config error")

type (
	// SinkConfig selects where check results are persisted.
	SinkConfig struct {
		// Kind is one of "memory", "postgres" or "kafka". Empty means
		// memory.
		Kind        string           `yaml:"kind"`
		DatabaseURL string           `yaml:"database_url"`
		Kafka       sink.KafkaConfig `yaml:"kafka"`
	}

	// ComprehensiveEntry binds a set of table plans to one stave for
	// full sweeps.
	ComprehensiveEntry struct {
		StaveID string                     `yaml:"stave_id"`
		Tables  []monitor.TableCheckConfig `yaml:"tables"`
	}

	// Plan is the declarative monitoring plan: which sources exist,
	// which checks run on them and where results go.
	Plan struct {
		Staves        []monitor.Stave      `yaml:"staves"`
		Clefs         []monitor.Clef       `yaml:"clefs"`
		Comprehensive []ComprehensiveEntry `yaml:"comprehensive"`
		Sink          SinkConfig           `yaml:"sink"`
	}

	// Service holds the process-level settings read from the
	// environment.
	Service struct {
		PlanPath        string
		LogLevel        string
		ShutdownTimeout time.Duration
		TriggerBurst    int
		SweepOnStart    bool
	}
)

// LoadService reads the process settings from the environment, falling
// back to defaults for anything unset. A zero TriggerBurst leaves the
// engine's default in effect.
func LoadService() Service {
	return Service{
		PlanPath:        GetEnvStr("METRONOME_PLAN", "plan.yaml"),
		LogLevel:        GetEnvStr("METRONOME_LOG_LEVEL", "info"),
		ShutdownTimeout: GetEnvDuration("METRONOME_SHUTDOWN_TIMEOUT", 30*time.Second),
		TriggerBurst:    GetEnvInt("METRONOME_TRIGGER_BURST", 0),
		SweepOnStart:    GetEnvBool("METRONOME_SWEEP", false),
	}
}

// LoadPlan parses and validates the monitoring plan at path.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading plan %s: %v", ErrConfig, path, err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("%w: parsing plan %s: %v", ErrConfig, path, err)
	}

	plan.applySinkOverrides()

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	return &plan, nil
}

// applySinkOverrides lets the environment override the plan's sink
// selection, so one plan file can run against different backends.
func (p *Plan) applySinkOverrides() {
	p.Sink.Kind = GetEnvStr("METRONOME_SINK", p.Sink.Kind)
	p.Sink.DatabaseURL = GetEnvStr("METRONOME_DATABASE_URL", p.Sink.DatabaseURL)

	if brokers := ParseCommaSeparatedList(os.Getenv("METRONOME_KAFKA_BROKERS")); len(brokers) > 0 {
		p.Sink.Kafka.Brokers = brokers
	}
}

// Validate checks referential integrity of the plan: unique stave IDs
// and every clef and comprehensive entry bound to a declared stave.
func (p *Plan) Validate() error {
	staves := make(map[string]struct{}, len(p.Staves))

	for _, stave := range p.Staves {
		if stave.ID == "" {
			return fmt.Errorf("%w: stave %q has no id", ErrConfig, stave.Name)
		}

		if _, ok := staves[stave.ID]; ok {
			return fmt.Errorf("%w: duplicate stave id %q", ErrConfig, stave.ID)
		}

		staves[stave.ID] = struct{}{}
	}

	clefs := make(map[string]struct{}, len(p.Clefs))

	for _, clef := range p.Clefs {
		if clef.ID == "" {
			return fmt.Errorf("%w: clef %q has no id", ErrConfig, clef.Name)
		}

		if _, ok := clefs[clef.ID]; ok {
			return fmt.Errorf("%w: duplicate clef id %q", ErrConfig, clef.ID)
		}

		clefs[clef.ID] = struct{}{}

		if _, ok := staves[clef.StaveID]; !ok {
			return fmt.Errorf("%w: clef %q references unknown stave %q", ErrConfig, clef.ID, clef.StaveID)
		}
	}

	for _, entry := range p.Comprehensive {
		if _, ok := staves[entry.StaveID]; !ok {
			return fmt.Errorf("%w: comprehensive entry references unknown stave %q", ErrConfig, entry.StaveID)
		}

		if len(entry.Tables) == 0 {
			return fmt.Errorf("%w: comprehensive entry for stave %q has no tables", ErrConfig, entry.StaveID)
		}
	}

	switch p.Sink.Kind {
	case "", "memory", "postgres", "kafka":
	default:
		return fmt.Errorf("%w: unknown sink kind %q", ErrConfig, p.Sink.Kind)
	}

	if p.Sink.Kind == "postgres" && p.Sink.DatabaseURL == "" {
		return fmt.Errorf("%w: postgres sink needs a database_url", ErrConfig)
	}

	if p.Sink.Kind == "kafka" && len(p.Sink.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka sink needs brokers", ErrConfig)
	}

	return nil
}
