// Package pulse defines the connector contract that every monitorable
// backend implements.
//
// A Pulse owns one logical connection to a data source. Capabilities are
// split into narrow interfaces (Readable, Writable) so that callers depend
// only on the operations they actually use: the check runner asks for a
// ReadOnlyPulse, the result sink for a WriteOnlyPulse, and so on. Concrete
// connectors (postgres, mongo) live in subpackages and compose the
// capability interfaces they support.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors for connector operations.
var (
	// ErrConnector is the root of all connectivity and auth failures.
	// Callers may retry; the engine never retries internally.
	ErrConnector = errors.New("connector failure")

	// ErrValidation is the root of all configuration errors. These are
	// raised synchronously before any backend call and are never retried.
	ErrValidation = errors.New("invalid configuration")

	// ErrNotConnected is returned when a query or write is issued against
	// a connector that has not been connected or has been closed.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrConnector)

	// ErrUnknownConnectorType is returned by the registry when no factory
	// is registered for the requested connector type.
	ErrUnknownConnectorType = fmt.Errorf("%w: unknown connector type", ErrValidation)
)

// Row is a single result or input row, keyed by column name.
type Row map[string]any

type (
	// Pulse is the lifecycle contract shared by all connectors.
	//
	// Lifecycle: constructed (disconnected) -> Connect -> Close. Close is
	// idempotent and releases all pooled resources. A Pulse instance is
	// exclusively owned by the component that opened it and must not be
	// shared across concurrent check executions.
	Pulse interface {
		// Connect establishes the connection. It fails with an error
		// wrapping ErrConnector when the backend is unreachable or
		// credentials are rejected, and leaves no partial state behind.
		Connect(ctx context.Context) error

		// Close tears the connection down. Safe to call repeatedly.
		Close() error

		// IsConnected reports liveness. It is a cheap probe and never
		// reconnects on its own.
		IsConnected() bool
	}

	// Readable is the capability to query a data source.
	Readable interface {
		// Query resolves spec into backend syntax, executes it, and
		// returns the result rows. It fails with an error wrapping
		// ErrNotConnected when issued against a disconnected Pulse.
		Query(ctx context.Context, spec QuerySpec) ([]Row, error)
	}

	// Writable is the capability to write rows to a data source.
	Writable interface {
		// Write applies rows to destination according to spec. Spec
		// validation failures surface before any backend call.
		Write(ctx context.Context, rows []Row, destination string, spec WriteSpec) error
	}

	// ReadOnlyPulse is a connector that can only be queried.
	ReadOnlyPulse interface {
		Pulse
		Readable
	}

	// WriteOnlyPulse is a connector that can only be written to.
	WriteOnlyPulse interface {
		Pulse
		Writable
	}

	// ReadWritePulse is a connector supporting both directions.
	ReadWritePulse interface {
		Pulse
		Readable
		Writable
	}
)

// ConnectionProfile carries everything a concrete connector needs to reach
// its backend. It is immutable once a connector has been constructed from
// it; connectors copy it by value.
type ConnectionProfile struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Database string        `yaml:"database"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	SSLMode  string        `yaml:"ssl_mode"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxConns int           `yaml:"max_conns"`

	// Options holds connector-specific settings that the shared profile
	// does not model (e.g. a mongo replica set name).
	Options map[string]string `yaml:"options"`
}

// Factory constructs a disconnected Pulse from a connection profile.
type Factory func(profile ConnectionProfile) (Pulse, error)

// Registry maps connector type names to factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under the given connector type name,
// replacing any previous registration.
func (r *Registry) Register(connectorType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[connectorType] = factory
}

// Types returns the registered connector type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}

	return types
}

// Create constructs a disconnected Pulse of the given type. It returns an
// error wrapping ErrUnknownConnectorType when no factory is registered.
func (r *Registry) Create(connectorType string, profile ConnectionProfile) (Pulse, error) {
	r.mu.RLock()
	factory, ok := r.factories[connectorType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnectorType, connectorType)
	}

	return factory(profile)
}
