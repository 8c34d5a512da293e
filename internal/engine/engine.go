// Package engine composes connectors, checks, scheduling and result
// persistence into the monitoring service core.
//
// Lifecycle order is fixed: construct (registry, runner, sink wired),
// Start (scheduler begins dispatch), then Close (scheduler drained
// before the sink closes, so no in-flight run writes to a closed sink).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/metronome-io/metronome/internal/monitor"
	"github.com/metronome-io/metronome/internal/pulse"
	"github.com/metronome-io/metronome/internal/pulse/mongo"
	"github.com/metronome-io/metronome/internal/pulse/postgres"
	"github.com/metronome-io/metronome/internal/scheduler"
	"github.com/metronome-io/metronome/internal/sink"
)

// Manual trigger limits. Scheduled runs are not limited; the scheduler's
// per-clef instance cap bounds those.
const (
	defaultTriggerRate  = rate.Limit(5)
	defaultTriggerBurst = 10
)

var (
	// ErrEngine is the root of all engine-level failures.
	ErrEngine = errors.New("engine error")

	// ErrRateLimited reports a manual trigger rejected by the limiter.
	ErrRateLimited = fmt.Errorf("%w: trigger rate limit exceeded", ErrEngine)

	// ErrUnknownStave reports a clef referencing an unregistered stave.
	ErrUnknownStave = fmt.Errorf("%w: unknown stave", ErrEngine)
)

// Options configures an Engine. Zero-value fields take defaults: a
// memory sink, slog.Default() and the standard trigger limits.
type Options struct {
	Logger       *slog.Logger
	Sink         sink.ResultSink
	TriggerRate  rate.Limit
	TriggerBurst int

	// Connectors adds connector factories beyond the built-in
	// postgres and mongodb types.
	Connectors map[string]pulse.Factory
}

// Engine owns the moving parts of the monitoring service.
type Engine struct {
	logger    *slog.Logger
	registry  *pulse.Registry
	runner    *monitor.Runner
	scheduler *scheduler.Scheduler
	sink      sink.ResultSink
	limiter   *rate.Limiter

	mu     sync.RWMutex
	staves map[string]monitor.Stave
}

// New builds an Engine with the built-in connector types registered.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resultSink := opts.Sink
	if resultSink == nil {
		resultSink = sink.NewMemorySink()
	}

	triggerRate := opts.TriggerRate
	if triggerRate <= 0 {
		triggerRate = defaultTriggerRate
	}

	triggerBurst := opts.TriggerBurst
	if triggerBurst <= 0 {
		triggerBurst = defaultTriggerBurst
	}

	registry := pulse.NewRegistry()
	registry.Register("postgres", postgres.NewFactory(logger))
	registry.Register("mongodb", mongo.NewFactory(logger))

	for connectorType, factory := range opts.Connectors {
		registry.Register(connectorType, factory)
	}

	return &Engine{
		logger:    logger,
		registry:  registry,
		runner:    monitor.NewRunner(logger),
		scheduler: scheduler.New(logger),
		sink:      resultSink,
		limiter:   rate.NewLimiter(triggerRate, triggerBurst),
		staves:    make(map[string]monitor.Stave),
	}
}

// Start begins dispatching scheduled checks. ctx bounds every scheduled
// execution.
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
	e.logger.Info("engine started")
}

// Close stops the scheduler, waits for in-flight runs and closes the
// sink.
func (e *Engine) Close() error {
	e.scheduler.Stop()

	if err := e.sink.Close(); err != nil {
		return fmt.Errorf("%w: closing sink: %v", ErrEngine, err)
	}

	e.logger.Info("engine stopped")

	return nil
}

// AddStave registers or replaces a monitored data source.
func (e *Engine) AddStave(stave monitor.Stave) error {
	if stave.ID == "" {
		return fmt.Errorf("%w: stave id is required", ErrEngine)
	}

	types := e.registry.Types()
	known := false

	for _, t := range types {
		if t == stave.ConnectorType {
			known = true

			break
		}
	}

	if !known {
		return fmt.Errorf("%w: connector type %q", pulse.ErrUnknownConnectorType, stave.ConnectorType)
	}

	e.mu.Lock()
	e.staves[stave.ID] = stave
	e.mu.Unlock()

	e.logger.Info("stave registered",
		slog.String("stave_id", stave.ID),
		slog.String("connector_type", stave.ConnectorType),
	)

	return nil
}

// RemoveStave unregisters a data source. Clefs scheduled against it keep
// firing and fail resolution until unscheduled.
func (e *Engine) RemoveStave(id string) {
	e.mu.Lock()
	delete(e.staves, id)
	e.mu.Unlock()
}

// Stave looks up a registered data source.
func (e *Engine) Stave(id string) (monitor.Stave, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stave, ok := e.staves[id]

	return stave, ok
}

// TriggerClef runs a clef immediately, subject to the manual trigger
// rate limit.
func (e *Engine) TriggerClef(ctx context.Context, clef monitor.Clef) (monitor.CheckResult, error) {
	if !e.limiter.Allow() {
		return monitor.CheckResult{}, ErrRateLimited
	}

	return e.runClef(ctx, clef)
}

// ScheduleClef registers the clef for recurring execution. A clef with
// the same ID replaces the prior schedule.
func (e *Engine) ScheduleClef(clef monitor.Clef) error {
	stave, ok := e.Stave(clef.StaveID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStave, clef.StaveID)
	}

	if err := monitor.ValidateClef(clef, stave); err != nil {
		return err
	}

	return e.scheduler.Schedule(clef.ID, clef.Schedule, func(ctx context.Context) {
		if _, err := e.runClef(ctx, clef); err != nil {
			e.logger.Error("scheduled check run failed",
				slog.String("clef_id", clef.ID),
				slog.Any("error", err),
			)
		}
	})
}

// UnscheduleClef removes the clef's recurring schedule.
func (e *Engine) UnscheduleClef(clefID string) {
	e.scheduler.Remove(clefID)
}

// RunComprehensive sweeps all table plans against one stave and persists
// every result.
func (e *Engine) RunComprehensive(ctx context.Context, staveID string, configs []monitor.TableCheckConfig) (monitor.ComprehensiveResult, error) {
	stave, ok := e.Stave(staveID)
	if !ok {
		return monitor.ComprehensiveResult{}, fmt.Errorf("%w: %q", ErrUnknownStave, staveID)
	}

	conn, err := e.connect(ctx, stave)
	if err != nil {
		return monitor.ComprehensiveResult{}, err
	}
	defer e.closeConnector(conn, stave.ID)

	readable, ok := conn.(pulse.Readable)
	if !ok {
		return monitor.ComprehensiveResult{}, fmt.Errorf("%w: connector %q is not readable", ErrEngine, stave.ConnectorType)
	}

	result := e.runner.RunComprehensive(ctx, readable, staveID, configs)

	for _, table := range result.Tables {
		for _, check := range table.Checks {
			check.StaveID = staveID
			if err := e.sink.SaveResult(ctx, check); err != nil {
				return result, fmt.Errorf("%w: persisting result: %v", ErrEngine, err)
			}
		}
	}

	if err := e.sink.SaveAnomalies(ctx, result.Anomalies); err != nil {
		return result, fmt.Errorf("%w: persisting anomalies: %v", ErrEngine, err)
	}

	return result, nil
}

// runClef resolves the stave, connects a fresh connector, executes the
// check and persists the outcome. The connector is closed on every path.
func (e *Engine) runClef(ctx context.Context, clef monitor.Clef) (monitor.CheckResult, error) {
	stave, ok := e.Stave(clef.StaveID)
	if !ok {
		return monitor.CheckResult{}, fmt.Errorf("%w: %q", ErrUnknownStave, clef.StaveID)
	}

	if err := monitor.ValidateClef(clef, stave); err != nil {
		return monitor.CheckResult{}, err
	}

	conn, err := e.connect(ctx, stave)
	if err != nil {
		return monitor.CheckResult{}, err
	}
	defer e.closeConnector(conn, stave.ID)

	readable, ok := conn.(pulse.Readable)
	if !ok {
		return monitor.CheckResult{}, fmt.Errorf("%w: connector %q is not readable", ErrEngine, stave.ConnectorType)
	}

	result, records := e.runner.RunCheck(ctx, readable, clef)

	if err := e.sink.SaveResult(ctx, result); err != nil {
		return result, fmt.Errorf("%w: persisting result: %v", ErrEngine, err)
	}

	if err := e.sink.SaveAnomalies(ctx, records); err != nil {
		return result, fmt.Errorf("%w: persisting anomalies: %v", ErrEngine, err)
	}

	return result, nil
}

// connect builds and connects a fresh connector for the stave.
func (e *Engine) connect(ctx context.Context, stave monitor.Stave) (pulse.Pulse, error) {
	conn, err := e.registry.Create(stave.ConnectorType, stave.Connection)
	if err != nil {
		return nil, err
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	return conn, nil
}

func (e *Engine) closeConnector(conn pulse.Pulse, staveID string) {
	if err := conn.Close(); err != nil {
		e.logger.Warn("closing connector failed",
			slog.String("stave_id", staveID),
			slog.Any("error", err),
		)
	}
}
