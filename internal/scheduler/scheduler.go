// Package scheduler manages recurring execution of monitoring checks.
//
// Each clef owns at most one cron entry, keyed by clef ID; scheduling an
// ID that is already registered atomically replaces the previous entry.
// Concurrent runs of the same clef are capped: when the cap is reached a
// firing is skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// maxInstances caps concurrent executions per scheduled clef.
const maxInstances = 3

// specParser accepts the same six-field expressions as cron.WithSeconds.
// Schedule parses up front so a bad expression is rejected before the
// prior entry is touched.
var specParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ErrScheduler is the root of all scheduling failures.
var ErrScheduler = errors.New("scheduler error")

// Job is the work a scheduled entry performs on each firing.
type Job func(ctx context.Context)

type entry struct {
	cronID cron.EntryID
	sem    *semaphore.Weighted
}

// Scheduler runs registered jobs on cron schedules.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*entry
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
}

// New returns a stopped Scheduler. Call Start before scheduling has any
// effect on job execution.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		logger:  logger,
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]*entry),
	}
}

// Start begins dispatching scheduled jobs. The given context bounds every
// job execution; cancelling it (or calling Stop) halts dispatch.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true

	s.logger.Info("scheduler started")
}

// Stop halts dispatch and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return
	}

	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	// Wait for running jobs outside the lock; a job may call Remove.
	<-s.cron.Stop().Done()
	cancel()

	s.logger.Info("scheduler stopped")
}

// Schedule registers job under id using a six-field cron expression
// (seconds granularity). An existing entry with the same id is replaced
// atomically; its pending firings are discarded.
func (s *Scheduler) Schedule(id, spec string, job Job) error {
	if id == "" {
		return fmt.Errorf("%w: empty job id", ErrScheduler)
	}

	if job == nil {
		return fmt.Errorf("%w: nil job for %q", ErrScheduler, id)
	}

	sched, err := specParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("%w: invalid schedule %q for %q: %v", ErrScheduler, spec, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove the prior entry before registering the new one so no tick
	// ever fires both.
	if prev, ok := s.entries[id]; ok {
		s.cron.Remove(prev.cronID)
		s.logger.Info("replaced scheduled job", slog.String("job_id", id), slog.String("schedule", spec))
	} else {
		s.logger.Info("scheduled job", slog.String("job_id", id), slog.String("schedule", spec))
	}

	e := &entry{sem: semaphore.NewWeighted(maxInstances)}
	e.cronID = s.cron.Schedule(sched, cron.FuncJob(s.wrap(id, e, job)))
	s.entries[id] = e

	return nil
}

// Remove unregisters the entry for id. Removing an unknown id is a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}

	s.cron.Remove(e.cronID)
	delete(s.entries, id)

	s.logger.Info("removed scheduled job", slog.String("job_id", id))
}

// JobIDs reports the currently registered entry IDs.
func (s *Scheduler) JobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}

	return ids
}

// wrap guards a job with the per-entry instance cap and panic recovery.
func (s *Scheduler) wrap(id string, e *entry, job Job) func() {
	return func() {
		if !e.sem.TryAcquire(1) {
			s.logger.Warn("skipping job firing, concurrency limit reached",
				slog.String("job_id", id),
				slog.Int("max_instances", maxInstances),
			)

			return
		}
		defer e.sem.Release(1)

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("scheduled job panicked",
					slog.String("job_id", id),
					slog.Any("panic", p),
				)
			}
		}()

		s.mu.Lock()
		ctx := s.baseCtx
		started := s.started
		s.mu.Unlock()

		if !started || ctx == nil {
			return
		}

		job(ctx)
	}
}
