// Package main provides the Metronome data-quality monitoring service.
//
// Metronome loads a declarative monitoring plan, schedules its checks
// against the configured data sources and persists results to the
// configured sink until the process is signalled to stop.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/metronome-io/metronome/internal/config"
	"github.com/metronome-io/metronome/internal/engine"
	"github.com/metronome-io/metronome/internal/sink"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "metronome"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	planFlag := flag.String("plan", "", "path to the monitoring plan (overrides METRONOME_PLAN)")
	sweepFlag := flag.Bool("sweep", false, "run the plan's comprehensive sweeps once and exit")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	service := config.LoadService()
	if *planFlag != "" {
		service.PlanPath = *planFlag
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("METRONOME_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Metronome service",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("plan", service.PlanPath),
		slog.String("log_level", service.LogLevel),
		slog.Duration("shutdown_timeout", service.ShutdownTimeout),
	)

	plan, err := config.LoadPlan(service.PlanPath)
	if err != nil {
		logger.Error("Failed to load monitoring plan", slog.String("error", err.Error()))
		os.Exit(1)
	}

	resultSink, err := buildSink(plan.Sink, logger)
	if err != nil {
		logger.Error("Failed to initialize result sink", slog.String("error", err.Error()))
		os.Exit(1)
	}

	eng := engine.New(engine.Options{
		Logger:       logger,
		Sink:         resultSink,
		TriggerBurst: service.TriggerBurst,
	})

	for _, stave := range plan.Staves {
		if !stave.Active {
			logger.Info("Skipping inactive stave", slog.String("stave_id", stave.ID))

			continue
		}

		if err := eng.AddStave(stave); err != nil {
			logger.Error("Failed to register stave",
				slog.String("stave_id", stave.ID),
				slog.String("error", err.Error()),
			)

			_ = eng.Close()
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *sweepFlag || service.SweepOnStart {
		runSweeps(ctx, eng, plan, logger)

		if err := eng.Close(); err != nil {
			logger.Error("Shutdown failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		return
	}

	eng.Start(ctx)

	scheduled := 0

	for _, clef := range plan.Clefs {
		if !clef.Active {
			continue
		}

		if err := eng.ScheduleClef(clef); err != nil {
			logger.Error("Failed to schedule clef",
				slog.String("clef_id", clef.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		scheduled++
	}

	logger.Info("Monitoring plan active",
		slog.Int("staves", len(plan.Staves)),
		slog.Int("clefs_scheduled", scheduled),
	)

	<-ctx.Done()

	logger.Info("Shutdown signal received")

	if err := closeWithTimeout(eng, service.ShutdownTimeout, logger); err != nil {
		logger.Error("Shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// closeWithTimeout bounds engine shutdown: a drain that exceeds the
// configured timeout exits the process instead of hanging it.
func closeWithTimeout(eng *engine.Engine, timeout time.Duration, logger *slog.Logger) error {
	done := make(chan error, 1)

	go func() {
		done <- eng.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		logger.Error("Shutdown timed out", slog.Duration("timeout", timeout))
		os.Exit(1)

		return nil
	}
}

// runSweeps executes every comprehensive entry in the plan once.
func runSweeps(ctx context.Context, eng *engine.Engine, plan *config.Plan, logger *slog.Logger) {
	for _, entry := range plan.Comprehensive {
		result, err := eng.RunComprehensive(ctx, entry.StaveID, entry.Tables)
		if err != nil {
			logger.Error("Comprehensive sweep failed",
				slog.String("stave_id", entry.StaveID),
				slog.String("error", err.Error()),
			)

			continue
		}

		logger.Info("Comprehensive sweep finished",
			slog.String("stave_id", entry.StaveID),
			slog.Int("tables_checked", result.TablesChecked),
			slog.String("overall_status", string(result.OverallStatus)),
			slog.Int("anomalies", len(result.Anomalies)),
		)
	}
}

// buildSink constructs the configured result sink.
func buildSink(cfg config.SinkConfig, logger *slog.Logger) (sink.ResultSink, error) {
	switch cfg.Kind {
	case "postgres":
		return sink.NewPostgresSink(cfg.DatabaseURL, logger)
	case "kafka":
		return sink.NewKafkaSink(cfg.Kafka, logger)
	default:
		return sink.NewMemorySink(), nil
	}
}
