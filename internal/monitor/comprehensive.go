package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/metronome-io/metronome/internal/pulse"
)

type (
	// RowCountConfig configures a row-count check within a table plan.
	RowCountConfig struct {
		ExpectedMin int `yaml:"expected_min" json:"expected_min"`
	}

	// FreshnessConfig configures a freshness check within a table plan.
	FreshnessConfig struct {
		TimestampColumn string  `yaml:"timestamp_column" json:"timestamp_column"`
		MaxAgeHours     float64 `yaml:"max_age_hours"    json:"max_age_hours"`
	}

	// SchemaConfig configures a schema check within a table plan.
	SchemaConfig struct {
		ExpectedColumns []string `yaml:"expected_columns" json:"expected_columns"`
	}

	// TableCheckConfig is the per-table plan for a comprehensive run.
	// Nil sections are skipped.
	TableCheckConfig struct {
		TableName     string             `yaml:"table_name"     json:"table_name"`
		RowCount      *RowCountConfig    `yaml:"row_count"      json:"row_count,omitempty"`
		Freshness     *FreshnessConfig   `yaml:"freshness"      json:"freshness,omitempty"`
		AnomalyChecks []AnomalyCheck     `yaml:"anomaly_checks" json:"anomaly_checks,omitempty"`
		Statistical   *StatisticalConfig `yaml:"statistical"    json:"statistical,omitempty"`
		Schema        *SchemaConfig      `yaml:"schema"         json:"schema,omitempty"`
	}

	// TableResult holds the ordered check results for one table.
	TableResult struct {
		TableName     string        `json:"table_name"`
		Checks        []CheckResult `json:"checks"`
		OverallStatus Status        `json:"overall_status"`
	}

	// ComprehensiveResult aggregates a full monitoring sweep across all
	// configured tables.
	ComprehensiveResult struct {
		ID            string          `json:"id"`
		StaveID       string          `json:"stave_id"`
		StartedAt     time.Time       `json:"started_at"`
		CompletedAt   time.Time       `json:"completed_at"`
		Duration      time.Duration   `json:"duration"`
		TablesChecked int             `json:"tables_checked"`
		OverallStatus Status          `json:"overall_status"`
		Tables        []TableResult   `json:"tables"`
		Summary       map[Status]int  `json:"summary"`
		Anomalies     []AnomalyRecord `json:"anomalies,omitempty"`
	}
)

// RunComprehensive sweeps every configured table, running its checks in a
// fixed order: row count, freshness, anomalies, schema. A failure in one
// table degrades that table to error status and the sweep moves on.
func (r *Runner) RunComprehensive(ctx context.Context, conn pulse.Readable, staveID string, configs []TableCheckConfig) ComprehensiveResult {
	result := ComprehensiveResult{
		ID:        uuid.NewString(),
		StaveID:   staveID,
		StartedAt: r.now(),
		Summary:   map[Status]int{},
	}

	for _, cfg := range configs {
		tableResult := r.runTable(ctx, conn, cfg)
		result.Tables = append(result.Tables, tableResult.result)
		result.Anomalies = append(result.Anomalies, tableResult.records...)

		for _, check := range tableResult.result.Checks {
			result.Summary[check.Status]++
		}
	}

	result.TablesChecked = len(result.Tables)

	statuses := make([]Status, 0, len(result.Tables))
	for _, t := range result.Tables {
		statuses = append(statuses, t.OverallStatus)
	}

	result.OverallStatus = WorstStatus(statuses...)
	result.CompletedAt = r.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	r.logger.Info("comprehensive run completed",
		slog.String("stave_id", staveID),
		slog.Int("tables_checked", result.TablesChecked),
		slog.String("overall_status", string(result.OverallStatus)),
		slog.Int("anomalies", len(result.Anomalies)),
		slog.Duration("duration", result.Duration),
	)

	return result
}

type tableRun struct {
	result  TableResult
	records []AnomalyRecord
}

// runTable executes one table's configured checks, converting panics into
// an error-status result so the sweep survives a misbehaving check.
func (r *Runner) runTable(ctx context.Context, conn pulse.Readable, cfg TableCheckConfig) (run tableRun) {
	run.result.TableName = cfg.TableName

	// phase tracks the check currently executing so a panic is attributed
	// to the right check type.
	phase := CheckRowCount

	defer func() {
		if p := recover(); p != nil {
			check := r.newCheckResult(phase, StatusError, fmt.Sprintf("table check panicked: %v", p), map[string]any{"table": cfg.TableName})
			run.result.Checks = append(run.result.Checks, check)
			run.records = nil
			run.result.OverallStatus = StatusError
		}
	}()

	if cfg.RowCount != nil {
		status, message, details := r.runRowCount(ctx, conn, cfg.TableName, cfg.RowCount.ExpectedMin)
		run.result.Checks = append(run.result.Checks, r.newCheckResult(CheckRowCount, status, message, details))
	}

	if cfg.Freshness != nil {
		phase = CheckFreshness
		check := r.newCheckResult(CheckFreshness, StatusPass, "", nil)
		status, message, details, records := r.runFreshness(ctx, conn, check.ID, cfg.TableName, cfg.Freshness.TimestampColumn, cfg.Freshness.MaxAgeHours)
		check = r.finishCheck(check, status, message, details, len(records))
		run.result.Checks = append(run.result.Checks, check)
		run.records = append(run.records, records...)
	}

	if len(cfg.AnomalyChecks) > 0 || cfg.Statistical != nil {
		phase = CheckAnomaly
		check := r.newCheckResult(CheckAnomaly, StatusPass, "", nil)
		status, message, details, records := r.runAnomalies(ctx, conn, check.ID, cfg.TableName, cfg.AnomalyChecks, cfg.Statistical)
		check = r.finishCheck(check, status, message, details, len(records))
		run.result.Checks = append(run.result.Checks, check)
		run.records = append(run.records, records...)
	}

	if cfg.Schema != nil {
		phase = CheckSchema
		check := r.newCheckResult(CheckSchema, StatusPass, "", nil)
		status, message, details, records := r.runSchema(ctx, conn, check.ID, cfg.TableName, cfg.Schema.ExpectedColumns)
		check = r.finishCheck(check, status, message, details, len(records))
		run.result.Checks = append(run.result.Checks, check)
		run.records = append(run.records, records...)
	}

	statuses := make([]Status, 0, len(run.result.Checks))
	for _, check := range run.result.Checks {
		statuses = append(statuses, check.Status)
	}

	run.result.OverallStatus = WorstStatus(statuses...)

	return run
}

// newCheckResult builds a completed standalone check result for
// comprehensive runs, which have no backing clef.
func (r *Runner) newCheckResult(checkType CheckType, status Status, message string, details map[string]any) CheckResult {
	now := r.now()

	check := CheckResult{
		ID:          uuid.NewString(),
		CheckType:   checkType,
		State:       RunCompleted,
		Status:      status,
		Message:     message,
		Details:     details,
		Severity:    SeverityFor(status),
		StartedAt:   now,
		CompletedAt: now,
	}
	if status == StatusError {
		check.State = RunFailed
	}

	return check
}

// finishCheck fills in the outcome of a pre-allocated check result whose
// ID was needed up front to link anomaly records.
func (r *Runner) finishCheck(check CheckResult, status Status, message string, details map[string]any, anomalies int) CheckResult {
	check.Status = status
	check.Message = message
	check.Details = details
	check.AnomaliesCount = anomalies
	check.Severity = SeverityFor(status)
	check.CompletedAt = r.now()
	check.Duration = check.CompletedAt.Sub(check.StartedAt)

	if status == StatusError {
		check.State = RunFailed
	}

	return check
}
