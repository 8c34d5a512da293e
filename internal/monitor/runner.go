package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metronome-io/metronome/internal/anomaly"
	"github.com/metronome-io/metronome/internal/profile"
	"github.com/metronome-io/metronome/internal/pulse"
)

const defaultSampleLimit = 10000

// Runner executes data-quality checks against a connected data source.
// Check-level failures never propagate as errors; they become
// error-status results so one failing check cannot abort a wider run.
type Runner struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner returns a Runner. A nil logger falls back to slog.Default().
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{logger: logger, now: time.Now}
}

// RunCheck executes one clef against an already-connected readable
// connector. The caller owns the connector's lifecycle; the runner never
// connects or closes it.
//
// The returned result is immutable and its AnomaliesCount equals
// len(records).
func (r *Runner) RunCheck(ctx context.Context, conn pulse.Readable, clef Clef) (CheckResult, []AnomalyRecord) {
	result := CheckResult{
		ID:        uuid.NewString(),
		ClefID:    clef.ID,
		StaveID:   clef.StaveID,
		CheckType: clef.CheckType,
		State:     RunPending,
		StartedAt: r.now(),
	}

	result.State, _ = result.State.Transition(RunRunning)

	var records []AnomalyRecord

	func() {
		defer func() {
			if p := recover(); p != nil {
				result.Status = StatusError
				result.Message = fmt.Sprintf("check panicked: %v", p)
				records = nil
			}
		}()

		switch clef.CheckType {
		case CheckRowCount:
			result.Status, result.Message, result.Details = r.runRowCount(ctx, conn, clef.Config.Table, clef.Config.ExpectedMin)
		case CheckFreshness:
			result.Status, result.Message, result.Details, records = r.runFreshness(
				ctx, conn, result.ID, clef.Config.Table, clef.Config.TimestampColumn, clef.Config.MaxAgeHours)
		case CheckAnomaly:
			result.Status, result.Message, result.Details, records = r.runAnomalies(
				ctx, conn, result.ID, clef.Config.Table, clef.Config.AnomalyChecks, clef.Config.Statistical)
		case CheckSchema:
			result.Status, result.Message, result.Details, records = r.runSchema(
				ctx, conn, result.ID, clef.Config.Table, clef.Config.ExpectedColumns)
		default:
			result.Status = StatusError
			result.Message = fmt.Sprintf("unknown check type %q", clef.CheckType)
		}
	}()

	result.AnomaliesCount = len(records)
	result.Severity = SeverityFor(result.Status)
	result.CompletedAt = r.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if result.Status == StatusError {
		result.State, _ = result.State.Transition(RunFailed)
	} else {
		result.State, _ = result.State.Transition(RunCompleted)
	}

	r.logger.Debug("check completed",
		slog.String("clef_id", clef.ID),
		slog.String("check_type", string(clef.CheckType)),
		slog.String("status", string(result.Status)),
		slog.Int("anomalies", result.AnomaliesCount),
		slog.Duration("duration", result.Duration),
	)

	return result, records
}

// runRowCount compares the table's row count against the configured
// minimum. Zero rows is critical, a nonzero shortfall is a warning.
func (r *Runner) runRowCount(ctx context.Context, conn pulse.Readable, table string, expectedMin int) (Status, string, map[string]any) {
	rows, err := conn.Query(ctx, pulse.RawQuery{
		SQL: fmt.Sprintf("SELECT COUNT(*) AS row_count FROM %s", table),
	})
	if err != nil {
		return StatusError, fmt.Sprintf("error checking row count: %v", err), map[string]any{"table": table}
	}

	actual := 0
	if len(rows) > 0 {
		if n, ok := profile.ToFloat(rows[0]["row_count"]); ok {
			actual = int(n)
		}
	}

	status := StatusPass
	if actual < expectedMin {
		if actual == 0 {
			status = StatusCritical
		} else {
			status = StatusWarning
		}
	}

	return status,
		fmt.Sprintf("Table %s has %d rows (expected min: %d)", table, actual, expectedMin),
		map[string]any{
			"table":        table,
			"expected_min": expectedMin,
			"actual_count": actual,
		}
}

// runFreshness reads the newest value of the timestamp column and grades
// its age: warning past maxAgeHours, critical past twice that.
func (r *Runner) runFreshness(ctx context.Context, conn pulse.Readable, checkID, table, column string, maxAgeHours float64) (Status, string, map[string]any, []AnomalyRecord) {
	rows, err := conn.Query(ctx, pulse.RawQuery{
		SQL: fmt.Sprintf("SELECT MAX(%s) AS latest_timestamp FROM %s WHERE %s IS NOT NULL", column, table, column),
	})
	if err != nil {
		return StatusError, fmt.Sprintf("error checking data freshness: %v", err), map[string]any{"table": table}, nil
	}

	latest, ok := latestTimestamp(rows)
	if !ok {
		return StatusWarning,
			fmt.Sprintf("Table %s has no timestamp data", table),
			map[string]any{"table": table, "timestamp_column": column},
			nil
	}

	ageHours := r.now().Sub(latest).Hours()

	status := StatusPass
	if ageHours > maxAgeHours {
		if ageHours > maxAgeHours*2 {
			status = StatusCritical
		} else {
			status = StatusWarning
		}
	}

	details := map[string]any{
		"table":            table,
		"timestamp_column": column,
		"latest_timestamp": latest,
		"age_hours":        math.Round(ageHours*100) / 100,
		"max_age_hours":    maxAgeHours,
	}

	message := fmt.Sprintf("Table %s latest data is %.1f hours old (max: %g)", table, ageHours, maxAgeHours)

	var records []AnomalyRecord

	if status != StatusPass {
		records = append(records, AnomalyRecord{
			ID:          uuid.NewString(),
			CheckID:     checkID,
			TableName:   table,
			ColumnName:  column,
			AnomalyType: "stale_data",
			Description: message,
			Severity:    SeverityFor(status),
			DetectedAt:  r.now(),
			DataSample: map[string]any{
				"latest_timestamp": latest,
				"age_hours":        math.Round(ageHours*100) / 100,
			},
			ResolutionStatus: ResolutionInvestigating,
		})
	}

	return status, message, details, records
}

// runAnomalies executes the named SQL probes and, when configured, the
// statistical detector over raw column samples. Per-probe status
// escalates warning to critical at twice the expected maximum; the
// overall status escalates from the summed anomaly count.
func (r *Runner) runAnomalies(ctx context.Context, conn pulse.Readable, checkID, table string, checks []AnomalyCheck, stat *StatisticalConfig) (Status, string, map[string]any, []AnomalyRecord) {
	var (
		checkResults   []map[string]any
		records        []AnomalyRecord
		totalAnomalies int
	)

	for _, check := range checks {
		rows, err := conn.Query(ctx, pulse.RawQuery{SQL: check.SQL})
		if err != nil {
			execErr := fmt.Errorf("%w: anomaly check %q: %v", ErrCheckExecution, check.Name, err)

			return StatusError,
				fmt.Sprintf("error checking anomalies: %v", execErr),
				map[string]any{"table": table},
				nil
		}

		count := 0
		if len(rows) > 0 {
			if n, ok := profile.ToFloat(rows[0]["count"]); ok {
				count = int(n)
			}
		}

		totalAnomalies += count

		status := StatusPass
		if count > check.ExpectedMax {
			if count > check.ExpectedMax*2 {
				status = StatusCritical
			} else {
				status = StatusWarning
			}
		}

		checkResults = append(checkResults, map[string]any{
			"check_name":    check.Name,
			"anomaly_count": count,
			"expected_max":  check.ExpectedMax,
			"status":        status,
		})

		if status != StatusPass {
			records = append(records, AnomalyRecord{
				ID:          uuid.NewString(),
				CheckID:     checkID,
				TableName:   table,
				AnomalyType: "sql_check",
				Description: fmt.Sprintf("Check %q found %d anomalies (expected max: %d)", check.Name, count, check.ExpectedMax),
				Severity:    SeverityFor(status),
				DetectedAt:  r.now(),
				DataSample: map[string]any{
					"check_name":    check.Name,
					"anomaly_count": count,
				},
				ResolutionStatus: ResolutionInvestigating,
			})
		}
	}

	if stat != nil && len(stat.Columns) > 0 {
		statRecords, statDetails, err := r.runStatistical(ctx, conn, checkID, table, stat)
		if err != nil {
			return StatusError,
				fmt.Sprintf("error checking anomalies: %v", err),
				map[string]any{"table": table},
				nil
		}

		records = append(records, statRecords...)
		totalAnomalies += len(statRecords)
		checkResults = append(checkResults, statDetails...)
	}

	overall := StatusPass
	if totalAnomalies > 0 {
		if totalAnomalies < 10 {
			overall = StatusWarning
		} else {
			overall = StatusCritical
		}
	}

	details := map[string]any{
		"table":           table,
		"total_anomalies": totalAnomalies,
		"checks":          checkResults,
	}

	return overall,
		fmt.Sprintf("Table %s has %d total anomalies", table, totalAnomalies),
		details,
		records
}

// runStatistical samples the configured columns and applies the selected
// detection method to each, producing one anomaly record per outlier.
func (r *Runner) runStatistical(ctx context.Context, conn pulse.Readable, checkID, table string, stat *StatisticalConfig) ([]AnomalyRecord, []map[string]any, error) {
	limit := stat.SampleLimit
	if limit <= 0 {
		limit = defaultSampleLimit
	}

	rows, err := conn.Query(ctx, pulse.RawQuery{
		SQL: fmt.Sprintf("SELECT %s FROM %s LIMIT %d", strings.Join(stat.Columns, ", "), table, limit),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: sampling %s: %v", ErrCheckExecution, table, err)
	}

	var (
		records []AnomalyRecord
		details []map[string]any
	)

	for _, column := range stat.Columns {
		values := make([]any, len(rows))
		for i, row := range rows {
			values[i] = row[column]
		}

		result, err := anomaly.Detect(stat.Method, values)
		if err != nil {
			return nil, nil, err
		}

		for _, idx := range result.Indices {
			records = append(records, AnomalyRecord{
				ID:          uuid.NewString(),
				CheckID:     checkID,
				TableName:   table,
				ColumnName:  column,
				AnomalyType: fmt.Sprintf("statistical_%s", result.Method),
				Description: fmt.Sprintf("Value in column %s is a %s outlier", column, result.Method),
				Severity:    SeverityMedium,
				DetectedAt:  r.now(),
				DataSample: map[string]any{
					"row_index": idx,
					"value":     values[idx],
				},
				ResolutionStatus: ResolutionInvestigating,
			})
		}

		detail := map[string]any{
			"check_name":    fmt.Sprintf("statistical_%s_%s", result.Method, column),
			"anomaly_count": result.Count,
			"thresholds":    result.Thresholds,
			"status":        StatusPass,
		}
		if result.Note != "" {
			detail["note"] = result.Note
		}

		if result.Count > 0 {
			detail["status"] = StatusWarning
		}

		details = append(details, detail)
	}

	return records, details, nil
}

// runSchema compares the table's actual column set against the expected
// list. Missing columns are critical; extra-only drift is a warning.
func (r *Runner) runSchema(ctx context.Context, conn pulse.Readable, checkID, table string, expectedColumns []string) (Status, string, map[string]any, []AnomalyRecord) {
	rows, err := conn.Query(ctx, pulse.TableInfoQuery{Table: table})
	if err != nil {
		return StatusError, fmt.Sprintf("error checking schema: %v", err), map[string]any{"table": table}, nil
	}

	actual := make([]string, 0, len(rows))
	actualSet := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		if name, ok := row["column_name"].(string); ok {
			actual = append(actual, name)
			actualSet[name] = struct{}{}
		}
	}

	expectedSet := make(map[string]struct{}, len(expectedColumns))
	for _, col := range expectedColumns {
		expectedSet[col] = struct{}{}
	}

	var missing, extra []string

	for _, col := range expectedColumns {
		if _, ok := actualSet[col]; !ok {
			missing = append(missing, col)
		}
	}

	for _, col := range actual {
		if _, ok := expectedSet[col]; !ok {
			extra = append(extra, col)
		}
	}

	sort.Strings(missing)
	sort.Strings(extra)

	status := StatusPass
	if len(missing) > 0 {
		status = StatusCritical
	} else if len(extra) > 0 {
		status = StatusWarning
	}

	var records []AnomalyRecord

	for _, col := range missing {
		records = append(records, AnomalyRecord{
			ID:               uuid.NewString(),
			CheckID:          checkID,
			TableName:        table,
			ColumnName:       col,
			AnomalyType:      "missing_column",
			Description:      fmt.Sprintf("Expected column %s is missing from %s", col, table),
			Severity:         SeverityCritical,
			DetectedAt:       r.now(),
			ResolutionStatus: ResolutionInvestigating,
		})
	}

	for _, col := range extra {
		records = append(records, AnomalyRecord{
			ID:               uuid.NewString(),
			CheckID:          checkID,
			TableName:        table,
			ColumnName:       col,
			AnomalyType:      "unexpected_column",
			Description:      fmt.Sprintf("Unexpected column %s present in %s", col, table),
			Severity:         SeverityMedium,
			DetectedAt:       r.now(),
			ResolutionStatus: ResolutionInvestigating,
		})
	}

	details := map[string]any{
		"table":            table,
		"expected_columns": expectedColumns,
		"actual_columns":   actual,
		"missing_columns":  missing,
		"extra_columns":    extra,
	}

	message := fmt.Sprintf("Table %s schema check: %d missing, %d extra columns", table, len(missing), len(extra))

	return status, message, details, records
}

// latestTimestamp extracts the MAX() value from a freshness query result.
// Drivers return timestamps as time.Time or as text.
func latestTimestamp(rows []pulse.Row) (time.Time, bool) {
	if len(rows) == 0 {
		return time.Time{}, false
	}

	value := rows[0]["latest_timestamp"]
	if value == nil {
		return time.Time{}, false
	}

	if t, ok := profile.ToTime(value); ok {
		return t, true
	}

	if s, ok := value.(string); ok {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}

	return time.Time{}, false
}
