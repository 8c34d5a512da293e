// Package monitor defines the check domain model and the runner that
// executes data-quality checks against a connected data source.
package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/metronome-io/metronome/internal/pulse"
)

// Sentinel errors for check execution.
var (
	// ErrCheckExecution is the root of check failures that are independent
	// of connectivity (e.g. malformed SQL in an anomaly check). The runner
	// downgrades these to error-status results instead of propagating.
	ErrCheckExecution = errors.New("check execution failed")

	// ErrInactiveStave is returned when a clef references a stave that is
	// not active.
	ErrInactiveStave = fmt.Errorf("%w: stave is not active", pulse.ErrValidation)

	// ErrUnknownCheckType is returned for a clef with an unrecognized
	// check type.
	ErrUnknownCheckType = fmt.Errorf("%w: unknown check type", pulse.ErrValidation)
)

// CheckType identifies what a clef verifies.
type CheckType string

// Check types.
const (
	CheckRowCount  CheckType = "row_count"
	CheckFreshness CheckType = "freshness"
	CheckAnomaly   CheckType = "anomaly"
	CheckSchema    CheckType = "schema"
)

// Status is the outcome of a check, ordered by precedence
// critical > warning > error > pass for aggregation.
type Status string

// Check statuses.
const (
	StatusPass     Status = "pass"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusError    Status = "error"
)

// statusRank orders statuses for worst-case aggregation.
var statusRank = map[Status]int{
	StatusPass:     0,
	StatusError:    1,
	StatusWarning:  2,
	StatusCritical: 3,
}

// WorstStatus returns the highest-precedence status of the given set,
// or pass when none are given.
func WorstStatus(statuses ...Status) Status {
	worst := StatusPass

	for _, s := range statuses {
		if statusRank[s] > statusRank[worst] {
			worst = s
		}
	}

	return worst
}

// Severity grades a result for downstream triage.
type Severity string

// Severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a check status to a result severity.
func SeverityFor(status Status) Severity {
	switch status {
	case StatusCritical:
		return SeverityCritical
	case StatusError:
		return SeverityHigh
	case StatusWarning:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ResolutionStatus tracks an anomaly through its external workflow. The
// detector only ever creates records as ResolutionInvestigating; later
// transitions belong to the resolution workflow, never to the engine.
type ResolutionStatus string

// Anomaly resolution states.
const (
	ResolutionInvestigating ResolutionStatus = "investigating"
	ResolutionPending       ResolutionStatus = "pending"
	ResolutionResolved      ResolutionStatus = "resolved"
)

type (
	// Stave is a named, configured data source. It is created by the
	// external configuration layer and read-only from the engine's view.
	Stave struct {
		ID            string                  `yaml:"id" json:"id"`
		Name          string                  `yaml:"name" json:"name"`
		ConnectorType string                  `yaml:"connector_type" json:"connector_type"`
		Connection    pulse.ConnectionProfile `yaml:"connection" json:"-"`
		Active        bool                    `yaml:"active" json:"active"`
	}

	// Clef is a named check definition bound to a stave. Schedule, when
	// non-empty, is a cron expression.
	Clef struct {
		ID        string      `yaml:"id" json:"id"`
		StaveID   string      `yaml:"stave_id" json:"stave_id"`
		Name      string      `yaml:"name" json:"name"`
		CheckType CheckType   `yaml:"check_type" json:"check_type"`
		Config    CheckConfig `yaml:"config" json:"config"`
		Schedule  string      `yaml:"schedule" json:"schedule,omitempty"`
		Active    bool        `yaml:"active" json:"active"`
	}

	// CheckConfig carries the type-specific settings of a clef. Only the
	// fields relevant to the clef's check type are read.
	CheckConfig struct {
		Table string `yaml:"table" json:"table"`

		// row_count
		ExpectedMin int `yaml:"expected_min" json:"expected_min,omitempty"`

		// freshness
		TimestampColumn string  `yaml:"timestamp_column" json:"timestamp_column,omitempty"`
		MaxAgeHours     float64 `yaml:"max_age_hours" json:"max_age_hours,omitempty"`

		// anomaly: named SQL checks, each returning a single "count"
		// column, plus optional statistical detection over raw columns.
		AnomalyChecks []AnomalyCheck     `yaml:"anomaly_checks" json:"anomaly_checks,omitempty"`
		Statistical   *StatisticalConfig `yaml:"statistical" json:"statistical,omitempty"`

		// schema
		ExpectedColumns []string `yaml:"expected_columns" json:"expected_columns,omitempty"`
	}

	// AnomalyCheck is one named SQL-defined anomaly probe with the
	// maximum count considered acceptable.
	AnomalyCheck struct {
		Name        string `yaml:"name" json:"name"`
		SQL         string `yaml:"sql" json:"sql"`
		ExpectedMax int    `yaml:"expected_max" json:"expected_max"`
	}

	// StatisticalConfig selects columns for profiler-driven outlier
	// detection during an anomaly check.
	StatisticalConfig struct {
		Columns     []string `yaml:"columns" json:"columns"`
		Method      string   `yaml:"method" json:"method"`
		SampleLimit int      `yaml:"sample_limit" json:"sample_limit,omitempty"`
	}

	// CheckResult is the immutable outcome of one clef execution.
	// Re-runs create new results, never mutate old ones.
	CheckResult struct {
		ID             string         `json:"id"`
		ClefID         string         `json:"clef_id"`
		StaveID        string         `json:"stave_id"`
		CheckType      CheckType      `json:"check_type"`
		State          RunState       `json:"state"`
		Status         Status         `json:"status"`
		Message        string         `json:"message"`
		Details        map[string]any `json:"details,omitempty"`
		AnomaliesCount int            `json:"anomalies_count"`
		Severity       Severity       `json:"severity"`
		StartedAt      time.Time      `json:"started_at"`
		CompletedAt    time.Time      `json:"completed_at"`
		Duration       time.Duration  `json:"duration"`
	}

	// AnomalyRecord is one detected anomaly, independently trackable to
	// resolution by an external workflow.
	AnomalyRecord struct {
		ID               string           `json:"id"`
		CheckID          string           `json:"check_id"`
		TableName        string           `json:"table_name"`
		ColumnName       string           `json:"column_name,omitempty"`
		AnomalyType      string           `json:"anomaly_type"`
		Description      string           `json:"description"`
		Severity         Severity         `json:"severity"`
		DetectedAt       time.Time        `json:"detected_at"`
		DataSample       map[string]any   `json:"data_sample,omitempty"`
		ResolutionStatus ResolutionStatus `json:"resolution_status"`
	}
)

// ValidateClef checks a clef definition against its stave before any
// backend call. Violations surface synchronously as validation errors.
func ValidateClef(clef Clef, stave Stave) error {
	if clef.StaveID != stave.ID {
		return fmt.Errorf("%w: clef %s references stave %s, got %s",
			pulse.ErrValidation, clef.ID, clef.StaveID, stave.ID)
	}

	if !stave.Active {
		return fmt.Errorf("%w: %s", ErrInactiveStave, stave.ID)
	}

	switch clef.CheckType {
	case CheckRowCount, CheckFreshness, CheckAnomaly, CheckSchema:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCheckType, clef.CheckType)
	}

	if clef.Config.Table == "" {
		return fmt.Errorf("%w: clef %s has no table", pulse.ErrValidation, clef.ID)
	}

	if clef.CheckType == CheckFreshness {
		if clef.Config.TimestampColumn == "" {
			return fmt.Errorf("%w: freshness clef %s has no timestamp column", pulse.ErrValidation, clef.ID)
		}

		if clef.Config.MaxAgeHours <= 0 {
			return fmt.Errorf("%w: freshness clef %s needs a positive max age", pulse.ErrValidation, clef.ID)
		}
	}

	return nil
}
