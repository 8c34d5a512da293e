package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metronome-io/metronome/internal/pulse"
)

// fakeReadable answers queries from a canned script. Raw statements match
// by substring; table info requests match by table name.
type fakeReadable struct {
	rows   map[string][]pulse.Row
	tables map[string][]pulse.Row
	errs   map[string]error
}

func (f *fakeReadable) Query(_ context.Context, spec pulse.QuerySpec) ([]pulse.Row, error) {
	switch q := spec.(type) {
	case pulse.RawQuery:
		for key, err := range f.errs {
			if strings.Contains(q.SQL, key) {
				return nil, err
			}
		}

		// Prefer the longest matching key so table-specific entries
		// override generic ones regardless of map iteration order.
		var (
			best    []pulse.Row
			bestLen int
			matched bool
		)
		for key, rows := range f.rows {
			if strings.Contains(q.SQL, key) && len(key) > bestLen {
				best, bestLen, matched = rows, len(key), true
			}
		}
		if matched {
			return best, nil
		}

		return nil, nil
	case pulse.TableInfoQuery:
		if rows, ok := f.tables[q.Table]; ok {
			return rows, nil
		}

		return nil, fmt.Errorf("no such table %s", q.Table)
	default:
		return nil, fmt.Errorf("unexpected query spec %T", spec)
	}
}

func fixedRunner(now time.Time) *Runner {
	r := NewRunner(nil)
	r.now = func() time.Time { return now }

	return r
}

func rowCountClef(expectedMin int) Clef {
	return Clef{
		ID:        "clef-1",
		StaveID:   "stave-1",
		CheckType: CheckRowCount,
		Config:    CheckConfig{Table: "events", ExpectedMin: expectedMin},
	}
}

func TestRunCheck_RowCount(t *testing.T) {
	tests := []struct {
		name        string
		actual      int64
		expectedMin int
		want        Status
	}{
		{"zero rows is critical", 0, 10, StatusCritical},
		{"shortfall is warning", 5, 10, StatusWarning},
		{"enough rows pass", 15, 10, StatusPass},
		{"exact minimum passes", 10, 10, StatusPass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeReadable{rows: map[string][]pulse.Row{
				"COUNT(*)": {{"row_count": tt.actual}},
			}}

			result, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, rowCountClef(tt.expectedMin))

			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, RunCompleted, result.State)
			assert.Empty(t, records)
			assert.EqualValues(t, tt.actual, result.Details["actual_count"])
		})
	}
}

func TestRunCheck_RowCountQueryError(t *testing.T) {
	conn := &fakeReadable{errs: map[string]error{"COUNT(*)": errors.New("relation does not exist")}}

	result, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, rowCountClef(10))

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, RunFailed, result.State)
	assert.Equal(t, SeverityHigh, result.Severity)
	assert.Contains(t, result.Message, "relation does not exist")
	assert.Empty(t, records)
}

func TestRunCheck_Freshness_Stale(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	latest := now.Add(-6 * time.Hour)

	clef := Clef{
		ID:        "clef-fresh",
		StaveID:   "stave-1",
		CheckType: CheckFreshness,
		Config: CheckConfig{
			Table:           "events",
			TimestampColumn: "created_at",
			MaxAgeHours:     4,
		},
	}

	conn := &fakeReadable{rows: map[string][]pulse.Row{
		"MAX(created_at)": {{"latest_timestamp": latest}},
	}}

	result, records := fixedRunner(now).RunCheck(context.Background(), conn, clef)

	// Six hours old against a four hour limit: warning, not critical.
	assert.Equal(t, StatusWarning, result.Status)
	assert.InDelta(t, 6.0, result.Details["age_hours"], 0.01)
	assert.Equal(t, 4.0, result.Details["max_age_hours"])

	require.Len(t, records, 1)
	assert.Equal(t, "stale_data", records[0].AnomalyType)
	assert.Equal(t, SeverityMedium, records[0].Severity)
	assert.Equal(t, result.ID, records[0].CheckID)
	assert.Equal(t, ResolutionInvestigating, records[0].ResolutionStatus)
}

func TestRunCheck_Freshness_CriticalPastDoubleLimit(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	clef := Clef{
		ID:        "clef-fresh",
		StaveID:   "stave-1",
		CheckType: CheckFreshness,
		Config:    CheckConfig{Table: "events", TimestampColumn: "created_at", MaxAgeHours: 4},
	}

	conn := &fakeReadable{rows: map[string][]pulse.Row{
		"MAX(created_at)": {{"latest_timestamp": now.Add(-9 * time.Hour)}},
	}}

	result, records := fixedRunner(now).RunCheck(context.Background(), conn, clef)

	assert.Equal(t, StatusCritical, result.Status)
	require.Len(t, records, 1)
	assert.Equal(t, SeverityCritical, records[0].Severity)
}

func TestRunCheck_Freshness_NoTimestampData(t *testing.T) {
	clef := Clef{
		ID:        "clef-fresh",
		StaveID:   "stave-1",
		CheckType: CheckFreshness,
		Config:    CheckConfig{Table: "events", TimestampColumn: "created_at", MaxAgeHours: 4},
	}

	conn := &fakeReadable{rows: map[string][]pulse.Row{
		"MAX(created_at)": {{"latest_timestamp": nil}},
	}}

	result, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, clef)

	assert.Equal(t, StatusWarning, result.Status)
	assert.Contains(t, result.Message, "no timestamp data")
	assert.Empty(t, records)
}

func TestRunCheck_Freshness_TextTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	clef := Clef{
		ID:        "clef-fresh",
		StaveID:   "stave-1",
		CheckType: CheckFreshness,
		Config:    CheckConfig{Table: "events", TimestampColumn: "created_at", MaxAgeHours: 4},
	}

	conn := &fakeReadable{rows: map[string][]pulse.Row{
		"MAX(created_at)": {{"latest_timestamp": now.Add(-time.Hour).Format(time.RFC3339)}},
	}}

	result, _ := fixedRunner(now).RunCheck(context.Background(), conn, clef)

	assert.Equal(t, StatusPass, result.Status)
}

func TestRunCheck_Anomaly_NamedChecks(t *testing.T) {
	clef := Clef{
		ID:        "clef-anomaly",
		StaveID:   "stave-1",
		CheckType: CheckAnomaly,
		Config: CheckConfig{
			Table: "orders",
			AnomalyChecks: []AnomalyCheck{
				{Name: "negative_totals", SQL: "SELECT COUNT(*) AS count FROM orders WHERE total < 0", ExpectedMax: 0},
				{Name: "orphaned_rows", SQL: "SELECT COUNT(*) AS count FROM orders WHERE customer_id IS NULL", ExpectedMax: 5},
			},
		},
	}

	conn := &fakeReadable{rows: map[string][]pulse.Row{
		"total < 0":           {{"count": int64(3)}},
		"customer_id IS NULL": {{"count": int64(2)}},
	}}

	result, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, clef)

	// Five anomalies total: below ten, so warning overall.
	assert.Equal(t, StatusWarning, result.Status)
	assert.Equal(t, 5, result.Details["total_anomalies"])

	// Only the check over its expected max produces a record.
	require.Len(t, records, 1)
	assert.Equal(t, "sql_check", records[0].AnomalyType)
	assert.Contains(t, records[0].Description, "negative_totals")
}

func TestRunCheck_Anomaly_CriticalAtTenTotal(t *testing.T) {
	clef := Clef{
		ID:        "clef-anomaly",
		StaveID:   "stave-1",
		CheckType: CheckAnomaly,
		Config: CheckConfig{
			Table: "orders",
			AnomalyChecks: []AnomalyCheck{
				{Name: "bad_rows", SQL: "SELECT COUNT(*) AS count FROM orders WHERE bad", ExpectedMax: 100},
			},
		},
	}

	conn := &fakeReadable{rows: map[string][]pulse.Row{
		"WHERE bad": {{"count": int64(10)}},
	}}

	result, _ := fixedRunner(time.Now()).RunCheck(context.Background(), conn, clef)

	assert.Equal(t, StatusCritical, result.Status)
}

func TestRunCheck_Anomaly_QueryErrorAbortsCheck(t *testing.T) {
	clef := Clef{
		ID:        "clef-anomaly",
		StaveID:   "stave-1",
		CheckType: CheckAnomaly,
		Config: CheckConfig{
			Table: "orders",
			AnomalyChecks: []AnomalyCheck{
				{Name: "broken", SQL: "SELECT COUNT(*) AS count FROM no_such", ExpectedMax: 0},
			},
		},
	}

	conn := &fakeReadable{errs: map[string]error{"no_such": errors.New("syntax error")}}

	result, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, clef)

	assert.Equal(t, StatusError, result.Status)
	assert.Empty(t, records)
}

func TestRunCheck_Anomaly_Statistical(t *testing.T) {
	clef := Clef{
		ID:        "clef-anomaly",
		StaveID:   "stave-1",
		CheckType: CheckAnomaly,
		Config: CheckConfig{
			Table: "orders",
			Statistical: &StatisticalConfig{
				Columns: []string{"total"},
				Method:  "iqr",
			},
		},
	}

	conn := &fakeReadable{rows: map[string][]pulse.Row{
		"SELECT total FROM orders": {
			{"total": 10.0}, {"total": 11.0}, {"total": 12.0}, {"total": 13.0}, {"total": 9000.0},
		},
	}}

	result, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, clef)

	assert.Equal(t, StatusWarning, result.Status)
	require.Len(t, records, 1)
	assert.Equal(t, "statistical_iqr", records[0].AnomalyType)
	assert.Equal(t, "total", records[0].ColumnName)
	assert.Equal(t, 9000.0, records[0].DataSample["value"])
	assert.Equal(t, 4, records[0].DataSample["row_index"])
}

// NUMERIC and DECIMAL columns arrive from the driver as strings; detection
// must parse them instead of skipping the column.
func TestRunCheck_Anomaly_StatisticalNumericStrings(t *testing.T) {
	clef := Clef{
		ID:        "clef-anomaly",
		StaveID:   "stave-1",
		CheckType: CheckAnomaly,
		Config: CheckConfig{
			Table: "orders",
			Statistical: &StatisticalConfig{
				Columns: []string{"total"},
				Method:  "iqr",
			},
		},
	}

	conn := &fakeReadable{rows: map[string][]pulse.Row{
		"SELECT total FROM orders": {
			{"total": "10.00"}, {"total": "11.00"}, {"total": "12.00"}, {"total": "13.00"}, {"total": "9000.00"},
		},
	}}

	result, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, clef)

	assert.Equal(t, StatusWarning, result.Status)
	require.Len(t, records, 1)
	assert.Equal(t, "statistical_iqr", records[0].AnomalyType)
	assert.Equal(t, "9000.00", records[0].DataSample["value"])
	assert.Equal(t, 4, records[0].DataSample["row_index"])
}

func TestRunCheck_Schema(t *testing.T) {
	tables := map[string][]pulse.Row{
		"users": {
			{"column_name": "id", "data_type": "integer"},
			{"column_name": "email", "data_type": "text"},
			{"column_name": "legacy_flag", "data_type": "boolean"},
		},
	}

	tests := []struct {
		name        string
		expected    []string
		want        Status
		wantRecords int
	}{
		{"all expected present with extra", []string{"id", "email"}, StatusWarning, 1},
		{"missing column is critical", []string{"id", "email", "deleted_at"}, StatusCritical, 2},
		{"exact match passes", []string{"id", "email", "legacy_flag"}, StatusPass, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clef := Clef{
				ID:        "clef-schema",
				StaveID:   "stave-1",
				CheckType: CheckSchema,
				Config:    CheckConfig{Table: "users", ExpectedColumns: tt.expected},
			}

			conn := &fakeReadable{tables: tables}

			result, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, clef)

			assert.Equal(t, tt.want, result.Status)
			assert.Len(t, records, tt.wantRecords)
		})
	}
}

func TestRunCheck_Schema_RecordTypes(t *testing.T) {
	clef := Clef{
		ID:        "clef-schema",
		StaveID:   "stave-1",
		CheckType: CheckSchema,
		Config:    CheckConfig{Table: "users", ExpectedColumns: []string{"id", "missing_col"}},
	}

	conn := &fakeReadable{tables: map[string][]pulse.Row{
		"users": {
			{"column_name": "id", "data_type": "integer"},
			{"column_name": "surprise", "data_type": "text"},
		},
	}}

	_, records := fixedRunner(time.Now()).RunCheck(context.Background(), conn, clef)

	require.Len(t, records, 2)
	assert.Equal(t, "missing_column", records[0].AnomalyType)
	assert.Equal(t, "missing_col", records[0].ColumnName)
	assert.Equal(t, SeverityCritical, records[0].Severity)
	assert.Equal(t, "unexpected_column", records[1].AnomalyType)
	assert.Equal(t, "surprise", records[1].ColumnName)
}

func TestRunCheck_UnknownCheckType(t *testing.T) {
	clef := Clef{ID: "clef-x", StaveID: "stave-1", CheckType: CheckType("volume")}

	result, _ := fixedRunner(time.Now()).RunCheck(context.Background(), &fakeReadable{}, clef)

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, RunFailed, result.State)
}

func TestRunCheck_ResultCarriesIdentity(t *testing.T) {
	conn := &fakeReadable{rows: map[string][]pulse.Row{"COUNT(*)": {{"row_count": int64(1)}}}}

	result, _ := fixedRunner(time.Now()).RunCheck(context.Background(), conn, rowCountClef(0))

	assert.NotEmpty(t, result.ID)
	assert.Equal(t, "clef-1", result.ClefID)
	assert.Equal(t, "stave-1", result.StaveID)
	assert.Equal(t, CheckRowCount, result.CheckType)
}

func TestValidateClef(t *testing.T) {
	stave := Stave{ID: "stave-1", ConnectorType: "postgres", Active: true}

	valid := rowCountClef(10)
	assert.NoError(t, ValidateClef(valid, stave))

	inactive := stave
	inactive.Active = false
	assert.ErrorIs(t, ValidateClef(valid, inactive), ErrInactiveStave)

	wrongStave := valid
	wrongStave.StaveID = "other"
	assert.ErrorIs(t, ValidateClef(wrongStave, stave), pulse.ErrValidation)

	badType := valid
	badType.CheckType = "volume"
	assert.ErrorIs(t, ValidateClef(badType, stave), ErrUnknownCheckType)

	noTable := valid
	noTable.Config.Table = ""
	assert.ErrorIs(t, ValidateClef(noTable, stave), pulse.ErrValidation)

	freshness := valid
	freshness.CheckType = CheckFreshness
	freshness.Config.TimestampColumn = ""
	assert.ErrorIs(t, ValidateClef(freshness, stave), pulse.ErrValidation)
}
