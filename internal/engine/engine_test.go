package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metronome-io/metronome/internal/monitor"
	"github.com/metronome-io/metronome/internal/pulse"
	"github.com/metronome-io/metronome/internal/sink"
)

// fakeConnector is an in-memory ReadWritePulse serving canned rows.
type fakeConnector struct {
	connected  bool
	closed     bool
	rows       []pulse.Row
	connectErr error
}

func (f *fakeConnector) Connect(_ context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}

	f.connected = true

	return nil
}

func (f *fakeConnector) Close() error {
	f.connected = false
	f.closed = true

	return nil
}

func (f *fakeConnector) IsConnected() bool { return f.connected }

func (f *fakeConnector) Query(_ context.Context, _ pulse.QuerySpec) ([]pulse.Row, error) {
	return f.rows, nil
}

func newTestEngine(t *testing.T, conn *fakeConnector) (*Engine, *sink.MemorySink) {
	t.Helper()

	memory := sink.NewMemorySink()

	eng := New(Options{
		Sink: memory,
		Connectors: map[string]pulse.Factory{
			"fake": func(_ pulse.ConnectionProfile) (pulse.Pulse, error) {
				return conn, nil
			},
		},
	})

	require.NoError(t, eng.AddStave(monitor.Stave{
		ID:            "stave-1",
		Name:          "test source",
		ConnectorType: "fake",
		Active:        true,
	}))

	return eng, memory
}

func rowCountClef() monitor.Clef {
	return monitor.Clef{
		ID:        "clef-1",
		StaveID:   "stave-1",
		CheckType: monitor.CheckRowCount,
		Config:    monitor.CheckConfig{Table: "events", ExpectedMin: 1},
	}
}

func TestAddStave_UnknownConnectorType(t *testing.T) {
	eng := New(Options{})

	err := eng.AddStave(monitor.Stave{ID: "s", ConnectorType: "oracle"})

	require.Error(t, err)
	assert.ErrorIs(t, err, pulse.ErrUnknownConnectorType)
}

func TestAddStave_RequiresID(t *testing.T) {
	eng := New(Options{})

	assert.ErrorIs(t, eng.AddStave(monitor.Stave{ConnectorType: "postgres"}), ErrEngine)
}

func TestTriggerClef_RunsAndPersists(t *testing.T) {
	conn := &fakeConnector{rows: []pulse.Row{{"row_count": int64(5)}}}
	eng, memory := newTestEngine(t, conn)

	result, err := eng.TriggerClef(context.Background(), rowCountClef())

	require.NoError(t, err)
	assert.Equal(t, monitor.StatusPass, result.Status)

	results := memory.Results()
	require.Len(t, results, 1)
	assert.Equal(t, result.ID, results[0].ID)

	// A fresh connector is opened per run and closed afterwards.
	assert.True(t, conn.closed)
}

func TestTriggerClef_UnknownStave(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeConnector{})

	clef := rowCountClef()
	clef.StaveID = "ghost"

	_, err := eng.TriggerClef(context.Background(), clef)

	assert.ErrorIs(t, err, ErrUnknownStave)
}

func TestTriggerClef_ConnectFailureClosesNothing(t *testing.T) {
	conn := &fakeConnector{connectErr: errors.New("refused")}
	eng, memory := newTestEngine(t, conn)

	_, err := eng.TriggerClef(context.Background(), rowCountClef())

	require.Error(t, err)
	assert.Empty(t, memory.Results(), "nothing persists when the source is unreachable")
}

func TestTriggerClef_RateLimited(t *testing.T) {
	conn := &fakeConnector{rows: []pulse.Row{{"row_count": int64(5)}}}
	memory := sink.NewMemorySink()

	eng := New(Options{
		Sink:         memory,
		TriggerRate:  1,
		TriggerBurst: 1,
		Connectors: map[string]pulse.Factory{
			"fake": func(_ pulse.ConnectionProfile) (pulse.Pulse, error) { return conn, nil },
		},
	})

	require.NoError(t, eng.AddStave(monitor.Stave{ID: "stave-1", ConnectorType: "fake", Active: true}))

	_, err := eng.TriggerClef(context.Background(), rowCountClef())
	require.NoError(t, err)

	_, err = eng.TriggerClef(context.Background(), rowCountClef())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestScheduleClef_ValidatesBeforeScheduling(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeConnector{})

	clef := rowCountClef()
	clef.CheckType = "volume"
	clef.Schedule = "0 * * * * *"

	err := eng.ScheduleClef(clef)

	assert.ErrorIs(t, err, monitor.ErrUnknownCheckType)
}

func TestRunComprehensive_PersistsAllResults(t *testing.T) {
	conn := &fakeConnector{rows: []pulse.Row{{"row_count": int64(0)}}}
	eng, memory := newTestEngine(t, conn)

	result, err := eng.RunComprehensive(context.Background(), "stave-1", []monitor.TableCheckConfig{
		{TableName: "events", RowCount: &monitor.RowCountConfig{ExpectedMin: 10}},
	})

	require.NoError(t, err)
	assert.Equal(t, monitor.StatusCritical, result.OverallStatus)

	results := memory.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "stave-1", results[0].StaveID)
}

func TestClose_StopsSchedulerAndSink(t *testing.T) {
	eng, memory := newTestEngine(t, &fakeConnector{})

	eng.Start(context.Background())
	require.NoError(t, eng.Close())

	err := memory.SaveResult(context.Background(), monitor.CheckResult{ID: "late"})
	assert.ErrorIs(t, err, sink.ErrSink)
}
