package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/metronome-io/metronome/internal/pulse"
)

// setupConnector starts a PostgreSQL container and returns a connected
// Connector pointed at it.
func setupConnector(ctx context.Context, t *testing.T) *Connector {
	t.Helper()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pulse_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	conn := New(pulse.ConnectionProfile{
		Host:     host,
		Port:     port.Int(),
		Database: "pulse_test",
		User:     "test",
		Password: "test",
		Timeout:  30 * time.Second,
	}, nil)

	require.NoError(t, conn.Connect(ctx))

	t.Cleanup(func() {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	return conn
}

func TestConnector_ReadWriteRoundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupConnector(ctx, t)

	_, err := conn.Query(ctx, pulse.RawQuery{
		SQL: "CREATE TABLE events (id INT PRIMARY KEY, name TEXT, created_at TIMESTAMPTZ)",
	})
	require.NoError(t, err)

	rows := []pulse.Row{
		{"id": 1, "name": "signup", "created_at": time.Now().UTC()},
		{"id": 2, "name": "login", "created_at": time.Now().UTC()},
		{"id": 3, "name": "purchase", "created_at": time.Now().UTC()},
	}

	require.NoError(t, conn.Write(ctx, rows, "events", pulse.InsertSpec{ChunkSize: 2}))

	got, err := conn.Query(ctx, pulse.RawQuery{SQL: "SELECT COUNT(*) AS row_count FROM events"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 3, got[0]["row_count"])
}

func TestConnector_ReplaceIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupConnector(ctx, t)

	_, err := conn.Query(ctx, pulse.RawQuery{
		SQL: "CREATE TABLE metrics (day TEXT, source TEXT, value INT, PRIMARY KEY (day, source))",
	})
	require.NoError(t, err)

	rows := []pulse.Row{
		{"day": "2026-08-01", "source": "api", "value": 10},
		{"day": "2026-08-01", "source": "batch", "value": 20},
	}

	spec := pulse.ReplaceSpec{KeyColumns: []string{"day", "source"}, ChunkSize: 100}

	// Writing the same keys twice must not duplicate rows.
	require.NoError(t, conn.Write(ctx, rows, "metrics", spec))

	rows[0]["value"] = 11
	require.NoError(t, conn.Write(ctx, rows, "metrics", spec))

	got, err := conn.Query(ctx, pulse.RawQuery{
		SQL: "SELECT COUNT(*) AS row_count, SUM(value) AS total FROM metrics",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0]["row_count"])
	assert.EqualValues(t, 31, got[0]["total"])
}

func TestConnector_OperationBatchStopsAtFirstFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupConnector(ctx, t)

	_, err := conn.Query(ctx, pulse.RawQuery{
		SQL: "CREATE TABLE staging (id INT PRIMARY KEY)",
	})
	require.NoError(t, err)

	batch := pulse.OperationBatchSpec{Operations: []pulse.Operation{
		{Kind: pulse.OperationInsert, Table: "staging", Rows: []pulse.Row{{"id": 1}}},
		{Kind: pulse.OperationUpdate, SQL: "UPDATE no_such_table SET id = 0"},
		{Kind: pulse.OperationInsert, Table: "staging", Rows: []pulse.Row{{"id": 2}}},
	}}

	err = conn.Write(ctx, nil, "", batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch operation 1")

	// The whole batch rolls back, including the first insert.
	got, err := conn.Query(ctx, pulse.RawQuery{SQL: "SELECT COUNT(*) AS row_count FROM staging"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, got[0]["row_count"])
}

func TestConnector_TableInfo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupConnector(ctx, t)

	_, err := conn.Query(ctx, pulse.RawQuery{
		SQL: "CREATE TABLE users (id INT, email TEXT, created_at TIMESTAMPTZ)",
	})
	require.NoError(t, err)

	got, err := conn.Query(ctx, pulse.TableInfoQuery{Table: "users"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Columns come back in ordinal position order.
	assert.Equal(t, "id", got[0]["column_name"])
	assert.Equal(t, "email", got[1]["column_name"])
	assert.Equal(t, "created_at", got[2]["column_name"])
}

func TestConnector_QueryBeforeConnect(t *testing.T) {
	conn := New(pulse.ConnectionProfile{Host: "localhost", Database: "none"}, nil)

	_, err := conn.Query(context.Background(), pulse.RawQuery{SQL: "SELECT 1"})

	require.Error(t, err)
	assert.ErrorIs(t, err, pulse.ErrNotConnected)
	assert.ErrorIs(t, err, pulse.ErrConnector)
}

func TestConnector_CloseIsIdempotent(t *testing.T) {
	conn := New(pulse.ConnectionProfile{Host: "localhost", Database: "none"}, nil)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.False(t, conn.IsConnected())
}
