// Package postgres implements the Pulse connector contract for PostgreSQL
// using database/sql with the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	// Registers the "postgres" driver with database/sql.
	_ "github.com/lib/pq"

	"github.com/metronome-io/metronome/internal/pulse"
)

const (
	defaultConnectTimeout  = 30 * time.Second
	defaultMaxOpenConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute

	tableInfoQuery = `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`
)

// Compile-time assertion: the postgres connector is a full read/write Pulse.
var _ pulse.ReadWritePulse = (*Connector)(nil)

// Connector is a PostgreSQL-backed ReadWritePulse. The zero value is not
// usable; construct with New. A Connector is exclusively owned by the
// component that opened it.
type Connector struct {
	profile pulse.ConnectionProfile
	logger  *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// New returns a disconnected PostgreSQL connector for the given profile.
// A nil logger falls back to slog.Default().
func New(profile pulse.ConnectionProfile, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Connector{profile: profile, logger: logger}
}

// NewFactory adapts New to the registry factory signature.
func NewFactory(logger *slog.Logger) pulse.Factory {
	return func(profile pulse.ConnectionProfile) (pulse.Pulse, error) {
		return New(profile, logger), nil
	}
}

// Connect opens the connection pool and verifies reachability with a ping.
// On failure no partial state is kept: the pool is closed and the connector
// remains disconnected.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", c.dsn())
	if err != nil {
		return fmt.Errorf("%w: open: %v", pulse.ErrConnector, err)
	}

	maxConns := c.profile.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxOpenConns
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	timeout := c.profile.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return fmt.Errorf("%w: ping %s:%d/%s: %v",
			pulse.ErrConnector, c.profile.Host, c.profile.Port, c.profile.Database, err)
	}

	c.db = db
	c.logger.Debug("postgres connector connected",
		slog.String("host", c.profile.Host),
		slog.String("database", c.profile.Database),
	)

	return nil
}

// Close releases the connection pool. Safe to call repeatedly.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil

	if err != nil {
		return fmt.Errorf("%w: close: %v", pulse.ErrConnector, err)
	}

	return nil
}

// IsConnected reports whether the connector holds an open pool. It does
// not round-trip to the backend.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db != nil
}

// Query implements pulse.Readable.
func (c *Connector) Query(ctx context.Context, spec pulse.QuerySpec) ([]pulse.Row, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	switch q := spec.(type) {
	case pulse.RawQuery:
		return c.queryRows(ctx, db, q.SQL)
	case pulse.ParameterizedQuery:
		return c.queryRows(ctx, db, q.SQL, q.Args...)
	case pulse.TableInfoQuery:
		return c.queryRows(ctx, db, tableInfoQuery, q.Table)
	case pulse.CustomQuery:
		if q.Timeout > 0 {
			var cancel context.CancelFunc

			ctx, cancel = context.WithTimeout(ctx, q.Timeout)
			defer cancel()
		}

		return c.queryRows(ctx, db, q.SQL)
	default:
		return nil, fmt.Errorf("%w: unsupported query spec %T", pulse.ErrValidation, spec)
	}
}

// Write implements pulse.Writable.
func (c *Connector) Write(ctx context.Context, rows []pulse.Row, destination string, spec pulse.WriteSpec) error {
	if spec == nil {
		spec = pulse.InsertSpec{}
	}

	if err := spec.Validate(); err != nil {
		return err
	}

	db, err := c.handle()
	if err != nil {
		return err
	}

	switch w := spec.(type) {
	case pulse.InsertSpec:
		return c.writeInsert(ctx, db, rows, destination, w)
	case pulse.ReplaceSpec:
		return c.writeReplace(ctx, db, rows, destination, w)
	case pulse.OperationBatchSpec:
		return c.writeBatch(ctx, db, w)
	default:
		return fmt.Errorf("%w: unsupported write spec %T", pulse.ErrValidation, spec)
	}
}

func (c *Connector) handle() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil, pulse.ErrNotConnected
	}

	return c.db, nil
}

func (c *Connector) dsn() string {
	parts := []string{
		fmt.Sprintf("host=%s", c.profile.Host),
		fmt.Sprintf("dbname=%s", c.profile.Database),
	}

	if c.profile.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", c.profile.Port))
	}

	if c.profile.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", c.profile.User))
	}

	if c.profile.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", c.profile.Password))
	}

	sslMode := c.profile.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	parts = append(parts, fmt.Sprintf("sslmode=%s", sslMode))

	return strings.Join(parts, " ")
}

func (c *Connector) queryRows(ctx context.Context, db *sql.DB, query string, args ...any) ([]pulse.Row, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var result []pulse.Row

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(pulse.Row, len(columns))

		for i, col := range columns {
			// lib/pq hands text-ish values back as []byte.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return result, nil
}

func (c *Connector) writeInsert(ctx context.Context, db *sql.DB, rows []pulse.Row, destination string, spec pulse.InsertSpec) error {
	if len(rows) == 0 {
		return nil
	}

	columns := rowColumns(rows[0])

	for _, chunk := range chunkRows(rows, spec.ChunkSize) {
		stmt := buildInsert(destination, columns, len(chunk))

		if _, err := db.ExecContext(ctx, stmt, rowArgs(chunk, columns)...); err != nil {
			return fmt.Errorf("insert into %s: %w", destination, err)
		}
	}

	return nil
}

// writeReplace runs the delete-then-insert upsert inside a single
// transaction. Session knobs from the spec are applied with SET LOCAL so
// they expire with the transaction.
func (c *Connector) writeReplace(ctx context.Context, db *sql.DB, rows []pulse.Row, destination string, spec pulse.ReplaceSpec) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := applySessionKnobs(ctx, tx, spec); err != nil {
		return err
	}

	columns := rowColumns(rows[0])

	for _, chunk := range chunkRows(rows, spec.ChunkSize) {
		deleteStmt := buildDeleteUsingValues(destination, spec.KeyColumns, len(chunk))

		if _, err := tx.ExecContext(ctx, deleteStmt, keyArgs(chunk, spec.KeyColumns)...); err != nil {
			return fmt.Errorf("replace delete on %s: %w", destination, err)
		}

		insertStmt := buildInsert(destination, columns, len(chunk))

		if _, err := tx.ExecContext(ctx, insertStmt, rowArgs(chunk, columns)...); err != nil {
			return fmt.Errorf("replace insert on %s: %w", destination, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace on %s: %w", destination, err)
	}

	return nil
}

// writeBatch executes the operations strictly in order inside one
// transaction. The first failure rolls everything back; later operations
// are never attempted.
func (c *Connector) writeBatch(ctx context.Context, db *sql.DB, spec pulse.OperationBatchSpec) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	for i, op := range spec.Operations {
		switch op.Kind {
		case pulse.OperationInsert:
			columns := rowColumns(op.Rows[0])
			stmt := buildInsert(op.Table, columns, len(op.Rows))

			if _, err := tx.ExecContext(ctx, stmt, rowArgs(op.Rows, columns)...); err != nil {
				return fmt.Errorf("batch operation %d (insert into %s): %w", i, op.Table, err)
			}
		case pulse.OperationDelete, pulse.OperationUpdate, pulse.OperationCreateTable:
			if _, err := tx.ExecContext(ctx, op.SQL); err != nil {
				return fmt.Errorf("batch operation %d (%s): %w", i, op.Kind, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	return nil
}

func applySessionKnobs(ctx context.Context, tx *sql.Tx, spec pulse.ReplaceSpec) error {
	if spec.LockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", spec.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	if spec.StatementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", spec.StatementTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	if spec.SynchronousCommitOff {
		if _, err := tx.ExecContext(ctx, "SET LOCAL synchronous_commit = off"); err != nil {
			return fmt.Errorf("set synchronous_commit: %w", err)
		}
	}

	if spec.DeferConstraints {
		if _, err := tx.ExecContext(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
			return fmt.Errorf("defer constraints: %w", err)
		}
	}

	return nil
}
