package sink

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/metronome-io/metronome/internal/monitor"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresSink persists results and anomaly records to PostgreSQL.
// Opening the sink applies its embedded schema migrations, so a fresh
// database needs no external setup step.
type PostgresSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSink opens the database, verifies connectivity and brings
// the schema up to date.
func NewPostgresSink(databaseURL string, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrSink, err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: pinging database: %v", ErrSink, err)
	}

	if err := migrateSchema(db); err != nil {
		_ = db.Close()

		return nil, err
	}

	logger.Info("postgres sink ready")

	return &PostgresSink{db: db, logger: logger}, nil
}

// migrateSchema applies the embedded migrations against the connected
// database.
func migrateSchema(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("%w: loading embedded migrations: %v", ErrSink, err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: "metronome_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("%w: creating migration driver: %v", ErrSink, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("%w: creating migrator: %v", ErrSink, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: applying migrations: %v", ErrSink, err)
	}

	return nil
}

// SaveResult inserts the check result, serializing its details as JSONB.
func (p *PostgresSink) SaveResult(ctx context.Context, result monitor.CheckResult) error {
	details, err := marshalJSONB(result.Details)
	if err != nil {
		return fmt.Errorf("%w: encoding result details: %v", ErrSink, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO check_results (
			id, clef_id, stave_id, check_type, state, status, message,
			details, anomalies_count, severity, started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		result.ID,
		result.ClefID,
		result.StaveID,
		string(result.CheckType),
		string(result.State),
		string(result.Status),
		result.Message,
		details,
		result.AnomaliesCount,
		string(result.Severity),
		result.StartedAt,
		result.CompletedAt,
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("%w: inserting check result %s: %v", ErrSink, result.ID, err)
	}

	return nil
}

// SaveAnomalies inserts all records in one transaction so a partial
// batch never persists.
func (p *PostgresSink) SaveAnomalies(ctx context.Context, records []monitor.AnomalyRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrSink, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("anomaly_records",
		"id", "check_id", "table_name", "column_name", "anomaly_type",
		"description", "severity", "detected_at", "data_sample", "resolution_status"))
	if err != nil {
		return fmt.Errorf("%w: preparing anomaly copy: %v", ErrSink, err)
	}

	for _, record := range records {
		sample, err := marshalJSONB(record.DataSample)
		if err != nil {
			return fmt.Errorf("%w: encoding anomaly sample: %v", ErrSink, err)
		}

		if _, err := stmt.ExecContext(ctx,
			record.ID,
			record.CheckID,
			record.TableName,
			record.ColumnName,
			record.AnomalyType,
			record.Description,
			string(record.Severity),
			record.DetectedAt,
			sample,
			string(record.ResolutionStatus),
		); err != nil {
			return fmt.Errorf("%w: copying anomaly %s: %v", ErrSink, record.ID, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("%w: flushing anomaly copy: %v", ErrSink, err)
	}

	if err := stmt.Close(); err != nil {
		return fmt.Errorf("%w: closing anomaly copy: %v", ErrSink, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing anomalies: %v", ErrSink, err)
	}

	return nil
}

// UpdateResolution transitions an anomaly record's resolution status.
func (p *PostgresSink) UpdateResolution(ctx context.Context, anomalyID string, status monitor.ResolutionStatus) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE anomaly_records SET resolution_status = $1 WHERE id = $2`,
		string(status), anomalyID)
	if err != nil {
		return fmt.Errorf("%w: updating anomaly %s: %v", ErrSink, anomalyID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: reading update result: %v", ErrSink, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: anomaly %s not found", ErrSink, anomalyID)
	}

	return nil
}

// Close closes the underlying database pool.
func (p *PostgresSink) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("%w: closing database: %v", ErrSink, err)
	}

	return nil
}

// marshalJSONB encodes a map for a JSONB column, preserving NULL for
// empty payloads.
func marshalJSONB(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	return string(data), nil
}
