package pulse

import (
	"fmt"
	"time"
)

// Sentinel errors for spec validation.
var (
	// ErrEmptyStatement is returned when a query spec carries no statement text.
	ErrEmptyStatement = fmt.Errorf("%w: empty statement", ErrValidation)

	// ErrEmptyKeyColumns is returned when a replace spec declares no key columns.
	// A key-less replace is a configuration error, not a no-op.
	ErrEmptyKeyColumns = fmt.Errorf("%w: replace requires at least one key column", ErrValidation)

	// ErrInvalidChunkSize is returned when a chunked write declares a
	// non-positive chunk size. Rejected at resolution time so the failure
	// happens before any partial write.
	ErrInvalidChunkSize = fmt.Errorf("%w: chunk size must be positive", ErrValidation)

	// ErrEmptyOperationBatch is returned when an operation batch declares
	// no operations.
	ErrEmptyOperationBatch = fmt.Errorf("%w: operation batch requires at least one operation", ErrValidation)

	// ErrInvalidOperation is returned when a batch operation is internally
	// inconsistent (missing statement or rows for its kind).
	ErrInvalidOperation = fmt.Errorf("%w: invalid batch operation", ErrValidation)
)

// QuerySpec is a closed set of query request variants. Exactly one variant
// is active per request; resolving a variant into backend syntax
// (placeholder style, metadata catalogs) is the connector's responsibility.
//
// Implemented by RawQuery, ParameterizedQuery, TableInfoQuery, CustomQuery.
type QuerySpec interface {
	querySpec()

	// Validate reports configuration errors synchronously, before any
	// backend call is made.
	Validate() error
}

type (
	// RawQuery executes a literal statement as-is.
	RawQuery struct {
		SQL string
	}

	// ParameterizedQuery executes a statement with ordered arguments.
	// Placeholder syntax in SQL follows the target backend's dialect
	// ($1.. for postgres); the connector binds Args positionally.
	ParameterizedQuery struct {
		SQL  string
		Args []any
	}

	// TableInfoQuery looks up column metadata for a table. Each returned
	// row carries at least "column_name" and "data_type".
	TableInfoQuery struct {
		Table string
	}

	// CustomQuery executes a literal statement with an advisory
	// per-statement timeout. The timeout is passed through to the backend
	// driver; it is not an engine-level cancellation token.
	CustomQuery struct {
		SQL     string
		Timeout time.Duration
	}
)

func (RawQuery) querySpec()           {}
func (ParameterizedQuery) querySpec() {}
func (TableInfoQuery) querySpec()     {}
func (CustomQuery) querySpec()        {}

// Validate implements QuerySpec.
func (q RawQuery) Validate() error {
	if q.SQL == "" {
		return ErrEmptyStatement
	}

	return nil
}

// Validate implements QuerySpec.
func (q ParameterizedQuery) Validate() error {
	if q.SQL == "" {
		return ErrEmptyStatement
	}

	return nil
}

// Validate implements QuerySpec.
func (q TableInfoQuery) Validate() error {
	if q.Table == "" {
		return fmt.Errorf("%w: table_info requires a table name", ErrValidation)
	}

	return nil
}

// Validate implements QuerySpec.
func (q CustomQuery) Validate() error {
	if q.SQL == "" {
		return ErrEmptyStatement
	}

	if q.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrValidation)
	}

	return nil
}

// WriteSpec is a closed set of write request variants.
//
// Implemented by InsertSpec, ReplaceSpec, OperationBatchSpec.
type WriteSpec interface {
	writeSpec()

	// Validate reports configuration errors synchronously, before any
	// backend call is made.
	Validate() error
}

type (
	// InsertSpec appends rows to the destination table. ChunkSize, when
	// positive, bounds rows per round trip; zero means a single statement.
	InsertSpec struct {
		ChunkSize int
	}

	// ReplaceSpec performs a delete-then-insert upsert keyed by
	// KeyColumns, applied in chunks of ChunkSize rows per round trip.
	//
	// DeferConstraints, LockTimeout, StatementTimeout, and
	// SynchronousCommitOff are advisory pass-through knobs for the
	// backend session; the engine does not enforce them itself.
	ReplaceSpec struct {
		KeyColumns           []string
		ChunkSize            int
		DeferConstraints     bool
		LockTimeout          time.Duration
		StatementTimeout     time.Duration
		SynchronousCommitOff bool
	}

	// OperationBatchSpec executes a mixed set of operations strictly in
	// the order given. A failure at operation k aborts the batch without
	// attempting operations k+1..n and surfaces which operation failed.
	OperationBatchSpec struct {
		Operations []Operation
	}

	// Operation is one element of an OperationBatchSpec.
	Operation struct {
		Kind OperationKind

		// SQL carries the statement for delete/update/create_table kinds.
		SQL string

		// Table and Rows carry the payload for the insert kind.
		Table string
		Rows  []Row
	}

	// OperationKind enumerates the statement kinds a batch may contain.
	OperationKind string
)

// Operation kinds accepted inside an OperationBatchSpec.
const (
	OperationDelete      OperationKind = "delete"
	OperationInsert      OperationKind = "insert"
	OperationUpdate      OperationKind = "update"
	OperationCreateTable OperationKind = "create_table"
)

func (InsertSpec) writeSpec()         {}
func (ReplaceSpec) writeSpec()        {}
func (OperationBatchSpec) writeSpec() {}

// Validate implements WriteSpec.
func (s InsertSpec) Validate() error {
	if s.ChunkSize < 0 {
		return ErrInvalidChunkSize
	}

	return nil
}

// Validate implements WriteSpec.
func (s ReplaceSpec) Validate() error {
	if len(s.KeyColumns) == 0 {
		return ErrEmptyKeyColumns
	}

	for _, col := range s.KeyColumns {
		if col == "" {
			return fmt.Errorf("%w: blank key column", ErrValidation)
		}
	}

	if s.ChunkSize <= 0 {
		return ErrInvalidChunkSize
	}

	return nil
}

// Validate implements WriteSpec.
func (s OperationBatchSpec) Validate() error {
	if len(s.Operations) == 0 {
		return ErrEmptyOperationBatch
	}

	for i, op := range s.Operations {
		if err := op.validate(); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, op.Kind, err)
		}
	}

	return nil
}

func (op Operation) validate() error {
	switch op.Kind {
	case OperationDelete, OperationUpdate, OperationCreateTable:
		if op.SQL == "" {
			return fmt.Errorf("%w: missing statement", ErrInvalidOperation)
		}
	case OperationInsert:
		if op.Table == "" {
			return fmt.Errorf("%w: missing table", ErrInvalidOperation)
		}

		if len(op.Rows) == 0 {
			return fmt.Errorf("%w: missing rows", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}

	return nil
}
