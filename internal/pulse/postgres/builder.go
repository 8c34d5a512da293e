package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/metronome-io/metronome/internal/pulse"
)

// buildDeleteUsingValues renders the keyed bulk delete used by replace
// writes:
//
//	DELETE FROM t AS t USING (VALUES ($1, $2), ...) AS v(k1, k2)
//	WHERE t.k1 = v.k1 AND t.k2 = v.k2
//
// Placeholders are positional, row-major. The caller guarantees keyColumns
// is non-empty and numRows is positive (enforced by ReplaceSpec.Validate).
func buildDeleteUsingValues(table string, keyColumns []string, numRows int) string {
	var sb strings.Builder

	sb.WriteString("DELETE FROM ")
	sb.WriteString(table)
	sb.WriteString(" AS t USING (VALUES ")

	arg := 1

	for row := 0; row < numRows; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("(")

		for i := range keyColumns {
			if i > 0 {
				sb.WriteString(", ")
			}

			fmt.Fprintf(&sb, "$%d", arg)
			arg++
		}

		sb.WriteString(")")
	}

	sb.WriteString(") AS v(")
	sb.WriteString(strings.Join(keyColumns, ", "))
	sb.WriteString(") WHERE ")

	for i, col := range keyColumns {
		if i > 0 {
			sb.WriteString(" AND ")
		}

		fmt.Fprintf(&sb, "t.%s = v.%s", col, col)
	}

	return sb.String()
}

// buildInsert renders a multi-row INSERT with positional placeholders for
// the given column order.
func buildInsert(table string, columns []string, numRows int) string {
	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	arg := 1

	for row := 0; row < numRows; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("(")

		for i := range columns {
			if i > 0 {
				sb.WriteString(", ")
			}

			fmt.Fprintf(&sb, "$%d", arg)
			arg++
		}

		sb.WriteString(")")
	}

	return sb.String()
}

// rowColumns returns the column names of a row in deterministic order.
func rowColumns(row pulse.Row) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}

	sort.Strings(columns)

	return columns
}

// rowArgs flattens rows into positional arguments matching the column
// order, row-major. Missing columns bind as NULL.
func rowArgs(rows []pulse.Row, columns []string) []any {
	args := make([]any, 0, len(rows)*len(columns))

	for _, row := range rows {
		for _, col := range columns {
			args = append(args, row[col])
		}
	}

	return args
}

// keyArgs flattens only the key column values of rows, row-major, for the
// delete side of a replace.
func keyArgs(rows []pulse.Row, keyColumns []string) []any {
	return rowArgs(rows, keyColumns)
}

// chunkRows splits rows into chunks of at most size rows. A non-positive
// size yields a single chunk.
func chunkRows(rows []pulse.Row, size int) [][]pulse.Row {
	if size <= 0 || len(rows) <= size {
		return [][]pulse.Row{rows}
	}

	chunks := make([][]pulse.Row, 0, (len(rows)+size-1)/size)

	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}

		chunks = append(chunks, rows[start:end])
	}

	return chunks
}
