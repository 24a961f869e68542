package driver

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"

	"github.com/johndauphine/tablecopy/internal/dataset"
)

// Table names a table in a schema.
type Table struct {
	Schema string
	Name   string
}

// ParseTable splits "schema.table". A bare name gets defaultSchema.
func ParseTable(name, defaultSchema string) Table {
	if i := strings.LastIndex(name, "."); i > 0 {
		return Table{Schema: name[:i], Name: name[i+1:]}
	}
	return Table{Schema: defaultSchema, Name: name}
}

func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Dialect is the narrow set of vendor capabilities the copy pipeline needs.
// Queries that take parameters use the vendor's positional placeholders.
type Dialect interface {
	// Name returns the database type (e.g., "mssql", "postgres").
	Name() string

	// QuoteIdentifier quotes an identifier (table, column name).
	// PostgreSQL: "identifier"
	// MSSQL: [identifier]
	QuoteIdentifier(name string) string

	// QualifyTable returns a fully qualified, quoted table reference.
	QualifyTable(t Table) string

	// PrimaryKeyQuery lists the primary key columns in key order.
	// Parameters: schema, table.
	PrimaryKeyQuery() string

	// UniqueIndexesQuery lists (index name, column name) pairs of unique,
	// non-primary indexes, ordered by index name then key position.
	// Parameters: schema, table.
	UniqueIndexesQuery() string

	// IndexNamesQuery lists secondary indexes that may be disabled or dropped
	// during a load. Parameters: schema, table.
	IndexNamesQuery() string

	// IdentityQuery returns one row with 1 when the table has an identity
	// column. Empty when the vendor needs no identity handling.
	// Parameters: schema, table.
	IdentityQuery() string

	// MarkerQuery samples the value of column at every batchSize-th row.
	MarkerQuery(t Table, column string, batchSize int) string

	// SeekQuery reads rows with lower <= key < upper, or key >= lower when
	// bounded is false. Parameters: lower[, upper].
	SeekQuery(t Table, columns []string, key string, bounded bool) string

	// OffsetQuery reads one window of rows ordered by orderBy.
	// Parameters: offset, limit.
	OffsetQuery(t Table, columns, orderBy []string) string

	// FullScanQuery reads the whole table.
	FullScanQuery(t Table, columns []string) string

	// RowCountQuery counts the rows of a table.
	RowCountQuery(t Table) string

	// BulkWrite applies op to its table in one transaction using the
	// vendor's bulk load path.
	BulkWrite(ctx context.Context, db *sql.DB, op WriteOp) error

	TruncateStatement(t Table) string

	// DisableIndexStatement returns "" when the vendor cannot disable an index.
	DisableIndexStatement(t Table, index string) string
	DropIndexStatement(t Table, index string) string
	RebuildIndexesStatement(t Table) string

	// AnalyzeStatement refreshes planner statistics of a table.
	AnalyzeStatement(t Table) string

	// NormalizeValue converts a scanned value into its portable form.
	NormalizeValue(col dataset.Column, v any) any

	// ClassifyError maps a vendor error to the copy error taxonomy.
	// Unrecognized errors are returned unchanged.
	ClassifyError(op string, err error) error
}

// ColumnList quotes and joins column names.
func ColumnList(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// WriteKind selects how BulkWrite applies rows.
type WriteKind int

const (
	WriteInsert WriteKind = iota
	WriteUpsert
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteUpsert:
		return "upsert"
	case WriteDelete:
		return "delete"
	default:
		return "insert"
	}
}

// WriteOp is one page of rows bound for a single table.
type WriteOp struct {
	Kind  WriteKind
	Table Table
	// Columns names the values of every row. For WriteDelete rows carry
	// the key values only and Columns equals Keys.
	Columns []string
	// Keys identify a target row for WriteUpsert and WriteDelete.
	Keys []string
	Rows [][]any
	// Identity is set when explicit values go into an identity column.
	Identity bool
}

// UpdateColumns returns the columns of op that are not keys.
func (op WriteOp) UpdateColumns() []string {
	keys := make(map[string]bool, len(op.Keys))
	for _, k := range op.Keys {
		keys[strings.ToLower(k)] = true
	}
	var cols []string
	for _, c := range op.Columns {
		if !keys[strings.ToLower(c)] {
			cols = append(cols, c)
		}
	}
	return cols
}

// StagingName names the temp table an upsert or delete of t is staged in.
// Names longer than maxLen fall back to a hash of the table.
func StagingName(prefix string, t Table, maxLen int) string {
	name := fmt.Sprintf("%s_stg_%s_%s", prefix, t.Schema, t.Name)
	if len(name) > maxLen {
		sum := sha256.Sum256([]byte(t.Schema + "." + t.Name))
		name = fmt.Sprintf("%s_stg_%x", prefix, sum[:8])
	}
	return name
}
