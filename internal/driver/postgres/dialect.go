package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/lib/pq"
)

// Dialect implements driver.Dialect for PostgreSQL.
type Dialect struct{}

func (d *Dialect) Name() string { return "postgres" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *Dialect) QualifyTable(t driver.Table) string {
	if t.Schema == "" {
		return d.QuoteIdentifier(t.Name)
	}
	return d.QuoteIdentifier(t.Schema) + "." + d.QuoteIdentifier(t.Name)
}

func (d *Dialect) PrimaryKeyQuery() string {
	return `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE i.indisprimary AND n.nspname = $1 AND c.relname = $2
		ORDER BY array_position(i.indkey, a.attnum)
	`
}

func (d *Dialect) UniqueIndexesQuery() string {
	return `
		SELECT i.relname, a.attname
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		CROSS JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ordinality)
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname = $1 AND t.relname = $2 AND ix.indisunique AND NOT ix.indisprimary
		ORDER BY i.relname, k.ordinality
	`
}

func (d *Dialect) IndexNamesQuery() string {
	return `
		SELECT i.relname
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname = $1 AND t.relname = $2 AND NOT ix.indisprimary AND NOT ix.indisunique
		ORDER BY i.relname
	`
}

// IdentityQuery is empty: explicit values into identity columns need no
// session toggle on PostgreSQL.
func (d *Dialect) IdentityQuery() string { return "" }

func (d *Dialect) MarkerQuery(t driver.Table, column string, batchSize int) string {
	col := d.QuoteIdentifier(column)
	return fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s, ROW_NUMBER() OVER (ORDER BY %s) - 1 AS __rn FROM %s
		) markers
		WHERE __rn %% %d = 0
		ORDER BY %s
	`, col, col, col, d.QualifyTable(t), batchSize, col)
}

func (d *Dialect) SeekQuery(t driver.Table, columns []string, key string, bounded bool) string {
	k := d.QuoteIdentifier(key)
	where := fmt.Sprintf("%s >= $1", k)
	if bounded {
		where += fmt.Sprintf(" AND %s < $2", k)
	}
	return fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s
		ORDER BY %s
	`, driver.ColumnList(d, columns), d.QualifyTable(t), where, k)
}

func (d *Dialect) OffsetQuery(t driver.Table, columns, orderBy []string) string {
	return fmt.Sprintf(`
		SELECT %s FROM %s
		ORDER BY %s
		OFFSET $1 LIMIT $2
	`, driver.ColumnList(d, columns), d.QualifyTable(t), driver.ColumnList(d, orderBy))
}

func (d *Dialect) FullScanQuery(t driver.Table, columns []string) string {
	return fmt.Sprintf("SELECT %s FROM %s", driver.ColumnList(d, columns), d.QualifyTable(t))
}

func (d *Dialect) RowCountQuery(t driver.Table) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", d.QualifyTable(t))
}

func (d *Dialect) TruncateStatement(t driver.Table) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QualifyTable(t))
}

// DisableIndexStatement is empty: PostgreSQL indexes cannot be disabled.
func (d *Dialect) DisableIndexStatement(driver.Table, string) string { return "" }

func (d *Dialect) DropIndexStatement(t driver.Table, index string) string {
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", d.QualifyTable(driver.Table{Schema: t.Schema, Name: index}))
}

func (d *Dialect) RebuildIndexesStatement(t driver.Table) string {
	return fmt.Sprintf("REINDEX TABLE %s", d.QualifyTable(t))
}

func (d *Dialect) AnalyzeStatement(t driver.Table) string {
	return fmt.Sprintf("ANALYZE %s", d.QualifyTable(t))
}

// NormalizeValue turns textual values that pgx returns as bytes into strings.
// bytea stays binary.
func (d *Dialect) NormalizeValue(col dataset.Column, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if strings.EqualFold(col.TypeName, "BYTEA") {
		return b
	}
	return string(b)
}

func (d *Dialect) ClassifyError(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgerrcode.DeadlockDetected,
		pgErr.Code == pgerrcode.SerializationFailure,
		pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.TooManyConnections,
		pgerrcode.IsConnectionException(pgErr.Code):
		return &copyerr.TransientIOError{Op: op, Err: err}
	case pgErr.Code == pgerrcode.UndefinedColumn,
		pgErr.Code == pgerrcode.UndefinedTable,
		pgErr.Code == pgerrcode.DatatypeMismatch:
		return &copyerr.SchemaInvariantError{Table: pgErr.TableName, Reason: op, Err: err}
	}
	return err
}
