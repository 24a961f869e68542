package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/johndauphine/tablecopy/internal/driver"
	mssql "github.com/microsoft/go-mssqldb"
)

// Local temp table names are limited to 116 characters.
const maxTempName = 116

// BulkWrite loads op with the TDS bulk copy protocol. Plain inserts go
// straight into the target. Identity inserts, upserts and deletes are bulk
// copied into a #temp table and applied from there in the same transaction.
func (d *Dialect) BulkWrite(ctx context.Context, db *sql.DB, op driver.WriteOp) error {
	if len(op.Rows) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	opts := mssql.BulkOptions{KeepNulls: true}
	if op.Kind == driver.WriteInsert && !op.Identity {
		if err := copyIn(ctx, tx, d.QualifyTable(op.Table), opts, op.Columns, op.Rows); err != nil {
			return fmt.Errorf("bulk copy into %s: %w", op.Table, err)
		}
		return tx.Commit()
	}

	staging := d.StagingTable(op.Table)
	if _, err := tx.ExecContext(ctx, d.CreateStagingStatement(op, staging)); err != nil {
		return fmt.Errorf("creating staging table: %w", err)
	}
	if err := copyIn(ctx, tx, staging, opts, op.Columns, op.Rows); err != nil {
		return fmt.Errorf("bulk copy into staging: %w", err)
	}

	identity := op.Identity && op.Kind != driver.WriteDelete
	if identity {
		if _, err := tx.ExecContext(ctx, d.IdentityInsertStatement(op.Table, true)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, d.ApplyStagingStatement(op, staging)); err != nil {
		return fmt.Errorf("applying staged %s to %s: %w", op.Kind, op.Table, err)
	}
	if identity {
		if _, err := tx.ExecContext(ctx, d.IdentityInsertStatement(op.Table, false)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+staging); err != nil {
		return fmt.Errorf("dropping staging table: %w", err)
	}
	return tx.Commit()
}

// copyIn buffers rows into a bulk copy statement and flushes it with a
// final argument-less Exec.
func copyIn(ctx context.Context, tx *sql.Tx, table string, opts mssql.BulkOptions, columns []string, rows [][]any) error {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, opts, columns...))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("adding row: %w", err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("finalizing bulk insert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(len(rows)) {
		return fmt.Errorf("expected %d rows, got %d", len(rows), n)
	}
	return nil
}

// StagingTable names the #temp table op.Table is staged in.
func (d *Dialect) StagingTable(t driver.Table) string {
	return driver.StagingName("#", t, maxTempName)
}

// CreateStagingStatement creates an empty copy of the written columns. The
// UNION keeps SELECT INTO from carrying an identity property over.
func (d *Dialect) CreateStagingStatement(op driver.WriteOp, staging string) string {
	cols := driver.ColumnList(d, op.Columns)
	table := d.QualifyTable(op.Table)
	return fmt.Sprintf("SELECT %s INTO %s FROM %s WHERE 1 = 0 UNION ALL SELECT %s FROM %s WHERE 1 = 0",
		cols, staging, table, cols, table)
}

// ApplyStagingStatement inserts, merges or deletes the staged rows. Upserts
// only update rows whose values changed:
//
//	MERGE INTO target WITH (HOLDLOCK) AS target
//	USING #staging AS src ON (target.[a] = src.[a])
//	WHEN MATCHED AND (changed) THEN UPDATE SET ...
//	WHEN NOT MATCHED BY TARGET THEN INSERT (...) VALUES (...);
func (d *Dialect) ApplyStagingStatement(op driver.WriteOp, staging string) string {
	on := make([]string, len(op.Keys))
	for i, k := range op.Keys {
		q := d.QuoteIdentifier(k)
		on[i] = fmt.Sprintf("target.%s = src.%s", q, q)
	}
	match := strings.Join(on, " AND ")

	switch op.Kind {
	case driver.WriteInsert:
		cols := driver.ColumnList(d, op.Columns)
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			d.QualifyTable(op.Table), cols, cols, staging)
	case driver.WriteDelete:
		return fmt.Sprintf("DELETE target FROM %s AS target INNER JOIN %s AS src ON %s",
			d.QualifyTable(op.Table), staging, match)
	}

	var sets, changed []string
	for _, c := range op.UpdateColumns() {
		q := d.QuoteIdentifier(c)
		sets = append(sets, fmt.Sprintf("target.%s = src.%s", q, q))
		changed = append(changed, fmt.Sprintf(
			"(target.%s <> src.%s OR (target.%s IS NULL AND src.%s IS NOT NULL) OR (target.%s IS NOT NULL AND src.%s IS NULL))",
			q, q, q, q, q, q))
	}
	values := make([]string, len(op.Columns))
	for i, c := range op.Columns {
		values[i] = "src." + d.QuoteIdentifier(c)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("MERGE INTO %s WITH (HOLDLOCK) AS target\n", d.QualifyTable(op.Table)))
	sb.WriteString(fmt.Sprintf("USING %s AS src\n", staging))
	sb.WriteString(fmt.Sprintf("ON (%s)\n", match))
	if len(sets) > 0 {
		sb.WriteString(fmt.Sprintf("WHEN MATCHED AND (%s) THEN\n", strings.Join(changed, " OR ")))
		sb.WriteString(fmt.Sprintf("  UPDATE SET %s\n", strings.Join(sets, ", ")))
	}
	sb.WriteString("WHEN NOT MATCHED BY TARGET THEN\n")
	sb.WriteString(fmt.Sprintf("  INSERT (%s) VALUES (%s);",
		driver.ColumnList(d, op.Columns), strings.Join(values, ", ")))
	return sb.String()
}
