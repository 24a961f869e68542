package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/johndauphine/tablecopy/internal/driver"
)

// PostgreSQL identifiers are limited to 63 bytes.
const maxIdentifier = 63

// BulkWrite loads op with the binary COPY protocol. Inserts copy straight
// into the target; upserts and deletes copy into a temp table that is
// dropped on commit and are applied from there with one statement.
func (d *Dialect) BulkWrite(ctx context.Context, db *sql.DB, op driver.WriteOp) error {
	if len(op.Rows) == 0 {
		return nil
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("expected *stdlib.Conn, got %T", driverConn)
		}
		return d.copyRows(ctx, c.Conn(), op)
	})
}

func (d *Dialect) copyRows(ctx context.Context, conn *pgx.Conn, op driver.WriteOp) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if op.Kind == driver.WriteInsert {
		if _, err := tx.CopyFrom(ctx, identifier(op.Table), op.Columns, pgx.CopyFromRows(op.Rows)); err != nil {
			return fmt.Errorf("copying into %s: %w", op.Table, err)
		}
		return tx.Commit(ctx)
	}

	staging := d.StagingTable(op.Table)
	if _, err := tx.Exec(ctx, d.CreateStagingStatement(op, staging)); err != nil {
		return fmt.Errorf("creating staging table: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, op.Columns, pgx.CopyFromRows(op.Rows)); err != nil {
		return fmt.Errorf("copying to staging: %w", err)
	}
	if _, err := tx.Exec(ctx, d.ApplyStagingStatement(op, staging)); err != nil {
		return fmt.Errorf("applying staged %s to %s: %w", op.Kind, op.Table, err)
	}
	return tx.Commit(ctx)
}

func identifier(t driver.Table) pgx.Identifier {
	if t.Schema == "" {
		return pgx.Identifier{t.Name}
	}
	return pgx.Identifier{t.Schema, t.Name}
}

// StagingTable names the temp table op.Table is staged in.
func (d *Dialect) StagingTable(t driver.Table) string {
	return driver.StagingName("", t, maxIdentifier)
}

// CreateStagingStatement creates a temp table with the types of the copied
// columns and none of the target's constraints.
func (d *Dialect) CreateStagingStatement(op driver.WriteOp, staging string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WITH NO DATA",
		d.QuoteIdentifier(staging), driver.ColumnList(d, op.Columns), d.QualifyTable(op.Table))
}

// ApplyStagingStatement moves staged rows into the target. Upserts skip
// rows whose values did not change so no dead tuples are written for them.
func (d *Dialect) ApplyStagingStatement(op driver.WriteOp, staging string) string {
	src := d.QuoteIdentifier(staging)
	if op.Kind == driver.WriteDelete {
		match := make([]string, len(op.Keys))
		for i, k := range op.Keys {
			q := d.QuoteIdentifier(k)
			match[i] = fmt.Sprintf("t.%s = s.%s", q, q)
		}
		return fmt.Sprintf("DELETE FROM %s AS t USING %s AS s WHERE %s",
			d.QualifyTable(op.Table), src, strings.Join(match, " AND "))
	}

	cols := driver.ColumnList(d, op.Columns)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s)",
		d.QualifyTable(op.Table), cols, cols, src, driver.ColumnList(d, op.Keys)))

	updates := op.UpdateColumns()
	if len(updates) == 0 {
		sb.WriteString(" DO NOTHING")
		return sb.String()
	}
	sets := make([]string, len(updates))
	current := make([]string, len(updates))
	excluded := make([]string, len(updates))
	for i, c := range updates {
		q := d.QuoteIdentifier(c)
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		current[i] = "t." + q
		excluded[i] = "EXCLUDED." + q
	}
	sb.WriteString(fmt.Sprintf(" DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
		strings.Join(sets, ", "), strings.Join(current, ", "), strings.Join(excluded, ", ")))
	return sb.String()
}
