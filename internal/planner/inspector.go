package planner

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
)

// Index is a unique index of a source table.
type Index struct {
	Name    string
	Columns []string
}

// Inspector answers the catalog questions the planner asks about a source table.
type Inspector interface {
	Columns(ctx context.Context, t driver.Table) ([]dataset.Column, error)
	PrimaryKey(ctx context.Context, t driver.Table) ([]string, error)
	UniqueIndexes(ctx context.Context, t driver.Table) ([]Index, error)
	RowCount(ctx context.Context, t driver.Table) (int64, error)
	// Markers returns the value of column at rows 0, n, 2n, ... in column order.
	Markers(ctx context.Context, t driver.Table, column string, n int) ([]any, error)
}

// CatalogInspector runs the dialect's catalog queries against the source database.
type CatalogInspector struct {
	db      *sql.DB
	dialect driver.Dialect
}

// NewCatalogInspector creates an inspector for db.
func NewCatalogInspector(db *sql.DB, dialect driver.Dialect) *CatalogInspector {
	return &CatalogInspector{db: db, dialect: dialect}
}

// Columns describes the columns of t without reading any row.
func (c *CatalogInspector) Columns(ctx context.Context, t driver.Table) ([]dataset.Column, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1=0", c.dialect.QualifyTable(t)))
	if err != nil {
		return nil, fmt.Errorf("querying columns of %s: %w", t, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column types of %s: %w", t, err)
	}
	return DescribeColumns(types), nil
}

// DescribeColumns converts driver column types into page columns.
func DescribeColumns(types []*sql.ColumnType) []dataset.Column {
	cols := make([]dataset.Column, len(types))
	for i, ct := range types {
		cols[i] = dataset.Column{Name: ct.Name(), TypeName: ct.DatabaseTypeName()}
		if p, s, ok := ct.DecimalSize(); ok {
			cols[i].Precision, cols[i].Scale = p, s
		}
		if n, ok := ct.Nullable(); ok {
			cols[i].Nullable = n
		}
	}
	return cols
}

func (c *CatalogInspector) PrimaryKey(ctx context.Context, t driver.Table) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.PrimaryKeyQuery(), t.Schema, t.Name)
	if err != nil {
		return nil, fmt.Errorf("querying primary key of %s: %w", t, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scanning pk column: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (c *CatalogInspector) UniqueIndexes(ctx context.Context, t driver.Table) ([]Index, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.UniqueIndexesQuery(), t.Schema, t.Name)
	if err != nil {
		return nil, fmt.Errorf("querying unique indexes of %s: %w", t, err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var name, col string
		if err := rows.Scan(&name, &col); err != nil {
			return nil, err
		}
		if n := len(indexes); n > 0 && indexes[n-1].Name == name {
			indexes[n-1].Columns = append(indexes[n-1].Columns, col)
			continue
		}
		indexes = append(indexes, Index{Name: name, Columns: []string{col}})
	}
	return indexes, rows.Err()
}

func (c *CatalogInspector) RowCount(ctx context.Context, t driver.Table) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, c.dialect.RowCountQuery(t)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows of %s: %w", t, err)
	}
	return n, nil
}

func (c *CatalogInspector) Markers(ctx context.Context, t driver.Table, column string, n int) ([]any, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.MarkerQuery(t, column, n))
	if err != nil {
		return nil, fmt.Errorf("sampling markers of %s: %w", t, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	col := DescribeColumns(types)[0]

	var markers []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		markers = append(markers, c.dialect.NormalizeValue(col, v))
	}
	return markers, rows.Err()
}
