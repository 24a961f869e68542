// Package dataset holds the in-memory page format that flows from readers to writers.
package dataset

import "strings"

// Column describes one column of a page as reported by the source driver.
type Column struct {
	Name      string
	TypeName  string
	Precision int64
	Scale     int64
	Nullable  bool
}

// Page is one batch worth of rows. Every row is aligned to Columns.
type Page struct {
	BatchID   int
	Columns   []Column
	Rows      [][]any
	Partition string
}

// Len returns the number of rows in the page.
func (p *Page) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Rows)
}

// IsEmpty reports whether the page carries no rows.
func (p *Page) IsEmpty() bool {
	return p.Len() == 0
}

// ColumnIndex returns the position of the named column (case-insensitive), or -1.
func (p *Page) ColumnIndex(name string) int {
	for i, c := range p.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the page has the named column (case-insensitive).
func (p *Page) HasColumn(name string) bool {
	return p.ColumnIndex(name) >= 0
}

// ColumnNames returns the column names in page order.
func (p *Page) ColumnNames() []string {
	names := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		names[i] = c.Name
	}
	return names
}

// Values returns the values of the given columns for one row, in the order requested.
// Unknown columns yield nil.
func (p *Page) Values(row []any, columns []string) []any {
	out := make([]any, len(columns))
	for i, name := range columns {
		if idx := p.ColumnIndex(name); idx >= 0 && idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out
}
