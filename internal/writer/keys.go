package writer

import (
	"strings"

	"github.com/johndauphine/tablecopy/internal/dataset"
)

// Keys names the columns upsert and delete statements can match rows on.
type Keys struct {
	Surrogate  string
	Identifier string
	// LocalizedPair is the composite key of localized-property tables.
	LocalizedPair [2]string
	// LocalizedSuffix marks localized-property tables by target table name.
	LocalizedSuffix string
}

// DefaultKeys returns the key names used when none are configured.
func DefaultKeys() Keys {
	return Keys{
		Surrogate:       "PK",
		Identifier:      "ID",
		LocalizedPair:   [2]string{"ITEMPK", "LANGPK"},
		LocalizedSuffix: "lp",
	}
}

// Derive returns the key columns of page for table, as named in the page,
// or nil when the page has none of them.
func (k Keys) Derive(table string, page *dataset.Page) []string {
	pair := k.pair(page)
	if pair != nil && k.LocalizedSuffix != "" &&
		strings.HasSuffix(strings.ToLower(table), strings.ToLower(k.LocalizedSuffix)) {
		return pair
	}
	if k.Surrogate != "" {
		if i := page.ColumnIndex(k.Surrogate); i >= 0 {
			return []string{page.Columns[i].Name}
		}
	}
	if k.Identifier != "" {
		if i := page.ColumnIndex(k.Identifier); i >= 0 {
			return []string{page.Columns[i].Name}
		}
	}
	return pair
}

func (k Keys) pair(page *dataset.Page) []string {
	if k.LocalizedPair[0] == "" || k.LocalizedPair[1] == "" {
		return nil
	}
	a, b := page.ColumnIndex(k.LocalizedPair[0]), page.ColumnIndex(k.LocalizedPair[1])
	if a < 0 || b < 0 {
		return nil
	}
	return []string{page.Columns[a].Name, page.Columns[b].Name}
}
