package dataset

import (
	"fmt"
	"strings"
)

// Chunk splits one logical table into Count independently scheduled slices.
type Chunk struct {
	Index int
	Count int
}

// Partition is the tag carried by pages of this chunk.
func (c *Chunk) Partition() string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("chunk-%d", c.Index)
}

// CopyItem maps one source table to one target table.
type CopyItem struct {
	SourceTable    string
	TargetTable    string
	ColumnMap      map[string]string
	ExcludeColumns []string
	EstimatedRows  int64
	BatchSize      int
	Chunk          *Chunk
	// Audit marks audit-log tables, sampled on their identifier column.
	Audit bool
}

// Pipeline returns the pipeline name used as checkpoint key.
func (i *CopyItem) Pipeline() string {
	name := i.SourceTable + "->" + i.TargetTable
	if i.Chunk != nil && i.Chunk.Count > 1 {
		name += "#" + i.Chunk.Partition()
	}
	return name
}

// TargetColumn returns the target name of a source column.
func (i *CopyItem) TargetColumn(name string) string {
	for src, dst := range i.ColumnMap {
		if strings.EqualFold(src, name) {
			return dst
		}
	}
	return name
}

// Excluded reports whether a source column must not be copied.
func (i *CopyItem) Excluded(name string) bool {
	for _, c := range i.ExcludeColumns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}
