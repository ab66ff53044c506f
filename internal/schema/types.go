package schema

import "time"

// ColumnDefinition describes a single column in a table.
type ColumnDefinition struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Nullable     bool    `json:"nullable"`
	IsPrimaryKey bool    `json:"isPrimaryKey"`
	Default      *string `json:"default,omitempty"`
}

// ForeignKey describes a reference from one column to another table.
type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"refTable"`
	RefColumn string `json:"refColumn"`
}

// TableSchema describes one syncable table. Produced fresh on each
// inspection; never mutated, only replaced.
type TableSchema struct {
	// Name is the table name, schema-qualified unless in "public".
	Name        string             `json:"name"`
	Columns     []ColumnDefinition `json:"columns"`
	ForeignKeys []ForeignKey       `json:"foreignKeys,omitempty"`

	// ApproxRows and ApproxBytes come from planner statistics and are
	// estimates, good enough for batch sizing and progress percentages.
	ApproxRows  int64 `json:"approxRows"`
	ApproxBytes int64 `json:"approxBytes"`
}

// Column returns the named column, or nil if the table has no such column.
func (t *TableSchema) Column(name string) *ColumnDefinition {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// PrimaryKey returns the ordered primary key column names.
func (t *TableSchema) PrimaryKey() []string {
	var pks []string
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			pks = append(pks, c.Name)
		}
	}
	return pks
}

// ColumnNames returns all column names in ordinal order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// AvgRowBytes estimates the byte size of one row. Returns at least 1.
func (t *TableSchema) AvgRowBytes() int64 {
	if t.ApproxRows <= 0 || t.ApproxBytes <= 0 {
		return 1
	}
	avg := t.ApproxBytes / t.ApproxRows
	if avg < 1 {
		return 1
	}
	return avg
}

// Snapshot is one full inspection of a database, with tables in sorted
// name order so downstream diffing is deterministic.
type Snapshot struct {
	Tables  []TableSchema `json:"tables"`
	TakenAt time.Time     `json:"takenAt"`
}

// Table returns the named table, or nil if the snapshot has no such table.
func (s *Snapshot) Table(name string) *TableSchema {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// TableNames returns all table names in snapshot order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i := range s.Tables {
		names[i] = s.Tables[i].Name
	}
	return names
}
