package diff

import "github.com/dbforge/pgbridge/internal/schema"

// Severity ranks how much a schema difference endangers a sync.
// Critical issues block the transfer until remediated; warnings and
// informational issues let it proceed.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// IssueKind tags a ValidationIssue with the exact difference found, so
// downstream consumers (migration generation, the API) switch on a fixed
// enum rather than parsing messages.
type IssueKind string

const (
	IssueMissingTable      IssueKind = "missing_table"       // in source, not in target
	IssueExtraTable        IssueKind = "extra_table"         // in target, outside sync scope
	IssueMissingColumn     IssueKind = "missing_column"      // source column absent from target
	IssueExtraColumn       IssueKind = "extra_column"        // target column absent from source
	IssueTypeMismatch      IssueKind = "type_mismatch"       // same column, different data type
	IssueNullableMismatch  IssueKind = "nullable_mismatch"   // same column, different nullability
	IssueDefaultMismatch   IssueKind = "default_mismatch"    // same column, different default
	IssueMissingPrimaryKey IssueKind = "missing_primary_key" // target table lacks the source PK
	IssueMissingForeignKey IssueKind = "missing_foreign_key" // source FK absent from target
)

// ValidationIssue is one schema difference between source and target.
// The ID is derived from the issue's position and kind, so identical
// inputs always produce identical issues.
type ValidationIssue struct {
	ID             string    `json:"id"`
	Kind           IssueKind `json:"kind"`
	TableName      string    `json:"tableName"`
	ColumnName     string    `json:"columnName,omitempty"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`

	// SourceColumn carries the source-side definition for column issues,
	// so migration generation needs nothing beyond the diff itself.
	SourceColumn *schema.ColumnDefinition `json:"sourceColumn,omitempty"`

	// SourceTable carries the full source definition for missing_table issues.
	SourceTable *schema.TableSchema `json:"sourceTable,omitempty"`

	// PrimaryKey carries the source PK columns for missing_primary_key issues.
	PrimaryKey []string `json:"primaryKey,omitempty"`
}

// TableDiff aggregates one table's issues and row-delta estimates.
type TableDiff struct {
	TableName string            `json:"tableName"`
	Issues    []ValidationIssue `json:"issues,omitempty"`
	Inserts   int64             `json:"inserts"`
	Updates   int64             `json:"updates"`
}

// SchemaDiff is the immutable result of one diff invocation.
type SchemaDiff struct {
	Tables       []TableDiff       `json:"tables"`
	TotalInserts int64             `json:"totalInserts"`
	TotalUpdates int64             `json:"totalUpdates"`
	SchemaIssues []ValidationIssue `json:"schemaIssues"`
}

// Blocked reports whether any critical issue prevents the sync from
// proceeding automatically.
func (d *SchemaDiff) Blocked() bool {
	for _, iss := range d.SchemaIssues {
		if iss.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// CountBySeverity returns how many issues carry the given severity.
func (d *SchemaDiff) CountBySeverity(sev Severity) int {
	n := 0
	for _, iss := range d.SchemaIssues {
		if iss.Severity == sev {
			n++
		}
	}
	return n
}
