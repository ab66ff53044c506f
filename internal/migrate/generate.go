// Package migrate turns schema diffs into idempotent remediation SQL,
// splits scripts into executable statements, and runs them with
// per-statement error isolation.
package migrate

import (
	"fmt"
	"strings"

	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/diff"
	"github.com/dbforge/pgbridge/internal/schema"
)

// RiskLevel classifies a plan: low when every change is additive, high
// when any breaking change (drop, type change, narrowing) is present.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// Script is one generated remediation statement (or guarded block).
type Script struct {
	IssueID     string `json:"issueId"`
	TableName   string `json:"tableName"`
	Description string `json:"description"`
	SQL         string `json:"sql"`

	// Breaking scripts are never auto-executed; they land in the plan's
	// ManualReview list for an operator to vet.
	Breaking bool `json:"breaking"`
}

// Plan is the full output of one generation pass. CombinedSQL contains
// only the safe scripts; breaking ones are in ManualReview.
type Plan struct {
	Scripts      []Script  `json:"scripts"`
	ManualReview []Script  `json:"manualReview,omitempty"`
	CombinedSQL  string    `json:"combinedSql"`
	RollbackSQL  string    `json:"rollbackSql"`
	RiskLevel    RiskLevel `json:"riskLevel"`
}

// Generate emits one idempotent remediation script per actionable issue
// in the diff. Running the combined output twice leaves the target schema
// unchanged after the first run.
func Generate(d *diff.SchemaDiff) *Plan {
	plan := &Plan{RiskLevel: RiskLow}
	var rollback []string

	for _, iss := range d.SchemaIssues {
		script, rb := scriptFor(iss)
		if script == nil {
			continue
		}
		if script.Breaking {
			plan.ManualReview = append(plan.ManualReview, *script)
			plan.RiskLevel = RiskHigh
			continue
		}
		plan.Scripts = append(plan.Scripts, *script)
		if rb != "" {
			rollback = append(rollback, rb)
		}
	}

	plan.CombinedSQL = combine(plan.Scripts)
	// Rollback undoes in reverse order.
	for i, j := 0, len(rollback)-1; i < j; i, j = i+1, j-1 {
		rollback[i], rollback[j] = rollback[j], rollback[i]
	}
	plan.RollbackSQL = strings.Join(rollback, "\n")
	return plan
}

// scriptFor maps one issue to its remediation script and rollback
// statement. Returns nil for issues with no actionable DDL.
func scriptFor(iss diff.ValidationIssue) (*Script, string) {
	switch iss.Kind {
	case diff.IssueMissingTable:
		if iss.SourceTable == nil {
			return nil, ""
		}
		return &Script{
			IssueID:     iss.ID,
			TableName:   iss.TableName,
			Description: fmt.Sprintf("create table %s", iss.TableName),
			SQL:         createTableSQL(iss.SourceTable),
		}, fmt.Sprintf("DROP TABLE IF EXISTS %s;", database.QuoteTable(iss.TableName))

	case diff.IssueMissingColumn:
		if iss.SourceColumn == nil {
			return nil, ""
		}
		return &Script{
			IssueID:     iss.ID,
			TableName:   iss.TableName,
			Description: fmt.Sprintf("add column %s.%s", iss.TableName, iss.ColumnName),
			SQL:         addColumnSQL(iss.TableName, iss.SourceColumn),
		}, fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s;",
			database.QuoteTable(iss.TableName), database.QuoteIdent(iss.ColumnName))

	case diff.IssueExtraColumn:
		return &Script{
			IssueID:     iss.ID,
			TableName:   iss.TableName,
			Description: fmt.Sprintf("drop target-only column %s.%s", iss.TableName, iss.ColumnName),
			SQL: fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s;",
				database.QuoteTable(iss.TableName), database.QuoteIdent(iss.ColumnName)),
			Breaking: true,
		}, ""

	case diff.IssueTypeMismatch:
		if iss.SourceColumn == nil {
			return nil, ""
		}
		return &Script{
			IssueID:     iss.ID,
			TableName:   iss.TableName,
			Description: fmt.Sprintf("change type of %s.%s to %s", iss.TableName, iss.ColumnName, iss.SourceColumn.Type),
			SQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s;",
				database.QuoteTable(iss.TableName), database.QuoteIdent(iss.ColumnName),
				iss.SourceColumn.Type, database.QuoteIdent(iss.ColumnName), iss.SourceColumn.Type),
			Breaking: true,
		}, ""

	case diff.IssueNullableMismatch:
		if iss.SourceColumn == nil {
			return nil, ""
		}
		if iss.SourceColumn.Nullable {
			// Relaxing a constraint is additive.
			return &Script{
				IssueID:     iss.ID,
				TableName:   iss.TableName,
				Description: fmt.Sprintf("drop NOT NULL on %s.%s", iss.TableName, iss.ColumnName),
				SQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;",
					database.QuoteTable(iss.TableName), database.QuoteIdent(iss.ColumnName)),
			}, ""
		}
		// Tightening can fail on existing rows; an operator decides.
		return &Script{
			IssueID:     iss.ID,
			TableName:   iss.TableName,
			Description: fmt.Sprintf("set NOT NULL on %s.%s", iss.TableName, iss.ColumnName),
			SQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;",
				database.QuoteTable(iss.TableName), database.QuoteIdent(iss.ColumnName)),
			Breaking: true,
		}, ""

	case diff.IssueDefaultMismatch:
		if iss.SourceColumn == nil {
			return nil, ""
		}
		var sql string
		if iss.SourceColumn.Default != nil {
			sql = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s;",
				database.QuoteTable(iss.TableName), database.QuoteIdent(iss.ColumnName),
				*iss.SourceColumn.Default)
		} else {
			sql = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT;",
				database.QuoteTable(iss.TableName), database.QuoteIdent(iss.ColumnName))
		}
		return &Script{
			IssueID:     iss.ID,
			TableName:   iss.TableName,
			Description: fmt.Sprintf("align default of %s.%s", iss.TableName, iss.ColumnName),
			SQL:         sql,
		}, ""

	case diff.IssueMissingPrimaryKey:
		if len(iss.PrimaryKey) == 0 {
			return nil, ""
		}
		return &Script{
			IssueID:     iss.ID,
			TableName:   iss.TableName,
			Description: fmt.Sprintf("add primary key on %s", iss.TableName),
			SQL:         addPrimaryKeySQL(iss.TableName, iss.PrimaryKey),
		}, ""

	case diff.IssueMissingForeignKey:
		// Constraint addition validates existing rows; treat as additive
		// but without rollback (dropping a named constraint needs its name).
		return nil, ""

	default:
		// extra_table and informational issues generate no DDL.
		return nil, ""
	}
}

// createTableSQL renders an idempotent CREATE TABLE from a source definition.
func createTableSQL(t *schema.TableSchema) string {
	var cols []string
	for _, c := range t.Columns {
		cols = append(cols, columnDDL(&c, true))
	}
	if pk := t.PrimaryKey(); len(pk) > 0 {
		quoted := make([]string, len(pk))
		for i, k := range pk {
			quoted[i] = database.QuoteIdent(k)
		}
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);",
		database.QuoteTable(t.Name), strings.Join(cols, ",\n  "))
}

// addColumnSQL renders an idempotent ADD COLUMN. NOT NULL is only carried
// over when the source column has a default; otherwise adding it to a
// populated table would fail, so the column arrives nullable.
func addColumnSQL(table string, c *schema.ColumnDefinition) string {
	allowNotNull := c.Default != nil
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s;",
		database.QuoteTable(table), columnDDL(c, allowNotNull))
}

func columnDDL(c *schema.ColumnDefinition, allowNotNull bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", database.QuoteIdent(c.Name), c.Type)
	if c.Default != nil {
		fmt.Fprintf(&b, " DEFAULT %s", *c.Default)
	}
	if !c.Nullable && allowNotNull {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// addPrimaryKeySQL renders a guarded DO block: ADD PRIMARY KEY has no
// IF NOT EXISTS form, so idempotency comes from a pg_constraint probe.
func addPrimaryKeySQL(table string, pk []string) string {
	quoted := make([]string, len(pk))
	for i, k := range pk {
		quoted[i] = database.QuoteIdent(k)
	}
	bare := table
	if idx := strings.LastIndex(table, "."); idx >= 0 {
		bare = table[idx+1:]
	}
	return fmt.Sprintf(`DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_constraint
    WHERE conrelid = '%s'::regclass AND contype = 'p'
  ) THEN
    ALTER TABLE %s ADD PRIMARY KEY (%s);
  END IF;
END;
$$;`, strings.ReplaceAll(bare, "'", "''"), database.QuoteTable(table), strings.Join(quoted, ", "))
}

func combine(scripts []Script) string {
	if len(scripts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("-- pgbridge remediation script (idempotent; safe changes only)\n")
	for _, s := range scripts {
		fmt.Fprintf(&b, "\n-- %s\n%s\n", s.Description, s.SQL)
	}
	return b.String()
}
