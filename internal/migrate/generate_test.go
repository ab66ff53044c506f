package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbforge/pgbridge/internal/diff"
	"github.com/dbforge/pgbridge/internal/schema"
)

func strPtr(s string) *string { return &s }

func TestGenerateMissingColumn(t *testing.T) {
	d := &diff.SchemaDiff{SchemaIssues: []diff.ValidationIssue{{
		ID:         "users.last_login/missing_column",
		Kind:       diff.IssueMissingColumn,
		TableName:  "users",
		ColumnName: "last_login",
		Severity:   diff.SeverityCritical,
		SourceColumn: &schema.ColumnDefinition{
			Name: "last_login", Type: "timestamp", Nullable: true,
		},
	}}}

	plan := Generate(d)

	require.Len(t, plan.Scripts, 1)
	assert.Equal(t,
		`ALTER TABLE "users" ADD COLUMN IF NOT EXISTS "last_login" timestamp;`,
		plan.Scripts[0].SQL)
	assert.Equal(t, RiskLow, plan.RiskLevel)
	assert.Empty(t, plan.ManualReview)
	assert.Contains(t, plan.RollbackSQL, `DROP COLUMN IF EXISTS "last_login"`)
}

func TestGenerateMissingTable(t *testing.T) {
	d := &diff.SchemaDiff{SchemaIssues: []diff.ValidationIssue{{
		ID:        "orders/missing_table",
		Kind:      diff.IssueMissingTable,
		TableName: "orders",
		Severity:  diff.SeverityInfo,
		SourceTable: &schema.TableSchema{
			Name: "orders",
			Columns: []schema.ColumnDefinition{
				{Name: "id", Type: "bigint", IsPrimaryKey: true},
				{Name: "total", Type: "numeric", Nullable: false, Default: strPtr("0")},
				{Name: "note", Type: "text", Nullable: true},
			},
		},
	}}}

	plan := Generate(d)

	require.Len(t, plan.Scripts, 1)
	sql := plan.Scripts[0].SQL
	assert.Contains(t, sql, `CREATE TABLE IF NOT EXISTS "orders"`)
	assert.Contains(t, sql, `"total" numeric DEFAULT 0 NOT NULL`)
	assert.Contains(t, sql, `"note" text`)
	assert.Contains(t, sql, `PRIMARY KEY ("id")`)
	assert.Contains(t, plan.RollbackSQL, `DROP TABLE IF EXISTS "orders";`)
}

func TestGenerateBreakingChangesGoToManualReview(t *testing.T) {
	d := &diff.SchemaDiff{SchemaIssues: []diff.ValidationIssue{
		{
			Kind: diff.IssueExtraColumn, TableName: "users", ColumnName: "legacy",
			Severity: diff.SeverityCritical,
		},
		{
			Kind: diff.IssueTypeMismatch, TableName: "users", ColumnName: "age",
			Severity:     diff.SeverityCritical,
			SourceColumn: &schema.ColumnDefinition{Name: "age", Type: "integer"},
		},
	}}

	plan := Generate(d)

	assert.Empty(t, plan.Scripts)
	require.Len(t, plan.ManualReview, 2)
	assert.Equal(t, RiskHigh, plan.RiskLevel)
	assert.True(t, plan.ManualReview[0].Breaking)
	assert.Contains(t, plan.ManualReview[1].SQL, `TYPE integer USING "age"::integer`)
	assert.Empty(t, plan.CombinedSQL, "breaking changes never reach the combined script")
}

func TestGenerateNullableMismatch(t *testing.T) {
	t.Run("relaxing is safe", func(t *testing.T) {
		plan := Generate(&diff.SchemaDiff{SchemaIssues: []diff.ValidationIssue{{
			Kind: diff.IssueNullableMismatch, TableName: "users", ColumnName: "bio",
			SourceColumn: &schema.ColumnDefinition{Name: "bio", Type: "text", Nullable: true},
		}}})
		require.Len(t, plan.Scripts, 1)
		assert.Contains(t, plan.Scripts[0].SQL, "DROP NOT NULL")
		assert.Equal(t, RiskLow, plan.RiskLevel)
	})

	t.Run("tightening needs review", func(t *testing.T) {
		plan := Generate(&diff.SchemaDiff{SchemaIssues: []diff.ValidationIssue{{
			Kind: diff.IssueNullableMismatch, TableName: "users", ColumnName: "email",
			SourceColumn: &schema.ColumnDefinition{Name: "email", Type: "text", Nullable: false},
		}}})
		assert.Empty(t, plan.Scripts)
		require.Len(t, plan.ManualReview, 1)
		assert.Contains(t, plan.ManualReview[0].SQL, "SET NOT NULL")
		assert.Equal(t, RiskHigh, plan.RiskLevel)
	})
}

func TestGeneratePrimaryKeyGuardSurvivesSplitting(t *testing.T) {
	plan := Generate(&diff.SchemaDiff{SchemaIssues: []diff.ValidationIssue{{
		Kind: diff.IssueMissingPrimaryKey, TableName: "users",
		PrimaryKey: []string{"id"},
	}}})

	require.Len(t, plan.Scripts, 1)
	sql := plan.Scripts[0].SQL
	assert.Contains(t, sql, "DO $$")
	assert.Contains(t, sql, "pg_constraint")

	// The guarded block must come back out of the splitter in one piece.
	stmts := Split(plan.CombinedSQL)
	require.Len(t, stmts, 1)
}

func TestGenerateIdempotentShape(t *testing.T) {
	// Every auto-executable statement must carry an idempotency guard.
	d := &diff.SchemaDiff{SchemaIssues: []diff.ValidationIssue{
		{Kind: diff.IssueMissingTable, TableName: "a",
			SourceTable: &schema.TableSchema{Name: "a", Columns: []schema.ColumnDefinition{{Name: "id", Type: "int"}}}},
		{Kind: diff.IssueMissingColumn, TableName: "b", ColumnName: "c",
			SourceColumn: &schema.ColumnDefinition{Name: "c", Type: "text", Nullable: true}},
		{Kind: diff.IssueMissingPrimaryKey, TableName: "d", PrimaryKey: []string{"id"}},
	}}

	for _, s := range Generate(d).Scripts {
		guarded := strings.Contains(s.SQL, "IF NOT EXISTS")
		assert.True(t, guarded, "script %q lacks an idempotency guard", s.Description)
	}
}

func TestGenerateEmptyDiff(t *testing.T) {
	plan := Generate(&diff.SchemaDiff{})
	assert.Empty(t, plan.Scripts)
	assert.Empty(t, plan.CombinedSQL)
	assert.Equal(t, RiskLow, plan.RiskLevel)
}
