// Package diff compares two schema snapshots and estimates the row-level
// work a sync would perform, without reading any row data beyond keys.
package diff

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/logger"
	"github.com/dbforge/pgbridge/internal/schema"
)

// defaultKeyBatchSize bounds how many primary keys one estimation query
// pulls at a time during dry-run delta counting.
const defaultKeyBatchSize = 5000

// Engine computes schema diffs. Deterministic: identical snapshots and
// table scope produce identical output, issue order included.
type Engine struct {
	log          *logger.Logger
	keyBatchSize int
}

// NewEngine creates a diff engine.
func NewEngine(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{log: log, keyBatchSize: defaultKeyBatchSize}
}

// Calculate diffs the scoped tables of two snapshots and estimates insert/
// update counts by comparing primary key sets (keys only, never row data).
// An empty tables slice scopes the diff to every source table.
func (e *Engine) Calculate(
	ctx context.Context,
	sourceDB, targetDB database.DB,
	source, target *schema.Snapshot,
	tables []string,
) (*SchemaDiff, error) {
	scope := tableScope(source, tables)
	result := &SchemaDiff{}

	for _, name := range scope {
		srcTable := source.Table(name)
		if srcTable == nil {
			// Scoped table the source does not have: nothing to copy.
			continue
		}

		td := TableDiff{TableName: name}
		tgtTable := target.Table(name)

		if tgtTable == nil {
			td.Issues = append(td.Issues, ValidationIssue{
				ID:             issueID(name, "", IssueMissingTable),
				Kind:           IssueMissingTable,
				TableName:      name,
				Severity:       SeverityInfo,
				Message:        fmt.Sprintf("table %q exists in source but not in target; it will be created", name),
				Recommendation: "apply the generated CREATE TABLE script before syncing data",
				SourceTable:    srcTable,
			})
			td.Inserts = srcTable.ApproxRows
		} else {
			td.Issues = append(td.Issues, e.compareColumns(srcTable, tgtTable)...)
			td.Issues = append(td.Issues, e.compareKeys(srcTable, tgtTable)...)

			inserts, updates, err := e.estimateDelta(ctx, sourceDB, targetDB, srcTable, tgtTable, td.Issues)
			if err != nil {
				return nil, fmt.Errorf("estimating delta for %q: %w", name, err)
			}
			td.Inserts = inserts
			td.Updates = updates
		}

		result.Tables = append(result.Tables, td)
		result.TotalInserts += td.Inserts
		result.TotalUpdates += td.Updates
		result.SchemaIssues = append(result.SchemaIssues, td.Issues...)
	}

	// Target-only tables are outside the sync scope; flag them once.
	scopeSet := make(map[string]bool, len(scope))
	for _, name := range scope {
		scopeSet[name] = true
	}
	for i := range target.Tables {
		name := target.Tables[i].Name
		if scopeSet[name] || source.Table(name) != nil {
			continue
		}
		iss := ValidationIssue{
			ID:             issueID(name, "", IssueExtraTable),
			Kind:           IssueExtraTable,
			TableName:      name,
			Severity:       SeverityWarning,
			Message:        fmt.Sprintf("table %q exists only in target and is not in sync scope; it will be skipped", name),
			Recommendation: "drop the table manually if it should not exist, or add it to the sync scope",
		}
		result.SchemaIssues = append(result.SchemaIssues, iss)
	}

	e.log.Debug().
		Int("tables", len(result.Tables)).
		Int("issues", len(result.SchemaIssues)).
		Int64("inserts", result.TotalInserts).
		Int64("updates", result.TotalUpdates).
		Msg("schema diff computed")

	return result, nil
}

// compareColumns checks the column sets of one table present on both sides.
// Issue order is fixed: source columns in ordinal order first (missing /
// type / nullable / default per column), then target-only columns.
func (e *Engine) compareColumns(src, tgt *schema.TableSchema) []ValidationIssue {
	var issues []ValidationIssue

	for i := range src.Columns {
		sc := &src.Columns[i]
		tc := tgt.Column(sc.Name)

		if tc == nil {
			issues = append(issues, ValidationIssue{
				ID:             issueID(src.Name, sc.Name, IssueMissingColumn),
				Kind:           IssueMissingColumn,
				TableName:      src.Name,
				ColumnName:     sc.Name,
				Severity:       SeverityCritical,
				Message:        fmt.Sprintf("column %q (%s) is missing from target", sc.Name, sc.Type),
				Recommendation: "apply the generated ADD COLUMN script before syncing data",
				SourceColumn:   sc,
			})
			continue
		}

		if !strings.EqualFold(sc.Type, tc.Type) {
			issues = append(issues, ValidationIssue{
				ID:         issueID(src.Name, sc.Name, IssueTypeMismatch),
				Kind:       IssueTypeMismatch,
				TableName:  src.Name,
				ColumnName: sc.Name,
				Severity:   SeverityCritical,
				Message: fmt.Sprintf("column %q is %s in source but %s in target",
					sc.Name, sc.Type, tc.Type),
				Recommendation: "review the type change manually; automatic conversion risks data loss",
				SourceColumn:   sc,
			})
		}

		if sc.Nullable != tc.Nullable {
			issues = append(issues, ValidationIssue{
				ID:         issueID(src.Name, sc.Name, IssueNullableMismatch),
				Kind:       IssueNullableMismatch,
				TableName:  src.Name,
				ColumnName: sc.Name,
				Severity:   SeverityWarning,
				Message: fmt.Sprintf("column %q nullability differs (source nullable=%t, target nullable=%t)",
					sc.Name, sc.Nullable, tc.Nullable),
				Recommendation: "rows with NULLs may be rejected by the target; align constraints before syncing",
				SourceColumn:   sc,
			})
		}

		if !defaultsEqual(sc.Default, tc.Default) {
			issues = append(issues, ValidationIssue{
				ID:             issueID(src.Name, sc.Name, IssueDefaultMismatch),
				Kind:           IssueDefaultMismatch,
				TableName:      src.Name,
				ColumnName:     sc.Name,
				Severity:       SeverityWarning,
				Message:        fmt.Sprintf("column %q has a different default in target", sc.Name),
				Recommendation: "defaults only affect new rows; align them if target-side inserts matter",
				SourceColumn:   sc,
			})
		}
	}

	for i := range tgt.Columns {
		tc := &tgt.Columns[i]
		if src.Column(tc.Name) != nil {
			continue
		}
		issues = append(issues, ValidationIssue{
			ID:             issueID(src.Name, tc.Name, IssueExtraColumn),
			Kind:           IssueExtraColumn,
			TableName:      src.Name,
			ColumnName:     tc.Name,
			Severity:       SeverityCritical,
			Message:        fmt.Sprintf("column %q exists only in target", tc.Name),
			Recommendation: "drop the column manually or add it to source; extra NOT NULL columns break inserts",
		})
	}

	return issues
}

// compareKeys checks primary and foreign keys.
func (e *Engine) compareKeys(src, tgt *schema.TableSchema) []ValidationIssue {
	var issues []ValidationIssue

	srcPK := src.PrimaryKey()
	tgtPK := tgt.PrimaryKey()
	if len(srcPK) > 0 && !stringSlicesEqual(srcPK, tgtPK) {
		issues = append(issues, ValidationIssue{
			ID:        issueID(src.Name, "", IssueMissingPrimaryKey),
			Kind:      IssueMissingPrimaryKey,
			TableName: src.Name,
			Severity:  SeverityCritical,
			Message: fmt.Sprintf("target primary key %v does not match source primary key %v",
				tgtPK, srcPK),
			Recommendation: "idempotent upserts require matching primary keys; apply the generated PK script",
			PrimaryKey:     srcPK,
		})
	}

	for _, fk := range src.ForeignKeys {
		if !hasForeignKey(tgt, fk) {
			issues = append(issues, ValidationIssue{
				ID:         issueID(src.Name, fk.Column, IssueMissingForeignKey),
				Kind:       IssueMissingForeignKey,
				TableName:  src.Name,
				ColumnName: fk.Column,
				Severity:   SeverityWarning,
				Message: fmt.Sprintf("foreign key %s -> %s(%s) is missing from target",
					fk.Column, fk.RefTable, fk.RefColumn),
				Recommendation: "referential integrity will not be enforced on target until the constraint is added",
			})
		}
	}

	return issues
}

// estimateDelta counts how many source rows would insert vs update by
// intersecting primary key sets. Source keys are read in bounded pages
// and each page is probed against the target, so memory stays bounded by
// one page regardless of table size; no row data is touched. Tables whose
// keys cannot be compared (no PK, or a critical PK issue) estimate
// everything as inserts.
func (e *Engine) estimateDelta(
	ctx context.Context,
	sourceDB, targetDB database.DB,
	src, tgt *schema.TableSchema,
	issues []ValidationIssue,
) (inserts, updates int64, err error) {
	pk := src.PrimaryKey()
	if len(pk) == 0 || !stringSlicesEqual(pk, tgt.PrimaryKey()) {
		return src.ApproxRows, 0, nil
	}
	for _, iss := range issues {
		if iss.Severity == SeverityCritical {
			return src.ApproxRows, 0, nil
		}
	}

	pageSize := e.keyBatchSize
	if maxRows := database.MaxBatchRows(len(pk)); pageSize > maxRows {
		pageSize = maxRows
	}

	var sourceCount, overlap int64
	err = e.scanKeyPages(ctx, sourceDB, src.Name, pk, pageSize, func(page [][]any) error {
		sourceCount += int64(len(page))
		n, err := e.countExisting(ctx, targetDB, tgt.Name, pk, page)
		if err != nil {
			return err
		}
		overlap += n
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return sourceCount - overlap, overlap, nil
}

// countExisting probes how many of the page's keys the target already has.
func (e *Engine) countExisting(ctx context.Context, db database.DB, table string, pk []string, page [][]any) (int64, error) {
	args := make([]any, 0, len(page)*len(pk))
	for _, key := range page {
		args = append(args, key...)
	}
	rows, err := db.Query(ctx, database.SelectExistingKeys(table, pk, len(page)), args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

// scanKeyPages walks a table's primary keys in keyset-paginated pages,
// invoking visit once per non-empty page.
func (e *Engine) scanKeyPages(ctx context.Context, db database.DB, table string, pk []string, pageSize int, visit func(page [][]any) error) error {
	var lastKey []any
	for {
		q := database.BatchSelect(table, pk, pk, lastKey != nil, pageSize)
		rows, err := db.Query(ctx, q, lastKey...)
		if err != nil {
			return err
		}

		var page [][]any
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				rows.Close()
				return err
			}
			page = append(page, vals)
			lastKey = vals
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(page) == 0 {
			return nil
		}
		if err := visit(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

func issueID(table, column string, kind IssueKind) string {
	if column == "" {
		return fmt.Sprintf("%s/%s", table, kind)
	}
	return fmt.Sprintf("%s.%s/%s", table, column, kind)
}

func tableScope(source *schema.Snapshot, tables []string) []string {
	if len(tables) == 0 {
		return source.TableNames()
	}
	scoped := make([]string, len(tables))
	copy(scoped, tables)
	sort.Strings(scoped)
	return scoped
}

func defaultsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasForeignKey(t *schema.TableSchema, fk schema.ForeignKey) bool {
	for _, have := range t.ForeignKeys {
		if have == fk {
			return true
		}
	}
	return false
}
