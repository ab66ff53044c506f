package database

import (
	"fmt"
	"strings"
)

// SQL generation for the data plane. Identifiers are always quoted and
// values are never interpolated into the SQL string, always passed as args.

// ConflictAction controls what a generated upsert does when the target
// already has a row with the same primary key.
type ConflictAction int

const (
	// ConflictUpdate overwrites the target row with the incoming one.
	ConflictUpdate ConflictAction = iota

	// ConflictNothing leaves the target row untouched.
	ConflictNothing

	// ConflictMergeLWW overwrites only when the incoming row's timestamp
	// column is newer than or equal to the target's (last-write-wins).
	ConflictMergeLWW
)

// maxBindParams is the extended-protocol limit on bind parameters per
// statement: the wire format carries the count as a uint16.
const maxBindParams = 65535

// MaxBatchRows returns the largest row count a multi-row statement over
// columnCount columns can carry without overflowing the bind parameter
// limit. Batch sizes must be clamped to this before calling Upsert or
// SelectExistingKeys.
func MaxBatchRows(columnCount int) int {
	if columnCount < 1 {
		columnCount = 1
	}
	return maxBindParams / columnCount
}

// QuoteIdent quotes a single SQL identifier, escaping embedded quotes.
// Handles CamelCase identifiers produced by ORMs.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteTable quotes a table name that may be schema-qualified ("public.users").
func QuoteTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return QuoteIdent(parts[0]) + "." + QuoteIdent(parts[1])
	}
	return QuoteIdent(table)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// BatchSelect builds a keyset-paginated SELECT over the given key columns:
//
//	SELECT "a", "b" FROM "t" WHERE ("id") > ($1) ORDER BY "id" LIMIT 500
//
// When afterKey is false the WHERE clause is omitted (first batch).
// Composite keys use tuple comparison, which Postgres evaluates row-wise.
func BatchSelect(table string, columns, keyCols []string, afterKey bool, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", quoteList(columns), QuoteTable(table))

	if afterKey {
		placeholders := make([]string, len(keyCols))
		for i := range keyCols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		fmt.Fprintf(&b, " WHERE (%s) > (%s)", quoteList(keyCols), strings.Join(placeholders, ", "))
	}

	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", quoteList(keyCols), limit)
	return b.String()
}

// SelectExistingKeys builds a probe for which of keyCount candidate keys
// already exist in the target table. Single-column keys use a plain IN
// list; composite keys use tuple membership.
func SelectExistingKeys(table string, keyCols []string, keyCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE ", quoteList(keyCols), QuoteTable(table))

	if len(keyCols) == 1 {
		placeholders := make([]string, keyCount)
		for i := 0; i < keyCount; i++ {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		fmt.Fprintf(&b, "%s IN (%s)", QuoteIdent(keyCols[0]), strings.Join(placeholders, ", "))
		return b.String()
	}

	tuples := make([]string, keyCount)
	arg := 1
	for i := 0; i < keyCount; i++ {
		ph := make([]string, len(keyCols))
		for j := range keyCols {
			ph[j] = fmt.Sprintf("$%d", arg)
			arg++
		}
		tuples[i] = "(" + strings.Join(ph, ", ") + ")"
	}
	fmt.Fprintf(&b, "(%s) IN (%s)", quoteList(keyCols), strings.Join(tuples, ", "))
	return b.String()
}

// Upsert builds a multi-row INSERT ... ON CONFLICT for rowCount rows.
// Arguments are expected row-major: row0.col0, row0.col1, …, row1.col0, ….
// The conflict target is the primary key; the action depends on the
// configured conflict strategy. mergeTS is only consulted for
// ConflictMergeLWW and names the timestamp column that decides the winner.
func Upsert(table string, columns, keyCols []string, rowCount int, action ConflictAction, mergeTS string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", QuoteTable(table), quoteList(columns))

	arg := 1
	valueRows := make([]string, rowCount)
	for i := 0; i < rowCount; i++ {
		ph := make([]string, len(columns))
		for j := range columns {
			ph[j] = fmt.Sprintf("$%d", arg)
			arg++
		}
		valueRows[i] = "(" + strings.Join(ph, ", ") + ")"
	}
	b.WriteString(strings.Join(valueRows, ", "))

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", quoteList(keyCols))

	switch action {
	case ConflictNothing:
		b.WriteString("DO NOTHING")
	default:
		keySet := make(map[string]bool, len(keyCols))
		for _, k := range keyCols {
			keySet[k] = true
		}
		var sets []string
		for _, c := range columns {
			if keySet[c] {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", QuoteIdent(c), QuoteIdent(c)))
		}
		if len(sets) == 0 {
			// Key-only table: an update would be a no-op anyway.
			b.WriteString("DO NOTHING")
			break
		}
		fmt.Fprintf(&b, "DO UPDATE SET %s", strings.Join(sets, ", "))
		if action == ConflictMergeLWW && mergeTS != "" {
			// The conflict target must be referenced by bare table name,
			// not schema-qualified, or Postgres rejects the reference.
			bare := table
			if idx := strings.LastIndex(table, "."); idx >= 0 {
				bare = table[idx+1:]
			}
			fmt.Fprintf(&b, " WHERE %s.%s <= EXCLUDED.%s",
				QuoteIdent(bare), QuoteIdent(mergeTS), QuoteIdent(mergeTS))
		}
	}

	return b.String()
}
