// Package schema introspects PostgreSQL databases into immutable snapshots
// of table, column, and key metadata for the tables a sync may touch.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dbforge/pgbridge/internal/database"
)

// excludedSchemas are never syncable: Postgres system schemas plus the
// managed-platform internals a Supabase project carries.
var excludedSchemas = []string{
	"pg_catalog",
	"information_schema",
	"pg_toast",
	"auth",
	"storage",
	"realtime",
	"vault",
	"supabase_functions",
	"supabase_migrations",
	"extensions",
	"graphql",
	"graphql_public",
	"pgsodium",
	"pgsodium_masks",
	"net",
	"cron",
}

// Inspector reads the structure of a PostgreSQL database.
// It is read-only and holds no state between calls.
type Inspector struct {
	db database.DB
}

// NewInspector creates an Inspector over an open database handle.
func NewInspector(db database.DB) *Inspector {
	return &Inspector{db: db}
}

// Snapshot introspects all syncable tables and returns them sorted by name.
// Introspection failures surface as connection/query errors; the inspector
// never retries; the caller decides.
func (in *Inspector) Snapshot(ctx context.Context) (*Snapshot, error) {
	tables, err := in.listTables(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{TakenAt: time.Now().UTC()}
	for _, t := range tables {
		ts, err := in.inspectTable(ctx, t.schema, t.name)
		if err != nil {
			return nil, fmt.Errorf("inspecting table %s.%s: %w", t.schema, t.name, err)
		}
		snap.Tables = append(snap.Tables, *ts)
	}

	sort.Slice(snap.Tables, func(i, j int) bool {
		return snap.Tables[i].Name < snap.Tables[j].Name
	})
	return snap, nil
}

type tableRef struct {
	schema string
	name   string
}

func (in *Inspector) listTables(ctx context.Context) ([]tableRef, error) {
	q := fmt.Sprintf(`
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema NOT IN (%s)
		ORDER BY table_schema, table_name`, schemaExclusionList())

	rows, err := in.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []tableRef
	for rows.Next() {
		var t tableRef
		if err := rows.Scan(&t.schema, &t.name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (in *Inspector) inspectTable(ctx context.Context, schemaName, tableName string) (*TableSchema, error) {
	ts := &TableSchema{Name: displayName(schemaName, tableName)}

	cols, err := in.fetchColumns(ctx, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	ts.Columns = cols

	fks, err := in.fetchForeignKeys(ctx, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	ts.ForeignKeys = fks

	rowsEst, bytesEst, err := in.fetchSizeEstimates(ctx, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	ts.ApproxRows = rowsEst
	ts.ApproxBytes = bytesEst
	return ts, nil
}

func (in *Inspector) fetchColumns(ctx context.Context, schemaName, tableName string) ([]ColumnDefinition, error) {
	const q = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES'     AS is_nullable,
			c.column_default,
			COALESCE(pk.is_pk, false) AS is_primary_key
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT kcu.column_name, true AS is_pk
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON tc.constraint_name = kcu.constraint_name
				AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY'
			  AND tc.table_schema = $1
			  AND tc.table_name   = $2
		) pk ON pk.column_name = c.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`

	rows, err := in.db.Query(ctx, q, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("fetch columns: %w", err)
	}
	defer rows.Close()

	var cols []ColumnDefinition
	for rows.Next() {
		var c ColumnDefinition
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable, &c.Default, &c.IsPrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (in *Inspector) fetchForeignKeys(ctx context.Context, schemaName, tableName string) ([]ForeignKey, error) {
	const q = `
		SELECT kcu.column_name,
		       ccu.table_name  AS ref_table,
		       ccu.column_name AS ref_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema    = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema    = $1
		  AND tc.table_name      = $2`

	rows, err := in.db.Query(ctx, q, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("fetch foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// fetchSizeEstimates reads planner statistics. reltuples is -1 for a table
// that has never been analyzed; fall back to an exact count in that case.
func (in *Inspector) fetchSizeEstimates(ctx context.Context, schemaName, tableName string) (int64, int64, error) {
	const q = `
		SELECT c.reltuples::bigint,
		       pg_total_relation_size(c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`

	var rowsEst, bytesEst int64
	if err := in.db.QueryRow(ctx, q, schemaName, tableName).Scan(&rowsEst, &bytesEst); err != nil {
		return 0, 0, fmt.Errorf("fetch size estimates: %w", err)
	}

	if rowsEst < 0 {
		countQ := fmt.Sprintf("SELECT count(*) FROM %s",
			database.QuoteIdent(schemaName)+"."+database.QuoteIdent(tableName))
		if err := in.db.QueryRow(ctx, countQ).Scan(&rowsEst); err != nil {
			return 0, 0, fmt.Errorf("count rows: %w", err)
		}
	}
	return rowsEst, bytesEst, nil
}

func displayName(schemaName, tableName string) string {
	if schemaName == "public" {
		return tableName
	}
	return schemaName + "." + tableName
}

func schemaExclusionList() string {
	quoted := make([]string, len(excludedSchemas))
	for i, s := range excludedSchemas {
		quoted[i] = "'" + s + "'"
	}
	return strings.Join(quoted, ", ")
}
