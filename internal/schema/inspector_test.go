package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbforge/pgbridge/internal/database/fake"
)

func inspectorDB() *fake.DB {
	db := fake.New()
	db.On("information_schema.tables", fake.Result{
		Columns: []string{"table_schema", "table_name"},
		Rows: [][]any{
			{"audit", "events"},
			{"public", "users"},
		},
	})
	db.OnFunc("information_schema.columns", func(_ string, args []any) fake.Result {
		if args[1] == "users" {
			return fake.Result{
				Columns: []string{"column_name", "data_type", "is_nullable", "column_default", "is_primary_key"},
				Rows: [][]any{
					{"id", "bigint", false, "nextval('users_id_seq')", true},
					{"email", "text", false, nil, false},
					{"updated_at", "timestamp with time zone", true, nil, false},
				},
			}
		}
		return fake.Result{
			Columns: []string{"column_name", "data_type", "is_nullable", "column_default", "is_primary_key"},
			Rows: [][]any{
				{"id", "uuid", false, nil, true},
				{"user_id", "bigint", true, nil, false},
			},
		}
	})
	db.OnFunc("FOREIGN KEY", func(_ string, args []any) fake.Result {
		if args[1] == "events" {
			return fake.Result{
				Columns: []string{"column_name", "ref_table", "ref_column"},
				Rows:    [][]any{{"user_id", "users", "id"}},
			}
		}
		return fake.Result{}
	})
	db.OnFunc("pg_class", func(_ string, args []any) fake.Result {
		if args[1] == "events" {
			// Never analyzed; the inspector falls back to count(*).
			return fake.Result{Rows: [][]any{{int64(-1), int64(8192)}}}
		}
		return fake.Result{Rows: [][]any{{int64(1200), int64(240000)}}}
	})
	db.On("count(*)", fake.Result{Rows: [][]any{{int64(37)}}})
	return db
}

func TestSnapshotSortsAndQualifiesTables(t *testing.T) {
	snap, err := NewInspector(inspectorDB()).Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Tables, 2)

	assert.Equal(t, "audit.events", snap.Tables[0].Name)
	assert.Equal(t, "users", snap.Tables[1].Name)
}

func TestSnapshotColumnsAndKeys(t *testing.T) {
	snap, err := NewInspector(inspectorDB()).Snapshot(context.Background())
	require.NoError(t, err)

	users := snap.Table("users")
	require.NotNil(t, users)
	require.Len(t, users.Columns, 3)
	assert.Equal(t, []string{"id"}, users.PrimaryKey())
	assert.Equal(t, []string{"id", "email", "updated_at"}, users.ColumnNames())
	assert.False(t, users.Columns[0].Nullable)
	require.NotNil(t, users.Columns[0].Default)
	assert.True(t, users.Columns[2].Nullable)

	events := snap.Table("audit.events")
	require.NotNil(t, events)
	require.Len(t, events.ForeignKeys, 1)
	assert.Equal(t, "user_id", events.ForeignKeys[0].Column)
	assert.Equal(t, "users", events.ForeignKeys[0].RefTable)
}

func TestSnapshotSizeEstimates(t *testing.T) {
	snap, err := NewInspector(inspectorDB()).Snapshot(context.Background())
	require.NoError(t, err)

	users := snap.Table("users")
	assert.Equal(t, int64(1200), users.ApproxRows)
	assert.Equal(t, int64(240000), users.ApproxBytes)

	// reltuples -1 means the planner has no estimate yet.
	events := snap.Table("audit.events")
	assert.Equal(t, int64(37), events.ApproxRows)
	assert.Equal(t, int64(8192), events.ApproxBytes)
}

func TestSnapshotUnknownTableLookup(t *testing.T) {
	snap, err := NewInspector(inspectorDB()).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Table("ghost"))
}
