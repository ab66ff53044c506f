package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSimpleStatements(t *testing.T) {
	stmts := Split("CREATE TABLE a (id int);\nCREATE TABLE b (id int);")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id int)", stmts[0])
	assert.Equal(t, "CREATE TABLE b (id int)", stmts[1])
}

func TestSplitDollarQuotedBlock(t *testing.T) {
	script := `DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'users_pkey') THEN
    ALTER TABLE users ADD PRIMARY KEY (id);
  END IF;
END;
$$;`

	stmts := Split(script)
	require.Len(t, stmts, 1, "internal semicolons must not split a DO block")
	assert.Contains(t, stmts[0], "ADD PRIMARY KEY (id);")
	assert.True(t, strings.HasSuffix(stmts[0], "$$"))
}

func TestSplitTaggedDollarQuotes(t *testing.T) {
	script := `DO $body$
BEGIN
  PERFORM 1; -- an unmatched $$ in here stays literal: $$
END;
$body$;
SELECT 1;`

	stmts := Split(script)
	require.Len(t, stmts, 2, "$$ must not close a $body$ block")
	assert.Contains(t, stmts[0], "$body$")
	assert.Equal(t, "SELECT 1", stmts[1])
}

func TestSplitMixedScript(t *testing.T) {
	script := `-- generated migration
BEGIN;
ALTER TABLE users ADD COLUMN IF NOT EXISTS last_login timestamp;
DO $$ BEGIN RAISE NOTICE 'x; y'; END; $$;
COMMIT;`

	stmts := Split(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "ALTER TABLE users ADD COLUMN IF NOT EXISTS last_login timestamp", stmts[0])
	assert.Contains(t, stmts[1], "RAISE NOTICE")
}

func TestSplitStripsCommentOnlyFragments(t *testing.T) {
	stmts := Split("-- header\n-- more header\n;\nSELECT 1;\n-- trailer")
	require.Len(t, stmts, 1)
	assert.Equal(t, "SELECT 1", stmts[0])
}

func TestSplitParameterPlaceholdersUntouched(t *testing.T) {
	stmts := Split("SELECT * FROM users WHERE id = $1; SELECT $2;")
	require.Len(t, stmts, 2)
}

func TestSplitEmptyAndWhitespace(t *testing.T) {
	assert.Empty(t, Split(""))
	assert.Empty(t, Split("  \n\t ;; ; "))
	assert.Empty(t, Split("BEGIN; COMMIT;"))
}

func TestSplitTrailingStatementWithoutSemicolon(t *testing.T) {
	stmts := Split("SELECT 1; SELECT 2")
	require.Len(t, stmts, 2)
	assert.Equal(t, "SELECT 2", stmts[1])
}

func TestSplitRoundTrip(t *testing.T) {
	script := `ALTER TABLE users ADD COLUMN IF NOT EXISTS last_login timestamp;
DO $$ BEGIN PERFORM 1; END; $$;
SELECT count(*) FROM users;`

	stmts := Split(script)
	rejoined := strings.Join(stmts, ";\n") + ";"

	// Re-splitting the joined output is a fixed point.
	assert.Equal(t, stmts, Split(rejoined))
}

func TestReadDollarTag(t *testing.T) {
	tests := []struct {
		in   string
		tag  string
		ok   bool
	}{
		{"$$x", "", true},
		{"$body$x", "body", true},
		{"$tag1$", "tag1", true},
		{"$1", "", false},    // parameter placeholder
		{"$ x", "", false},   // space ends the candidate
		{"$", "", false},     // lone dollar
		{"$9tag$", "", false}, // tags cannot start with a digit
	}
	for _, tt := range tests {
		tag, ok := readDollarTag(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.tag, tag, tt.in)
	}
}
