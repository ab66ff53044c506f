// Package fake provides an in-memory scripted implementation of
// database.DB for tests. Rules are matched by SQL substring; unmatched
// queries return an empty result set and unmatched execs succeed, so
// tests only script what they assert on.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/errs"
)

// Result is the scripted outcome of one matched statement.
type Result struct {
	Columns  []string
	Rows     [][]any
	Affected int64
	Err      error
}

// Call records one statement the fake received.
type Call struct {
	SQL  string
	Args []any
}

type rule struct {
	substr string
	fn     func(sql string, args []any) Result
}

// DB is a scripted database.DB. Safe for concurrent use.
type DB struct {
	mu      sync.Mutex
	rules   []rule
	Queries []Call
	Execs   []Call
	Txs     []*Tx

	// PingErr, when set, is returned by Ping.
	PingErr error
	// BeginErr, when set, is returned by Begin.
	BeginErr error
}

// New returns an empty fake DB.
func New() *DB {
	return &DB{}
}

// On scripts a static result for any statement containing substr.
// Rules are matched in registration order; first match wins.
func (d *DB) On(substr string, res Result) {
	d.OnFunc(substr, func(string, []any) Result { return res })
}

// OnFunc scripts a dynamic result for any statement containing substr.
func (d *DB) OnFunc(substr string, fn func(sql string, args []any) Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, rule{substr: substr, fn: fn})
}

// OverrideFunc scripts a rule that takes precedence over all earlier ones.
func (d *DB) OverrideFunc(substr string, fn func(sql string, args []any) Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append([]rule{{substr: substr, fn: fn}}, d.rules...)
}

func (d *DB) match(sql string, args []any) Result {
	d.mu.Lock()
	rules := make([]rule, len(d.rules))
	copy(rules, d.rules)
	d.mu.Unlock()

	for _, r := range rules {
		if strings.Contains(sql, r.substr) {
			return r.fn(sql, args)
		}
	}
	return Result{}
}

// --- database.DB implementation ---

func (d *DB) Ping(ctx context.Context) error { return d.PingErr }
func (d *DB) Close()                         {}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	d.mu.Lock()
	d.Queries = append(d.Queries, Call{SQL: sql, Args: args})
	d.mu.Unlock()

	res := d.match(sql, args)
	if res.Err != nil {
		return nil, res.Err
	}
	return &sliceRows{cols: res.Columns, rows: res.Rows}, nil
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	d.mu.Lock()
	d.Queries = append(d.Queries, Call{SQL: sql, Args: args})
	d.mu.Unlock()

	return &singleRow{res: d.match(sql, args)}
}

func (d *DB) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	d.mu.Lock()
	d.Execs = append(d.Execs, Call{SQL: sql, Args: args})
	d.mu.Unlock()

	res := d.match(sql, args)
	if res.Err != nil {
		return 0, res.Err
	}
	return res.Affected, nil
}

func (d *DB) Begin(ctx context.Context) (database.Tx, error) {
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	tx := &Tx{parent: d}
	d.mu.Lock()
	d.Txs = append(d.Txs, tx)
	d.mu.Unlock()
	return tx, nil
}

// ExecsMatching returns the recorded exec calls (pool-level and
// transactional) whose SQL contains substr.
func (d *DB) ExecsMatching(substr string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Call
	for _, c := range d.Execs {
		if strings.Contains(c.SQL, substr) {
			out = append(out, c)
		}
	}
	for _, tx := range d.Txs {
		for _, c := range tx.Execs {
			if strings.Contains(c.SQL, substr) {
				out = append(out, c)
			}
		}
	}
	return out
}

// Tx is a scripted transaction. Statements are matched against the parent
// DB's rules so tests script reads and writes in one place.
type Tx struct {
	parent *DB
	mu     sync.Mutex
	Execs  []Call

	Committed  bool
	RolledBack bool
}

func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	t.mu.Lock()
	t.Execs = append(t.Execs, Call{SQL: sql, Args: args})
	t.mu.Unlock()

	res := t.parent.match(sql, args)
	if res.Err != nil {
		return 0, res.Err
	}
	return res.Affected, nil
}

func (t *Tx) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	res := t.parent.match(sql, args)
	if res.Err != nil {
		return nil, res.Err
	}
	return &sliceRows{cols: res.Columns, rows: res.Rows}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Committed {
		t.RolledBack = true
	}
	return nil
}

// --- result set ---

type sliceRows struct {
	cols []string
	rows [][]any
	idx  int
	err  error
}

func (r *sliceRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *sliceRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return fmt.Errorf("fake: Scan called without Next")
	}
	row := r.rows[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("fake: scan expected %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

func (r *sliceRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, fmt.Errorf("fake: Values called without Next")
	}
	row := r.rows[r.idx-1]
	out := make([]any, len(row))
	copy(out, row)
	return out, nil
}

func (r *sliceRows) Columns() ([]string, error) { return r.cols, nil }
func (r *sliceRows) Close()                     {}
func (r *sliceRows) Err() error                 { return r.err }

type singleRow struct {
	res Result
}

func (r *singleRow) Scan(dest ...any) error {
	if r.res.Err != nil {
		return r.res.Err
	}
	if len(r.res.Rows) == 0 {
		// Mirrors the driver's mapping of pgx.ErrNoRows.
		return errs.New(errs.ErrKindNotFound, "no rows in result set")
	}
	row := r.res.Rows[0]
	if len(dest) != len(row) {
		return fmt.Errorf("fake: scan expected %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

// assign copies a scripted value into a scan destination, converting
// between the integer widths tests naturally write.
func assign(dest, val any) error {
	switch d := dest.(type) {
	case *any:
		*d = val
		return nil
	case *string:
		if s, ok := val.(string); ok {
			*d = s
			return nil
		}
	case **string:
		switch v := val.(type) {
		case nil:
			*d = nil
			return nil
		case string:
			s := v
			*d = &s
			return nil
		case *string:
			*d = v
			return nil
		}
	case *bool:
		if b, ok := val.(bool); ok {
			*d = b
			return nil
		}
	case *int64:
		switch v := val.(type) {
		case int:
			*d = int64(v)
			return nil
		case int64:
			*d = v
			return nil
		}
	case *int:
		switch v := val.(type) {
		case int:
			*d = v
			return nil
		case int64:
			*d = int(v)
			return nil
		}
	case *float64:
		switch v := val.(type) {
		case float64:
			*d = v
			return nil
		case int:
			*d = float64(v)
			return nil
		}
	case *time.Time:
		if ts, ok := val.(time.Time); ok {
			*d = ts
			return nil
		}
	case **time.Time:
		switch v := val.(type) {
		case nil:
			*d = nil
			return nil
		case time.Time:
			ts := v
			*d = &ts
			return nil
		case *time.Time:
			*d = v
			return nil
		}
	case *[]byte:
		switch v := val.(type) {
		case nil:
			*d = nil
			return nil
		case []byte:
			*d = v
			return nil
		case string:
			*d = []byte(v)
			return nil
		}
	}
	return fmt.Errorf("fake: cannot assign %T into %T", val, dest)
}
