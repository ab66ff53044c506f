package syncjob

import (
	"strings"

	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/schema"
)

// mergeTimestampCandidates are probed in order when a merge-strategy table
// does not name its timestamp column explicitly.
var mergeTimestampCandidates = []string{"updated_at", "modified_at", "last_modified"}

// resolution is the concrete write behavior derived from a table's
// conflict strategy and its actual schema.
type resolution struct {
	action  database.ConflictAction
	mergeTS string

	// recordOnly means conflicting rows are logged, not written (manual
	// strategy). Non-conflicting rows still insert.
	recordOnly bool

	// warning is non-empty when the strategy was degraded, e.g. merge
	// without a usable timestamp column.
	warning string
}

// resolveStrategy maps a table config onto an executable resolution
// against the table's real columns. Merge degrades to source_wins when no
// timestamp column is available; the degradation is surfaced as a warning
// so it lands in the job log.
func resolveStrategy(tc *TableConfig, table *schema.TableSchema) resolution {
	switch tc.ConflictStrategy {
	case ConflictTargetWins:
		return resolution{action: database.ConflictNothing}

	case ConflictManual:
		return resolution{action: database.ConflictNothing, recordOnly: true}

	case ConflictMerge:
		ts := tc.MergeTimestampColumn
		if ts == "" {
			ts = detectMergeColumn(table)
		}
		if ts == "" || table.Column(ts) == nil {
			return resolution{
				action: database.ConflictUpdate,
				warning: "merge strategy needs a timestamp column on " +
					table.Name + "; falling back to source_wins",
			}
		}
		return resolution{action: database.ConflictMergeLWW, mergeTS: ts}

	default: // source_wins
		return resolution{action: database.ConflictUpdate}
	}
}

// reverseResolution derives the write behavior for the reverse pass of a
// two-way job (target rows flowing back to source). Strategies mirror:
// source_wins must not clobber source rows, target_wins overwrites them,
// merge stays symmetric.
func reverseResolution(res resolution, tc *TableConfig) resolution {
	switch tc.ConflictStrategy {
	case ConflictSourceWins:
		return resolution{action: database.ConflictNothing}
	case ConflictTargetWins:
		return resolution{action: database.ConflictUpdate}
	case ConflictManual:
		return resolution{action: database.ConflictNothing, recordOnly: true}
	default:
		return res
	}
}

func detectMergeColumn(table *schema.TableSchema) string {
	for _, cand := range mergeTimestampCandidates {
		for _, c := range table.Columns {
			if strings.EqualFold(c.Name, cand) && isTimestampType(c.Type) {
				return c.Name
			}
		}
	}
	return ""
}

func isTimestampType(t string) bool {
	t = strings.ToLower(t)
	return strings.Contains(t, "timestamp") || t == "date" ||
		strings.Contains(t, "time with") || t == "time"
}
