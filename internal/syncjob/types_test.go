package syncjob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbforge/pgbridge/internal/errs"
)

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Spec)
		ok     bool
	}{
		{"valid", func(*Spec) {}, true},
		{"missing user", func(s *Spec) { s.UserID = " " }, false},
		{"missing source", func(s *Spec) { s.SourceConnectionID = "" }, false},
		{"same endpoints", func(s *Spec) { s.TargetConnectionID = s.SourceConnectionID }, false},
		{"bad direction", func(s *Spec) { s.Direction = "sideways" }, false},
		{"unnamed table", func(s *Spec) { s.TablesConfig[0].TableName = "" }, false},
		{"bad strategy", func(s *Spec) { s.TablesConfig[0].ConflictStrategy = "coin_flip" }, false},
		{"nothing enabled", func(s *Spec) { s.TablesConfig[0].Enabled = false }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSpec()
			tc.mutate(s)
			err := s.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errs.IsInvalidInput(err))
		})
	}
}

func TestJobEnabledTables(t *testing.T) {
	j := &Job{TablesConfig: []TableConfig{
		{TableName: "a", Enabled: true},
		{TableName: "b", Enabled: false},
		{TableName: "c", Enabled: true},
	}}
	assert.Equal(t, []string{"a", "c"}, j.EnabledTables())

	cfg := j.TableConfigFor("b")
	require.NotNil(t, cfg)
	assert.False(t, cfg.Enabled)
	assert.Nil(t, j.TableConfigFor("missing"))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPaused.Terminal())
	assert.False(t, StatusPending.Terminal())
}
