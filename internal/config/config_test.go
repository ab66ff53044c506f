package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbforge/pgbridge/internal/errs"
	"github.com/dbforge/pgbridge/internal/syncjob"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 100, cfg.Jobs.MinBatchSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Artifacts.Enabled())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  readTimeout: 10s
log:
  level: debug
jobs:
  workers: 2
  maxBatchSize: 500
connections:
  - id: dev
    displayName: Dev DB
    environment: development
    dsn: postgres://localhost/dev
  - id: prod
    displayName: Main Production
    environment: production
    dsn: postgres://localhost/prod
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, 500, cfg.Jobs.MaxBatchSize)
	// File values merge over defaults, untouched keys keep them.
	assert.Equal(t, 100, cfg.Jobs.MinBatchSize)

	require.Len(t, cfg.Connections, 2)
	assert.Equal(t, syncjob.EnvProduction, cfg.Connections[1].Environment)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9090\"\n")
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("JOB_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Jobs.Workers)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"batch bounds inverted": "jobs:\n  minBatchSize: 500\n  maxBatchSize: 100\n",
		"connection without dsn": `
connections:
  - id: dev
    environment: development
`,
		"unknown environment": `
connections:
  - id: dev
    environment: moon
    dsn: postgres://localhost/dev
`,
		"duplicate connection id": `
connections:
  - id: dev
    environment: development
    dsn: postgres://localhost/a
  - id: dev
    environment: development
    dsn: postgres://localhost/b
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.True(t, errs.IsInvalidInput(err))
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
