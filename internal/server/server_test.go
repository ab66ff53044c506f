package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbforge/pgbridge/internal/batch"
	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/database/fake"
	"github.com/dbforge/pgbridge/internal/progress"
	"github.com/dbforge/pgbridge/internal/syncjob"
)

type stubProvider struct {
	conns map[string]*syncjob.Connection
}

func (p *stubProvider) Get(_ context.Context, id, _ string) (*syncjob.Connection, error) {
	c, ok := p.conns[id]
	if !ok {
		return nil, fmt.Errorf("unknown connection %s", id)
	}
	return c, nil
}

func (p *stubProvider) Open(_ context.Context, _ *syncjob.Connection) (database.DB, error) {
	return fake.New(), nil
}

type env struct {
	srv    *Server
	store  *syncjob.MemoryStore
	orch   *syncjob.Orchestrator
	router http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	provider := &stubProvider{conns: map[string]*syncjob.Connection{
		"src": {ID: "src", DisplayName: "dev source", Environment: syncjob.EnvDevelopment},
		"dst": {ID: "dst", DisplayName: "dev target", Environment: syncjob.EnvDevelopment},
	}}
	store := syncjob.NewMemoryStore()
	orch := syncjob.NewOrchestrator(store, provider, progress.NewBroker(), nil, batch.Config{})
	pool := syncjob.NewPool(orch, nil, 1, 8)

	srv := New(orch, pool, store, nil, nil)
	return &env{srv: srv, store: store, orch: orch, router: srv.Router()}
}

func (e *env) do(t *testing.T, method, path, user string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func specBody() string {
	return `{
		"sourceConnectionId": "src",
		"targetConnectionId": "dst",
		"direction": "one_way",
		"tablesConfig": [{"tableName": "users", "enabled": true, "conflictStrategy": "source_wins"}]
	}`
}

func TestCreateJobReturnsCreated(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job syncjob.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, syncjob.StatusPending, job.Status)
	assert.Equal(t, "u1", job.UserID)
}

func TestCreateJobRequiresUserHeader(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/jobs/", "", specBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobValidatesSpec(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/jobs/", "u1",
		`{"sourceConnectionId":"src","targetConnectionId":"src","direction":"one_way","tablesConfig":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_input")
}

func TestCreateJobMapsCapToTooManyRequests(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		rec := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetJob(t *testing.T) {
	e := newEnv(t)
	created := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	var job syncjob.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	rec := e.do(t, http.MethodGet, "/api/jobs/"+job.ID, "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Jobs are scoped to their owner.
	rec = e.do(t, http.MethodGet, "/api/jobs/"+job.ID, "intruder", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/jobs/ghost", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseNotRunningJobConflicts(t *testing.T) {
	e := newEnv(t)
	created := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	var job syncjob.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	// Job is queued but no worker has picked it up.
	rec := e.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/pause", "u1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not running")
}

func TestResumeRequiresPausedOrFailed(t *testing.T) {
	e := newEnv(t)
	created := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	var job syncjob.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	rec := e.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/resume", "u1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	paused := syncjob.StatusPaused
	require.NoError(t, e.store.Update(context.Background(), job.ID, syncjob.Patch{Status: &paused}))

	rec = e.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/resume", "u1", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestResumePastActiveJobCapIsRejected(t *testing.T) {
	e := newEnv(t)
	created := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	var job syncjob.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	paused := syncjob.StatusPaused
	require.NoError(t, e.store.Update(context.Background(), job.ID, syncjob.Patch{Status: &paused}))

	// Fill the cap with fresh jobs; the paused one may not rejoin yet.
	for i := 0; i < 3; i++ {
		rec := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := e.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/resume", "u1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestDeleteJobOnlyWhenTerminal(t *testing.T) {
	e := newEnv(t)
	created := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	var job syncjob.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	rec := e.do(t, http.MethodDelete, "/api/jobs/"+job.ID, "u1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	completed := syncjob.StatusCompleted
	require.NoError(t, e.store.Update(context.Background(), job.ID, syncjob.Patch{Status: &completed}))

	rec = e.do(t, http.MethodDelete, "/api/jobs/"+job.ID, "u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/jobs/"+job.ID, "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobLogs(t *testing.T) {
	e := newEnv(t)
	created := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	var job syncjob.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	rec := e.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/logs", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "job created")
}

func TestJobMetricsNotRunning(t *testing.T) {
	e := newEnv(t)
	created := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	var job syncjob.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	rec := e.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/metrics", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMigrationPlanValidatesInput(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/migration-plan", "u1", `{"sourceConnectionId":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyMigrationValidatesInput(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/migration-plan/apply", "u1", `{"targetConnectionId":"dst"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEventsStreamsUntilTerminal(t *testing.T) {
	e := newEnv(t)
	created := e.do(t, http.MethodPost, "/api/jobs/", "u1", specBody())
	var job syncjob.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	// The latest event is replayed to new subscribers, so a terminal
	// event published first makes the stream deterministic.
	e.orch.Broker().Publish(progress.Event{
		JobID:   job.ID,
		Status:  string(syncjob.StatusCompleted),
		Percent: 100,
	})

	rec := e.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/events", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "data: ")
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
