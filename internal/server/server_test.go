package server_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/config"
	"github.com/Sumatoshi-tech/peer/internal/pipeline"
	"github.com/Sumatoshi-tech/peer/internal/queue"
	"github.com/Sumatoshi-tech/peer/internal/server"
	"github.com/Sumatoshi-tech/peer/internal/store"
	"github.com/Sumatoshi-tech/peer/pkg/kv"
)

const testSecret = "hush"

type env struct {
	store    *store.Store
	server   *server.Server
	analyzeQ *queue.Queue
	autofixQ *queue.Queue
}

func newEnv(t *testing.T) *env {
	t.Helper()

	backend := kv.NewMemory()
	st := store.New(backend)

	analyzeQ := queue.NewQueue(queue.QueueAnalyze, backend)
	autofixQ := queue.NewQueue(queue.QueueAutofix, backend)
	applyQ := queue.NewQueue(queue.QueueApply, backend)

	p := pipeline.New(pipeline.Deps{
		Store:        st,
		AnalyzeQueue: analyzeQ,
		AutofixQueue: autofixQ,
		ApplyQueue:   applyQ,
	})

	srv := server.New(server.Deps{
		Config: config.ServerConfig{
			Addr:          "127.0.0.1:0",
			WebhookSecret: testSecret,
		},
		Store:    st,
		Pipeline: p,
	})

	return &env{store: st, server: srv, analyzeQ: analyzeQ, autofixQ: autofixQ}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func prBody(sha string) []byte {
	return []byte(`{
		"action": "opened",
		"repository": {"full_name": "org/app"},
		"pull_request": {
			"number": 3,
			"head": {"ref": "feature/x", "sha": "` + sha + `"},
			"base": {"sha": "base0"}
		}
	}`)
}

func (e *env) webhook(t *testing.T, event string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")

	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	return rec
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	rec := e.webhook(t, "pull_request", prBody("abc"), "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	rec := e.webhook(t, "pull_request", prBody("abc"), "sha256=deadbeef")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookQueuesRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	body := prBody("abc")
	rec := e.webhook(t, "pull_request", body, sign(body))

	require.Equal(t, http.StatusOK, rec.Code)

	run, err := e.store.FindRun(context.Background(), "org/app", 3, "abc")
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, run.Status)

	depth, err := e.analyzeQ.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestWebhookDuplicateDeliveryConflicts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	body := prBody("abc")
	require.Equal(t, http.StatusOK, e.webhook(t, "pull_request", body, sign(body)).Code)

	rec := e.webhook(t, "pull_request", body, sign(body))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebhookUnknownEventAccepted(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	body := []byte(`{"action": "created"}`)
	rec := e.webhook(t, "star", body, sign(body))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookMalformedPayloadRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	body := []byte(`{"action": "opened"}`)
	rec := e.webhook(t, "pull_request", body, sign(body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (e *env) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	return rec
}

func seedCompletedRun(t *testing.T, st *store.Store) store.PRRun {
	t.Helper()

	ctx := context.Background()

	run, err := st.CreateRun(ctx, store.PRRun{Repo: "org/app", PRNumber: 3, SHA: "abc"})
	require.NoError(t, err)

	run, err = run.Start()
	require.NoError(t, err)

	findings := []analysis.Finding{
		{ID: "f-0001", File: "app.js", Line: 1, Rule: "no-var", Severity: analysis.SeverityMedium},
		{ID: "f-0002", File: "lib.js", Line: 2, Rule: "no-var", Severity: analysis.SeverityLow},
	}

	run, err = run.Complete(findings, analysis.Summarize(findings))
	require.NoError(t, err)
	require.NoError(t, st.UpdateRun(ctx, run))

	return run
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run := seedCompletedRun(t, e.store)

	rec := e.get(t, "/api/runs/"+run.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var got store.PRRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Len(t, got.Findings, 2)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/runs/missing").Code)
}

func TestListRunsFilters(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	seedCompletedRun(t, e.store)

	_, err := e.store.CreateRun(context.Background(), store.PRRun{Repo: "org/other", PRNumber: 9, SHA: "zzz"})
	require.NoError(t, err)

	rec := e.get(t, "/api/runs?repo=org/app&pr=3")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []store.PRRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "org/app", runs[0].Repo)

	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/runs?pr=nope").Code)
}

func (e *env) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	return rec
}

func TestCreatePatchQueuesPreviewJobs(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run := seedCompletedRun(t, e.store)

	rec := e.post(t, "/api/patches", map[string]any{"runId": run.ID})
	require.Equal(t, http.StatusCreated, rec.Code)

	var patch store.PatchRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patch))
	assert.Equal(t, store.PatchQueued, patch.Status)
	assert.Len(t, patch.SelectedFindingIDs, 2)
	assert.Equal(t, 2, patch.Preview.FilesExpected)

	depth, err := e.autofixQ.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestCreatePatchSubsetSelection(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run := seedCompletedRun(t, e.store)

	rec := e.post(t, "/api/patches", map[string]any{
		"runId":      run.ID,
		"findingIds": []string{"f-0002"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var patch store.PatchRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patch))
	assert.Equal(t, []string{"f-0002"}, patch.SelectedFindingIDs)
	assert.Equal(t, 1, patch.Preview.FilesExpected)
}

func TestCreatePatchRejectsIncompleteRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	run, err := e.store.CreateRun(context.Background(), store.PRRun{Repo: "org/app", PRNumber: 5, SHA: "qqq"})
	require.NoError(t, err)

	rec := e.post(t, "/api/patches", map[string]any{"runId": run.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreatePatchRejectsEmptySelection(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run := seedCompletedRun(t, e.store)

	rec := e.post(t, "/api/patches", map[string]any{
		"runId":      run.ID,
		"findingIds": []string{"nope"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPatchFile(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run := seedCompletedRun(t, e.store)

	ctx := context.Background()

	patch, err := e.store.CreatePatch(ctx, store.PatchRequest{
		RunID: run.ID,
		Repo:  run.Repo,
		Preview: store.Preview{
			Files:         []store.PreviewFile{{File: "app.js", Ready: true, ImprovedText: "let x = 1"}},
			FilesExpected: 1,
		},
	})
	require.NoError(t, err)

	rec := e.get(t, "/api/patches/"+patch.ID+"/files/0")
	require.Equal(t, http.StatusOK, rec.Code)

	var file store.PreviewFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &file))
	assert.Equal(t, "app.js", file.File)
	assert.Equal(t, "let x = 1", file.ImprovedText)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/patches/"+patch.ID+"/files/7").Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	assert.Equal(t, http.StatusOK, e.get(t, "/healthz").Code)
	assert.Equal(t, http.StatusOK, e.get(t, "/readyz").Code)
}
