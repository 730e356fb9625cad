package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/callpipe/internal/adapters/sqlite"
	"github.com/manthysbr/callpipe/internal/config"
	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/services"
)

type transcriberFunc func(ctx context.Context, audioRef string) (domain.TranscriptionResult, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audioRef string) (domain.TranscriptionResult, error) {
	return f(ctx, audioRef)
}

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *sqlite.Store
	bus     *services.ProgressBus
	suites  *services.SuiteRunner
}

func newTestEnv(t *testing.T, tr domain.Transcriber, dedupe bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"), sqlite.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	if tr == nil {
		tr = transcriberFunc(func(context.Context, string) (domain.TranscriptionResult, error) {
			return domain.TranscriptionResult{Text: "hello world", Engine: "fake"}, nil
		})
	}

	bus := services.NewProgressBus(logger, time.Hour)
	queue := services.NewJobQueue(logger, store, nil, services.QueueConfig{MaxAttempts: 3, DedupeActive: dedupe})
	intake := services.NewIntakeService(logger, queue, store, bus)
	suites := services.NewSuiteRunner(logger, store, tr, bus, nil, nil, domain.SuiteDefaults{})
	t.Cleanup(suites.Wait)

	settings, err := config.NewSettingsStore(ctx, logger, store, config.NewSecretKeyFromPassphrase("test"), nil)
	require.NoError(t, err)

	srv, err := NewServer(ctx, logger, Deps{
		Store:    store,
		Queue:    queue,
		Intake:   intake,
		Suites:   suites,
		Bus:      bus,
		Settings: settings,
	})
	require.NoError(t, err)

	return &testEnv{server: srv, handler: srv.Handler(), store: store, bus: bus, suites: suites}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, nil, false)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Jobs(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"subject_ref": "rec-1",
		"payload":     "https://cdn/rec-1.wav",
		"priority":    5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[domain.Job](t, rec)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+string(job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decode[domain.Job](t, rec).ID)

	rec = env.do(t, http.MethodGet, "/v1/jobs?status=queued&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[jobList](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorBody](t, rec).Error)
}

func TestServer_RequestValidation(t *testing.T) {
	env := newTestEnv(t, nil, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"missing payload", http.MethodPost, "/v1/jobs", map[string]any{"subject_ref": "x"}},
		{"empty subject", http.MethodPost, "/v1/jobs", map[string]any{"subject_ref": "", "payload": "p"}},
		{"bad limit", http.MethodGet, "/v1/jobs?limit=abc", nil},
		{"limit out of range", http.MethodGet, "/v1/jobs?limit=0", nil},
		{"unknown status", http.MethodGet, "/v1/jobs?status=lost", nil},
		{"bad concurrency", http.MethodPost, "/v1/suites/s/runs", map[string]any{"concurrency": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "invalid_request", decode[errorBody](t, rec).Error)
		})
	}
}

func TestServer_DuplicateActiveJob(t *testing.T) {
	env := newTestEnv(t, nil, true)
	body := map[string]any{"subject_ref": "rec-dup", "payload": "https://cdn/a.wav"}

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/jobs", body).Code)
	rec := env.do(t, http.MethodPost, "/v1/jobs", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_active_job", decode[errorBody](t, rec).Error)
}

func TestServer_IntakeAndQuarantine(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, http.MethodPost, "/v1/intake", `{"recording_id":"r1","recording_url":"https://cdn/r1.wav"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	queued := decode[intakeResponse](t, rec)
	assert.Equal(t, "queued", queued.Status)
	require.NotNil(t, queued.JobID)

	rec = env.do(t, http.MethodPost, "/v1/intake", `{"recording_id":"r2"`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	held := decode[intakeResponse](t, rec)
	assert.Equal(t, "quarantined", held.Status)
	require.NotNil(t, held.QuarantineID)
	assert.NotEmpty(t, held.Reason)

	rec = env.do(t, http.MethodGet, "/v1/quarantine?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[quarantineList](t, rec).Count)

	qid := string(*held.QuarantineID)

	// Replaying the stored payload fails validation again and stays pending
	rec = env.do(t, http.MethodPost, "/v1/quarantine/"+qid+"/replay", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/quarantine/"+qid+"/replay", replayRequest{
		Payload: `{"recording_id":"r2","recording_url":"https://cdn/r2.wav"}`,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	replayed := decode[intakeResponse](t, rec)
	require.NotNil(t, replayed.JobID)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+string(*replayed.JobID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[domain.Job](t, rec)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, "r2", job.SubjectRef)

	rec = env.do(t, http.MethodPost, "/v1/quarantine/"+qid+"/replay", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "quarantine_resolved", decode[errorBody](t, rec).Error)

	rec = env.do(t, http.MethodPost, "/v1/quarantine/"+qid+"/discard", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/quarantine/nope/discard", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SuiteRuns(t *testing.T) {
	gate := make(chan struct{})
	tr := transcriberFunc(func(ctx context.Context, _ string) (domain.TranscriptionResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.TranscriptionResult{}, ctx.Err()
		}
		return domain.TranscriptionResult{Text: "the quick brown fox", Engine: "fake"}, nil
	})
	env := newTestEnv(t, tr, false)

	rec := env.do(t, http.MethodPost, "/v1/suites/nightly/cases", []map[string]any{
		{"id": "c1", "audio_ref": "https://cdn/c1.wav", "expected_transcript": "the quick brown fox"},
		{"audio_ref": "https://cdn/c2.wav", "expected_transcript": "the quick brown dog"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/suites/nightly/cases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nightly-2")

	rec = env.do(t, http.MethodPost, "/v1/suites/nightly/runs", map[string]any{"concurrency": 2})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := decode[domain.SuiteRun](t, rec)
	assert.Equal(t, domain.SuiteRunStatusRunning, run.Status)
	assert.Equal(t, 2, run.Concurrency)

	rec = env.do(t, http.MethodPost, "/v1/suites/nightly/runs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "suite_already_running", decode[errorBody](t, rec).Error)

	close(gate)
	env.suites.Wait()

	rec = env.do(t, http.MethodGet, "/v1/suite-runs/"+string(run.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[suiteRunDetail](t, rec)
	assert.Equal(t, domain.SuiteRunStatusCompleted, detail.Run.Status)
	assert.Len(t, detail.TestRuns, 2)

	rec = env.do(t, http.MethodGet, "/v1/suites/nightly/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []domain.SuiteRunSummary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, 2, runs.Runs[0].Total)
	assert.Equal(t, 1, runs.Runs[0].Passed)

	rec = env.do(t, http.MethodGet, "/v1/suites/nightly/report", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/suite-runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SuiteRunWithoutCases(t *testing.T) {
	env := newTestEnv(t, nil, false)
	rec := env.do(t, http.MethodPost, "/v1/suites/empty/runs", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no_test_cases", decode[errorBody](t, rec).Error)
}

func TestServer_Settings(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[domain.AppConfig](t, rec)
	assert.Equal(t, "local", cfg.Transcriber.Mode)

	rec = env.do(t, http.MethodPut, "/v1/settings", map[string]any{
		"transcriber": map[string]any{"mode": "remote", "remote_url": "https://stt.example", "api_key": "secret-key-1234"},
		"suite":       map[string]any{"pass_threshold": 0.2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg = decode[domain.AppConfig](t, rec)
	assert.Equal(t, "remote", cfg.Transcriber.Mode)
	assert.Equal(t, "****1234", cfg.Transcriber.APIKey)
	assert.InDelta(t, 0.2, cfg.Suite.PassThreshold, 1e-9)

	rec = env.do(t, http.MethodPut, "/v1/settings", map[string]any{"suite": map[string]any{"pass_threshold": 2}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/settings", map[string]any{"transcriber": map[string]any{"remote_url": ""}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Message, "remote_url")
}

func TestServer_TranscriptNotFound(t *testing.T) {
	env := newTestEnv(t, nil, false)
	rec := env.do(t, http.MethodGet, "/v1/transcripts/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (string, services.Event) {
	t.Helper()
	var (
		typ  string
		data string
	)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && typ != "":
			var evt services.Event
			require.NoError(t, json.Unmarshal([]byte(data), &evt))
			return typ, evt
		}
	}
}

func TestServer_StreamSSE(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/streams/run-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	typ, evt := readSSEEvent(t, reader)
	assert.Equal(t, string(services.EventTypeConnected), typ)
	assert.Equal(t, "run-1", evt.Key)

	env.bus.Publish("run-1", services.NewEvent("run-1", services.EventTypeTestRunFinished, map[string]int{"processed": 1}))
	typ, evt = readSSEEvent(t, reader)
	assert.Equal(t, string(services.EventTypeTestRunFinished), typ)
	assert.JSONEq(t, `{"processed":1}`, string(evt.Data))

	cancel()
	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount("run-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StreamWebSocket(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/streams/rec-9/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt services.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, services.EventTypeConnected, evt.Type)

	env.bus.Publish("rec-9", services.NewEvent("rec-9", services.EventTypeJobDone, nil))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, services.EventTypeJobDone, evt.Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount("rec-9") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenAPISpecLoads(t *testing.T) {
	_, err := loadRouter(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(OpenAPISpec()), "/v1/suites/{id}/runs")
}
