package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/config"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/pipeline"
	"github.com/jonathan/asset-pipeline/internal/server/ratelimit"
	"github.com/jonathan/asset-pipeline/internal/transcription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu       sync.Mutex
	requests []pipeline.StartRequest
	start    func(req pipeline.StartRequest) (*pipeline.StartResult, error)
	retry    func(assetID uuid.UUID) (*pipeline.StartResult, error)
	cancel   func(assetID uuid.UUID) (*pipeline.CancelResult, error)
}

func (f *fakeProcessor) StartProcessing(_ context.Context, req pipeline.StartRequest) (*pipeline.StartResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.start(req)
}

func (f *fakeProcessor) RetryProcessing(_ context.Context, assetID, _ uuid.UUID) (*pipeline.StartResult, error) {
	return f.retry(assetID)
}

func (f *fakeProcessor) CancelProcessing(_ context.Context, assetID, _ uuid.UUID) (*pipeline.CancelResult, error) {
	return f.cancel(assetID)
}

// fakeAssets serves a scripted sequence of snapshots per asset; the last one repeats.
type fakeAssets struct {
	mu     sync.Mutex
	assets map[uuid.UUID][]db.Asset
	runs   []db.AssetRun
}

func (f *fakeAssets) put(asset db.Asset, later ...db.Asset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets[asset.ID] = append([]db.Asset{asset}, later...)
}

func (f *fakeAssets) GetAssetForAccount(_ context.Context, id, accountID uuid.UUID) (*db.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.assets[id]
	if !ok || seq[0].AccountID != accountID {
		return nil, nil
	}
	asset := seq[0]
	if len(seq) > 1 {
		f.assets[id] = seq[1:]
	}
	return &asset, nil
}

func (f *fakeAssets) ListAssets(_ context.Context, accountID uuid.UUID, status *string, limit int) ([]db.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Asset
	for _, seq := range f.assets {
		a := seq[0]
		if a.AccountID == accountID && (status == nil || a.Status == *status) && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAssets) ListAssetRuns(_ context.Context, _ uuid.UUID, _ int) ([]db.AssetRun, error) {
	return f.runs, nil
}

type fakeTranscripts struct {
	status   *transcription.Status
	segments []db.TranscriptSegment
}

func (f *fakeTranscripts) GetStatus(context.Context, uuid.UUID) (*transcription.Status, error) {
	if f.status == nil {
		return &transcription.Status{}, nil
	}
	return f.status, nil
}

func (f *fakeTranscripts) Segments(context.Context, uuid.UUID) ([]db.TranscriptSegment, error) {
	return f.segments, nil
}

type testEnv struct {
	handler     http.Handler
	processor   *fakeProcessor
	assets      *fakeAssets
	transcripts *fakeTranscripts
	token       string
	accountID   uuid.UUID
}

func newTestEnv(t *testing.T, rl *ratelimit.Config) *testEnv {
	t.Helper()
	if rl == nil {
		rl = &ratelimit.Config{Enabled: false}
	}
	jwtService := NewJWTService(&config.JWTConfig{Secret: "test-secret-key-0123456789", Issuer: "asset-pipeline", ExpirationHours: 1})
	env := &testEnv{
		processor:   &fakeProcessor{},
		assets:      &fakeAssets{assets: map[uuid.UUID][]db.Asset{}},
		transcripts: &fakeTranscripts{},
		accountID:   uuid.New(),
	}
	token, err := jwtService.GenerateToken(env.accountID)
	require.NoError(t, err)
	env.token = token

	s := New(Config{EventInterval: 5 * time.Millisecond, RateLimit: rl}, Deps{
		Processor:   env.processor,
		Assets:      env.assets,
		Transcripts: env.transcripts,
		Tokens:      jwtService.AsTokenValidator(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(s.rateLimiter.Stop)
	env.handler = s.Handler()
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) asset(status string) db.Asset {
	a := db.Asset{ID: uuid.New(), AccountID: e.accountID, Status: status, FileType: "application/pdf", UpdatedAt: time.Now()}
	e.assets.put(a)
	return a
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestAssetRoutes_RequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, route := range []string{"GET /assets", "GET /assets/x", "POST /assets/x/process", "GET /assets/x/events"} {
		method, path, _ := strings.Cut(route, " ")
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, route)
	}
}

func TestProcess_Accepted(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := uuid.New()
	env.processor.start = func(pipeline.StartRequest) (*pipeline.StartResult, error) {
		return &pipeline.StartResult{Accepted: true, RunID: runID}, nil
	}
	assetID := uuid.New()

	w := env.do(http.MethodPost, "/assets/"+assetID.String()+"/process", `{"storage_key":"uploads/a.pdf","file_type":"application/pdf"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, runID.String(), body["run_id"])

	require.Len(t, env.processor.requests, 1)
	req := env.processor.requests[0]
	assert.Equal(t, assetID, req.AssetID)
	assert.Equal(t, env.accountID, req.AccountID)
	assert.Equal(t, "uploads/a.pdf", req.StorageKey)
	assert.Equal(t, "application/pdf", req.DeclaredType)
	assert.Equal(t, db.RunTriggerStart, req.Trigger)
}

func TestProcess_EmptyBodyAndAlreadyRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	env.processor.start = func(pipeline.StartRequest) (*pipeline.StartResult, error) {
		return &pipeline.StartResult{AlreadyRunning: true}, nil
	}

	w := env.do(http.MethodPost, "/assets/"+uuid.NewString()+"/process", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_running", decode(t, w)["status"])
	assert.Empty(t, env.processor.requests[0].StorageKey)
}

func TestProcess_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		err  error
		want int
	}{
		{name: "bad id", path: "/assets/nope/process", want: http.StatusBadRequest},
		{name: "bad json", body: `{"storage_key":`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"bucket":"x"}`, want: http.StatusBadRequest},
		{name: "bad file type", body: `{"file_type":"pdf"}`, want: http.StatusBadRequest},
		{name: "not found", err: &pipeline.NotFoundError{}, want: http.StatusNotFound},
		{name: "invalid state", err: &pipeline.InvalidStateError{Status: db.AssetStatusApproved}, want: http.StatusConflict},
		{name: "internal", err: assert.AnError, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.processor.start = func(pipeline.StartRequest) (*pipeline.StartResult, error) {
				return nil, tt.err
			}
			path := tt.path
			if path == "" {
				path = "/assets/" + uuid.NewString() + "/process"
			}
			w := env.do(http.MethodPost, path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", decode(t, w)["error"])
			}
		})
	}
}

func TestRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.processor.retry = func(uuid.UUID) (*pipeline.StartResult, error) {
		return &pipeline.StartResult{Accepted: true, RunID: uuid.New()}, nil
	}
	w := env.do(http.MethodPost, "/assets/"+uuid.NewString()+"/retry", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	env.processor.retry = func(id uuid.UUID) (*pipeline.StartResult, error) {
		return nil, &pipeline.InvalidStateError{AssetID: id, Operation: "process", Status: db.AssetStatusApproved}
	}
	w = env.do(http.MethodPost, "/assets/"+uuid.NewString()+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode(t, w)["error"], "APPROVED")
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.processor.cancel = func(uuid.UUID) (*pipeline.CancelResult, error) {
		return &pipeline.CancelResult{Cancelled: true, Message: pipeline.CancelNote}, nil
	}
	w := env.do(http.MethodPost, "/assets/"+uuid.NewString()+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"cancelled": true, "message": pipeline.CancelNote}, decode(t, w))

	env.processor.cancel = func(id uuid.UUID) (*pipeline.CancelResult, error) {
		return nil, &pipeline.InvalidStateError{AssetID: id, Operation: "cancel", Status: db.AssetStatusProcessed}
	}
	w = env.do(http.MethodPost, "/assets/"+uuid.NewString()+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"cancelled": false, "message": pipeline.NotRunningNote}, decode(t, w))

	env.processor.cancel = func(id uuid.UUID) (*pipeline.CancelResult, error) {
		return nil, &pipeline.NotFoundError{AssetID: id}
	}
	w = env.do(http.MethodPost, "/assets/"+uuid.NewString()+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAsset_ScopedToAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	content := "case_study"
	asset := db.Asset{ID: uuid.New(), AccountID: env.accountID, Status: db.AssetStatusProcessed, ContentType: &content}
	env.assets.put(asset)
	foreign := db.Asset{ID: uuid.New(), AccountID: uuid.New(), Status: db.AssetStatusProcessed}
	env.assets.put(foreign)

	w := env.do(http.MethodGet, "/assets/"+asset.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "PROCESSED", body["status"])
	assert.Equal(t, "case_study", body["content_type"])
	assert.NotContains(t, body, "run_id")

	w = env.do(http.MethodGet, "/assets/"+foreign.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAssets(t *testing.T) {
	env := newTestEnv(t, nil)
	env.asset(db.AssetStatusProcessed)
	env.asset(db.AssetStatusError)

	w := env.do(http.MethodGet, "/assets?status=ERROR", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/assets?status=DONE", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/assets?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/assets?limit=ten", "").Code)
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	asset := env.asset(db.AssetStatusError)
	outcome := db.RunOutcomeCancelled
	env.assets.runs = []db.AssetRun{{ID: uuid.New(), AssetID: asset.ID, Trigger: db.RunTriggerStart, Outcome: &outcome}}

	w := env.do(http.MethodGet, "/assets/"+asset.ID.String()+"/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode(t, w)["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "cancelled", runs[0].(map[string]any)["outcome"])
}

func TestTranscription(t *testing.T) {
	env := newTestEnv(t, nil)
	asset := env.asset(db.AssetStatusProcessing)

	w := env.do(http.MethodGet, "/assets/"+asset.ID.String()+"/transcription", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Nil(t, body["job"])
	assert.EqualValues(t, 0, body["segment_count"])

	env.transcripts.status = &transcription.Status{
		Job:          &db.TranscriptionJob{ID: uuid.New(), AssetID: asset.ID, Status: db.JobStatusCompleted, Progress: 100},
		SegmentCount: 12,
	}
	w = env.do(http.MethodGet, "/assets/"+asset.ID.String()+"/transcription", "")
	body = decode(t, w)
	assert.EqualValues(t, 12, body["segment_count"])
	assert.Equal(t, "COMPLETED", body["job"].(map[string]any)["status"])
}

func TestSegments(t *testing.T) {
	env := newTestEnv(t, nil)
	asset := env.asset(db.AssetStatusProcessing)
	path := "/assets/" + asset.ID.String() + "/transcription/segments"

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, path, "").Code)

	env.transcripts.status = &transcription.Status{Job: &db.TranscriptionJob{Status: db.JobStatusRunning, Progress: 40}}
	assert.Equal(t, http.StatusConflict, env.do(http.MethodGet, path, "").Code)

	env.transcripts.status = &transcription.Status{Job: &db.TranscriptionJob{Status: db.JobStatusCompleted}, SegmentCount: 2}
	env.transcripts.segments = []db.TranscriptSegment{
		{AssetID: asset.ID, Seq: 1, Text: "hello", Unit: db.SegmentUnitMillis},
		{AssetID: asset.ID, Seq: 2, Text: "world", Start: 900, End: 1800, Unit: db.SegmentUnitMillis},
	}
	w := env.do(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	segments := decode(t, w)["segments"].([]any)
	require.Len(t, segments, 2)
	assert.Equal(t, "world", segments[1].(map[string]any)["text"])
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	base := time.Now()
	asset := db.Asset{ID: uuid.New(), AccountID: env.accountID, Status: db.AssetStatusProcessing, UpdatedAt: base}
	done := asset
	done.Status = db.AssetStatusProcessed
	done.UpdatedAt = base.Add(time.Second)
	// the same snapshot twice produces one event
	env.assets.put(asset, asset, asset, done)

	w := env.do(http.MethodGet, "/assets/"+asset.ID.String()+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var events []string
	var statuses []string
	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &payload))
			statuses = append(statuses, payload["status"].(string))
		}
	}
	assert.Equal(t, []string{"status", "status", "complete"}, events)
	assert.Equal(t, []string{"PROCESSING", "PROCESSED", "PROCESSED"}, statuses)
}

func TestEvents_IncludesTranscriptionProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	asset := db.Asset{ID: uuid.New(), AccountID: env.accountID, Status: db.AssetStatusProcessing, UpdatedAt: time.Now()}
	done := asset
	done.Status = db.AssetStatusError
	env.assets.put(asset, done)
	env.transcripts.status = &transcription.Status{Job: &db.TranscriptionJob{Status: db.JobStatusRunning, Progress: 60}}

	w := env.do(http.MethodGet, "/assets/"+asset.ID.String()+"/events", "")
	assert.Contains(t, w.Body.String(), `"transcription_progress":60`)
	assert.Contains(t, w.Body.String(), `"status":"ERROR"`)
}

func TestRateLimit_ProcessRoute(t *testing.T) {
	env := newTestEnv(t, &ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
		EndpointConfigs: []ratelimit.EndpointConfig{
			{Path: "/assets/*/process", Method: "POST", Limit: 2, Window: time.Hour},
		},
	})
	env.processor.start = func(pipeline.StartRequest) (*pipeline.StartResult, error) {
		return &pipeline.StartResult{Accepted: true, RunID: uuid.New()}, nil
	}

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodPost, "/assets/"+uuid.NewString()+"/process", "")
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := env.do(http.MethodPost, "/assets/"+uuid.NewString()+"/process", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode(t, w)["error"])
	assert.Len(t, env.processor.requests, 2)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "").Code)
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/assets/x/process", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
