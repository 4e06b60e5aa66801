package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/enrich"
	"github.com/jonathan/asset-pipeline/internal/extract"
	"github.com/jonathan/asset-pipeline/internal/transcription"
	"github.com/jonathan/asset-pipeline/internal/worker"
	"github.com/stretchr/testify/require"
)

// memStore applies the same conditional transitions as the SQL store under a
// single mutex.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	assets   map[uuid.UUID]*db.Asset
	outcomes map[uuid.UUID]string
	triggers map[uuid.UUID]string

	successErr  error
	afterCancel func()
	afterMiss   func(a *db.Asset)
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Now,
		assets:   map[uuid.UUID]*db.Asset{},
		outcomes: map[uuid.UUID]string{},
		triggers: map[uuid.UUID]string{},
	}
}

func (s *memStore) add(status, fileType string) *db.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := "file"
	a := &db.Asset{
		ID:         uuid.New(),
		AccountID:  uuid.New(),
		StorageKey: "uploads/" + uuid.NewString(),
		FileType:   fileType,
		FileName:   &name,
		Status:     status,
		UpdatedAt:  s.now(),
	}
	s.assets[a.ID] = a
	return a
}

func (s *memStore) snapshot(id uuid.UUID) db.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.assets[id]
}

func (s *memStore) outcome(runID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[runID]
}

func (s *memStore) setUpdatedAt(id uuid.UUID, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[id].UpdatedAt = t
}

func (s *memStore) GetAsset(_ context.Context, id uuid.UUID) (*db.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) GetAssetForAccount(ctx context.Context, id, accountID uuid.UUID) (*db.Asset, error) {
	a, err := s.GetAsset(ctx, id)
	if a == nil || a.AccountID != accountID {
		return nil, err
	}
	return a, nil
}

func (s *memStore) owned(id, runID uuid.UUID) (*db.Asset, bool) {
	a, ok := s.assets[id]
	if !ok || a.Status != db.AssetStatusProcessing || a.RunID == nil || *a.RunID != runID {
		return nil, false
	}
	return a, true
}

func (s *memStore) BeginRun(_ context.Context, id, accountID, runID uuid.UUID, from []string, storageKey, fileType string) (*db.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok || a.AccountID != accountID || !slices.Contains(from, a.Status) {
		if ok && s.afterMiss != nil {
			s.afterMiss(a)
			s.afterMiss = nil
		}
		return nil, nil
	}
	a.Status = db.AssetStatusProcessing
	a.ProcessingNote = nil
	a.RunID = &runID
	if storageKey != "" {
		a.StorageKey = storageKey
	}
	if fileType != "" {
		a.FileType = fileType
	}
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

func (s *memStore) Heartbeat(_ context.Context, id, runID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.owned(id, runID)
	if ok {
		a.UpdatedAt = s.now()
	}
	return ok, nil
}

func (s *memStore) FinalizeSuccess(_ context.Context, id, runID uuid.UUID, content *db.DerivedContent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.successErr != nil {
		return false, s.successErr
	}
	a, ok := s.owned(id, runID)
	if !ok {
		return false, nil
	}
	a.Status = db.AssetStatusProcessed
	a.ExtractedText = content.ExtractedText
	a.ContentType = content.ContentType
	a.AudienceTags = content.AudienceTags
	a.PainTags = content.PainTags
	a.Highlights = content.Highlights
	a.BrandVoice = content.BrandVoice
	a.ProcessingNote = nil
	a.RunID = nil
	return true, nil
}

func (s *memStore) FinalizeFailure(_ context.Context, id, runID uuid.UUID, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.owned(id, runID)
	if !ok {
		return false, nil
	}
	a.Status = db.AssetStatusError
	a.ProcessingNote = &note
	a.RunID = nil
	return true, nil
}

func (s *memStore) CancelRun(_ context.Context, id, accountID uuid.UUID, note string) (bool, error) {
	s.mu.Lock()
	a, ok := s.assets[id]
	if !ok || a.AccountID != accountID || a.Status != db.AssetStatusProcessing {
		s.mu.Unlock()
		return false, nil
	}
	a.Status = db.AssetStatusError
	a.ProcessingNote = &note
	a.RunID = nil
	hook := s.afterCancel
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true, nil
}

func (s *memStore) RecoverStaleAssets(_ context.Context, cutoff time.Time, note string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range s.assets {
		if a.Status == db.AssetStatusProcessing && a.UpdatedAt.Before(cutoff) {
			a.Status = db.AssetStatusError
			a.ProcessingNote = &note
			a.RunID = nil
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) CreateAssetRun(_ context.Context, runID, _ uuid.UUID, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[runID] = trigger
	return nil
}

func (s *memStore) CompleteAssetRun(_ context.Context, runID uuid.UUID, outcome string, _ *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.outcomes[runID]; !done {
		s.outcomes[runID] = outcome
	}
	return nil
}

// fakeExtractor answers with a fixed result after an optional gate
type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	gate    chan struct{}
	results []extractResult
}

type extractResult struct {
	content *extract.Content
	err     error
}

func (f *fakeExtractor) Extract(ctx context.Context, _ extract.Request) (*extract.Content, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := f.results[min(i, len(f.results)-1)]
	return r.content, r.err
}

func textContent(text string) extractResult {
	return extractResult{content: &extract.Content{Family: extract.FamilyDocument, Text: text}}
}

type fakeEnricher struct {
	mu     sync.Mutex
	inputs []enrich.Input
	err    error
}

func (f *fakeEnricher) Enrich(_ context.Context, in enrich.Input) (*enrich.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	contentType := "case_study"
	return &enrich.Metadata{
		ContentType:  &contentType,
		AudienceTags: []string{"CTO"},
		PainTags:     []string{"slow onboarding"},
		Highlights:   []db.Highlight{{Text: "Onboarding halved.", Type: "metric"}},
	}, nil
}

func (f *fakeEnricher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

// fakeTranscripts replays a fixed sequence of job snapshots, one per poll
type fakeTranscripts struct {
	mu       sync.Mutex
	jobs     []*db.TranscriptionJob
	polls    int
	text     string
	aborted  []uuid.UUID
	reasons  []string
	abortErr error
}

func (f *fakeTranscripts) GetStatus(context.Context, uuid.UUID) (*transcription.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return &transcription.Status{}, nil
	}
	job := f.jobs[min(f.polls, len(f.jobs)-1)]
	f.polls++
	return &transcription.Status{Job: job}, nil
}

func (f *fakeTranscripts) Transcript(context.Context, uuid.UUID) (string, error) {
	return f.text, nil
}

func (f *fakeTranscripts) AbortJob(_ context.Context, jobID uuid.UUID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, jobID)
	f.reasons = append(f.reasons, reason)
	return f.abortErr == nil, f.abortErr
}

// setJobs replaces the replayed snapshots and restarts the sequence
func (f *fakeTranscripts) setJobs(jobs ...*db.TranscriptionJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs, f.polls = jobs, 0
}

func (f *fakeTranscripts) abortLog() ([]uuid.UUID, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.aborted), slices.Clone(f.reasons)
}

type failingPool struct{}

func (failingPool) Submit(context.Context, worker.Task) error { return worker.ErrPoolClosed }

// eventLog collects progress events from concurrent runs
type eventLog struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (l *eventLog) record(e ProgressEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) stages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Stage)
	}
	return out
}

type harness struct {
	store       *memStore
	extractor   *fakeExtractor
	enricher    *fakeEnricher
	transcripts *fakeTranscripts
	pool        *worker.Pool
	events      *eventLog
	ctrl        *Controller
}

func newHarness(t *testing.T, extractor *fakeExtractor, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:       newMemStore(),
		extractor:   extractor,
		enricher:    &fakeEnricher{},
		transcripts: &fakeTranscripts{},
		pool:        worker.New(nil, worker.WithWorkers(4)),
		events:      &eventLog{},
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	h.ctrl = NewController(h.store, h.extractor, h.transcripts, h.enricher, h.pool, cfg, nil, WithProgress(h.events.record))
	t.Cleanup(func() { _ = h.pool.Shutdown(context.Background()) })
	return h
}

// drain waits for every queued run to finish
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Shutdown(ctx))
}

var errBoom = errors.New("boom")
