package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/pipeline"
	"github.com/jonathan/asset-pipeline/internal/server/middleware"
)

// processRequest optionally replaces the stored object reference before a run.
type processRequest struct {
	StorageKey string `json:"storage_key" validate:"omitempty,max=1024"`
	FileType   string `json:"file_type" validate:"omitempty,max=255,contains=/"`
}

type listQuery struct {
	Status string `validate:"omitempty,oneof=PENDING PROCESSING PROCESSED APPROVED ERROR"`
	Limit  int    `validate:"gte=1,lte=200"`
}

// assetEvent is one snapshot on the events stream.
type assetEvent struct {
	AssetID               uuid.UUID `json:"asset_id"`
	Status                string    `json:"status"`
	ProcessingNote        *string   `json:"processing_note,omitempty"`
	TranscriptionStatus   string    `json:"transcription_status,omitempty"`
	TranscriptionProgress *int      `json:"transcription_progress,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ids returns the authenticated account and the {id} path value.
func (s *Server) ids(r *http.Request) (accountID, assetID uuid.UUID, err error) {
	accountID, err = middleware.GetAccountID(r)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	assetID, err = uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, &ErrValidation{Field: "id", Message: "must be a UUID"}
	}
	return accountID, assetID, nil
}

// ownedAsset loads the path asset for the caller, writing the error response
// when it cannot.
func (s *Server) ownedAsset(w http.ResponseWriter, r *http.Request) (*db.Asset, bool) {
	accountID, assetID, err := s.ids(r)
	if err != nil {
		s.handleError(w, r, err)
		return nil, false
	}
	asset, err := s.assets.GetAssetForAccount(r.Context(), assetID, accountID)
	if err != nil {
		s.handleError(w, r, err)
		return nil, false
	}
	if asset == nil {
		s.handleError(w, r, &pipeline.NotFoundError{AssetID: assetID})
		return nil, false
	}
	return asset, true
}

// decodeJSON reads an optional JSON body into dst and validates it.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &ErrValidation{Field: "body", Message: err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func (s *Server) writeStart(w http.ResponseWriter, result *pipeline.StartResult) {
	if result.AlreadyRunning {
		s.jsonResponse(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"run_id": result.RunID.String(),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	accountID, assetID, err := s.ids(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	var req processRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	result, err := s.processor.StartProcessing(r.Context(), pipeline.StartRequest{
		AssetID:      assetID,
		AccountID:    accountID,
		StorageKey:   req.StorageKey,
		DeclaredType: req.FileType,
		Trigger:      db.RunTriggerStart,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeStart(w, result)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	accountID, assetID, err := s.ids(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	result, err := s.processor.RetryProcessing(r.Context(), assetID, accountID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeStart(w, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	accountID, assetID, err := s.ids(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	result, err := s.processor.CancelProcessing(r.Context(), assetID, accountID)
	var invalid *pipeline.InvalidStateError
	if errors.As(err, &invalid) {
		// nothing to cancel is an answer, not a failure
		s.jsonResponse(w, http.StatusOK, pipeline.CancelResult{Cancelled: false, Message: pipeline.NotRunningNote})
		return
	}
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.ownedAsset(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, asset)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	accountID, err := middleware.GetAccountID(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	q := listQuery{Status: r.URL.Query().Get("status"), Limit: defaultListLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			s.handleError(w, r, &ErrValidation{Field: "limit", Message: "must be an integer"})
			return
		}
	}
	if err := s.validate.Struct(q); err != nil {
		s.handleError(w, r, validationError(err))
		return
	}

	var status *string
	if q.Status != "" {
		status = &q.Status
	}
	assets, err := s.assets.ListAssets(r.Context(), accountID, status, q.Limit)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if assets == nil {
		assets = []db.Asset{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"assets": assets, "count": len(assets)})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.ownedAsset(w, r)
	if !ok {
		return
	}
	runs, err := s.assets.ListAssetRuns(r.Context(), asset.ID, maxListLimit)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if runs == nil {
		runs = []db.AssetRun{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.ownedAsset(w, r)
	if !ok {
		return
	}
	status, err := s.transcripts.GetStatus(r.Context(), asset.ID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.ownedAsset(w, r)
	if !ok {
		return
	}
	status, err := s.transcripts.GetStatus(r.Context(), asset.ID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if status.Job == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("asset %s has no transcription", asset.ID))
		return
	}
	if status.Job.Status != db.JobStatusCompleted {
		s.handleError(w, r, &pipeline.InvalidStateError{
			AssetID:   asset.ID,
			Operation: "read transcript of",
			Status:    status.Job.Status,
		})
		return
	}

	segments, err := s.transcripts.Segments(r.Context(), asset.ID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if segments == nil {
		segments = []db.TranscriptSegment{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"asset_id": asset.ID, "segments": segments})
}

// handleEvents streams asset snapshots until the asset leaves PROCESSING or
// the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.ownedAsset(w, r)
	if !ok {
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	ticker := time.NewTicker(s.eventInterval)
	defer ticker.Stop()

	var last assetEvent
	for {
		event := s.snapshot(r, asset)
		if !sameEvent(event, last) {
			if err := sse.WriteEvent("status", event); err != nil {
				return
			}
			last = event
		}
		if asset.Status != db.AssetStatusProcessing {
			sse.WriteComplete(asset.ID.String(), asset.Status)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := s.assets.GetAssetForAccount(ctx, asset.ID, asset.AccountID)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				s.logger.Warn("events stream read failed", "asset_id", asset.ID, "error", err)
				sse.WriteError("failed to read asset")
			}
			return
		case next == nil:
			sse.WriteError("asset not found")
			return
		}
		asset = next
	}
}

func (s *Server) snapshot(r *http.Request, asset *db.Asset) assetEvent {
	event := assetEvent{
		AssetID:        asset.ID,
		Status:         asset.Status,
		ProcessingNote: asset.ProcessingNote,
		UpdatedAt:      asset.UpdatedAt,
	}
	if s.transcripts == nil || asset.Status != db.AssetStatusProcessing {
		return event
	}
	status, err := s.transcripts.GetStatus(r.Context(), asset.ID)
	if err != nil || status.Job == nil {
		return event
	}
	progress := status.Job.Progress
	event.TranscriptionStatus = status.Job.Status
	event.TranscriptionProgress = &progress
	return event
}

func sameEvent(a, b assetEvent) bool {
	progress := func(e assetEvent) int {
		if e.TranscriptionProgress == nil {
			return -1
		}
		return *e.TranscriptionProgress
	}
	return a.AssetID == b.AssetID &&
		a.Status == b.Status &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.TranscriptionStatus == b.TranscriptionStatus &&
		progress(a) == progress(b)
}
