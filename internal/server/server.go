// Package server provides the HTTP API for triggering and observing asset
// processing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/pipeline"
	"github.com/jonathan/asset-pipeline/internal/server/middleware"
	"github.com/jonathan/asset-pipeline/internal/server/ratelimit"
	"github.com/jonathan/asset-pipeline/internal/transcription"
)

// Processor is implemented by *pipeline.Controller.
type Processor interface {
	StartProcessing(ctx context.Context, req pipeline.StartRequest) (*pipeline.StartResult, error)
	RetryProcessing(ctx context.Context, assetID, accountID uuid.UUID) (*pipeline.StartResult, error)
	CancelProcessing(ctx context.Context, assetID, accountID uuid.UUID) (*pipeline.CancelResult, error)
}

// AssetStore is the read side used by the handlers; *db.DB implements it.
type AssetStore interface {
	GetAssetForAccount(ctx context.Context, id, accountID uuid.UUID) (*db.Asset, error)
	ListAssets(ctx context.Context, accountID uuid.UUID, status *string, limit int) ([]db.Asset, error)
	ListAssetRuns(ctx context.Context, assetID uuid.UUID, limit int) ([]db.AssetRun, error)
}

// Transcripts is implemented by *transcription.Manager.
type Transcripts interface {
	GetStatus(ctx context.Context, assetID uuid.UUID) (*transcription.Status, error)
	Segments(ctx context.Context, assetID uuid.UUID) ([]db.TranscriptSegment, error)
}

// Config holds server configuration
type Config struct {
	Port int
	// EventInterval is how often the events stream re-reads the asset.
	EventInterval time.Duration
	// FilesPrefix is where Deps.Files is mounted. Empty means "/files/".
	FilesPrefix string
	RateLimit   *ratelimit.Config
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Processor   Processor
	Assets      AssetStore
	Transcripts Transcripts
	Tokens      middleware.TokenValidator
	// Files serves signed storage downloads; optional.
	Files  http.Handler
	Logger *slog.Logger
}

const (
	defaultEventInterval = time.Second
	defaultListLimit     = 50
	maxListLimit         = 200
	maxRequestBytes      = 64 << 10
)

// Server represents the HTTP server
type Server struct {
	httpServer    *http.Server
	handler       http.Handler
	processor     Processor
	assets        AssetStore
	transcripts   Transcripts
	rateLimiter   *ratelimit.Limiter
	validate      *validator.Validate
	logger        *slog.Logger
	eventInterval time.Duration
}

// New creates a server; it does not start listening.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = defaultEventInterval
	}
	rlConfig := cfg.RateLimit
	if rlConfig == nil {
		rlConfig = ratelimit.LoadConfig()
	}

	s := &Server{
		processor:     deps.Processor,
		assets:        deps.Assets,
		transcripts:   deps.Transcripts,
		rateLimiter:   ratelimit.NewLimiter(rlConfig),
		validate:      validator.New(),
		logger:        logger,
		eventInterval: cfg.EventInterval,
	}

	auth := middleware.AuthMiddleware(deps.Tokens)
	protected := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("GET /assets", protected(s.handleListAssets))
	mux.Handle("GET /assets/{id}", protected(s.handleGetAsset))
	mux.Handle("POST /assets/{id}/process", protected(s.handleProcess))
	mux.Handle("POST /assets/{id}/retry", protected(s.handleRetry))
	mux.Handle("POST /assets/{id}/cancel", protected(s.handleCancel))
	mux.Handle("GET /assets/{id}/runs", protected(s.handleListRuns))
	mux.Handle("GET /assets/{id}/transcription", protected(s.handleTranscription))
	mux.Handle("GET /assets/{id}/transcription/segments", protected(s.handleSegments))
	mux.Handle("GET /assets/{id}/events", protected(s.handleEvents))

	if deps.Files != nil {
		prefix := cfg.FilesPrefix
		if prefix == "" {
			prefix = "/files/"
		}
		mux.Handle("GET "+prefix, deps.Files)
	}

	s.handler = s.withRateLimit(middleware.Logging(logger)(s.withCORS(mux)))
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	defer s.rateLimiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit rejects clients over their bucket with 429
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(extractClientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// handleError maps err to a status. Internal errors are logged and not
// echoed to the client.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.errorResponse(w, status, "internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}

// extractClientID uses the peer IP. Forwarded headers are not trusted.
func extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}
	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Round(time.Second).Seconds())
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	s.logger.Warn("rate limit exceeded",
		"client", extractClientID(r), "method", r.Method, "path", r.URL.Path, "limit", info.Limit)
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
