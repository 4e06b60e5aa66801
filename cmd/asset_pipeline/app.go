package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/command"
	"github.com/jonathan/asset-pipeline/internal/config"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/enrich"
	"github.com/jonathan/asset-pipeline/internal/extract"
	"github.com/jonathan/asset-pipeline/internal/llm"
	"github.com/jonathan/asset-pipeline/internal/observability"
	"github.com/jonathan/asset-pipeline/internal/pipeline"
	"github.com/jonathan/asset-pipeline/internal/storage"
	"github.com/jonathan/asset-pipeline/internal/transcription"
	"github.com/jonathan/asset-pipeline/internal/worker"
)

// appMode selects how much of the pipeline a command needs.
type appMode int

const (
	// modeControl is enough to read, cancel and recover assets.
	modeControl appMode = iota
	// modeProcess also runs extraction, transcription and enrichment.
	modeProcess
)

// app holds the wired components for one command invocation.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	db          *db.DB
	pool        *worker.Pool
	mediaPool   *worker.Pool
	llm         llm.Client
	resolver    *storage.SignedURLResolver
	transcripts *transcription.Manager
	controller  *pipeline.Controller
}

// loadConfig reads --config and the environment and sets up the default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose || cfg.Verbose {
		cfg.LogLevel = "debug"
	}
	logger, err := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newApp(ctx context.Context, mode appMode, opts ...pipeline.Option) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required (set it in the environment or config file)")
	}

	database, err := db.ConnectWithOptions(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: database}

	pcfg := pipeline.Config{
		PollInterval:         cfg.PollInterval.Std(),
		TranscriptionTimeout: cfg.TranscriptionTimeout.Std(),
	}
	tcfg := transcription.Config{MaxMediaBytes: cfg.MaxMediaBytes, BatchSize: cfg.SegmentBatchSize}

	if mode == modeControl {
		a.transcripts = transcription.NewManager(database, nil, nil, nil, tcfg, logger)
		a.controller = pipeline.NewController(database, nil, a.transcripts, nil, nil, pcfg, logger, opts...)
		return a, nil
	}

	if err := a.wireProcessing(ctx, pcfg, tcfg, opts); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wireProcessing(ctx context.Context, pcfg pipeline.Config, tcfg transcription.Config, opts []pipeline.Option) error {
	cfg, logger := a.cfg, a.logger
	if cfg.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required (set it in the environment or config file)")
	}
	if cfg.StorageBaseURL == "" {
		return fmt.Errorf("STORAGE_BASE_URL and STORAGE_SIGNING_SECRET are required to read stored objects")
	}

	resolver, err := storage.NewSignedURLResolver(cfg.StorageBaseURL, cfg.StorageSigningSecret, cfg.StorageURLTTL.Std())
	if err != nil {
		return err
	}
	a.resolver = resolver

	client, err := llm.NewClient(ctx, llm.DefaultConfig().WithOverrides(cfg.Models), cfg.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.llm = client

	runner := command.NewExecRunner(logger)
	var transcriber transcription.Transcriber
	switch cfg.TranscriptionEngine {
	case transcription.EngineWhisper:
		transcriber, err = transcription.NewWhisperTranscriber(transcription.WhisperConfig{
			FFmpegPath:  cfg.FFmpegPath,
			WhisperPath: cfg.WhisperPath,
			ModelPath:   cfg.WhisperModel,
			Language:    cfg.WhisperLanguage,
		}, runner)
		if err != nil {
			return err
		}
	default:
		transcriber = transcription.NewGeminiTranscriber(client)
	}

	a.pool, a.mediaPool = newPools(cfg, logger)
	a.transcripts = transcription.NewManager(a.db, a.mediaPool, resolver, transcriber, tcfg, logger)

	dispatcher := extract.NewDispatcher(resolver, client, a.transcripts, runner, extract.Config{
		MaxTextChars:     cfg.MaxTextChars,
		MaxDocumentBytes: cfg.MaxDocumentBytes,
		MaxImageBytes:    cfg.MaxImageBytes,
		Pdftotext:        cfg.Pdftotext,
	}, logger)
	enricher := enrich.NewInvoker(client, enrich.Config{MaxInputChars: cfg.MaxAnalysisChars}, logger)

	a.controller = pipeline.NewController(a.db, dispatcher, a.transcripts, enricher, a.pool, pcfg, logger, opts...)
	logger.Debug("pipeline wired",
		"engine", transcriber.Name(),
		"workers", cfg.WorkerCount,
		"transcription_workers", cfg.TranscriptionWorkers,
		"model", client.GetModel(llm.TierStandard),
	)
	return nil
}

// newPools creates the run pool and the transcription pool. A media run
// holds its run worker while it waits, so transcriptions get their own
// workers.
func newPools(cfg *config.Config, logger *slog.Logger) (runs, media *worker.Pool) {
	runs = worker.New(logger.With("pool", "runs"),
		worker.WithWorkers(cfg.WorkerCount),
		worker.WithQueueSize(cfg.QueueSize),
		worker.WithTaskTimeout(cfg.TaskTimeout.Std()),
	)
	media = worker.New(logger.With("pool", "transcription"),
		worker.WithWorkers(cfg.TranscriptionWorkers),
		worker.WithQueueSize(cfg.QueueSize),
		worker.WithTaskTimeout(cfg.TaskTimeout.Std()),
	)
	return runs, media
}

// Close drains the worker pools within ctx and releases connections. Runs
// drain first since they wait on transcriptions.
func (a *app) Close(ctx context.Context) {
	for _, p := range []*worker.Pool{a.pool, a.mediaPool} {
		if p == nil {
			continue
		}
		if err := p.Shutdown(ctx); err != nil {
			a.logger.Warn("worker pool did not drain", "error", err)
		}
	}
	if a.llm != nil {
		if err := a.llm.Close(); err != nil {
			a.logger.Warn("failed to close LLM client", "error", err)
		}
	}
	a.db.Close()
}

// accountFor returns the --account value, or the asset's owner for operator use.
func (a *app) accountFor(ctx context.Context, assetID uuid.UUID, flag string) (uuid.UUID, error) {
	if flag != "" {
		id, err := uuid.Parse(flag)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid --account: %w", err)
		}
		return id, nil
	}
	asset, err := a.db.GetAsset(ctx, assetID)
	if err != nil {
		return uuid.Nil, err
	}
	if asset == nil {
		return uuid.Nil, &pipeline.NotFoundError{AssetID: assetID}
	}
	return asset.AccountID, nil
}

func parseAssetID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid asset id %q: %w", arg, err)
	}
	return id, nil
}
