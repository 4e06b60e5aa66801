// Package config provides configuration loading and validation for the
// service and the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("90s", "5m")
// in config files.
type Duration time.Duration

// UnmarshalJSON accepts a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the service configuration. It can be loaded from a JSON or YAML
// file; environment variables override file values.
type Config struct {
	// Server
	Port int `json:"port,omitempty" yaml:"port" validate:"gte=0,lte=65535"`

	// Database
	DatabaseURL  string `json:"database_url,omitempty" yaml:"database_url"`
	DBMaxConns   int32  `json:"db_max_conns,omitempty" yaml:"db_max_conns" validate:"gte=0"`
	RunMigration bool   `json:"run_migrations,omitempty" yaml:"run_migrations"`

	// Object storage
	StorageBaseURL       string   `json:"storage_base_url,omitempty" yaml:"storage_base_url" validate:"omitempty,url"`
	StorageSigningSecret string   `json:"storage_signing_secret,omitempty" yaml:"storage_signing_secret"`
	StorageRoot          string   `json:"storage_root,omitempty" yaml:"storage_root"`
	StorageURLTTL        Duration `json:"storage_url_ttl,omitempty" yaml:"storage_url_ttl"`

	// Gemini
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`
	// Models overrides the model per tier (lite, standard, advanced)
	Models map[string]string `json:"models,omitempty" yaml:"models" validate:"omitempty,dive,keys,oneof=lite standard advanced,endkeys,required"`

	// Background work
	WorkerCount int      `json:"worker_count,omitempty" yaml:"worker_count" validate:"gte=0,lte=256"`
	QueueSize   int      `json:"queue_size,omitempty" yaml:"queue_size" validate:"gte=0"`
	TaskTimeout Duration `json:"task_timeout,omitempty" yaml:"task_timeout"`
	// TranscriptionWorkers sizes the transcription pool
	TranscriptionWorkers int `json:"transcription_workers,omitempty" yaml:"transcription_workers" validate:"gte=0,lte=256"`

	// Extraction limits
	MaxTextChars     int    `json:"max_text_chars,omitempty" yaml:"max_text_chars" validate:"gte=0"`
	MaxDocumentBytes int64  `json:"max_document_bytes,omitempty" yaml:"max_document_bytes" validate:"gte=0"`
	MaxImageBytes    int64  `json:"max_image_bytes,omitempty" yaml:"max_image_bytes" validate:"gte=0"`
	Pdftotext        string `json:"pdftotext,omitempty" yaml:"pdftotext"`

	// Transcription
	TranscriptionEngine string `json:"transcription_engine,omitempty" yaml:"transcription_engine" validate:"omitempty,oneof=gemini whisper"`
	MaxMediaBytes       int64  `json:"max_media_bytes,omitempty" yaml:"max_media_bytes" validate:"gte=0"`
	SegmentBatchSize    int    `json:"segment_batch_size,omitempty" yaml:"segment_batch_size" validate:"gte=0"`
	FFmpegPath          string `json:"ffmpeg_path,omitempty" yaml:"ffmpeg_path"`
	WhisperPath         string `json:"whisper_path,omitempty" yaml:"whisper_path"`
	WhisperModel        string `json:"whisper_model,omitempty" yaml:"whisper_model" validate:"required_if=TranscriptionEngine whisper"`
	WhisperLanguage     string `json:"whisper_language,omitempty" yaml:"whisper_language"`

	// Pipeline
	PollInterval         Duration `json:"poll_interval,omitempty" yaml:"poll_interval"`
	TranscriptionTimeout Duration `json:"transcription_timeout,omitempty" yaml:"transcription_timeout"`
	StaleAfter           Duration `json:"stale_after,omitempty" yaml:"stale_after"`
	MaxAnalysisChars     int      `json:"max_analysis_chars,omitempty" yaml:"max_analysis_chars" validate:"gte=0"`

	// Logging
	LogLevel  string `json:"log_level,omitempty" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format" validate:"omitempty,oneof=text json"`
	Verbose   bool   `json:"verbose,omitempty" yaml:"verbose"`
}

// Defaults returns the configuration used for unset values.
func Defaults() Config {
	return Config{
		Port:                 8080,
		DBMaxConns:           10,
		StorageRoot:          "./data/objects",
		StorageURLTTL:        Duration(15 * time.Minute),
		WorkerCount:          4,
		QueueSize:            256,
		TaskTimeout:          Duration(45 * time.Minute),
		TranscriptionWorkers: 2,
		MaxTextChars:         200_000,
		MaxDocumentBytes:     50 << 20,
		MaxImageBytes:        20 << 20,
		Pdftotext:            "pdftotext",
		TranscriptionEngine:  "gemini",
		MaxMediaBytes:        100 << 20,
		SegmentBatchSize:     50,
		FFmpegPath:           "ffmpeg",
		WhisperPath:          "whisper-cli",
		PollInterval:         Duration(2 * time.Second),
		TranscriptionTimeout: Duration(30 * time.Minute),
		StaleAfter:           Duration(time.Hour),
		MaxAnalysisChars:     30_000,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// LoadConfig loads configuration from a JSON or YAML file. The format is
// chosen by extension: .yaml and .yml are YAML, everything else is JSON.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

// Load reads the optional config file, applies environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	merged := cfg.MergeWithDefaults(Defaults())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// ApplyEnv overrides file values with environment variables that are set.
func (c *Config) ApplyEnv() error {
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.APIKey, "GEMINI_API_KEY")
	setString(&c.StorageBaseURL, "STORAGE_BASE_URL")
	setString(&c.StorageSigningSecret, "STORAGE_SIGNING_SECRET")
	setString(&c.StorageRoot, "STORAGE_ROOT")
	setString(&c.TranscriptionEngine, "TRANSCRIPTION_ENGINE")
	setString(&c.WhisperModel, "WHISPER_MODEL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if err := setInt(&c.Port, "PORT"); err != nil {
		return err
	}
	if err := setInt(&c.WorkerCount, "WORKER_COUNT"); err != nil {
		return err
	}
	if err := setInt(&c.TranscriptionWorkers, "TRANSCRIPTION_WORKERS"); err != nil {
		return err
	}
	if err := setDuration(&c.PollInterval, "POLL_INTERVAL"); err != nil {
		return err
	}
	return setDuration(&c.StaleAfter, "STALE_AFTER")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if err := dst.parse(v); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

// Validate checks value ranges and enumerations. Required connection settings
// are checked by the commands that need them.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.StorageBaseURL != "" && c.StorageSigningSecret == "" {
		return fmt.Errorf("config error: 'storage_signing_secret' is required when 'storage_base_url' is set")
	}
	return nil
}

// MergeWithDefaults returns a new Config with zero fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	orString(&result.DatabaseURL, defaults.DatabaseURL)
	orString(&result.StorageBaseURL, defaults.StorageBaseURL)
	orString(&result.StorageSigningSecret, defaults.StorageSigningSecret)
	orString(&result.StorageRoot, defaults.StorageRoot)
	orString(&result.APIKey, defaults.APIKey)
	orString(&result.Pdftotext, defaults.Pdftotext)
	orString(&result.TranscriptionEngine, defaults.TranscriptionEngine)
	orString(&result.FFmpegPath, defaults.FFmpegPath)
	orString(&result.WhisperPath, defaults.WhisperPath)
	orString(&result.WhisperModel, defaults.WhisperModel)
	orString(&result.WhisperLanguage, defaults.WhisperLanguage)
	orString(&result.LogLevel, defaults.LogLevel)
	orString(&result.LogFormat, defaults.LogFormat)

	orZero(&result.Port, defaults.Port)
	orZero(&result.DBMaxConns, defaults.DBMaxConns)
	orZero(&result.WorkerCount, defaults.WorkerCount)
	orZero(&result.QueueSize, defaults.QueueSize)
	orZero(&result.TranscriptionWorkers, defaults.TranscriptionWorkers)
	orZero(&result.MaxTextChars, defaults.MaxTextChars)
	orZero(&result.MaxDocumentBytes, defaults.MaxDocumentBytes)
	orZero(&result.MaxImageBytes, defaults.MaxImageBytes)
	orZero(&result.MaxMediaBytes, defaults.MaxMediaBytes)
	orZero(&result.SegmentBatchSize, defaults.SegmentBatchSize)
	orZero(&result.MaxAnalysisChars, defaults.MaxAnalysisChars)

	orZero(&result.StorageURLTTL, defaults.StorageURLTTL)
	orZero(&result.TaskTimeout, defaults.TaskTimeout)
	orZero(&result.PollInterval, defaults.PollInterval)
	orZero(&result.TranscriptionTimeout, defaults.TranscriptionTimeout)
	orZero(&result.StaleAfter, defaults.StaleAfter)

	// Bool fields cannot distinguish unset from false and are not merged

	return result
}

func orString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func orZero[T int | int32 | int64 | Duration](dst *T, def T) {
	if *dst == 0 {
		*dst = def
	}
}
