package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonathan/asset-pipeline/internal/command"
)

// WhisperConfig locates the local whisper.cpp installation.
type WhisperConfig struct {
	FFmpegPath  string
	WhisperPath string
	ModelPath   string
	Language    string
}

// WhisperTranscriber converts media to 16 kHz mono WAV with ffmpeg and runs
// whisper.cpp with JSON output.
type WhisperTranscriber struct {
	cfg    WhisperConfig
	runner command.Runner
}

// NewWhisperTranscriber creates a transcriber. Empty tool paths default to
// "ffmpeg" and "whisper-cli" on PATH.
func NewWhisperTranscriber(cfg WhisperConfig, runner command.Runner) (*WhisperTranscriber, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, fmt.Errorf("whisper model path is required")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.WhisperPath == "" {
		cfg.WhisperPath = "whisper-cli"
	}
	return &WhisperTranscriber{cfg: cfg, runner: runner}, nil
}

func (t *WhisperTranscriber) Name() string { return EngineWhisper }

// whisperOutput is the subset of whisper.cpp's -oj file we read
type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int `json:"from"`
			To   int `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (t *WhisperTranscriber) Transcribe(ctx context.Context, media Media) ([]Segment, error) {
	dir, err := os.MkdirTemp("", "asset-transcribe-*")
	if err != nil {
		return nil, &StageError{Stage: "preprocessing", Message: "cannot create temp directory", Cause: err}
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inputPath := filepath.Join(dir, "input"+mediaExtension(media))
	if err := os.WriteFile(inputPath, media.Data, 0o600); err != nil {
		return nil, &StageError{Stage: "preprocessing", Message: "cannot write media to disk", Cause: err}
	}

	wavPath := filepath.Join(dir, "audio.wav")
	if _, err := t.runner.Run(ctx, t.cfg.FFmpegPath, buildFFmpegArgs(inputPath, wavPath)...); err != nil {
		return nil, &StageError{Stage: "preprocessing", Message: "ffmpeg audio conversion failed", Cause: err}
	}

	outBase := filepath.Join(dir, "transcript")
	if _, err := t.runner.Run(ctx, t.cfg.WhisperPath, buildWhisperArgs(t.cfg.ModelPath, wavPath, outBase, t.cfg.Language)...); err != nil {
		return nil, &StageError{Stage: "transcribing", Message: "whisper.cpp transcription failed", Cause: err}
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, &StageError{Stage: "exporting", Message: "whisper.cpp completed but the JSON transcript is missing", Cause: err}
	}

	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &StageError{Stage: "exporting", Message: "cannot parse whisper.cpp JSON transcript", Cause: err}
	}

	segments := make([]Segment, 0, len(out.Transcription))
	for _, item := range out.Transcription {
		segments = append(segments, Segment{Text: item.Text, StartMs: item.Offsets.From, EndMs: item.Offsets.To})
	}
	return normalizeSegments(segments), nil
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs builds whisper.cpp args for JSON transcript export.
func buildWhisperArgs(modelPath, audioPath, outBase, language string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-oj",
	}
	if lang := strings.TrimSpace(language); lang != "" && !strings.EqualFold(lang, "auto") {
		args = append(args, "-l", lang)
	}
	return args
}

// mediaExtension keeps the original extension so ffmpeg can detect the container
func mediaExtension(media Media) string {
	if ext := filepath.Ext(media.FileName); ext != "" {
		return strings.ToLower(ext)
	}
	if exts, err := mime.ExtensionsByType(media.MIMEType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
