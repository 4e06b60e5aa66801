package transcription

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jonathan/asset-pipeline/internal/command"
	"github.com/jonathan/asset-pipeline/internal/llm"
	"github.com/jonathan/asset-pipeline/internal/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	response string
	err      error
	prompt   string
	media    llm.Media
	tier     llm.ModelTier
}

func (f *fakeLLM) GenerateContent(context.Context, string, llm.ModelTier) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) GenerateJSON(context.Context, string, llm.ModelTier) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) GenerateJSONWithMedia(_ context.Context, prompt string, media llm.Media, tier llm.ModelTier) (string, error) {
	f.prompt, f.media, f.tier = prompt, media, tier
	return f.response, f.err
}

func (f *fakeLLM) GetModel(llm.ModelTier) string { return "fake" }
func (f *fakeLLM) Close() error                  { return nil }

func TestGeminiTranscriber(t *testing.T) {
	client := &fakeLLM{response: `{"segments": [
		{"text": " Welcome to the webinar. ", "start_ms": 0, "end_ms": 2100},
		{"text": "   ", "start_ms": 2100, "end_ms": 2500},
		{"text": "Today we cover onboarding.", "start_ms": 2500, "end_ms": 1000}
	]}`}
	tr := NewGeminiTranscriber(client)

	segments, err := tr.Transcribe(context.Background(), Media{MIMEType: "audio/mpeg", FileName: "webinar.mp3", Data: []byte("mp3")})
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Text: "Welcome to the webinar.", StartMs: 0, EndMs: 2100},
		{Text: "Today we cover onboarding.", StartMs: 2500, EndMs: 2500},
	}, segments)

	assert.Equal(t, EngineGemini, tr.Name())
	assert.Equal(t, llm.TierAdvanced, client.tier)
	assert.Equal(t, "audio/mpeg", client.media.MIMEType)
	assert.Contains(t, client.prompt, "webinar.mp3")
}

func TestGeminiTranscriber_Errors(t *testing.T) {
	t.Run("model error", func(t *testing.T) {
		tr := NewGeminiTranscriber(&fakeLLM{err: errors.New("deadline exceeded")})
		_, err := tr.Transcribe(context.Background(), Media{MIMEType: "audio/wav"})
		assert.ErrorContains(t, err, "gemini transcription failed")
	})

	t.Run("wrong shape", func(t *testing.T) {
		tr := NewGeminiTranscriber(&fakeLLM{response: `{"transcript": "hello"}`})
		_, err := tr.Transcribe(context.Background(), Media{MIMEType: "audio/wav"})

		var validationErr *schemas.ValidationError
		assert.True(t, errors.As(err, &validationErr))
	})
}

// whisperRunner fakes ffmpeg and whisper.cpp; whisper writes its JSON output
type whisperRunner struct {
	output   string
	failOn   string
	commands []string
	ffmpeg   []string
}

func (r *whisperRunner) Run(_ context.Context, name string, args ...string) (command.Result, error) {
	r.commands = append(r.commands, name)
	if name == r.failOn {
		return command.Result{ExitCode: 1}, &command.Error{Command: name, ExitCode: 1, Stderr: "boom"}
	}
	if name == "ffmpeg" {
		r.ffmpeg = args
		return command.Result{}, nil
	}
	for i, a := range args {
		if a == "-of" && r.output != "" {
			if err := os.WriteFile(args[i+1]+".json", []byte(r.output), 0o600); err != nil {
				return command.Result{}, err
			}
		}
	}
	return command.Result{}, nil
}

func TestWhisperTranscriber(t *testing.T) {
	runner := &whisperRunner{output: `{"transcription": [
		{"timestamps": {"from": "00:00:00,000", "to": "00:00:01,500"}, "offsets": {"from": 0, "to": 1500}, "text": " Hello there."},
		{"timestamps": {"from": "00:00:01,500", "to": "00:00:03,000"}, "offsets": {"from": 1500, "to": 3000}, "text": " Thanks for joining."}
	]}`}
	tr, err := NewWhisperTranscriber(WhisperConfig{ModelPath: "/models/ggml-base.en.bin", Language: "auto"}, runner)
	require.NoError(t, err)

	segments, err := tr.Transcribe(context.Background(), Media{MIMEType: "video/mp4", FileName: "Demo.MP4", Data: []byte("mp4")})
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Text: "Hello there.", StartMs: 0, EndMs: 1500},
		{Text: "Thanks for joining.", StartMs: 1500, EndMs: 3000},
	}, segments)

	assert.Equal(t, []string{"ffmpeg", "whisper-cli"}, runner.commands)
	require.GreaterOrEqual(t, len(runner.ffmpeg), 5)
	assert.Contains(t, runner.ffmpeg[4], "input.mp4")
	assert.Equal(t, EngineWhisper, tr.Name())
}

func TestWhisperTranscriber_Failures(t *testing.T) {
	tests := []struct {
		name      string
		runner    *whisperRunner
		wantStage string
	}{
		{"ffmpeg fails", &whisperRunner{failOn: "ffmpeg"}, "preprocessing"},
		{"whisper fails", &whisperRunner{failOn: "whisper-cli"}, "transcribing"},
		{"no output file", &whisperRunner{}, "exporting"},
		{"bad json", &whisperRunner{output: "not json"}, "exporting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewWhisperTranscriber(WhisperConfig{ModelPath: "/models/m.bin"}, tt.runner)
			require.NoError(t, err)

			_, err = tr.Transcribe(context.Background(), Media{MIMEType: "audio/mpeg", Data: []byte("x")})

			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, tt.wantStage, stageErr.Stage)
		})
	}
}

func TestNewWhisperTranscriber_RequiresModel(t *testing.T) {
	_, err := NewWhisperTranscriber(WhisperConfig{}, &whisperRunner{})
	assert.Error(t, err)
}

func TestBuildWhisperArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-m", "m.bin", "-f", "a.wav", "-of", "out", "-oj", "-l", "de"},
		buildWhisperArgs("m.bin", "a.wav", "out", "de"))
	assert.Equal(t,
		[]string{"-m", "m.bin", "-f", "a.wav", "-of", "out", "-oj"},
		buildWhisperArgs("m.bin", "a.wav", "out", "AUTO"))
}
