// Package observability provides logging setup and formatted output for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/pipeline"
	"github.com/jonathan/asset-pipeline/internal/transcription"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// excerptChars bounds the extracted text preview
	excerptChars = 160
)

// Printer writes human-readable summaries of assets and jobs
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		r := []rune(line)
		if len(r) > boxWidth-4 {
			line = string(r[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintAsset outputs the status and derived content of an asset.
func (p *Printer) PrintAsset(asset *db.Asset) {
	if asset == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ID:       %s\n", asset.ID)
	fmt.Fprintf(&sb, "Status:   %s\n", asset.Status)
	fmt.Fprintf(&sb, "Type:     %s\n", asset.FileType)
	if asset.FileName != nil {
		fmt.Fprintf(&sb, "File:     %s\n", *asset.FileName)
	}
	fmt.Fprintf(&sb, "Updated:  %s\n", asset.UpdatedAt.Format(time.RFC3339))
	if asset.ProcessingNote != nil {
		fmt.Fprintf(&sb, "Note:     %s\n", *asset.ProcessingNote)
	}

	if asset.ContentType != nil {
		fmt.Fprintf(&sb, "\nContent:  %s\n", *asset.ContentType)
	}
	if asset.BrandVoice != nil {
		fmt.Fprintf(&sb, "Voice:    %s\n", *asset.BrandVoice)
	}
	writeList(&sb, "Audience", asset.AudienceTags)
	writeList(&sb, "Pain points", asset.PainTags)

	if len(asset.Highlights) > 0 {
		sb.WriteString("\nHighlights:\n")
		count := min(len(asset.Highlights), maxItemsToShow)
		for _, h := range asset.Highlights[:count] {
			fmt.Fprintf(&sb, "  • [%s] %s\n", h.Type, h.Text)
		}
	}

	if asset.ExtractedText != nil {
		text := strings.Join(strings.Fields(*asset.ExtractedText), " ")
		if r := []rune(text); len(r) > excerptChars {
			text = string(r[:excerptChars]) + "..."
		}
		fmt.Fprintf(&sb, "\nText (%d chars):\n  %s\n", len([]rune(*asset.ExtractedText)), text)
	}

	p.printBox("ASSET", sb.String())
}

// PrintTranscription outputs the state of an asset's transcription job.
func (p *Printer) PrintTranscription(status *transcription.Status) {
	if status == nil {
		return
	}
	if status.Job == nil {
		p.printBox("TRANSCRIPTION", "No transcription job")
		return
	}

	job := status.Job
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job:      %s\n", job.ID)
	fmt.Fprintf(&sb, "Status:   %s\n", job.Status)
	fmt.Fprintf(&sb, "Engine:   %s\n", job.Engine)
	fmt.Fprintf(&sb, "Progress: %s %d%%\n", progressBar(job.Progress, 20), job.Progress)
	fmt.Fprintf(&sb, "Segments: %d\n", status.SegmentCount)
	if job.ErrorMessage != nil {
		fmt.Fprintf(&sb, "Error:    %s\n", *job.ErrorMessage)
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(&sb, "Finished: %s\n", job.CompletedAt.Sub(job.CreatedAt).Round(time.Second))
	}
	p.printBox("TRANSCRIPTION", sb.String())
}

// PrintRuns outputs an asset's run history, newest first.
func (p *Printer) PrintRuns(runs []db.AssetRun) {
	if len(runs) == 0 {
		return
	}

	var sb strings.Builder
	for _, run := range runs {
		outcome := "running"
		if run.Outcome != nil {
			outcome = *run.Outcome
		}
		fmt.Fprintf(&sb, "%s  %-6s %-10s", run.StartedAt.Format("2006-01-02 15:04:05"), run.Trigger, outcome)
		if run.DurationMs != nil {
			fmt.Fprintf(&sb, " %s", (time.Duration(*run.DurationMs) * time.Millisecond).Round(time.Millisecond))
		}
		sb.WriteString("\n")
	}
	p.printBox("RUNS", sb.String())
}

// PrintProgress writes one line per run progress event.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgress(event pipeline.ProgressEvent) {
	line := fmt.Sprintf("→ %-12s", event.Stage)
	if event.Progress > 0 {
		line += fmt.Sprintf(" %3d%%", event.Progress)
	}
	if event.Message != "" {
		line += "  " + event.Message
	}
	fmt.Fprintln(p.out, line)
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%-9s %s\n", label+":", strings.Join(items, ", "))
}

func progressBar(percent, width int) string {
	percent = max(0, min(percent, 100))
	filled := percent * width / 100
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
