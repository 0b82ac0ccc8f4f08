// Package render implements the OutputRenderer collaborator (spec.md
// §6.2): rendering a transcript into one of the supported output
// formats, writing atomically via a temp path + rename.
package render

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/transcribeorch/orchestrator/internal/task"
)

// Render writes result in format to outPath, going through a ".part"
// temp file and an atomic rename so partial writes are never observable
// (spec.md §4.5 Finalize, §6.4).
func Render(format task.Format, results []task.TranscribeResult, detectedLanguage, outPath string) error {
	var body string
	switch format {
	case task.FormatPlaintext:
		body = renderPlaintext(results)
	case task.FormatSRT:
		body = renderSRT(results)
	case task.FormatVTT:
		body = renderVTT(results)
	case task.FormatStructured:
		b, err := renderStructured(results, detectedLanguage)
		if err != nil {
			return err
		}
		body = b
	default:
		return fmt.Errorf("render: unsupported format %q", format)
	}
	return atomicWrite(outPath, body)
}

func atomicWrite(outPath, body string) error {
	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("render: create output dir: %w", err)
	}
	tmp := outPath + ".part"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("render: write temp file: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return fmt.Errorf("render: atomic rename: %w", err)
	}
	return nil
}

func renderPlaintext(results []task.TranscribeResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(r.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func renderSRT(results []task.TranscribeResult) string {
	var b strings.Builder
	idx := 1
	for _, r := range results {
		for _, seg := range r.Segments {
			fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", idx, srtTimestamp(seg.Start), srtTimestamp(seg.End), seg.Text)
			idx++
		}
	}
	return b.String()
}

func renderVTT(results []task.TranscribeResult) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, r := range results {
		for _, seg := range r.Segments {
			fmt.Fprintf(&b, "%s --> %s\n%s\n\n", vttTimestamp(seg.Start), vttTimestamp(seg.End), seg.Text)
		}
	}
	return b.String()
}

type structuredDoc struct {
	Language string                  `json:"language"`
	Segments []structuredDocSegment  `json:"segments"`
}

type structuredDocSegment struct {
	File  string  `json:"file"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func renderStructured(results []task.TranscribeResult, language string) (string, error) {
	doc := structuredDoc{Language: language}
	for _, r := range results {
		for _, seg := range r.Segments {
			doc.Segments = append(doc.Segments, structuredDocSegment{File: r.File, Start: seg.Start, End: seg.End, Text: seg.Text})
		}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render: marshal structured output: %w", err)
	}
	return string(b), nil
}

func srtTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ",")
}

func vttTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ".")
}

func formatTimestamp(seconds float64, fractionSep string) string {
	totalMs := int64(seconds * 1000)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	s := totalSec % 60
	totalMin := totalSec / 60
	m := totalMin % 60
	h := totalMin / 60
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, fractionSep, ms)
}
