package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transcribeorch/orchestrator/internal/task"
)

func sampleResults() []task.TranscribeResult {
	return []task.TranscribeResult{
		{
			File: "a.wav",
			Text: "hello world",
			Segments: []task.Segment{
				{Start: 0, End: 1.25, Text: "hello"},
				{Start: 1.25, End: 2.5, Text: "world"},
			},
			DetectedLanguage: "en",
		},
	}
}

func TestRender_PlaintextWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, Render(task.FormatPlaintext, sampleResults(), "en", out))

	_, err := os.Stat(out + ".part")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello world")
}

func TestRender_SRTIncludesTimestamps(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.srt")
	require.NoError(t, Render(task.FormatSRT, sampleResults(), "en", out))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, "00:00:00,000 --> 00:00:01,250")
	assert.Contains(t, s, "hello")
}

func TestRender_VTTHeaderAndTimestamps(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.vtt")
	require.NoError(t, Render(task.FormatVTT, sampleResults(), "en", out))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	s := string(b)
	assert.True(t, len(s) > 0 && s[:6] == "WEBVTT")
	assert.Contains(t, s, "00:00:00.000 --> 00:00:01.250")
}

func TestRender_StructuredIsValidJSONWithLanguage(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.json")
	require.NoError(t, Render(task.FormatStructured, sampleResults(), "en", out))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"language": "en"`)
	assert.Contains(t, string(b), `"text": "hello"`)
}

func TestRender_UnsupportedFormatErrors(t *testing.T) {
	dir := t.TempDir()
	err := Render(task.Format("made-up"), sampleResults(), "en", filepath.Join(dir, "x"))
	assert.Error(t, err)
}
