package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/transcribeorch/orchestrator/internal/task"
)

type fakeHandle struct {
	device, model string
}

func (h *fakeHandle) Device() string { return h.device }
func (h *fakeHandle) Model() string  { return h.model }

// Fake is a deterministic in-memory Engine for tests and for running the
// orchestrator without a real Whisper backend wired in.
type Fake struct {
	// FailLoad, when non-nil, is returned by Load for the named model.
	FailLoad map[string]error
	// FailTranscribe, when non-nil, is returned by Transcribe for the
	// named audio ref.
	FailTranscribe map[string]error
	// Language, when set, is returned as DetectedLanguage.
	Language string
}

func (f *Fake) Load(_ context.Context, model, device string, progress func(pct int)) (Handle, error) {
	if f.FailLoad != nil {
		if err, ok := f.FailLoad[model]; ok {
			return nil, err
		}
	}
	if progress != nil {
		progress(100)
	}
	return &fakeHandle{device: device, model: model}, nil
}

func (f *Fake) Transcribe(_ context.Context, h Handle, audioRef, language string) (task.TranscribeResult, error) {
	if f.FailTranscribe != nil {
		if err, ok := f.FailTranscribe[audioRef]; ok {
			return task.TranscribeResult{}, err
		}
	}
	lang := language
	if lang == "auto" || lang == "" {
		lang = f.Language
		if lang == "" {
			lang = "en"
		}
	}
	text := fmt.Sprintf("transcript of %s", audioRef)
	return task.TranscribeResult{
		File: audioRef,
		Segments: []task.Segment{
			{Start: 0, End: 1.5, Text: strings.ToUpper(text)},
		},
		Text:             text,
		DetectedLanguage: lang,
	}, nil
}

func (f *Fake) Unload(_ Handle) error { return nil }
