// Package engine defines the TranscriptionEngine collaborator contract
// (spec.md §6.2): the speech-to-text model is invoked through this
// narrow interface and is otherwise out of scope for the orchestrator.
package engine

import (
	"context"

	"github.com/transcribeorch/orchestrator/internal/task"
)

// Handle is an opaque reference to a loaded model on a specific device.
type Handle interface {
	Device() string
	Model() string
}

// Engine is the injected TranscriptionEngine collaborator. Implementations
// are expected to respect the requested device and to be thread-safe
// only across distinct handles on distinct devices (spec.md §6.2).
type Engine interface {
	// Load acquires model on device, reporting 0..100 download progress
	// on progress if a fetch is required (nil progress means no reporting).
	Load(ctx context.Context, model, device string, progress func(pct int)) (Handle, error)
	// Transcribe runs inference over one audio reference.
	Transcribe(ctx context.Context, h Handle, audioRef, language string) (task.TranscribeResult, error)
	// Unload releases a previously loaded handle.
	Unload(h Handle) error
}
