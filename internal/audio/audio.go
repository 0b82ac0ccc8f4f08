// Package audio defines the AudioMetadata collaborator (spec.md §6.2):
// duration probing used by the memory pool's duration-dependent
// estimation.
package audio

import "context"

// Prober resolves an audio reference's duration in seconds.
type Prober interface {
	DurationSeconds(ctx context.Context, audioRef string) (float64, error)
}

// TotalDurationSeconds sums DurationSeconds across every ref, used to
// turn a task's file list into the scalar the memory pool estimates
// against (spec.md §4.2). A probe error for one file is logged by the
// caller and contributes zero rather than aborting the estimate.
func TotalDurationSeconds(ctx context.Context, p Prober, refs []string, onErr func(ref string, err error)) float64 {
	var total float64
	for _, ref := range refs {
		d, err := p.DurationSeconds(ctx, ref)
		if err != nil {
			if onErr != nil {
				onErr(ref, err)
			}
			continue
		}
		total += d
	}
	return total
}

// FixedProber is a test/dev Prober returning a constant duration for
// every reference, or a per-reference override.
type FixedProber struct {
	Default   float64
	Overrides map[string]float64
}

func (p *FixedProber) DurationSeconds(_ context.Context, audioRef string) (float64, error) {
	if d, ok := p.Overrides[audioRef]; ok {
		return d, nil
	}
	return p.Default, nil
}
