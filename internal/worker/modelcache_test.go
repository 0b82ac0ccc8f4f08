package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transcribeorch/orchestrator/internal/engine"
)

type stubHandle struct{ device, model string }

func (h *stubHandle) Device() string { return h.device }
func (h *stubHandle) Model() string  { return h.model }

func TestModelCache_AcquireMissThenHitAfterInsert(t *testing.T) {
	c := NewModelCache(2, nil)
	_, ok := c.Acquire("gpu0", "base")
	assert.False(t, ok)

	h := &stubHandle{device: "gpu0", model: "base"}
	c.Insert("gpu0", "base", h)

	got, ok := c.Acquire("gpu0", "base")
	require.True(t, ok)
	assert.Same(t, h, got)
}

func TestModelCache_EvictsLeastRecentlyUsedUnreferencedEntry(t *testing.T) {
	var unloaded []string
	c := NewModelCache(1, func(h engine.Handle) error {
		unloaded = append(unloaded, h.Model())
		return nil
	})

	c.Insert("gpu0", "base", &stubHandle{device: "gpu0", model: "base"})
	c.Release("gpu0", "base") // drop to zero refs so it's evictable

	c.Insert("gpu0", "large", &stubHandle{device: "gpu0", model: "large"})

	assert.Equal(t, []string{"base"}, unloaded)
	_, ok := c.Acquire("gpu0", "base")
	assert.False(t, ok)
	_, ok = c.Acquire("gpu0", "large")
	assert.True(t, ok)
}

func TestModelCache_PinnedEntriesSurviveOverCapacity(t *testing.T) {
	c := NewModelCache(1, nil)
	c.Insert("gpu0", "base", &stubHandle{device: "gpu0", model: "base"}) // refs=1, never released

	c.Insert("gpu0", "large", &stubHandle{device: "gpu0", model: "large"})

	_, ok := c.Acquire("gpu0", "base")
	assert.True(t, ok, "a still-referenced entry must not be evicted even over capacity")
}

func TestModelCache_DistinctGPUsDoNotShareAnEntry(t *testing.T) {
	c := NewModelCache(2, nil)
	c.Insert("gpu0", "base", &stubHandle{device: "gpu0", model: "base"})

	_, ok := c.Acquire("gpu1", "base")
	assert.False(t, ok)
}
