package memorypool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxMemoryUtilization:     0.9,
		MemoryConfidenceFactor:   1.2,
		CalibrationSampleSize:    50,
		ReservedMemoryGBPerGPU:   1.0,
		StandardAudioDurationSec: 180,
		AudioDurationFactorSlope: 0.3,
		MaxTasksPerGPU:           5,
	}
}

func TestReserveRelease_AllocatedTracksLiveReservations(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 12, 1, 0.9, 5)

	ok := p.Reserve("gpu0", "base", 2, "t1")
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Status()["gpu0"].Allocated)

	p.Release("t1")
	assert.Equal(t, 0.0, p.Status()["gpu0"].Allocated)
}

func TestRelease_IsIdempotent(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 12, 1, 0.9, 5)
	require.True(t, p.Reserve("gpu0", "base", 2, "t1"))

	p.Release("t1")
	p.Release("t1") // no panic, no negative allocated
	assert.Equal(t, 0.0, p.Status()["gpu0"].Allocated)
}

func TestReserve_NeverExceedsUtilizationCap(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 10, 0, 0.9, 5)

	ok := p.Reserve("gpu0", "large", 9.5, "t1")
	assert.False(t, ok, "9.5 GB exceeds the 9 GB (0.9*10) utilization cap")
	assert.Equal(t, 0.0, p.Status()["gpu0"].Allocated)
}

func TestReserve_RespectsMaxConcurrentTasks(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 100, 0, 0.9, 2)

	require.True(t, p.Reserve("gpu0", "base", 1, "t1"))
	require.True(t, p.Reserve("gpu0", "base", 1, "t2"))
	assert.False(t, p.Reserve("gpu0", "base", 1, "t3"), "third reservation exceeds max_concurrent_tasks=2")
}

func TestReserve_ConcurrentCallsSerializePerGPU(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 10, 0, 0.9, 100)

	var wg sync.WaitGroup
	successes := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = p.Reserve("gpu0", "base", 1, string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	n := 0
	for _, ok := range successes {
		if ok {
			n++
		}
	}
	assert.Equal(t, 9, n, "only 9 GB fits under the 9GB cap at 1GB each")
	assert.LessOrEqual(t, p.Status()["gpu0"].Allocated, 9.0)
}

func TestCalibrate_UpdatesEstimateForSubsequentCalls(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 100, 0, 0.9, 5)

	for i := 0; i < 5; i++ {
		p.Calibrate("gpu0", "large", 9.0)
	}
	got := p.EstimateFor("gpu0", "large", 180)
	// mean=9, stddev=0 after 5 identical samples
	assert.InDelta(t, 9.0, got, 0.001)
}

func TestEstimateFor_FallsBackToFootprintTableWithoutSamples(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 100, 0, 0.9, 5)

	got := p.EstimateFor("gpu0", "tiny", 180)
	assert.InDelta(t, DefaultModelFootprints["tiny"]*1.2, got, 0.001)
}

func TestChooseGPU_PicksLowestAllocatedThenHighestAvailable(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 24, 0, 0.9, 5)
	p.RegisterGPU("gpu1", 24, 0, 0.9, 5)

	require.True(t, p.Reserve("gpu0", "base", 5, "t1"))

	chosen, ok := p.ChooseGPU([]string{"gpu0", "gpu1"}, "base", 180)
	require.True(t, ok)
	assert.Equal(t, "gpu1", chosen, "gpu1 has lower allocated (0 vs 5)")
}

func TestChooseGPU_ReturnsFalseWhenNoneQualify(t *testing.T) {
	p := New(testConfig(), nil)
	p.RegisterGPU("gpu0", 5, 4, 0.9, 5)

	_, ok := p.ChooseGPU([]string{"gpu0"}, "large", 180)
	assert.False(t, ok)
}

func TestCanAdmit_UnknownGPU(t *testing.T) {
	p := New(testConfig(), nil)
	ok, _, reason := p.CanAdmit("nope", "base", 180)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}
