package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transcribeorch/orchestrator/internal/accel"
	"github.com/transcribeorch/orchestrator/internal/audio"
	"github.com/transcribeorch/orchestrator/internal/config"
	"github.com/transcribeorch/orchestrator/internal/engine"
	"github.com/transcribeorch/orchestrator/internal/task"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SchedulerTickMS = 10
	cfg.GPUSnapshotTTLMS = 10
	cfg.HeartbeatIntervalMS = 50
	cfg.HeartbeatTimeoutMS = 500
	cfg.OutputDir = t.TempDir()
	return cfg
}

func singleGPUDriver() *accel.FakeDriver {
	return &accel.FakeDriver{Devices: []accel.Descriptor{{ID: "gpu0", Product: "test", TotalGB: 32}}}
}

func startCore(t *testing.T, eng engine.Engine) *Core {
	t.Helper()
	cfg := testConfig(t)
	prober := &audio.FixedProber{Default: 60}
	core := New(cfg, eng, singleGPUDriver(), prober, nil, nil)
	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		core.Shutdown(ctx)
	})
	return core
}

func TestScenario_S1_SingleTaskCompletesEndToEnd(t *testing.T) {
	core := startCore(t, &engine.Fake{})

	id, err := core.Submit(task.Spec{
		Files: []string{"a.wav"}, Model: "base", Language: "en",
		Formats: []task.Format{task.FormatPlaintext}, Priority: task.PriorityNormal,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, ok := core.Status(id)
		return ok && tk.Status == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	tk, ok := core.Status(id)
	require.True(t, ok)
	require.NotNil(t, tk.Result)
	assert.Contains(t, tk.Result.OutputPaths, task.FormatPlaintext)
}

// flakyEngine fails the first N transcriptions of a given audio ref
// with a retryable error, then succeeds, modeling scenario S3
// (retry after a transient engine error).
type flakyEngine struct {
	mu        sync.Mutex
	failUntil map[string]int
}

func (e *flakyEngine) Load(_ context.Context, model, device string, progress func(int)) (engine.Handle, error) {
	if progress != nil {
		progress(100)
	}
	return fakeHandle{device, model}, nil
}

type fakeHandle struct{ device, model string }

func (h fakeHandle) Device() string { return h.device }
func (h fakeHandle) Model() string  { return h.model }

func (e *flakyEngine) Transcribe(_ context.Context, h engine.Handle, audioRef, language string) (task.TranscribeResult, error) {
	e.mu.Lock()
	remaining := e.failUntil[audioRef]
	if remaining > 0 {
		e.failUntil[audioRef] = remaining - 1
	}
	e.mu.Unlock()
	if remaining > 0 {
		return task.TranscribeResult{}, task.NewError(task.EngineTransient, "transient engine pressure", nil)
	}
	return task.TranscribeResult{File: audioRef, Text: "ok"}, nil
}

func (e *flakyEngine) Unload(engine.Handle) error { return nil }

func TestScenario_S3_TransientFailureRetriesThenSucceeds(t *testing.T) {
	eng := &flakyEngine{failUntil: map[string]int{"a.wav": 1}}
	core := startCore(t, eng)

	id, err := core.Submit(task.Spec{
		Files: []string{"a.wav"}, Model: "base", Language: "en",
		Formats: []task.Format{task.FormatPlaintext}, Priority: task.PriorityNormal,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, ok := core.Status(id)
		return ok && tk.Status == task.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	tk, _ := core.Status(id)
	assert.Equal(t, 1, tk.RetryCount)
}

// blockingEngine blocks Transcribe until cancelled, for scenario S5.
type blockingEngine struct{}

func (blockingEngine) Load(_ context.Context, model, device string, progress func(int)) (engine.Handle, error) {
	if progress != nil {
		progress(100)
	}
	return fakeHandle{device, model}, nil
}

func (blockingEngine) Transcribe(ctx context.Context, h engine.Handle, audioRef, language string) (task.TranscribeResult, error) {
	<-ctx.Done()
	return task.TranscribeResult{}, ctx.Err()
}

func (blockingEngine) Unload(engine.Handle) error { return nil }

func TestScenario_S5_CancelMidTranscribeFailsClientCancelled(t *testing.T) {
	core := startCore(t, blockingEngine{})

	id, err := core.Submit(task.Spec{
		Files: []string{"a.wav"}, Model: "base", Language: "en",
		Formats: []task.Format{task.FormatPlaintext}, Priority: task.PriorityNormal,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, ok := core.Status(id)
		return ok && tk.Status == task.StatusProcessing
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := core.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		tk, ok := core.Status(id)
		return ok && tk.Status == task.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	tk, _ := core.Status(id)
	require.NotNil(t, tk.LastError)
	assert.Equal(t, task.ClientCancelled, tk.LastError.Kind)
}

func TestStart_CPUOnlyFallbackCapsConcurrencyAtOne(t *testing.T) {
	cfg := testConfig(t)
	prober := &audio.FixedProber{Default: 60}
	be := blockingEngine{}
	driver := &accel.FakeDriver{} // no devices -> CPU-only fallback
	core := New(cfg, be, driver, prober, nil, nil)
	require.NoError(t, core.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		core.Shutdown(ctx)
	}()

	status := core.GPUStatus()[accel.CPUOnlyDeviceID]
	assert.Equal(t, 1, status.MaxConcurrentTasks, "CPU-only device must cap at max_concurrent_tasks=1 (spec.md §4.1)")

	id1, err := core.Submit(task.Spec{
		Files: []string{"a.wav"}, Model: "base", Language: "en",
		Formats: []task.Format{task.FormatPlaintext}, Priority: task.PriorityNormal,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tk, ok := core.Status(id1)
		return ok && tk.Status == task.StatusProcessing
	}, 2*time.Second, 10*time.Millisecond)

	id2, err := core.Submit(task.Spec{
		Files: []string{"b.wav"}, Model: "base", Language: "en",
		Formats: []task.Format{task.FormatPlaintext}, Priority: task.PriorityNormal,
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // let a few scheduler ticks pass
	tk2, ok := core.Status(id2)
	require.True(t, ok)
	assert.Equal(t, task.StatusPending, tk2.Status, "second task must be refused admission while the single CPU slot is held")
}

func TestCancel_UnknownTaskReturnsError(t *testing.T) {
	core := startCore(t, &engine.Fake{})
	_, err := core.Cancel("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestCancel_PendingTaskNeverDispatched(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxTasksPerGPU = 0 // nothing can ever be admitted
	prober := &audio.FixedProber{Default: 60}
	core := New(cfg, &engine.Fake{}, singleGPUDriver(), prober, nil, nil)
	require.NoError(t, core.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		core.Shutdown(ctx)
	}()

	id, err := core.Submit(task.Spec{
		Files: []string{"a.wav"}, Model: "base", Formats: []task.Format{task.FormatPlaintext},
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond) // let a scheduler tick or two pass with no admission
	ok, err := core.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)

	tk, found := core.Status(id)
	require.True(t, found)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, task.ClientCancelled, tk.LastError.Kind)
}

func TestConcurrency_GetSetClamps(t *testing.T) {
	core := startCore(t, &engine.Fake{})
	assert.Equal(t, core.cfg.MaxConcurrentTasksDefault, core.Concurrency().Get())

	got := core.Concurrency().Set(1000)
	assert.Equal(t, config.HardLimit, got)
	assert.Equal(t, config.HardLimit, core.Concurrency().Get())
}

func TestSubscribe_ReceivesTaskUpdateForSubmittedTask(t *testing.T) {
	core := startCore(t, &engine.Fake{})
	_, events, unsub := core.Subscribe()
	defer unsub()

	_, err := core.Submit(task.Spec{
		Files: []string{"a.wav"}, Model: "base", Formats: []task.Format{task.FormatPlaintext},
	})
	require.NoError(t, err)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one event for the submitted task")
	}
}
