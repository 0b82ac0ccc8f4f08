package accel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_CachesWithinTTL(t *testing.T) {
	driver := &FakeDriver{Devices: []Descriptor{{ID: "gpu0", TotalGB: 24}}}
	p := New(driver, time.Hour, nil)

	snap1, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap1, 1)

	driver.Devices = append(driver.Devices, Descriptor{ID: "gpu1", TotalGB: 24})
	snap2, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap2, 1, "cached snapshot should not see the new device within TTL")
}

func TestRefresh_BypassesCache(t *testing.T) {
	driver := &FakeDriver{Devices: []Descriptor{{ID: "gpu0", TotalGB: 24}}}
	p := New(driver, time.Hour, nil)
	_, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	driver.Devices = append(driver.Devices, Descriptor{ID: "gpu1", TotalGB: 24})
	snap, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}

func TestSnapshot_ZeroDevicesFallsBackToCPUOnly(t *testing.T) {
	driver := &FakeDriver{}
	p := New(driver, time.Hour, nil)
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, CPUOnlyDeviceID, snap[0].ID)
	assert.True(t, p.CPUOnly())
}

func TestSnapshot_DriverErrorFallsBackToCPUOnly(t *testing.T) {
	driver := &FakeDriver{Err: ErrProbeUnavailable}
	p := New(driver, time.Hour, nil)
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err, "probe absorbs driver errors into CPU-only mode rather than failing")
	assert.Equal(t, CPUOnlyDeviceID, snap[0].ID)
}

func TestDescribe_UnknownIDErrors(t *testing.T) {
	p := New(&FakeDriver{Devices: []Descriptor{{ID: "gpu0"}}}, time.Hour, nil)
	_, err := p.Describe(context.Background(), "gpu9")
	assert.Error(t, err)
}

func TestCount_ReflectsDeviceList(t *testing.T) {
	p := New(&FakeDriver{Devices: []Descriptor{{ID: "gpu0"}, {ID: "gpu1"}}}, time.Hour, nil)
	n, err := p.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
