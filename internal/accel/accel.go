// Package accel implements the Accelerator Probe (C1): discovery and
// cached reporting of GPU descriptors, with a CPU-only fallback.
package accel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrProbeUnavailable is returned by Discover when no accelerator driver
// can be reached. The probe then operates in CPU-only mode.
var ErrProbeUnavailable = errors.New("accel: no accelerator discoverable")

// Descriptor is a read-mostly GPU snapshot. Consumers never mutate it.
type Descriptor struct {
	ID          string
	Product     string
	TotalGB     float64
	UsedGB      float64
	FreeGB      float64
	TempC       float64
	Utilization float64 // 0..1
	UpdatedAt   time.Time
}

// Driver is the injected AcceleratorDriver collaborator of spec.md §6.2.
type Driver interface {
	Discover(ctx context.Context) ([]Descriptor, error)
}

// CPUOnlyDeviceID names the single logical accelerator synthesized when
// Driver.Discover finds nothing (spec.md §4.1).
const CPUOnlyDeviceID = "cpu0"

// Probe discovers and caches GPU descriptors behind a TTL.
type Probe struct {
	driver Driver
	ttl    time.Duration
	log    *logrus.Entry

	mu        sync.RWMutex
	snapshot  []Descriptor
	fetchedAt time.Time
	cpuOnly   bool
}

// New builds a Probe around the given driver and cache TTL.
func New(driver Driver, ttl time.Duration, log *logrus.Entry) *Probe {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Probe{driver: driver, ttl: ttl, log: log.WithField("component", "accel")}
}

// Snapshot returns the cached descriptor list, refreshing it first if the
// TTL has elapsed. A forced refresh is available via Refresh.
func (p *Probe) Snapshot(ctx context.Context) ([]Descriptor, error) {
	p.mu.RLock()
	fresh := time.Since(p.fetchedAt) < p.ttl && (p.snapshot != nil || p.cpuOnly)
	snap := p.snapshot
	p.mu.RUnlock()
	if fresh {
		return snap, nil
	}
	return p.Refresh(ctx)
}

// Refresh bypasses the cache and re-probes the driver.
func (p *Probe) Refresh(ctx context.Context) ([]Descriptor, error) {
	devices, err := p.driver.Discover(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil || len(devices) == 0 {
		if err != nil {
			p.log.WithError(err).Warn("accelerator driver unavailable, falling back to CPU-only mode")
		}
		p.cpuOnly = true
		p.snapshot = []Descriptor{{
			ID:          CPUOnlyDeviceID,
			Product:     "cpu",
			TotalGB:     1 << 20, // effectively unlimited
			Utilization: 0,
			UpdatedAt:   time.Now(),
		}}
		p.fetchedAt = time.Now()
		return p.snapshot, nil
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	p.cpuOnly = false
	p.snapshot = devices
	p.fetchedAt = time.Now()
	return p.snapshot, nil
}

// Describe returns a single device's cached descriptor.
func (p *Probe) Describe(ctx context.Context, id string) (Descriptor, error) {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range snap {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("accel: unknown device %q", id)
}

// Count returns the number of cached devices.
func (p *Probe) Count(ctx context.Context) (int, error) {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return len(snap), nil
}

// CPUOnly reports whether the probe last found zero real accelerators.
func (p *Probe) CPUOnly() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cpuOnly
}
