// Package config loads and validates the orchestrator's immutable
// configuration record (spec.md §6.3, Design Notes "Dynamic config vs
// typed config").
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// HardLimit is the absolute ceiling for MaxConcurrentTasks regardless of
// what a config file requests.
const HardLimit = 20

// Config is the validated, immutable settings record loaded once at
// startup. No field is mutated after load: the runtime concurrency
// ceiling starts at MaxConcurrentTasksDefault and is changed only
// through Concurrency.Set, which keeps its own copy outside this struct.
type Config struct {
	MaxConcurrentTasksDefault int     `yaml:"max_concurrent_tasks_default"`
	MaxTasksPerGPU            int     `yaml:"max_tasks_per_gpu"`
	MaxMemoryUtilization      float64 `yaml:"max_memory_utilization"`
	MemoryConfidenceFactor    float64 `yaml:"memory_confidence_factor"`
	CalibrationSampleSize     int     `yaml:"calibration_sample_size"`
	ReservedMemoryGBPerGPU    float64 `yaml:"reserved_memory_gb_per_gpu"`
	SchedulerTickMS           int     `yaml:"scheduler_tick_ms"`
	GPUSnapshotTTLMS          int     `yaml:"gpu_snapshot_ttl_ms"`
	MaxRetries                int     `yaml:"max_retries"`
	TaskTimeoutSec            int     `yaml:"task_timeout_sec"`
	HeartbeatIntervalMS       int     `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS        int     `yaml:"heartbeat_timeout_ms"`
	StandardAudioDurationSec  int     `yaml:"standard_audio_duration_sec"`
	AudioDurationFactorSlope  float64 `yaml:"audio_duration_factor_slope"`
	EventBusRingSize          int     `yaml:"event_bus_ring_size"`
	OutputDir                 string  `yaml:"output_dir"`
	ModelCacheCapacity        int     `yaml:"model_cache_capacity"`
}

// Default returns the configuration with every default from spec.md §6.3.
func Default() Config {
	return Config{
		MaxConcurrentTasksDefault: 3,
		MaxTasksPerGPU:            5,
		MaxMemoryUtilization:      0.9,
		MemoryConfidenceFactor:    1.2,
		CalibrationSampleSize:     50,
		ReservedMemoryGBPerGPU:    1.0,
		SchedulerTickMS:           2000,
		GPUSnapshotTTLMS:          30000,
		MaxRetries:                3,
		TaskTimeoutSec:            3600,
		HeartbeatIntervalMS:       30000,
		HeartbeatTimeoutMS:        120000,
		StandardAudioDurationSec:  180,
		AudioDurationFactorSlope:  0.3,
		EventBusRingSize:          128,
		OutputDir:                 "./output",
		ModelCacheCapacity:        2,
	}
}

// Load reads a YAML config file, applying defaults for omitted fields and
// validating the enumerated ranges of spec.md §6.3.
func Load(data []byte) (Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field against the ranges enumerated in spec.md
// §6.3, returning the first violation found.
func (c Config) Validate() error {
	if c.MaxConcurrentTasksDefault < 1 || c.MaxConcurrentTasksDefault > HardLimit {
		return fmt.Errorf("max_concurrent_tasks_default must be in [1,%d], got %d", HardLimit, c.MaxConcurrentTasksDefault)
	}
	if c.MaxTasksPerGPU < 1 {
		return fmt.Errorf("max_tasks_per_gpu must be >= 1, got %d", c.MaxTasksPerGPU)
	}
	if c.MaxMemoryUtilization <= 0 || c.MaxMemoryUtilization > 1 {
		return fmt.Errorf("max_memory_utilization must be in (0,1], got %f", c.MaxMemoryUtilization)
	}
	if c.MemoryConfidenceFactor <= 0 {
		return fmt.Errorf("memory_confidence_factor must be > 0, got %f", c.MemoryConfidenceFactor)
	}
	if c.CalibrationSampleSize < 1 {
		return fmt.Errorf("calibration_sample_size must be >= 1, got %d", c.CalibrationSampleSize)
	}
	if c.ReservedMemoryGBPerGPU < 0 {
		return fmt.Errorf("reserved_memory_gb_per_gpu must be >= 0, got %f", c.ReservedMemoryGBPerGPU)
	}
	if c.SchedulerTickMS < 1 {
		return fmt.Errorf("scheduler_tick_ms must be >= 1, got %d", c.SchedulerTickMS)
	}
	if c.GPUSnapshotTTLMS < 0 {
		return fmt.Errorf("gpu_snapshot_ttl_ms must be >= 0, got %d", c.GPUSnapshotTTLMS)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.TaskTimeoutSec < 1 {
		return fmt.Errorf("task_timeout_sec must be >= 1, got %d", c.TaskTimeoutSec)
	}
	if c.HeartbeatIntervalMS < 1 || c.HeartbeatTimeoutMS < c.HeartbeatIntervalMS {
		return fmt.Errorf("heartbeat_timeout_ms must be >= heartbeat_interval_ms")
	}
	if c.StandardAudioDurationSec < 1 {
		return fmt.Errorf("standard_audio_duration_sec must be >= 1, got %d", c.StandardAudioDurationSec)
	}
	if c.EventBusRingSize < 1 {
		return fmt.Errorf("event_bus_ring_size must be >= 1, got %d", c.EventBusRingSize)
	}
	if c.ModelCacheCapacity < 0 {
		return fmt.Errorf("model_cache_capacity must be >= 0, got %d", c.ModelCacheCapacity)
	}
	return nil
}

// ClampConcurrency enforces the [1, HardLimit] clamp of spec.md §6.1 on a
// requested MaxConcurrentTasks value.
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > HardLimit {
		return HardLimit
	}
	return n
}
