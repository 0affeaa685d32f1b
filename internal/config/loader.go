package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Reload policies for a config change arriving while a recording is open.
const (
	ReloadQueue = "queue"
)

// Config holds runtime parameters for the daemon and the spawned worker.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	WorkerBin string `json:"worker_bin" yaml:"worker_bin" toml:"worker_bin"`

	ASRModel      string `json:"asr_model" yaml:"asr_model" toml:"asr_model"`
	RefineModel   string `json:"refine_model" yaml:"refine_model" toml:"refine_model"`
	Device        string `json:"device" yaml:"device" toml:"device"`
	RefineEnabled bool   `json:"refine_enabled" yaml:"refine_enabled" toml:"refine_enabled"`

	HeartbeatIntervalMS int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	WatchdogTimeoutMS   int `json:"watchdog_timeout_ms" yaml:"watchdog_timeout_ms" toml:"watchdog_timeout_ms"`
	WatchdogPollMS      int `json:"watchdog_poll_ms" yaml:"watchdog_poll_ms" toml:"watchdog_poll_ms"`

	// Headroom-ratio zone boundaries for accelerator placement.
	GPUAccelThreshold float64 `json:"gpu_accel_threshold" yaml:"gpu_accel_threshold" toml:"gpu_accel_threshold"`
	GPUWarnThreshold  float64 `json:"gpu_warn_threshold" yaml:"gpu_warn_threshold" toml:"gpu_warn_threshold"`

	MaxFrameBytes int `json:"max_frame_bytes" yaml:"max_frame_bytes" toml:"max_frame_bytes"`

	// Policy for a model change arriving mid-recording. Only "queue" is
	// implemented: the reload waits for the next idle transition.
	ReloadDuringRecording string `json:"reload_during_recording" yaml:"reload_during_recording" toml:"reload_during_recording"`

	// Engine endpoints for the worker.
	WhisperURL string `json:"whisper_url" yaml:"whisper_url" toml:"whisper_url"`
	RefinerURL string `json:"refiner_url" yaml:"refiner_url" toml:"refiner_url"`
	LogLevel   string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with working values.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "~/models/dictation"
	}
	if c.Device == "" {
		c.Device = "auto"
	}
	if c.HeartbeatIntervalMS <= 0 {
		c.HeartbeatIntervalMS = 500
	}
	if c.WatchdogTimeoutMS <= 0 {
		c.WatchdogTimeoutMS = 5000
	}
	if c.WatchdogPollMS <= 0 {
		c.WatchdogPollMS = c.WatchdogTimeoutMS / 4
	}
	if c.GPUAccelThreshold == 0 {
		c.GPUAccelThreshold = 0.40
	}
	if c.GPUWarnThreshold == 0 {
		c.GPUWarnThreshold = 0.20
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 8 << 20
	}
	if c.ReloadDuringRecording == "" {
		c.ReloadDuringRecording = ReloadQueue
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks cross-field consistency after defaults are applied.
func (c Config) Validate() error {
	if c.WatchdogPollMS >= c.WatchdogTimeoutMS {
		return fmt.Errorf("watchdog_poll_ms (%d) must be smaller than watchdog_timeout_ms (%d)", c.WatchdogPollMS, c.WatchdogTimeoutMS)
	}
	if c.HeartbeatIntervalMS >= c.WatchdogTimeoutMS {
		return fmt.Errorf("heartbeat_interval_ms (%d) must be smaller than watchdog_timeout_ms (%d)", c.HeartbeatIntervalMS, c.WatchdogTimeoutMS)
	}
	if c.GPUWarnThreshold >= c.GPUAccelThreshold {
		return fmt.Errorf("gpu_warn_threshold (%.2f) must be below gpu_accel_threshold (%.2f)", c.GPUWarnThreshold, c.GPUAccelThreshold)
	}
	switch c.Device {
	case "auto", "accelerator", "fallback":
	default:
		return fmt.Errorf("device must be auto, accelerator or fallback, got %q", c.Device)
	}
	if c.ReloadDuringRecording != ReloadQueue {
		return fmt.Errorf("reload_during_recording: only %q is supported, got %q", ReloadQueue, c.ReloadDuringRecording)
	}
	return nil
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// WatchdogTimeout returns the liveness timeout as a duration.
func (c Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutMS) * time.Millisecond
}

// WatchdogPoll returns the watchdog poll interval as a duration.
func (c Config) WatchdogPoll() time.Duration {
	return time.Duration(c.WatchdogPollMS) * time.Millisecond
}
