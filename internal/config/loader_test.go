package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeTemp(t, "dictd.yaml", "addr: \":9000\"\nasr_model: ggml-small.bin\nwatchdog_timeout_ms: 4000\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.ASRModel != "ggml-small.bin" || cfg.WatchdogTimeoutMS != 4000 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTemp(t, "dictd.json", `{"addr":":9001","gpu_accel_threshold":0.5}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9001" || cfg.GPUAccelThreshold != 0.5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeTemp(t, "dictd.toml", "addr = \":9002\"\nrefine_enabled = true\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9002" || !cfg.RefineEnabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	p := writeTemp(t, "dictd.ini", "addr=:9003")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for .ini")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.HeartbeatIntervalMS != 500 || cfg.WatchdogTimeoutMS != 5000 || cfg.WatchdogPollMS != 1250 {
		t.Fatalf("timing defaults wrong: %+v", cfg)
	}
	if cfg.GPUAccelThreshold != 0.40 || cfg.GPUWarnThreshold != 0.20 {
		t.Fatalf("threshold defaults wrong: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejectsBadTimings(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.WatchdogPollMS = cfg.WatchdogTimeoutMS
	if err := cfg.Validate(); err == nil {
		t.Fatalf("poll >= timeout must fail validation")
	}

	cfg = Config{}
	cfg.ApplyDefaults()
	cfg.HeartbeatIntervalMS = cfg.WatchdogTimeoutMS + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("heartbeat >= timeout must fail validation")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.GPUWarnThreshold = 0.6
	if err := cfg.Validate(); err == nil {
		t.Fatalf("warn >= accel must fail validation")
	}
}

func TestValidateRejectsUnknownReloadPolicy(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.ReloadDuringRecording = "abort"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("abort policy is not implemented and must be rejected")
	}
}

func TestValidateRejectsUnknownDevice(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.Device = "tpu"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown device must fail validation")
	}
}
