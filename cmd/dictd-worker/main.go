// dictd-worker is the inference half of the dictation daemon. It is spawned
// by dictd, speaks the frame protocol on stdin/stdout and logs to stderr.
// It is not meant to be run by hand, though it works fine that way when
// debugging with a frame-speaking client.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dictd/internal/engine"
	"dictd/internal/gpu"
	"dictd/internal/registry"
	"dictd/internal/worker"
)

func main() {
	modelsDir := flag.String("models-dir", "~/models/dictation", "Directory to scan for *.bin and *.gguf model files")
	asrModel := flag.String("asr-model", "", "ASR model id to load at startup")
	refineModel := flag.String("refine-model", "", "Refinement model id to load at startup")
	device := flag.String("device", "auto", "Placement preference: auto|accelerator|fallback")
	refine := flag.Bool("refine", false, "Enable text refinement")
	heartbeatMS := flag.Int("heartbeat-ms", 500, "Heartbeat interval in milliseconds")
	maxFrame := flag.Int("max-frame-bytes", 8<<20, "Maximum wire frame payload size")
	whisperURL := flag.String("whisper-url", "http://127.0.0.1:8091", "whisper.cpp server base URL")
	refinerURL := flag.String("refiner-url", "", "Ollama-compatible refiner base URL (empty disables the HTTP refiner)")
	accelThreshold := flag.Float64("gpu-accel-threshold", 0.40, "Headroom ratio above which models go to the accelerator")
	warnThreshold := flag.Float64("gpu-warn-threshold", 0.20, "Headroom ratio below which the user is asked")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("proc", "dictd-worker").Logger()
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		log = log.Level(lvl)
	}

	reg, err := registry.LoadDir(*modelsDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", *modelsDir).Msg("model scan failed")
	}
	log.Info().Int("models", len(reg)).Str("dir", *modelsDir).Msg("models discovered")

	w := worker.New(worker.Config{
		HeartbeatInterval: msToDuration(*heartbeatMS),
		MaxFrameBytes:     *maxFrame,
		Device:            *device,
		RefineEnabled:     *refine,
		ASRModel:          *asrModel,
		RefineModel:       *refineModel,
		Thresholds:        gpu.Thresholds{Accel: *accelThreshold, Warn: *warnThreshold},
	}, reg, engine.NewSidecarLoader(*whisperURL, *refinerURL), gpu.NewDefaultProber(), os.Stdin, os.Stdout, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker terminated")
		os.Exit(1)
	}
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
