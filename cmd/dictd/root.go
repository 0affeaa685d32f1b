package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dictd/internal/common/fsutil"
	"dictd/internal/config"
	"dictd/internal/httpapi"
	"dictd/internal/protocol"
	"dictd/internal/registry"
	"dictd/internal/supervisor"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dictd",
		Short:         "Local dictation daemon: supervises the inference worker and serves the control API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildModelsCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		cfgPath    string
		addr       string
		modelsDir  string
		workerBin  string
		whisperURL string
		refinerURL string
		logLevel   string
		corsAllow  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			// Explicit flags override the file.
			if cmd.Flags().Changed("addr") || cfg.Addr == "" {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("models-dir") || cfg.ModelsDir == "" {
				cfg.ModelsDir = modelsDir
			}
			if cmd.Flags().Changed("worker-bin") || cfg.WorkerBin == "" {
				cfg.WorkerBin = workerBin
			}
			if cmd.Flags().Changed("whisper-url") || cfg.WhisperURL == "" {
				cfg.WhisperURL = whisperURL
			}
			if cmd.Flags().Changed("refiner-url") {
				cfg.RefinerURL = refinerURL
			}
			if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
				cfg.LogLevel = logLevel
			}
			cfg.ApplyDefaults()
			if cfg.WorkerBin == "" {
				cfg.WorkerBin = defaultWorkerBin()
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServe(cfg, cfgPath, corsAllow)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", envOr("DICTD_CONFIG", ""), "Config file (.yaml/.json/.toml); reloaded on change")
	cmd.Flags().StringVar(&addr, "addr", envOr("DICTD_ADDR", ":8090"), "HTTP listen address")
	cmd.Flags().StringVar(&modelsDir, "models-dir", envOr("DICTD_MODELS_DIR", "~/models/dictation"), "Directory to scan for model files")
	cmd.Flags().StringVar(&workerBin, "worker-bin", envOr("DICTD_WORKER_BIN", ""), "Path to the dictd-worker binary (default: next to dictd)")
	cmd.Flags().StringVar(&whisperURL, "whisper-url", envOr("DICTD_WHISPER_URL", "http://127.0.0.1:8091"), "whisper.cpp server base URL")
	cmd.Flags().StringVar(&refinerURL, "refiner-url", envOr("DICTD_REFINER_URL", ""), "Ollama-compatible refiner base URL")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("DICTD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	cmd.Flags().BoolVar(&corsAllow, "cors", false, "Enable permissive CORS for browser UIs")
	return cmd
}

// defaultWorkerBin prefers a dictd-worker sitting next to this binary, then
// falls back to PATH lookup.
func defaultWorkerBin() string {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "dictd-worker")
		if fsutil.PathExists(sibling) {
			return sibling
		}
	}
	if p, err := exec.LookPath("dictd-worker"); err == nil {
		return p
	}
	return "dictd-worker"
}

func runServe(cfg config.Config, cfgPath string, corsAllow bool) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("proc", "dictd").Logger()
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}
	httpapi.SetLogger(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	httpapi.SetBaseContext(ctx)
	if corsAllow {
		httpapi.SetCORSOptions(true,
			[]string{"*"},
			[]string{http.MethodGet, http.MethodPost},
			[]string{"Content-Type", "X-Log-Level"})
	}

	if models, err := registry.LoadDir(cfg.ModelsDir); err != nil {
		log.Warn().Err(err).Str("dir", cfg.ModelsDir).Msg("model scan failed")
	} else if len(models) == 0 {
		log.Warn().Str("dir", cfg.ModelsDir).Msg("no models found; drop .bin/.gguf files in and POST /config")
	}

	sup := supervisor.New(cfg, supervisor.Options{
		Log:     log,
		OnEvent: httpapi.ObserveUIEvent,
	})
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(sup)}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("dictd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Config file edits turn into live deltas for the worker.
	if cfgPath != "" {
		go func() {
			err := config.Watch(cfgPath, log, func(next config.Config) {
				if _, err := sup.PushConfig(deltaFromConfig(next)); err != nil {
					log.Warn().Err(err).Msg("config delta not delivered")
				}
			}, ctx.Done())
			if err != nil {
				log.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shctx, shcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shcancel()
	if err := srv.Shutdown(shctx); err != nil {
		log.Warn().Err(err).Msg("graceful http shutdown failed")
	}
	if err := sup.Shutdown(shctx); err != nil {
		log.Warn().Err(err).Msg("worker shutdown failed")
	}
	return nil
}

// deltaFromConfig turns a freshly loaded config file into a worker delta.
// An empty model id means the file does not manage that slot; pushing it
// would get a valid sibling change rejected along with it.
func deltaFromConfig(next config.Config) protocol.ConfigDelta {
	delta := protocol.ConfigDelta{
		Device:        &next.Device,
		RefineEnabled: &next.RefineEnabled,
	}
	if next.ASRModel != "" {
		delta.ASRModel = &next.ASRModel
	}
	if next.RefineModel != "" {
		delta.RefineModel = &next.RefineModel
	}
	return delta
}

func buildModelsCmd() *cobra.Command {
	var modelsDir string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List discovered model files",
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := registry.LoadDir(modelsDir)
			if err != nil {
				return err
			}
			if len(models) == 0 {
				fmt.Println("no models found in", modelsDir)
				return nil
			}
			for _, m := range models {
				fmt.Printf("%-40s %-11s %8.1f MiB\n", m.ID, m.Kind, float64(m.SizeBytes)/(1<<20))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modelsDir, "models-dir", envOr("DICTD_MODELS_DIR", "~/models/dictation"), "Directory to scan for model files")
	return cmd
}
