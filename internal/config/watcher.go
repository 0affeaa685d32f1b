package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces editor write bursts (rename+write+chmod) into one
// reload. Last write wins, matching the reload coordinator's idempotency.
const watchDebounce = 250 * time.Millisecond

// Watch reloads path on every change and calls onChange with the parsed
// config. Parse or validation errors are logged and the previous config
// stays in effect. Watch blocks until stop is closed.
func Watch(path string, log zerolog.Logger, onChange func(Config), stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(path); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Some editors replace the file (rename or remove+create);
			// re-add the watch, ignoring failure while the replacement is
			// still in flight.
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				_ = w.Add(path)
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			// The replacement file exists by now if the editor did a
			// remove+create; adding an already-watched path is a no-op.
			_ = w.Add(path)
			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("config reload skipped")
				continue
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
				continue
			}
			log.Info().Str("path", path).Msg("config reloaded")
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-stop:
			return nil
		}
	}
}
