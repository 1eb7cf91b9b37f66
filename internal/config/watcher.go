// Hot reloading of dedup overrides from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// dedupOverrides is the YAML shape of the overrides file. Absent fields keep
// their current values.
type dedupOverrides struct {
	Dedup struct {
		Enabled          *bool    `yaml:"enabled"`
		Threshold        *float64 `yaml:"threshold"`
		AzureThreshold   *float64 `yaml:"azure_threshold"`
		IntelliThreshold *float64 `yaml:"intelli_threshold"`
	} `yaml:"dedup"`
}

// Watcher hot-reloads dedup settings when the overrides file changes.
type Watcher struct {
	config  *Config
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher creates a watcher over cfg.OverridesFile. Returns nil (no
// watcher, no error) when no overrides file is configured.
func NewWatcher(cfg *Config, logger *zap.Logger) (*Watcher, error) {
	if cfg.OverridesFile == "" {
		return nil, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		config:  cfg,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
	}

	// Apply the file once at startup so restarts and reloads agree.
	if err := w.apply(); err != nil {
		logger.Warn("failed to apply dedup overrides at startup",
			zap.String("file", cfg.OverridesFile),
			zap.Error(err),
		)
	}

	if err := fsWatcher.Add(cfg.OverridesFile); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch overrides file: %w", err)
	}

	go w.watchLoop()
	logger.Info("dedup overrides hot reloading enabled",
		zap.String("file", cfg.OverridesFile),
	)
	return w, nil
}

// watchLoop monitors for file changes and re-applies overrides, debounced to
// avoid rapid repeated reloads from editors that write in multiple steps.
func (w *Watcher) watchLoop() {
	defer w.watcher.Close()

	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := w.apply(); err != nil {
					w.logger.Warn("failed to reload dedup overrides", zap.Error(err))
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("overrides watcher error", zap.Error(err))
		}
	}
}

// apply reads the overrides file and merges it into the live dedup config.
func (w *Watcher) apply() error {
	raw, err := os.ReadFile(w.config.OverridesFile)
	if err != nil {
		return fmt.Errorf("failed to read overrides file: %w", err)
	}

	var overrides dedupOverrides
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("failed to parse overrides file: %w", err)
	}

	d := w.config.Dedup()
	if v := overrides.Dedup.Enabled; v != nil {
		d.Enabled = *v
	}
	if v := overrides.Dedup.Threshold; v != nil {
		d.Threshold = *v
	}
	if v := overrides.Dedup.AzureThreshold; v != nil {
		d.AzureThreshold = *v
	}
	if v := overrides.Dedup.IntelliThreshold; v != nil {
		d.IntelliThreshold = *v
	}
	w.config.SetDedup(d)

	w.logger.Info("dedup settings reloaded",
		zap.Bool("enabled", d.Enabled),
		zap.Float64("threshold", d.Threshold),
		zap.Float64("azure_threshold", d.AzureThreshold),
		zap.Float64("intelli_threshold", d.IntelliThreshold),
	)
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
}
