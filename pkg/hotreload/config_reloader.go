// Package hotreload watches the configuration file and re-applies validated
// changes at runtime.
package hotreload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devq-ai/agentical-sub002/internal/config"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Stats tracks reloader activity.
type Stats struct {
	TotalReloads      int64     `json:"total_reloads"`
	SuccessfulReloads int64     `json:"successful_reloads"`
	FailedReloads     int64     `json:"failed_reloads"`
	LastReloadTime    time.Time `json:"last_reload_time"`
	LastError         string    `json:"last_error,omitempty"`
}

// ConfigReloader watches one configuration file and notifies a callback with
// the old and new configuration when the file content actually changes.
// Reloads that fail validation are rejected and the previous configuration
// stays in effect.
type ConfigReloader struct {
	logger     *logrus.Logger
	configFile string
	debounce   time.Duration

	watcher     *fsnotify.Watcher
	currentHash string

	onChanged func(old, new *config.Config) error
	current   atomic.Value // *config.Config

	statsMutex sync.Mutex
	stats      Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConfigReloader creates a reloader for configFile with the initial
// configuration already loaded.
func NewConfigReloader(configFile string, initial *config.Config, debounce time.Duration, logger *logrus.Logger) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounce <= 0 {
		debounce = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &ConfigReloader{
		logger:     logger,
		configFile: configFile,
		debounce:   debounce,
		watcher:    watcher,
		ctx:        ctx,
		cancel:     cancel,
	}
	r.current.Store(initial)
	r.currentHash, _ = fileHash(configFile)

	return r, nil
}

// OnChanged registers the callback invoked after a successful reload.
func (r *ConfigReloader) OnChanged(fn func(old, new *config.Config) error) {
	r.onChanged = fn
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives editors that replace the file on save.
func (r *ConfigReloader) Start() error {
	dir := filepath.Dir(r.configFile)
	if err := r.watcher.Add(dir); err != nil {
		return err
	}

	r.logger.WithField("config_file", r.configFile).Info("Config hot reload started")

	r.wg.Add(1)
	go r.watchLoop()

	return nil
}

// Stop stops watching and waits for the watch loop to exit.
func (r *ConfigReloader) Stop() error {
	r.cancel()
	err := r.watcher.Close()
	r.wg.Wait()
	return err
}

// Current returns the active configuration.
func (r *ConfigReloader) Current() *config.Config {
	return r.current.Load().(*config.Config)
}

// GetStats returns a snapshot of reloader activity.
func (r *ConfigReloader) GetStats() Stats {
	r.statsMutex.Lock()
	defer r.statsMutex.Unlock()
	return r.stats
}

func (r *ConfigReloader) watchLoop() {
	defer r.wg.Done()

	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-r.ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.configFile) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce bursts of write events from a single save
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(r.debounce)
			debounceC = debounceTimer.C

		case <-debounceC:
			debounceC = nil
			r.reload()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

func (r *ConfigReloader) reload() {
	newHash, err := fileHash(r.configFile)
	if err != nil {
		r.recordFailure(err)
		return
	}
	if newHash == r.currentHash {
		return
	}

	newConfig, err := config.Load(r.configFile)
	if err != nil {
		r.recordFailure(err)
		r.logger.WithError(err).Error("Config reload failed to load file")
		return
	}
	if err := config.Validate(newConfig); err != nil {
		r.recordFailure(err)
		r.logger.WithError(err).Error("Config reload rejected by validation, keeping previous config")
		return
	}

	old := r.Current()
	if r.onChanged != nil {
		if err := r.onChanged(old, newConfig); err != nil {
			r.recordFailure(err)
			r.logger.WithError(err).Error("Config change callback failed, keeping previous config")
			return
		}
	}

	r.current.Store(newConfig)
	r.currentHash = newHash

	r.statsMutex.Lock()
	r.stats.TotalReloads++
	r.stats.SuccessfulReloads++
	r.stats.LastReloadTime = time.Now()
	r.stats.LastError = ""
	r.statsMutex.Unlock()

	r.logger.Info("Configuration reloaded")
}

func (r *ConfigReloader) recordFailure(err error) {
	r.statsMutex.Lock()
	defer r.statsMutex.Unlock()
	r.stats.TotalReloads++
	r.stats.FailedReloads++
	r.stats.LastReloadTime = time.Now()
	r.stats.LastError = err.Error()
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
