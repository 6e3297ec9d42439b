package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/shawkym/mxview/pkg/log"
)

// Reload describes one accepted change of the config file.
type Reload struct {
	Old, New *Config
}

// RenderChanged reports whether tiles must be redrawn.
func (r Reload) RenderChanged() bool {
	return r.Old.Render != r.New.Render
}

// RestartRequired lists the changed sections that only take effect when
// mxview is started again.
func (r Reload) RestartRequired() []string {
	var sections []string
	if r.Old.Matrix != r.New.Matrix {
		sections = append(sections, "matrix")
	}
	if r.Old.Timeline != r.New.Timeline {
		sections = append(sections, "timeline")
	}
	if r.Old.CacheEnabled() != r.New.CacheEnabled() ||
		r.Old.Cache.Path != r.New.Cache.Path ||
		r.Old.Cache.MaxEventsPerRoom != r.New.Cache.MaxEventsPerRoom {
		sections = append(sections, "cache")
	}
	if r.Old.Metrics != r.New.Metrics {
		sections = append(sections, "metrics")
	}
	return sections
}

// ConfigWatcher follows a config file. The log level and render settings
// apply live; a file that fails to load or validate is ignored.
type ConfigWatcher struct {
	path  string
	viper *viper.Viper

	mu       sync.RWMutex
	config   *Config
	handlers []func(Reload)
	// busy drops the duplicate events editors emit for a single save.
	busy bool
}

// NewConfigWatcher loads path and prepares to watch it.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config to watch: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &ConfigWatcher{path: path, viper: v, config: cfg}, nil
}

// GetConfig returns the configuration last accepted.
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnReload registers fn. Handlers run in registration order on the
// watcher goroutine; a panicking handler does not stop the others.
func (cw *ConfigWatcher) OnReload(fn func(Reload)) {
	cw.mu.Lock()
	cw.handlers = append(cw.handlers, fn)
	cw.mu.Unlock()
}

// Run watches the file until ctx is done.
func (cw *ConfigWatcher) Run(ctx context.Context) {
	cw.viper.OnConfigChange(cw.handleEvent)
	cw.viper.WatchConfig()
	log.WithField("config_path", cw.path).Debug("watching config file")
	<-ctx.Done()
}

func (cw *ConfigWatcher) handleEvent(e fsnotify.Event) {
	cw.mu.Lock()
	if cw.busy {
		cw.mu.Unlock()
		return
	}
	cw.busy = true
	cw.mu.Unlock()
	defer func() {
		cw.mu.Lock()
		cw.busy = false
		cw.mu.Unlock()
	}()

	next, err := LoadConfig(cw.path)
	if err != nil {
		log.WithError(err).WithFields(map[string]interface{}{
			"config_path": cw.path,
			"op":          e.Op.String(),
		}).Warn("ignoring config change")
		return
	}

	cw.mu.Lock()
	r := Reload{Old: cw.config, New: next}
	cw.config = next
	handlers := append([]func(Reload){}, cw.handlers...)
	cw.mu.Unlock()

	if r.Old.Logging.Level != r.New.Logging.Level {
		if level, err := zerolog.ParseLevel(r.New.Logging.Level); err == nil {
			log.SetLevel(level)
		}
	}
	if sections := r.RestartRequired(); len(sections) > 0 {
		log.WithField("sections", sections).Warn("config change needs a restart to apply")
	}
	log.WithField("config_path", cw.path).Info("config reloaded")

	for _, fn := range handlers {
		dispatchReload(fn, r)
	}
}

func dispatchReload(fn func(Reload), r Reload) {
	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("config reload handler panicked")
		}
	}()
	fn(r)
}
