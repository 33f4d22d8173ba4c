package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// OnReload is called after a successful hot reload.
type OnReload func(old, new *Config)

// debounce absorbs the burst of events editors emit for a single save.
const debounce = 100 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	filePath  string
	logger    zerolog.Logger

	mu        sync.Mutex
	callbacks []OnReload

	closeOnce sync.Once
	done      chan struct{}
}

// Watch starts watching filePath. The containing directory is watched so
// that tmp-and-rename saves are seen.
func Watch(filePath string, logger zerolog.Logger) (*Watcher, error) {
	if filePath == "" {
		return nil, fmt.Errorf("config watcher: file path must not be empty")
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("config watcher: resolving path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: creating fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		filePath:  absPath,
		logger:    logger.With().Str("component", "config-watcher").Logger(),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.filePath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	old := Get()
	newCfg, err := Load(w.filePath)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.filePath).Msg("reload failed, keeping previous config")
		return
	}
	w.logger.Info().Str("path", w.filePath).Msg("config reloaded")

	w.mu.Lock()
	cbs := make([]OnReload, len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error().Interface("panic", r).Msg("reload callback panicked")
				}
			}()
			cb(old, newCfg)
		}()
	}
}
