// Package reload watches the configuration file and applies safe changes to
// a running pipeline without a restart.
package reload

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/logvigil/logvigil/pkg/logger"
)

// ConfigWatcher watches a configuration file for changes and emits debounced
// reload events.
type ConfigWatcher struct {
	configPath       string
	debounceInterval time.Duration
	watcher          *fsnotify.Watcher
	changeCh         chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewConfigWatcher creates a watcher for the given config file.
func NewConfigWatcher(configPath string, debounceInterval time.Duration) (*ConfigWatcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if debounceInterval <= 0 {
		debounceInterval = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ConfigWatcher{
		configPath:       configPath,
		debounceInterval: debounceInterval,
		watcher:          watcher,
		changeCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
	}, nil
}

// Start begins watching and returns the channel that receives a signal
// after each debounced batch of changes. The parent directory is watched
// rather than the file itself so atomic replace-by-rename is seen.
func (cw *ConfigWatcher) Start() (<-chan struct{}, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return nil, fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(cw.configPath)
	if err := cw.watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	cw.running = true
	go cw.processEvents()
	logger.Infof("Watching %s for configuration changes", cw.configPath)
	return cw.changeCh, nil
}

// Stop stops watching.
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running {
		return
	}
	close(cw.stopCh)
	cw.watcher.Close()
	// changeCh is never closed: processEvents may still be in its send
	// branch, and receivers observe shutdown through their own stop signal.
	cw.running = false
}

func (cw *ConfigWatcher) processEvents() {
	var debounceTimer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-cw.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.isConfigFileEvent(event) {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.NewTimer(cw.debounceInterval)
				timerCh = debounceTimer.C
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Config file watcher error: %v", err)

		case <-timerCh:
			select {
			case cw.changeCh <- struct{}{}:
			default:
				// A change is already pending.
			}
			timerCh = nil
		}
	}
}

// isConfigFileEvent matches events against the watched file, including the
// ..data symlink swap used by atomically updated mounted configs.
func (cw *ConfigWatcher) isConfigFileEvent(event fsnotify.Event) bool {
	eventPath := filepath.Clean(event.Name)
	configPath := filepath.Clean(cw.configPath)

	if eventPath == configPath {
		return true
	}
	if filepath.Base(eventPath) == "..data" && filepath.Dir(eventPath) == filepath.Dir(configPath) {
		return true
	}
	return false
}
