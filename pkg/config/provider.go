package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Provider serves a configuration file and notifies subscribers when it
// changes on disk. A change that fails to load or validate is logged and
// dropped; subscribers only ever see valid configurations.
type Provider struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config
}

// NewProvider loads path and starts watching it. The initial load must
// succeed; a daemon cannot come up without a valid configuration.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors and config mounts replace the file
	// rather than writing it in place.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		path:    absPath,
		logger:  logger,
		watcher: watcher,
		cancel:  cancel,
		current: cfg,
	}
	go p.watchLoop(ctx)
	return p, nil
}

// Current returns the latest valid configuration.
func (p *Provider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel receiving each new valid configuration,
// starting with the current one. Slow consumers miss intermediate updates
// rather than blocking the watcher.
func (p *Provider) Subscribe() <-chan *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Config, 1)
	ch <- p.current
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher. Subscriber channels stop receiving but are not
// closed.
func (p *Provider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *Provider) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, p.reload)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *Provider) reload() {
	cfg, err := Load(p.path)
	if err != nil {
		p.logger.Error("config reload rejected, keeping previous configuration",
			"path", p.path, "error", err)
		return
	}

	p.mu.Lock()
	p.current = cfg
	subscribers := make([]chan *Config, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	p.logger.Info("configuration reloaded", "path", p.path)
	for _, ch := range subscribers {
		select {
		case ch <- cfg:
		default:
		}
	}
}
