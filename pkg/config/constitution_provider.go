package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/agentlayer/pkg/policy"
)

// ProviderOptions configure a ConstitutionProvider.
type ProviderOptions struct {
	Logger *slog.Logger
	Policy policy.Options
	// Watch reloads the file when it changes.
	Watch    bool
	Debounce time.Duration
}

// ConstitutionProvider serves the compiled default constitution from a file.
// A reload that fails to parse or compile keeps the last good version.
type ConstitutionProvider struct {
	path     string
	opts     ProviderOptions
	logger   *slog.Logger
	debounce time.Duration

	mu          sync.RWMutex
	current     *policy.Constitution
	version     int
	subscribers []chan *policy.Constitution

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewConstitutionProvider loads and compiles the constitution at path. The
// initial load must succeed.
func NewConstitutionProvider(ctx context.Context, path string, opts ProviderOptions) (*ConstitutionProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy.Logger == nil {
		opts.Policy.Logger = logger
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	p := &ConstitutionProvider{
		path:     absPath,
		opts:     opts,
		logger:   logger.With("constitution_file", absPath),
		debounce: debounce,
		done:     make(chan struct{}),
	}
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	if !opts.Watch {
		close(p.done)
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(watchCtx)
	return p, nil
}

// Current returns the latest successfully compiled constitution.
func (p *ConstitutionProvider) Current() *policy.Constitution {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Version counts successful loads, starting at 1.
func (p *ConstitutionProvider) Version() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Subscribe returns a channel that receives each newly loaded constitution.
// Slow subscribers miss intermediate versions.
func (p *ConstitutionProvider) Subscribe() <-chan *policy.Constitution {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *policy.Constitution, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Reload re-reads the file now.
func (p *ConstitutionProvider) Reload(ctx context.Context) error {
	return p.load(ctx)
}

// Close stops watching.
func (p *ConstitutionProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *ConstitutionProvider) watchLoop(ctx context.Context) {
	defer close(p.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if err := p.load(ctx); err != nil {
						p.logger.Error("constitution reload failed; keeping previous version", "error", err)
					}
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("constitution watcher error", "error", err)
		}
	}
}

func (p *ConstitutionProvider) load(ctx context.Context) error {
	doc, err := LoadConstitutionFile(p.path)
	if err != nil {
		return err
	}
	compiled, err := policy.Compile(ctx, doc, p.opts.Policy)
	if err != nil {
		return fmt.Errorf("compile %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.current = compiled
	p.version++
	version := p.version
	subscribers := make([]chan *policy.Constitution, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	p.logger.Info("constitution loaded", "version", version, "rules", compiled.Len())
	for _, ch := range subscribers {
		select {
		case ch <- compiled:
		default:
		}
	}
	return nil
}
