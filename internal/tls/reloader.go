package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDelay = 100 * time.Millisecond

// CertReloader serves a certificate pair from disk and reloads it when the
// files change. A failed reload keeps the previous certificate.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	delay    time.Duration

	mu      sync.RWMutex
	current *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	// reloaded is signalled after every reload attempt; tests wait on it.
	reloaded chan error
}

// NewCertReloader loads the pair once. Call Watch to follow changes.
func NewCertReloader(certFile, keyFile string, logger *slog.Logger) (*CertReloader, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("both cert_file and key_file are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		delay:    defaultReloadDelay,
		done:     make(chan struct{}),
		reloaded: make(chan error, 1),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the pair from disk.
func (r *CertReloader) Reload() error {
	certificate, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load server certificate: %w", err)
	}
	r.mu.Lock()
	r.current = &certificate
	r.mu.Unlock()
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, nil
}

// Watch follows the directories holding the pair, so atomic replacements
// (write then rename) are seen as well as in-place writes.
func (r *CertReloader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}
	r.watcher = watcher
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("watching tls certificate", "cert_file", r.certFile, "key_file", r.keyFile)
	return nil
}

func (r *CertReloader) loop() {
	defer r.wg.Done()
	targets := map[string]struct{}{
		filepath.Clean(r.certFile): {},
		filepath.Clean(r.keyFile):  {},
	}
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-r.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if _, relevant := targets[filepath.Clean(event.Name)]; !relevant {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.delay)
			} else {
				timer.Reset(r.delay)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			err := r.Reload()
			if err != nil {
				r.logger.Error("failed to reload tls certificate, keeping previous", "error", err)
			} else {
				r.logger.Info("tls certificate reloaded", "cert_file", r.certFile)
			}
			select {
			case r.reloaded <- err:
			default:
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("tls certificate watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (r *CertReloader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
		r.wg.Wait()
	})
	return err
}
