package convsync

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WebhookSecrets holds the credentials the webhook surface verifies against:
// the shared secret for payload signatures and the token echoed during the
// subscription handshake.
type WebhookSecrets struct {
	AppSecret   string `json:"app_secret"`
	VerifyToken string `json:"verify_token"`
}

// SecretSource yields the current webhook secrets. Implementations may rotate
// the values underneath callers at any time.
type SecretSource interface {
	Current() WebhookSecrets
	Close() error
}

type staticSecrets struct {
	secrets WebhookSecrets
}

// NewStaticSecrets wraps fixed credential values, typically sourced from the
// environment.
func NewStaticSecrets(appSecret, verifyToken string) SecretSource {
	return &staticSecrets{secrets: WebhookSecrets{
		AppSecret:   appSecret,
		VerifyToken: verifyToken,
	}}
}

func (s *staticSecrets) Current() WebhookSecrets { return s.secrets }
func (s *staticSecrets) Close() error            { return nil }

// FileSecrets reads webhook secrets from a JSON file and reloads them when
// the file changes, so rotated credentials take effect without a restart.
type FileSecrets struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	secrets WebhookSecrets

	done      chan struct{}
	closeOnce sync.Once
}

func NewFileSecrets(path string, logger *slog.Logger) (*FileSecrets, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileSecrets{
		path: path,
		log:  logger,
		done: make(chan struct{}),
	}
	if err := fs.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory rather than the file: editors and secret managers
	// replace the file by rename, which drops a watch on the path itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	fs.watcher = watcher
	go fs.watch()
	return fs, nil
}

func (fs *FileSecrets) Current() WebhookSecrets {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.secrets
}

func (fs *FileSecrets) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		close(fs.done)
		if fs.watcher != nil {
			err = fs.watcher.Close()
		}
	})
	return err
}

func (fs *FileSecrets) watch() {
	target := filepath.Clean(fs.path)
	for {
		select {
		case <-fs.done:
			return
		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := fs.reload(); err != nil {
				fs.log.Warn("secrets reload failed",
					slog.String("path", fs.path),
					slog.Any("error", err))
				continue
			}
			fs.log.Info("secrets reloaded", slog.String("path", fs.path))
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.log.Warn("secrets watcher error", slog.Any("error", err))
		}
	}
}

func (fs *FileSecrets) reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return err
	}
	var secrets WebhookSecrets
	if err := json.Unmarshal(data, &secrets); err != nil {
		return err
	}
	if strings.TrimSpace(secrets.AppSecret) == "" {
		return ErrInvalidInput
	}
	fs.mu.Lock()
	fs.secrets = secrets
	fs.mu.Unlock()
	return nil
}
