package config

import (
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Watcher monitors the .env file and publishes a fresh Config snapshot to
// subscribers whenever a reloadable key changes. Only gateway settings are
// reloadable; everything else requires a restart.
type Watcher struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	handlers []func(*Config)
	stop     chan struct{}
	debounce time.Duration
}

// NewWatcher creates a watcher for cfg.EnvFile. Call Start to begin watching.
func NewWatcher(cfg *Config, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		current:  cfg,
		path:     cfg.EnvFile,
		watcher:  fw,
		logger:   logger,
		stop:     make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}, nil
}

// OnReload registers a callback invoked with each new snapshot.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

// Current returns the latest snapshot. Callers must not mutate it.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start watches the directory containing the env file.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.loop()
	w.logger.Info("watching config file for changes", "path", w.path)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
	}
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(w.debounce)
			if err := w.Reload(); err != nil {
				w.logger.Warn("config reload failed", "path", w.path, "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-w.stop:
			return
		}
	}
}

// Reload re-reads the env file and publishes a new snapshot. The previous
// snapshot is left untouched.
func (w *Watcher) Reload() error {
	env, err := godotenv.Read(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	next := *w.current
	applyReloadable(&next, env)
	if err := next.Validate(); err != nil {
		w.mu.Unlock()
		return err
	}
	w.current = &next
	handlers := append([]func(*Config){}, w.handlers...)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", "active_gateway", next.ActiveGateway)
	for _, fn := range handlers {
		fn(&next)
	}
	return nil
}

func applyReloadable(cfg *Config, env map[string]string) {
	if v, ok := env["ACTIVE_GATEWAY"]; ok && v != "" {
		cfg.ActiveGateway = strings.ToLower(v)
	}
	if v, ok := env["ASAAS_API_KEY"]; ok {
		cfg.AsaasAPIKey = v
	}
	if v, ok := env["ASAAS_BASE_URL"]; ok && v != "" {
		cfg.AsaasBaseURL = v
	}
	if v, ok := env["ASAAS_WEBHOOK_TOKEN"]; ok {
		cfg.AsaasWebhookToken = v
	}
	if v, ok := env["STRIPE_SECRET_KEY"]; ok {
		cfg.StripeSecretKey = v
	}
	if v, ok := env["STRIPE_WEBHOOK_SECRET"]; ok {
		cfg.StripeWebhookSecret = v
	}
	if v, ok := env["GATEWAY_TIMEOUT"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.GatewayTimeout = d
		}
	}
	if v, ok := env["WEBHOOK_STRICT"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WebhookStrict = b
		}
	}
}
