// Package connwatch probes the relay's external dependencies (the
// insight backend and the messaging session) on an interval and
// reports ready/down transitions.
//
// A service is not ready until a probe succeeds. Startup probes back
// off exponentially; afterwards the service is polled at a fixed
// interval. A ready service is declared down after FailureThreshold
// consecutive failed probes.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed startup probe (default 2s).
	InitialDelay time.Duration

	// MaxDelay caps startup backoff growth (default 60s).
	MaxDelay time.Duration

	// Multiplier grows the startup delay (default 2.0).
	Multiplier float64

	// MaxRetries bounds startup probing before falling back to the
	// poll interval (default 10).
	MaxRetries int

	// PollInterval is the steady-state probe interval (default 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call (default 10s).
	ProbeTimeout time.Duration

	// FailureThreshold is how many consecutive failures mark a ready
	// service as down (default 1).
	FailureThreshold int
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... 60s startup backoff with
// ten attempts, then one-minute polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:     2 * time.Second,
		MaxDelay:         60 * time.Second,
		Multiplier:       2.0,
		MaxRetries:       10,
		PollInterval:     60 * time.Second,
		ProbeTimeout:     10 * time.Second,
		FailureThreshold: 1,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = d.FailureThreshold
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status ("backend", "session").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady runs in its own goroutine when the service becomes ready.
	OnReady func()

	// OnDown runs in its own goroutine when a ready service goes down.
	OnDown func(err error)

	Logger *slog.Logger
}

// ServiceStatus is a point-in-time view of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	failures  int
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its last probes.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready,
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() { <-w.done }

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		if w.check(ctx) {
			break
		}
		if attempt >= cfg.MaxRetries {
			w.config.Logger.Info("startup probes exhausted, polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", w.LastError(),
			)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the outcome and fires any transition
// callback. It reports whether the service is ready afterwards.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	wasReady := w.ready
	if err == nil {
		w.failures = 0
		w.ready = true
	} else {
		w.failures++
		if w.failures >= w.config.Backoff.FailureThreshold {
			w.ready = false
		}
	}
	ready, failures := w.ready, w.failures
	w.mu.Unlock()

	log := w.config.Logger.With("service", w.config.Name)
	switch {
	case !wasReady && ready:
		log.Info("service ready")
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case wasReady && !ready:
		log.Warn("service down", "failures", failures, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil:
		log.Debug("probe failed", "failures", failures, "error", err)
	}
	return ready
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the relay's watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. An empty Name or nil Probe is a programming error and panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{config: cfg, cancel: cancel, done: make(chan struct{})}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Ready reports whether the named service is ready. Unknown names are
// not ready.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return ok && w.IsReady()
}

// Status returns the health status of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down all watchers and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
