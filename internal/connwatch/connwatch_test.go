package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func testManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	tests := []struct {
		name      string
		got, want any
	}{
		{"InitialDelay", cfg.InitialDelay, 2 * time.Second},
		{"MaxDelay", cfg.MaxDelay, 60 * time.Second},
		{"Multiplier", cfg.Multiplier, 2.0},
		{"MaxRetries", cfg.MaxRetries, 10},
		{"PollInterval", cfg.PollInterval, 60 * time.Second},
		{"ProbeTimeout", cfg.ProbeTimeout, 10 * time.Second},
		{"FailureThreshold", cfg.FailureThreshold, 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestWithDefaults_KeepsExplicitValues(t *testing.T) {
	b := BackoffConfig{PollInterval: time.Second, FailureThreshold: 3}.withDefaults()
	if b.PollInterval != time.Second || b.FailureThreshold != 3 {
		t.Errorf("explicit values overwritten: %+v", b)
	}
	if b.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay default not applied: %v", b.InitialDelay)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ready atomic.Int32
	w := testManager().Watch(ctx, WatcherConfig{
		Name:    "backend",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { ready.Add(1) },
	})

	eventually(t, "OnReady", func() bool { return ready.Load() == 1 })
	if !w.IsReady() || w.LastError() != nil {
		t.Errorf("ready=%v lastErr=%v", w.IsReady(), w.LastError())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts, ready atomic.Int32
	w := testManager().Watch(ctx, WatcherConfig{
		Name: "backend",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
		OnReady: func() { ready.Add(1) },
	})

	eventually(t, "ready", w.IsReady)
	eventually(t, "OnReady", func() bool { return ready.Load() == 1 })
	if n := attempts.Load(); n < 4 {
		t.Errorf("attempts = %d, want >= 4", n)
	}
}

func TestWatcher_ExhaustedStartupKeepsPolling(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthy atomic.Bool
	var attempts atomic.Int32
	w := testManager().Watch(ctx, WatcherConfig{
		Name: "backend",
		Probe: func(context.Context) error {
			attempts.Add(1)
			if healthy.Load() {
				return nil
			}
			return errors.New("no route to host")
		},
		Backoff: testBackoff(),
	})

	eventually(t, "startup exhausted", func() bool { return attempts.Load() > 5 })
	if w.IsReady() {
		t.Fatal("ready while every probe fails")
	}
	if w.Status().Failures < 5 {
		t.Errorf("failures = %d, want >= 5", w.Status().Failures)
	}

	healthy.Store(true)
	eventually(t, "recovery by polling", w.IsReady)
}

func TestWatcher_DownAndRecover(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthy atomic.Bool
	healthy.Store(true)
	var ready, down atomic.Int32
	errHung := errors.New("session ping timed out")

	w := testManager().Watch(ctx, WatcherConfig{
		Name: "session",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errHung
		},
		Backoff: testBackoff(),
		OnReady: func() { ready.Add(1) },
		OnDown: func(err error) {
			if !errors.Is(err, errHung) {
				t.Errorf("OnDown err = %v", err)
			}
			down.Add(1)
		},
	})

	eventually(t, "ready", w.IsReady)
	healthy.Store(false)
	eventually(t, "OnDown", func() bool { return down.Load() == 1 })
	healthy.Store(true)
	eventually(t, "second OnReady", func() bool { return ready.Load() == 2 })
	if down.Load() != 1 {
		t.Errorf("OnDown called %d times, want 1", down.Load())
	}
}

func TestWatcher_FailureThreshold(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var probes atomic.Int32
	var down atomic.Int32
	b := testBackoff()
	b.FailureThreshold = 3

	// Healthy first, then fail forever.
	w := testManager().Watch(ctx, WatcherConfig{
		Name: "session",
		Probe: func(context.Context) error {
			if probes.Add(1) == 1 {
				return nil
			}
			return errors.New("slow")
		},
		Backoff: b,
		OnDown:  func(error) { down.Add(1) },
	})

	eventually(t, "OnDown", func() bool { return down.Load() == 1 })
	if n := probes.Load(); n < 4 {
		t.Errorf("down after %d probes, want at least 1 success + 3 failures", n)
	}
	if w.IsReady() {
		t.Error("still ready after threshold")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	w := testManager().Watch(ctx, WatcherConfig{
		Name: "backend",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})

	eventually(t, "timeout recorded", func() bool {
		return errors.Is(w.LastError(), context.DeadlineExceeded)
	})
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32
	w := testManager().Watch(context.Background(), WatcherConfig{
		Name:    "backend",
		Probe:   func(context.Context) error { probes.Add(1); return nil },
		Backoff: testBackoff(),
	})
	eventually(t, "first probe", func() bool { return probes.Load() > 0 })

	w.Stop()
	n := probes.Load()
	time.Sleep(20 * time.Millisecond)
	if probes.Load() != n {
		t.Error("probes continued after Stop")
	}
}

func TestManager_StatusAndReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := testManager()
	m.Watch(ctx, WatcherConfig{Name: "backend", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	m.Watch(ctx, WatcherConfig{Name: "session", Probe: func(context.Context) error { return errors.New("disconnected") }, Backoff: testBackoff()})

	eventually(t, "backend ready", func() bool { return m.Ready("backend") })
	eventually(t, "session checked", func() bool { return m.Status()["session"].LastError != "" })

	st := m.Status()
	if len(st) != 2 {
		t.Fatalf("status has %d entries", len(st))
	}
	if st["session"].Ready || st["session"].LastError != "disconnected" {
		t.Errorf("session status = %+v", st["session"])
	}
	if m.Ready("unknown") {
		t.Error("unknown service reported ready")
	}

	m.Stop()
}

func TestManager_WatchPanics(t *testing.T) {
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "backend"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch did not panic")
				}
			}()
			testManager().Watch(context.Background(), tt.cfg)
		})
	}
}
