package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/insight-relay/internal/config"
	"github.com/nugget/insight-relay/internal/session"
)

// fakeConnector is an in-memory transport that records sends.
type fakeConnector struct {
	mu         sync.Mutex
	challenge  string
	connectErr error
	sent       []string
	conns      []*fakeConn
}

func (f *fakeConnector) Name() string { return "fake" }

func (f *fakeConnector) Connect(_ context.Context, hooks session.Hooks) (session.Conn, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if f.challenge != "" && hooks.OnChallenge != nil {
		hooks.OnChallenge(f.challenge)
	}
	if hooks.OnAuthenticated != nil {
		hooks.OnAuthenticated()
	}
	c := &fakeConn{parent: f, done: make(chan struct{})}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeConnector) allClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		select {
		case <-c.done:
		default:
			return false
		}
	}
	return len(f.conns) > 0
}

type fakeConn struct {
	parent *fakeConnector
	done   chan struct{}
	once   sync.Once
}

func (c *fakeConn) Send(_ context.Context, recipient, text string) error {
	c.parent.mu.Lock()
	c.parent.sent = append(c.parent.sent, recipient+":"+text)
	c.parent.mu.Unlock()
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// pairingConnector shows a link challenge and then waits, like
// signal-cli's finishLink, until the phone scans it or ctx ends.
type pairingConnector struct{ uri string }

func (p *pairingConnector) Name() string { return "pairing" }

func (p *pairingConnector) Connect(ctx context.Context, hooks session.Hooks) (session.Conn, error) {
	hooks.OnChallenge(p.uri)
	<-ctx.Done()
	return nil, ctx.Err()
}

// useConnector swaps the transport factory for the duration of a test.
func useConnector(t *testing.T, c session.Connector) {
	t.Helper()
	orig := newConnector
	newConnector = func(*config.Config, *slog.Logger) session.Connector { return c }
	t.Cleanup(func() { newConnector = orig })
}

// insightBackend serves the token and insight endpoints.
func insightBackend(t *testing.T, message string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var fetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/celery-token/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access": "tok-1"})
	})
	mux.HandleFunc("GET /api/daily-ai/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"message": message})
	})
	mux.HandleFunc("HEAD /{$}", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &fetches
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a
// running serve.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_FireDeliversAndRecords(t *testing.T) {
	fc := &fakeConnector{}
	useConnector(t, fc)
	srv, fetches := insightBackend(t, "Good morning from the backend")
	path := writeTestConfig(t, srv.URL, "")

	out := &syncBuffer{}
	if err := run(context.Background(), out, out, []string{"-config", path, "fire", "daily"}); err != nil {
		t.Fatalf("fire: %v\n%s", err, out.String())
	}

	if got := fc.sends(); len(got) != 1 || got[0] != "+254700000000:Good morning from the backend" {
		t.Errorf("sends = %v", got)
	}
	if fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1", fetches.Load())
	}
	if !strings.Contains(out.String(), "daily completed") {
		t.Errorf("fire output missing summary:\n%s", out.String())
	}
	if !fc.allClosed() {
		t.Error("session not closed after fire")
	}

	var hist bytes.Buffer
	if err := run(context.Background(), &hist, &hist, []string{"-config", path, "history", "daily"}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(hist.String(), "manual") || !strings.Contains(hist.String(), "completed") {
		t.Errorf("history missing manual run:\n%s", hist.String())
	}
}

func TestRun_FireReportsFailure(t *testing.T) {
	fc := &fakeConnector{}
	useConnector(t, fc)
	srv, _ := insightBackend(t, "")
	path := writeTestConfig(t, srv.URL, "")

	out := &syncBuffer{}
	err := run(context.Background(), out, out, []string{"-config", path, "fire", "daily"})
	if err == nil || !strings.Contains(err.Error(), "fire daily") {
		t.Fatalf("err = %v, want fire failure", err)
	}
	if len(fc.sends()) != 0 {
		t.Errorf("empty message was sent: %v", fc.sends())
	}
	if !strings.Contains(out.String(), "daily failed") {
		t.Errorf("output missing failed status:\n%s", out.String())
	}
}

func TestRun_FireUnknownJob(t *testing.T) {
	useConnector(t, &fakeConnector{})
	srv, _ := insightBackend(t, "hi")
	path := writeTestConfig(t, srv.URL, "")

	err := run(context.Background(), io.Discard, io.Discard, []string{"-config", path, "fire", "hourly"})
	if err == nil {
		t.Fatal("unknown job accepted")
	}
}

func TestRun_ServeLifecycle(t *testing.T) {
	fc := &fakeConnector{}
	useConnector(t, fc)
	srv, _ := insightBackend(t, "hi")
	path := writeTestConfig(t, srv.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, out, out, []string{"-config", path, "serve"}) }()

	eventually(t, "scheduler start", func() bool {
		return strings.Contains(out.String(), "scheduler started")
	})
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
	if !strings.Contains(out.String(), "insight-relay stopped") {
		t.Errorf("missing shutdown log:\n%s", out.String())
	}
	if !fc.allClosed() {
		t.Error("session left open after shutdown")
	}
}

func TestRun_ServeInterruptedWhilePairing(t *testing.T) {
	const uri = "sgnl://linkdevice?uuid=abc&pub_key=xyz"
	useConnector(t, &pairingConnector{uri: uri})
	srv, fetches := insightBackend(t, "hi")
	path := writeTestConfig(t, srv.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, out, out, []string{"-config", path, "serve"}) }()

	eventually(t, "link challenge", func() bool {
		return strings.Contains(out.String(), uri)
	})
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve interrupted during pairing returned %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
	if strings.Contains(out.String(), "scheduler started") {
		t.Error("scheduler armed although the session never became ready")
	}
	if !strings.Contains(out.String(), "insight-relay stopped") {
		t.Errorf("missing shutdown log:\n%s", out.String())
	}
	if fetches.Load() != 0 {
		t.Errorf("fetches = %d, want 0", fetches.Load())
	}
}

func TestRun_ServeStartupFailure(t *testing.T) {
	useConnector(t, &fakeConnector{connectErr: errors.New("signal-cli: executable not found")})
	srv, _ := insightBackend(t, "hi")
	path := writeTestConfig(t, srv.URL, "")

	err := run(context.Background(), io.Discard, io.Discard, []string{"-config", path, "serve"})
	if err == nil || !strings.Contains(err.Error(), "start messaging session") {
		t.Fatalf("err = %v, want startup failure", err)
	}
	if !strings.Contains(err.Error(), "executable not found") {
		t.Errorf("cause lost: %v", err)
	}
}

func TestFollowSession(t *testing.T) {
	const uri = "sgnl://linkdevice?uuid=abc&pub_key=xyz"
	evs := make(chan session.Event, 8)
	evs <- session.Event{To: session.StateAwaitingChallenge, Challenge: uri}
	evs <- session.Event{From: session.StateAwaitingChallenge, To: session.StateReady}
	evs <- session.Event{From: session.StateReady, To: session.StateDisconnected, Err: errors.New("eof")}
	evs <- session.Event{From: session.StateDisconnected, To: session.StateReady}
	close(evs)

	var out, logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	followSession(context.Background(), evs, &out, logger)

	if n := strings.Count(logs.String(), "messaging session ready"); n != 2 {
		t.Errorf("ready logged %d times, want 2", n)
	}
	if !strings.Contains(out.String(), uri) {
		t.Errorf("challenge not rendered:\n%s", out.String())
	}
	if !strings.Contains(logs.String(), "messaging session disconnected") {
		t.Errorf("disconnect not logged:\n%s", logs.String())
	}
}

func TestFollowSession_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		followSession(ctx, make(chan session.Event), io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("followSession ignored cancellation")
	}
}

func TestRenderChallenge(t *testing.T) {
	const uri = "sgnl://linkdevice?uuid=abc&pub_key=xyz"
	var out bytes.Buffer
	if err := renderChallenge(&out, uri); err != nil {
		t.Fatalf("renderChallenge: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 10 {
		t.Errorf("QR code too small: %d lines", len(lines))
	}
	if lines[len(lines)-1] != uri {
		t.Errorf("last line = %q, want the raw URI", lines[len(lines)-1])
	}
}

func TestGoSafe_RecoversPanic(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))

	goSafe(logger, "boom", func() { panic("kaboom") })

	eventually(t, "panic log", func() bool {
		return strings.Contains(logs.String(), "background goroutine panicked")
	})
	if !strings.Contains(logs.String(), "goroutine=boom") {
		t.Errorf("goroutine name missing:\n%s", logs.String())
	}
}

func TestNextDelivery(t *testing.T) {
	useConnector(t, &fakeConnector{})
	path := writeTestConfig(t, "http://127.0.0.1:1", "")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.store.Close()

	if got := nextDelivery(a.scheduler); !got.IsZero() {
		t.Errorf("next before start = %v, want zero", got)
	}

	if err := a.scheduler.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.scheduler.Stop()

	got := nextDelivery(a.scheduler)
	if got.IsZero() {
		t.Fatal("no next delivery after start")
	}
	for _, name := range []string{"daily", "weekly"} {
		next, ok, _ := a.scheduler.Next(name)
		if ok && next.Before(got) {
			t.Errorf("%s fires at %v, before reported earliest %v", name, next, got)
		}
	}
}
