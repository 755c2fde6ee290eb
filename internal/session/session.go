package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/insight-relay/internal/events"
)

// Config configures a Session.
type Config struct {
	Connector Connector
	Policy    ReconnectPolicy
	Logger    *slog.Logger
	Bus       *events.Bus

	// EventBuffer sizes the Events channel (default 32).
	EventBuffer int
}

// Session is the messaging session state machine. All state changes
// happen under mu and are announced on Events and the bus in order.
type Session struct {
	connector Connector
	policy    ReconnectPolicy
	logger    *slog.Logger
	bus       *events.Bus

	mu      sync.Mutex
	state   State
	conn    Conn
	started bool
	closed  bool
	events  chan Event

	reset     chan error
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session in the uninitialized state.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	return &Session{
		connector: cfg.Connector,
		policy:    cfg.Policy,
		logger:    cfg.Logger,
		bus:       cfg.Bus,
		state:     StateUninitialized,
		events:    make(chan Event, cfg.EventBuffer),
		reset:     make(chan error, 1),
		done:      make(chan struct{}),
	}
}

// Events returns the transition stream. It is closed by Close. Ready
// may appear more than once as the session reconnects.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start performs the initial initialization and returns once the
// session is ready. A failure here is returned to the caller; after a
// successful start, disconnects are handled in the background until
// ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("initializing messaging session", "transport", s.connector.Name())

	if err := s.initialize(ctx); err != nil {
		s.cancel()
		close(s.done)
		return fmt.Errorf("initialize %s session: %w", s.connector.Name(), err)
	}

	go s.supervise(ctx)
	return nil
}

// Send delivers text to recipient. Outside the ready state it fails
// with a *TransportError wrapping ErrNotReady and does no I/O.
func (s *Session) Send(ctx context.Context, recipient, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &TransportError{Op: "send", State: s.state, Err: ErrClosed}
	}
	if s.state != StateReady || s.conn == nil {
		st := s.state
		s.mu.Unlock()
		return &TransportError{Op: "send", State: st, Err: ErrNotReady}
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Send(ctx, recipient, text); err != nil {
		return &TransportError{Op: "send", State: StateReady, Err: err}
	}
	return nil
}

// Ping probes the live connection. Transports without a probe are
// considered healthy while ready.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	st, conn := s.state, s.conn
	s.mu.Unlock()

	if st != StateReady || conn == nil {
		return &TransportError{Op: "ping", State: st, Err: ErrNotReady}
	}
	if p, ok := conn.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return &TransportError{Op: "ping", State: st, Err: err}
		}
	}
	return nil
}

// Reset forces a re-initialization, as if the connection had dropped.
// Used when a health probe declares a hung connection dead.
func (s *Session) Reset(reason error) {
	if reason == nil {
		reason = errors.New("reset requested")
	}
	select {
	case s.reset <- reason:
	default:
	}
}

// Close tears down the connection exactly once and stops the
// background supervisor. The Events channel is closed afterwards.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if started {
			<-s.done
		}

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		s.logger.Info("messaging session closed")

		s.mu.Lock()
		close(s.events)
		s.mu.Unlock()
	})
	return err
}

// initialize runs one Connect attempt and moves the session to ready
// on success.
func (s *Session) initialize(ctx context.Context) error {
	hooks := Hooks{
		OnChallenge: func(uri string) {
			s.transition(StateAwaitingChallenge, uri, nil)
		},
		OnAuthenticated: func() {
			s.transition(StateAuthenticated, "", nil)
		},
	}

	conn, err := s.connector.Connect(ctx, hooks)
	if err != nil {
		s.transition(StateDisconnected, "", err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	authenticated := s.state == StateAuthenticated
	s.mu.Unlock()

	if !authenticated {
		s.transition(StateAuthenticated, "", nil)
	}
	s.transition(StateReady, "", nil)
	return nil
}

// supervise waits for the connection to drop, then re-initializes it
// under the reconnect policy.
func (s *Session) supervise(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		var cause error
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			cause = errors.New("connection lost")
		case cause = <-s.reset:
		}

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()

		s.logger.Warn("messaging session disconnected", "error", cause)
		s.transition(StateDisconnected, "", cause)

		if !s.reconnect(ctx) {
			return
		}
	}
}

// reconnect retries initialize until it succeeds, the policy gives up
// or ctx ends. Returns true once the session is ready again.
func (s *Session) reconnect(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		if s.policy.Exhausted(attempt) {
			s.logger.Error("giving up on messaging session",
				"transport", s.connector.Name(),
				"attempts", attempt-1,
			)
			return false
		}

		if d := s.policy.Delay(attempt); d > 0 {
			if !sleepCtx(ctx, d) {
				return false
			}
		} else if ctx.Err() != nil {
			return false
		}

		err := s.initialize(ctx)
		if err == nil {
			s.discardReset()
			s.logger.Info("messaging session re-established", "attempts", attempt)
			return true
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return false
		}
		s.logger.Warn("session re-initialization failed",
			"attempt", attempt,
			"next_delay", s.policy.Delay(attempt+1),
			"error", err,
		)
	}
}

// discardReset drops a reset requested against the connection that
// has just been replaced.
func (s *Session) discardReset() {
	select {
	case cause := <-s.reset:
		s.logger.Debug("discarding reset aimed at previous connection", "error", cause)
	default:
	}
}

// transition moves to state to and announces it. Repeated
// disconnected states are announced too, carrying the new cause.
func (s *Session) transition(to State, challenge string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed && to != StateDisconnected {
		return
	}

	from := s.state
	s.state = to
	ev := Event{From: from, To: to, At: time.Now(), Challenge: challenge, Err: cause}

	attrs := []any{"from", from, "to", to}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	s.logger.Debug("session state changed", attrs...)

	if !s.closed {
		select {
		case s.events <- ev:
		default:
			s.logger.Warn("session event channel full, dropping event", "to", to)
		}
	}

	payload := map[string]any{"from": string(from), "to": string(to)}
	if challenge != "" {
		payload["uri"] = challenge
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	kind := events.KindSessionState
	if to == StateAwaitingChallenge {
		kind = events.KindChallenge
	}
	s.bus.Emit(events.SourceSession, kind, payload)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
