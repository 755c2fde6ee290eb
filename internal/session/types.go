// Package session owns the long-lived messaging connection. It drives
// a transport through pairing and authentication to a ready state,
// re-establishes it whenever it drops, and refuses to send while it is
// not ready.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is a step in the session lifecycle.
type State string

const (
	StateUninitialized     State = "uninitialized"
	StateAwaitingChallenge State = "awaiting-challenge" // device link QR shown
	StateAuthenticated     State = "authenticated"
	StateReady             State = "ready"
	StateDisconnected      State = "disconnected"
)

// Event is a single state transition.
type Event struct {
	From      State
	To        State
	At        time.Time
	Challenge string // link URI, set when To is StateAwaitingChallenge
	Err       error  // cause, set on transitions into StateDisconnected
}

var (
	// ErrNotReady is matched by a *TransportError for a send attempted
	// outside the ready state.
	ErrNotReady = errors.New("session not ready")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("session closed")
)

// TransportError reports a failed session operation.
type TransportError struct {
	Op    string // "send", "ping"
	State State  // session state when the operation was attempted
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session %s (%s): %v", e.Op, e.State, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Hooks lets a Connector report pairing progress while Connect runs.
type Hooks struct {
	// OnChallenge is called with a device link URI when the transport
	// has no stored account and is waiting for the phone to scan it.
	OnChallenge func(uri string)

	// OnAuthenticated is called once the transport holds a usable
	// account, whether stored or freshly linked.
	OnAuthenticated func()
}

// Conn is an established transport connection.
type Conn interface {
	// Send delivers text to recipient.
	Send(ctx context.Context, recipient, text string) error

	// Done is closed when the connection is lost.
	Done() <-chan struct{}

	// Close releases the connection.
	Close() error
}

// Pinger is implemented by connections that support a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connector establishes transport connections. Connect blocks through
// pairing if needed and returns a connection ready to send.
type Connector interface {
	Name() string
	Connect(ctx context.Context, hooks Hooks) (Conn, error)
}
