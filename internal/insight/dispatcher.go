// Package insight fetches a rendered insight from the backend and
// delivers it to the configured recipient over the messaging session.
package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/insight-relay/internal/auth"
	"github.com/nugget/insight-relay/internal/events"
)

// ErrUnexpectedResponse is returned when the backend answers with a
// status other than 200. Nothing is sent.
var ErrUnexpectedResponse = errors.New("unexpected response")

// ErrEmptyMessage is returned when the backend has nothing to say.
var ErrEmptyMessage = errors.New("empty message")

// Fetcher performs authenticated backend reads. *auth.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, path string) (*auth.Response, error)
}

// Sender delivers text to a recipient. *session.Session satisfies it.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// Request names one insight to deliver.
type Request struct {
	Endpoint string // backend path, e.g. /api/daily-ai/
	Label    string // used in logs and events only
}

// Config configures a Dispatcher.
type Config struct {
	Fetcher   Fetcher
	Cache     *auth.TokenCache // cleared on 401; may be nil
	Sender    Sender
	Recipient string
	Logger    *slog.Logger
	Bus       *events.Bus
}

// Dispatcher runs insight deliveries. It is safe for concurrent use.
type Dispatcher struct {
	fetcher   Fetcher
	cache     *auth.TokenCache
	sender    Sender
	recipient string
	logger    *slog.Logger
	bus       *events.Bus
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		fetcher:   cfg.Fetcher,
		cache:     cfg.Cache,
		sender:    cfg.Sender,
		recipient: cfg.Recipient,
		logger:    cfg.Logger,
		bus:       cfg.Bus,
	}
}

type insightPayload struct {
	Message string `json:"message"`
}

// Task adapts a request to a scheduler job body.
func (d *Dispatcher) Task(req Request) func(context.Context) error {
	return func(ctx context.Context) error { return d.Run(ctx, req) }
}

// Run fetches req.Endpoint and sends the message it carries. There is
// no retry; the next scheduled run is the retry.
func (d *Dispatcher) Run(ctx context.Context, req Request) error {
	log := d.logger.With("label", req.Label, "endpoint", req.Endpoint)
	start := time.Now()

	resp, err := d.fetcher.Get(ctx, req.Endpoint)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) && d.cache != nil {
			d.cache.Clear()
		}
		log.Error("insight fetch failed", "error", err)
		return d.fail(req, fmt.Errorf("fetch %s: %w", req.Label, err))
	}

	if resp.StatusCode != http.StatusOK {
		log.Warn("unexpected response", "status", resp.StatusCode)
		return d.fail(req, fmt.Errorf("%w: %s returned status %d", ErrUnexpectedResponse, req.Endpoint, resp.StatusCode))
	}

	var payload insightPayload
	if err := resp.DecodeJSON(&payload); err != nil {
		log.Warn("unexpected response", "error", err)
		return d.fail(req, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err))
	}
	if payload.Message == "" {
		log.Warn("backend returned an empty insight")
		return d.fail(req, ErrEmptyMessage)
	}

	if err := d.sender.Send(ctx, d.recipient, payload.Message); err != nil {
		log.Error("insight send failed", "error", err)
		return d.fail(req, fmt.Errorf("send %s: %w", req.Label, err))
	}

	log.Info("insight delivered",
		"message_len", len(payload.Message),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	d.bus.Emit(events.SourceInsight, events.KindDelivered, map[string]any{
		"label":       req.Label,
		"endpoint":    req.Endpoint,
		"message_len": len(payload.Message),
	})
	return nil
}

func (d *Dispatcher) fail(req Request, err error) error {
	d.bus.Emit(events.SourceInsight, events.KindDeliveryFailed, map[string]any{
		"label":    req.Label,
		"endpoint": req.Endpoint,
		"error":    err.Error(),
	})
	return err
}
