// Package twilio delivers messages over WhatsApp through the Twilio
// REST API. The session is stateless on the wire: "connecting" means
// verifying the account credentials.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/nugget/insight-relay/internal/session"
)

// api is the subset of the Twilio v2010 API the connector uses.
type api interface {
	FetchAccount(sid string) (*openapi.ApiV2010Account, error)
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Config holds Twilio credentials and the sending number.
type Config struct {
	AccountSID string
	AuthToken  string

	// From is the WhatsApp-enabled sender, with or without the
	// "whatsapp:" prefix.
	From string

	Logger *slog.Logger
}

// Connector implements session.Connector for Twilio WhatsApp.
type Connector struct {
	cfg Config
	api api
}

// NewConnector returns a Connector using a Twilio REST client built
// from cfg.
func NewConnector(cfg Config) *Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Connector{cfg: cfg, api: rc.Api}
}

// Name implements session.Connector.
func (c *Connector) Name() string { return "twilio" }

// Connect checks the account is reachable and active. Twilio has no
// device pairing, so no challenge is ever issued.
func (c *Connector) Connect(ctx context.Context, hooks session.Hooks) (session.Conn, error) {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return nil, errors.New("twilio account_sid and auth_token are required")
	}
	if err := c.verify(ctx); err != nil {
		return nil, err
	}
	if hooks.OnAuthenticated != nil {
		hooks.OnAuthenticated()
	}
	c.cfg.Logger.Info("twilio account verified", "from", whatsapp(c.cfg.From))
	return &conn{c: c, done: make(chan struct{})}, nil
}

func (c *Connector) verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acct, err := c.api.FetchAccount(c.cfg.AccountSID)
	if err != nil {
		return fmt.Errorf("fetch twilio account: %w", err)
	}
	if acct.Status != nil && *acct.Status != "active" {
		return fmt.Errorf("twilio account is %s", *acct.Status)
	}
	return nil
}

// whatsapp adds the channel prefix Twilio uses to route WhatsApp
// messages.
func whatsapp(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// conn is a verified Twilio account. Done only closes on Close since
// there is no long-lived connection to lose.
type conn struct {
	c    *Connector
	once sync.Once
	done chan struct{}
}

func (cn *conn) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(whatsapp(recipient))
	params.SetFrom(whatsapp(cn.c.cfg.From))
	params.SetBody(text)

	msg, err := cn.c.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio create message: %w", err)
	}
	if msg != nil && msg.Sid != nil {
		cn.c.cfg.Logger.Debug("twilio message queued", "sid", *msg.Sid)
	}
	return nil
}

func (cn *conn) Ping(ctx context.Context) error { return cn.c.verify(ctx) }

func (cn *conn) Done() <-chan struct{} { return cn.done }

func (cn *conn) Close() error {
	cn.once.Do(func() { close(cn.done) })
	return nil
}
