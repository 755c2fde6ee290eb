package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nugget/insight-relay/internal/session"
)

// ConnectorConfig configures a signal-cli backed session connector.
type ConnectorConfig struct {
	// Command is the signal-cli executable.
	Command string

	// Args are global signal-cli options placed before "jsonRpc",
	// such as "--config /var/lib/signal-cli".
	Args []string

	// Account selects one of several stored accounts. Empty uses the
	// only stored account, or links a new one if there is none.
	Account string

	// DeviceName is shown on the phone's linked devices list.
	DeviceName string

	Logger *slog.Logger
}

// Connector starts a signal-cli subprocess per connection attempt.
type Connector struct {
	cfg ConnectorConfig

	// newClient is replaced in tests.
	newClient func() rpcClient
}

// rpcClient is the subset of *Client a connection needs.
type rpcClient interface {
	Start(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]string, error)
	StartLink(ctx context.Context) (string, error)
	FinishLink(ctx context.Context, uri, deviceName string) (string, error)
	Send(ctx context.Context, account, recipient, message string) (int64, error)
	Ping(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

// NewConnector returns a Connector for cfg.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "insight-relay"
	}
	c := &Connector{cfg: cfg}
	c.newClient = func() rpcClient {
		args := append(slices.Clone(cfg.Args), "jsonRpc")
		return NewClient(cfg.Command, args, cfg.Logger)
	}
	return c
}

// Name implements session.Connector.
func (c *Connector) Name() string { return "signal" }

// Connect launches signal-cli and selects an account, linking a new
// device through hooks.OnChallenge when none is stored.
func (c *Connector) Connect(ctx context.Context, hooks session.Hooks) (session.Conn, error) {
	client := c.newClient()
	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	account, err := c.selectAccount(ctx, client, hooks)
	if err != nil {
		client.Close()
		return nil, err
	}

	if hooks.OnAuthenticated != nil {
		hooks.OnAuthenticated()
	}
	c.cfg.Logger.Info("signal account ready", "account", account)

	return &conn{client: client, account: account}, nil
}

func (c *Connector) selectAccount(ctx context.Context, client rpcClient, hooks session.Hooks) (string, error) {
	accounts, err := client.ListAccounts(ctx)
	if err != nil {
		return "", err
	}

	switch {
	case c.cfg.Account != "" && slices.Contains(accounts, c.cfg.Account):
		return c.cfg.Account, nil
	case c.cfg.Account == "" && len(accounts) == 1:
		return accounts[0], nil
	case c.cfg.Account == "" && len(accounts) > 1:
		return "", fmt.Errorf("signal-cli has %d accounts; set messaging.signal.account", len(accounts))
	}

	uri, err := client.StartLink(ctx)
	if err != nil {
		return "", err
	}
	c.cfg.Logger.Info("waiting for device link", "device_name", c.cfg.DeviceName)
	if hooks.OnChallenge != nil {
		hooks.OnChallenge(uri)
	}

	number, err := client.FinishLink(ctx, uri, c.cfg.DeviceName)
	if err != nil {
		return "", err
	}
	if number == "" {
		return "", errors.New("signal finishLink returned no account")
	}
	if c.cfg.Account != "" && number != c.cfg.Account {
		return "", fmt.Errorf("linked account %s, configured %s", number, c.cfg.Account)
	}
	return number, nil
}

// conn is a live signal-cli subprocess bound to one account.
type conn struct {
	client  rpcClient
	account string
}

func (c *conn) Send(ctx context.Context, recipient, text string) error {
	_, err := c.client.Send(ctx, c.account, recipient, text)
	return err
}

func (c *conn) Ping(ctx context.Context) error { return c.client.Ping(ctx) }

func (c *conn) Done() <-chan struct{} { return c.client.Done() }

func (c *conn) Close() error { return c.client.Close() }
