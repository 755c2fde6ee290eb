package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/insight-relay/internal/auth"
	"github.com/nugget/insight-relay/internal/calendar"
	"github.com/nugget/insight-relay/internal/config"
	"github.com/nugget/insight-relay/internal/events"
	"github.com/nugget/insight-relay/internal/httpkit"
	"github.com/nugget/insight-relay/internal/insight"
	"github.com/nugget/insight-relay/internal/scheduler"
	"github.com/nugget/insight-relay/internal/session"
	"github.com/nugget/insight-relay/internal/signal"
	"github.com/nugget/insight-relay/internal/twilio"
)

// historyDB is the execution history database inside data_dir.
const historyDB = "relay.db"

// newConnector builds the configured transport. Tests replace it.
var newConnector = func(cfg *config.Config, logger *slog.Logger) session.Connector {
	m := cfg.Messaging
	if m.Transport == config.TransportTwilio {
		return twilio.NewConnector(twilio.Config{
			AccountSID: m.Twilio.AccountSID,
			AuthToken:  m.Twilio.AuthToken,
			From:       m.Twilio.From,
			Logger:     logger.With("component", "twilio"),
		})
	}
	return signal.NewConnector(signal.ConnectorConfig{
		Command:    m.Signal.Command,
		Args:       m.Signal.Args,
		Account:    m.Signal.Account,
		DeviceName: m.Signal.DeviceName,
		Logger:     logger.With("component", "signal"),
	})
}

// app holds the wired components shared by serve and fire.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	store     *scheduler.Store
	client    *auth.Client
	session   *session.Session
	insights  *insight.Dispatcher
	scheduler *scheduler.Scheduler
}

// openStore opens the execution history under cfg.DataDir.
func openStore(cfg *config.Config) (*scheduler.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := scheduler.NewStore(filepath.Join(cfg.DataDir, historyDB))
	if err != nil {
		return nil, fmt.Errorf("open execution history: %w", err)
	}
	return store, nil
}

// newApp wires every component from cfg. Nothing is started.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.New()

	client := auth.NewClient(auth.Config{
		BaseURL:   cfg.API.BaseURL,
		TokenPath: cfg.API.TokenPath,
		APIKey:    cfg.API.APIKey,
		TokenTTL:  cfg.API.TokenTTL,
		HTTPClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.API.Timeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		Logger: logger.With("component", "auth"),
		Bus:    bus,
	})

	r := cfg.Messaging.Reconnect
	sess := session.New(session.Config{
		Connector: newConnector(cfg, logger),
		Policy: session.ReconnectPolicy{
			InitialDelay: r.InitialDelay,
			MaxDelay:     r.MaxDelay,
			Multiplier:   r.Multiplier,
			MaxAttempts:  r.MaxAttempts,
		},
		Logger: logger.With("component", "session"),
		Bus:    bus,
	})

	dispatcher := insight.New(insight.Config{
		Fetcher:   client,
		Cache:     client.Cache(),
		Sender:    sess,
		Recipient: cfg.Recipient,
		Logger:    logger.With("component", "insight"),
		Bus:       bus,
	})

	sched := scheduler.New(logger.With("component", "scheduler"), store, bus)
	for _, jc := range cfg.Jobs {
		rule, err := calendar.Parse(jc.Schedule, jc.Zone(cfg.Timezone))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("job %s: %w", jc.Name, err)
		}
		job := scheduler.Job{
			Name:       jc.Name,
			Rule:       rule,
			RunTimeout: jc.RunTimeout,
			Run:        dispatcher.Task(insight.Request{Endpoint: jc.Endpoint, Label: jc.Label}),
		}
		if err := sched.Add(job); err != nil {
			store.Close()
			return nil, err
		}
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		store:     store,
		client:    client,
		session:   sess,
		insights:  dispatcher,
		scheduler: sched,
	}, nil
}
