package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/insight-relay/internal/buildinfo"
	"github.com/nugget/insight-relay/internal/connwatch"
	"github.com/nugget/insight-relay/internal/events"
	"github.com/nugget/insight-relay/internal/mqtt"
	"github.com/nugget/insight-relay/internal/scheduler"
	"github.com/nugget/insight-relay/internal/session"
)

// runServe is the primary operating mode. It starts the messaging
// session, arms the scheduler once the session is ready, and blocks
// until SIGINT or SIGTERM. A signal during the initial connect or
// pairing is a clean shutdown, not a startup failure.
//
// Shutdown order:
//  1. health watchers stop
//  2. the scheduler stops and waits for in-flight runs
//  3. the messaging session closes
//  4. MQTT publishes "offline" and disconnects
//  5. the history store closes
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting insight-relay",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	if cfgPath == "" {
		logger.Info("config loaded from environment")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}
	logger.Info("delivery configured",
		"transport", cfg.Messaging.Transport,
		"timezone", cfg.Timezone,
		"jobs", len(cfg.Jobs),
		"backend", cfg.API.BaseURL,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Warn("close execution history", "error", err)
		}
	}()

	// Consume session events before Start so a link challenge raised
	// during the initial connect reaches the terminal.
	goSafe(logger, "session-events", func() {
		followSession(ctx, a.session.Events(), stdout, logger)
	})

	if err := a.session.Start(ctx); err != nil {
		a.session.Close()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received before the session was ready")
			logger.Info("insight-relay stopped")
			return nil
		}
		return fmt.Errorf("start messaging session: %w", err)
	}

	// Start returns once the session is ready. Later ready events after
	// reconnects do not re-arm; Scheduler.Start is a no-op when running.
	if err := a.scheduler.Start(ctx); err != nil {
		a.session.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}

	connMgr := connwatch.NewManager(logger.With("component", "connwatch"))
	watchDependencies(ctx, connMgr, a)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		mqttPub, err = startMQTT(ctx, a, logger)
		if err != nil {
			logger.Error("mqtt publisher disabled", "error", err)
		}
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	connMgr.Stop()
	a.scheduler.Stop()
	if err := a.session.Close(); err != nil {
		logger.Warn("close messaging session", "error", err)
	}
	if mqttPub != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mqttPub.Stop(stopCtx); err != nil {
			logger.Warn("mqtt disconnect", "error", err)
		}
		stopCancel()
	}

	logger.Info("insight-relay stopped")
	return nil
}

// followSession logs session transitions until evs closes or ctx
// ends. Link challenges are rendered to w.
func followSession(ctx context.Context, evs <-chan session.Event, w io.Writer, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			switch ev.To {
			case session.StateAwaitingChallenge:
				if err := renderChallenge(w, ev.Challenge); err != nil {
					logger.Error("cannot display link challenge", "error", err, "uri", ev.Challenge)
				}
			case session.StateReady:
				logger.Info("messaging session ready")
			case session.StateDisconnected:
				logger.Warn("messaging session disconnected", "error", ev.Err)
			}
		}
	}
}

// watchDependencies registers health watchers for the backend and, if
// enabled, the messaging session. A failed session health check forces a
// re-initialization, catching transports that hang without dropping.
func watchDependencies(ctx context.Context, m *connwatch.Manager, a *app) {
	m.Watch(ctx, connwatch.WatcherConfig{
		Name:    "backend",
		Probe:   a.client.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	interval := a.cfg.Messaging.HealthInterval
	if interval <= 0 {
		return
	}
	b := connwatch.DefaultBackoffConfig()
	b.PollInterval = interval
	b.FailureThreshold = 2
	m.Watch(ctx, connwatch.WatcherConfig{
		Name:    "session",
		Probe:   a.session.Ping,
		Backoff: b,
		OnDown: func(err error) {
			// Only a ready session can be hung; otherwise the
			// supervisor is already reconnecting.
			if a.session.State() == session.StateReady {
				a.session.Reset(err)
			}
		},
	})
}

// startMQTT wires and starts the optional Home Assistant publisher.
func startMQTT(ctx context.Context, a *app, logger *slog.Logger) (*mqtt.Publisher, error) {
	cfg := a.cfg
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	loc, _ := cfg.Location() // validated
	deliveries := mqtt.NewDailyDeliveries(loc)
	seedDeliveries(deliveries, a.store, logger)
	sub := a.bus.Subscribe(64, events.SourceInsight)
	goSafe(logger, "mqtt-deliveries", func() { deliveries.Observe(ctx, sub) })

	jobs := make([]string, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		jobs = append(jobs, j.Name)
	}

	pub := mqtt.New(cfg.MQTT, instanceID, deliveries, &mqttStats{app: a}, jobs, logger.With("component", "mqtt"))
	pub.SetCommandHandler(func(ctx context.Context, job string) error {
		_, err := a.scheduler.Trigger(ctx, job)
		return err
	})
	goSafe(logger, "mqtt-publisher", func() {
		if err := pub.Start(ctx); err != nil {
			logger.Error("mqtt publisher failed", "error", err)
		}
	})

	logger.Info("mqtt publishing enabled",
		"broker", cfg.MQTT.Broker,
		"device_name", cfg.MQTT.DeviceName,
		"interval", cfg.MQTT.PublishIntervalSec,
	)
	return pub, nil
}

// seedDeliveries restores today's counts from execution history so a
// restart does not zero the sensors.
func seedDeliveries(d *mqtt.DailyDeliveries, store *scheduler.Store, logger *slog.Logger) {
	counts, err := store.CountSince(d.StartOfDay())
	if err != nil {
		logger.Warn("cannot seed delivery counters", "error", err)
		return
	}
	d.Seed(counts[scheduler.StatusCompleted], counts[scheduler.StatusFailed])
}

// mqttStats adapts the running app to [mqtt.StatsSource].
type mqttStats struct {
	app *app
}

func (s *mqttStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *mqttStats) Version() string       { return buildinfo.Version }
func (s *mqttStats) SessionState() string  { return string(s.app.session.State()) }

func (s *mqttStats) NextDelivery() time.Time {
	return nextDelivery(s.app.scheduler)
}

// nextDelivery returns the earliest armed instant across all jobs, or
// zero if the scheduler is not armed.
func nextDelivery(sched *scheduler.Scheduler) time.Time {
	var earliest time.Time
	for _, j := range sched.Jobs() {
		next, ok, err := sched.Next(j.Name)
		if err != nil || !ok {
			continue
		}
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	return earliest
}

var _ mqtt.StatsSource = (*mqttStats)(nil)
