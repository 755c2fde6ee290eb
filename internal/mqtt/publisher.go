package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/insight-relay/internal/config"
)

// StatsSource provides runtime data for sensor states. The adapter is
// wired in cmd/relay to keep this package free of the session and
// scheduler.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	// SessionState is the messaging session's current state.
	SessionState() string
	// NextDelivery is the earliest upcoming job firing, or zero.
	NextDelivery() time.Time
}

// Publisher owns the broker connection, publishes discovery and state,
// and turns button presses into job triggers.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	deliveries *DailyDeliveries
	stats      StatsSource
	jobs       []string
	logger     *slog.Logger

	handler CommandHandler
	limiter *commandLimiter
	cm      *autopaho.ConnectionManager
}

// New creates a Publisher for the given job names but does not
// connect. Call [Publisher.Start] to connect and run the publish loop.
func New(cfg config.MQTTConfig, instanceID string, deliveries *DailyDeliveries, stats StatsSource, jobs []string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		deliveries: deliveries,
		stats:      stats,
		jobs:       jobs,
		logger:     logger,
		limiter:    newCommandLimiter(5, time.Minute, logger),
	}
}

// SetCommandHandler installs the button handler. Must be called before
// Start; without one, buttons are not advertised.
func (p *Publisher) SetCommandHandler(h CommandHandler) {
	p.handler = h
}

// Start connects and publishes states until ctx is cancelled. On every
// (re-)connect it republishes discovery, resubscribes to command topics
// and sends the birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.subscribeCommands(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "insight-relay-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleCommand(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects within ctx.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topics ---

func (p *Publisher) baseTopic() string {
	return "relay/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) commandTopic(job string) string {
	return p.baseTopic() + "/" + job + "/fire"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              p.device.Name + " " + name,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	state := p.sensor("session_state", "Session State", "mdi:message-processing")

	delivered := p.sensor("deliveries_today", "Deliveries Today", "mdi:send-check")
	delivered.StateClass = "total_increasing"
	delivered.UnitOfMeasurement = "messages"

	failed := p.sensor("failures_today", "Failures Today", "mdi:send-outline")
	failed.StateClass = "total_increasing"
	failed.UnitOfMeasurement = "messages"

	last := p.sensor("last_delivery", "Last Delivery", "mdi:clock-check")
	last.DeviceClass = "timestamp"

	next := p.sensor("next_delivery", "Next Delivery", "mdi:clock-outline")
	next.DeviceClass = "timestamp"

	uptime := p.sensor("uptime", "Uptime", "mdi:timer-outline")
	uptime.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{"session_state", state},
		{"deliveries_today", delivered},
		{"failures_today", failed},
		{"last_delivery", last},
		{"next_delivery", next},
		{"uptime", uptime},
		{"version", version},
	}
}

func (p *Publisher) buttonDefinitions() map[string]ButtonConfig {
	if p.handler == nil {
		return nil
	}
	out := make(map[string]ButtonConfig, len(p.jobs))
	for _, job := range p.jobs {
		out[job] = ButtonConfig{
			Name:              p.device.Name + " Send " + job,
			UniqueID:          p.instanceID + "_fire_" + job,
			CommandTopic:      p.commandTopic(job),
			PayloadPress:      pressPayload,
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              "mdi:send",
		}
	}
	return out
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		p.publishConfig(ctx, cm, "sensor", s.entity, s.config)
	}
	for job, b := range p.buttonDefinitions() {
		p.publishConfig(ctx, cm, "button", "fire_"+job, b)
	}
}

func (p *Publisher) publishConfig(ctx context.Context, cm *autopaho.ConnectionManager, component, entity string, cfg any) {
	topic := p.discoveryTopic(component, entity)
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed", "entity", entity, "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt discovery published", "entity", entity, "topic", topic)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// --- Commands ---

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.handler == nil || len(p.jobs) == 0 {
		return
	}
	subs := make([]paho.SubscribeOptions, 0, len(p.jobs))
	for _, job := range p.jobs {
		subs = append(subs, paho.SubscribeOptions{Topic: p.commandTopic(job), QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "error", err)
		return
	}
	p.logger.Debug("mqtt command topics subscribed", "count", len(subs))
}

// handleCommand runs the job named by a button press in its own
// goroutine. Unknown topics and payloads are ignored.
func (p *Publisher) handleCommand(ctx context.Context, topic string, payload []byte) {
	if p.handler == nil || string(payload) != pressPayload {
		return
	}
	job := jobFromTopic(p.baseTopic(), topic)
	if job == "" {
		return
	}
	if !p.limiter.allow() {
		return
	}
	p.logger.Info("mqtt button pressed", "job", job)
	go func() {
		if err := p.handler(ctx, job); err != nil {
			p.logger.Warn("mqtt-triggered job failed", "job", job, "error", err)
		}
	}()
}

// --- State loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders every sensor's current value.
func (p *Publisher) states() map[string]string {
	delivered, failed, last := p.deliveries.Snapshot()
	return map[string]string{
		"session_state":    p.stats.SessionState(),
		"deliveries_today": strconv.Itoa(delivered),
		"failures_today":   strconv.Itoa(failed),
		"last_delivery":    formatTimestamp(last),
		"next_delivery":    formatTimestamp(p.stats.NextDelivery()),
		"uptime":           p.stats.Uptime().Truncate(time.Second).String(),
		"version":          p.stats.Version(),
	}
}

// formatTimestamp renders t for an HA timestamp sensor, which expects
// "None" when there is no value.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "None"
	}
	return t.Format(time.RFC3339)
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
