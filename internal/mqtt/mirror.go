package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/rafi-assistant/internal/config"
	"github.com/nugget/rafi-assistant/internal/events"
	"github.com/nugget/rafi-assistant/internal/registry"
)

// Categories are the registry categories mirrored to the broker.
var Categories = []string{
	registry.CategoryTranscript,
	registry.CategoryTools,
	registry.CategoryEvents,
	registry.CategoryLogs,
}

const (
	pendingBuffer   = 256
	statusInterval  = time.Minute
	notifyLimit     = 10
	notifyInterval  = time.Minute
	connectWaitTime = 30 * time.Second
)

// Source is where broadcasts come from. *registry.Registry satisfies
// it.
type Source interface {
	RegisterListener(category string, l events.Listener) events.ListenerID
	UnregisterListener(category string, id events.ListenerID)
}

// Notifier receives text published to the notify topic.
type Notifier interface {
	SendToPreferred(ctx context.Context, text string) map[string]any
}

// StatusFunc reports the fields of the retained status document.
type StatusFunc func() map[string]any

// outbound is one queued publish.
type outbound struct {
	topic   string
	payload []byte
}

// Mirror publishes registry broadcasts to MQTT.
type Mirror struct {
	cfg        config.MQTTConfig
	instanceID string
	notifier   Notifier
	status     StatusFunc
	logger     *slog.Logger

	pending chan outbound
	limiter *messageRateLimiter

	mu        sync.Mutex
	src       Source
	listeners map[string]events.ListenerID
	cm        *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. notifier and status may
// be nil.
func New(cfg config.MQTTConfig, instanceID string, notifier Notifier, status StatusFunc, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "rafi"
	}
	return &Mirror{
		cfg:        cfg,
		instanceID: instanceID,
		notifier:   notifier,
		status:     status,
		logger:     logger,
		pending:    make(chan outbound, pendingBuffer),
		limiter:    newMessageRateLimiter(notifyLimit, notifyInterval, logger),
	}
}

// Topic returns the topic a category is mirrored to.
func (m *Mirror) Topic(category string) string {
	return m.cfg.TopicPrefix + "/" + category
}

func (m *Mirror) availabilityTopic() string { return m.Topic("availability") }
func (m *Mirror) statusTopic() string       { return m.Topic("status") }
func (m *Mirror) notifyTopic() string       { return m.Topic("notify") }

// Attach registers a listener on every mirrored category of src.
// Broadcasts are queued; publishing happens in [Mirror.Start].
func (m *Mirror) Attach(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.src = src
	m.listeners = make(map[string]events.ListenerID, len(Categories))
	for _, c := range Categories {
		m.listeners[c] = src.RegisterListener(c, m.listener(c))
	}
}

// Detach removes the listeners added by Attach.
func (m *Mirror) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.src == nil {
		return
	}
	for c, id := range m.listeners {
		m.src.UnregisterListener(c, id)
	}
	m.src, m.listeners = nil, nil
}

func (m *Mirror) listener(category string) events.Listener {
	topic := m.Topic(category)
	return func(_ context.Context, p events.Payload) error {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", category, err)
		}
		m.enqueue(outbound{topic: topic, payload: data})
		return nil
	}
}

// enqueue never blocks a broadcast. When the broker is slow or down
// the newest messages are dropped.
func (m *Mirror) enqueue(o outbound) {
	select {
	case m.pending <- o:
	default:
	}
}

// Start connects to the broker and publishes queued broadcasts until
// ctx is cancelled. autopaho keeps reconnecting in the background, so
// only a malformed broker URL is fatal.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, "online")
			m.publishStatus(ctx, cm)
			m.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: ClientID(m.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != m.notifyTopic() {
						return false, nil
					}
					payload := append([]byte(nil), pr.Packet.Payload...)
					go m.handleNotify(ctx, payload)
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
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, connectWaitTime)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go m.limiter.start(ctx)
	m.runLoop(ctx, cm)
	return nil
}

// Stop publishes "offline" and disconnects.
func (m *Mirror) Stop(ctx context.Context) error {
	m.Detach()
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return nil
	}
	m.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

func (m *Mirror) runLoop(ctx context.Context, cm *autopaho.ConnectionManager) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-m.pending:
			if _, err := cm.Publish(ctx, &paho.Publish{Topic: o.topic, Payload: o.payload}); err != nil {
				// Debug keeps a broker outage from echoing through the
				// logs category back into this queue.
				m.logger.Debug("mqtt publish failed", "topic", o.topic, "error", err)
			}
		case <-ticker.C:
			m.publishStatus(ctx, cm)
		}
	}
}

func (m *Mirror) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	m.logger.Debug("mqtt availability published", "status", status)
}

func (m *Mirror) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	payload, err := m.statusPayload()
	if err != nil {
		m.logger.Error("mqtt encode status", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.statusTopic(),
		Payload: payload,
		Retain:  true,
	}); err != nil {
		m.logger.Debug("mqtt status publish failed", "error", err)
	}
}

func (m *Mirror) statusPayload() ([]byte, error) {
	doc := map[string]any{}
	if m.status != nil {
		for k, v := range m.status() {
			doc[k] = v
		}
	}
	doc["instance_id"] = m.instanceID
	doc["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(doc)
}

func (m *Mirror) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if m.notifier == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: m.notifyTopic(), QoS: 1}},
	}); err != nil {
		m.logger.Warn("mqtt subscribe failed", "topic", m.notifyTopic(), "error", err)
		return
	}
	m.logger.Debug("mqtt subscribed", "topic", m.notifyTopic())
}

// errEmptyNotify is returned by parseNotify for blank payloads.
var errEmptyNotify = errors.New("empty notify payload")

// parseNotify accepts plain text or {"text": "..."}.
func parseNotify(payload []byte) (string, error) {
	raw := strings.TrimSpace(string(payload))
	if strings.HasPrefix(raw, "{") {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return "", fmt.Errorf("decode notify payload: %w", err)
		}
		raw = strings.TrimSpace(body.Text)
	}
	if raw == "" {
		return "", errEmptyNotify
	}
	return raw, nil
}

func (m *Mirror) handleNotify(ctx context.Context, payload []byte) {
	if m.notifier == nil || !m.limiter.allow() {
		return
	}
	text, err := parseNotify(payload)
	if err != nil {
		m.logger.Warn("mqtt notify ignored", "error", err)
		return
	}
	res := m.notifier.SendToPreferred(ctx, text)
	if e, failed := res["error"]; failed {
		m.logger.Warn("mqtt notify not delivered", "error", e)
		return
	}
	m.logger.Info("mqtt notify delivered", "channel", res["channel"])
}
