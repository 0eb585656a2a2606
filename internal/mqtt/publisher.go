package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
)

const (
	// subscriberBuffer is the event bus subscription buffer.
	subscriberBuffer = 256

	recordLimit    = 50
	recordInterval = time.Second

	connectWait = 30 * time.Second
)

// publishConn is the part of [autopaho.ConnectionManager] the publisher
// needs once connected.
type publishConn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and mirrors server state
// transitions and load records from the event bus onto the broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	info     HostInfo
	logger   *slog.Logger
	limiter  *recordLimiter

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	conn   publishConn
	states map[string]ServerState
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: ClientID(cfg.ClientID, instanceID),
		info:     NewHostInfo(instanceID),
		logger:   logger,
		limiter:  newRecordLimiter(recordLimit, recordInterval, logger),
		states:   make(map[string]ServerState),
	}
}

// Subscribe registers with bus and returns the channel to pass to
// [Publisher.Start]. Subscribing before the orchestrator launches
// ensures the first state transitions are not missed.
func (p *Publisher) Subscribe(bus *events.Bus) <-chan events.Event {
	return bus.Subscribe(subscriberBuffer)
}

// Start connects to the MQTT broker and forwards events from ch until
// ctx is cancelled or ch is closed. On every (re-)connect it publishes
// the birth message, the host info and all known server states.
func (p *Publisher) Start(ctx context.Context, ch <-chan events.Event) error {
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
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			p.connected(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, connectWait)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			p.Handle(ctx, e)
		}
	}
}

// Stop publishes an "offline" availability message and closes the
// connection. The provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.conn = nil
	p.mu.Unlock()

	if cm == nil {
		return nil
	}
	p.publish(ctx, cm, p.availabilityTopic(), []byte("offline"), 1, true)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Handle forwards a single orchestrator event. Server states are
// cached so they can be replayed after a reconnect; load records are
// only sent while connected.
func (p *Publisher) Handle(ctx context.Context, e events.Event) {
	if e.Source != events.SourceMCP {
		return
	}
	server, _ := e.Data["server"].(string)
	if server == "" {
		return
	}

	switch e.Kind {
	case events.KindServerState:
		state, _ := e.Data["state"].(string)
		if state == "removed" {
			p.mu.Lock()
			delete(p.states, server)
			conn := p.conn
			p.mu.Unlock()
			if conn != nil {
				// An empty retained message clears the topic.
				p.publish(ctx, conn, p.stateTopic(server), []byte{}, 1, true)
			}
			return
		}

		reason, _ := e.Data["reason"].(string)
		tools, _ := e.Data["tools"].(int)
		st := ServerState{
			Server:    server,
			State:     state,
			Reason:    reason,
			Tools:     tools,
			UpdatedAt: e.Timestamp.UTC(),
		}
		p.mu.Lock()
		p.states[server] = st
		conn := p.conn
		p.mu.Unlock()
		if conn != nil {
			p.publishJSON(ctx, conn, p.stateTopic(server), st, 1, true)
		}

	case events.KindLoadRecord:
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil || !p.limiter.allow() {
			return
		}
		level, _ := e.Data["level"].(string)
		msg, _ := e.Data["message"].(string)
		p.publishJSON(ctx, conn, p.recordsTopic(server), LoadRecord{
			Server:  server,
			Level:   level,
			Message: msg,
			Time:    e.Timestamp.UTC(),
		}, 0, false)
	}
}

// connected runs on every (re-)connect.
func (p *Publisher) connected(ctx context.Context, conn publishConn) {
	p.mu.Lock()
	p.conn = conn
	states := make([]ServerState, 0, len(p.states))
	for _, st := range p.states {
		states = append(states, st)
	}
	p.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Server < states[j].Server })

	p.publish(ctx, conn, p.availabilityTopic(), []byte("online"), 1, true)
	p.publishJSON(ctx, conn, p.infoTopic(), p.info, 1, true)
	for _, st := range states {
		p.publishJSON(ctx, conn, p.stateTopic(st.Server), st, 1, true)
	}
	p.logger.Debug("mqtt server states published", "servers", len(states))
}

func (p *Publisher) publishJSON(ctx context.Context, conn publishConn, topic string, v any, qos byte, retain bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return
	}
	p.publish(ctx, conn, topic, payload, qos, retain)
}

func (p *Publisher) publish(ctx context.Context, conn publishConn, topic string, payload []byte, qos byte, retain bool) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "bytes", len(payload))
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) infoTopic() string {
	return p.baseTopic() + "/info"
}

func (p *Publisher) stateTopic(server string) string {
	return p.baseTopic() + "/servers/" + topicSegment(server) + "/state"
}

func (p *Publisher) recordsTopic(server string) string {
	return p.baseTopic() + "/servers/" + topicSegment(server) + "/records"
}
