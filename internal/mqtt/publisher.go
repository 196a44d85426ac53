package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/careerdesk/counselor/internal/config"
	"github.com/careerdesk/counselor/internal/events"
)

const (
	// eventBuffer is the bus subscription depth. The bus drops events
	// past it.
	eventBuffer = 256
	connectWait = 30 * time.Second
)

// publisher is the part of [autopaho.ConnectionManager] used to send
// messages.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher forwards bus events to the broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		logger:   logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. Every (re-)connect announces "online".
func (p *Publisher) Start(ctx context.Context) error {
	cfg, err := p.connConfig(ctx)
	if err != nil {
		return err
	}

	sub := p.bus.Subscribe(eventBuffer, nil)
	defer p.bus.Unsubscribe(sub)

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	waitCtx, cancel := context.WithTimeout(ctx, connectWait)
	err = cm.AwaitConnection(waitCtx)
	cancel()
	if err != nil {
		p.logger.Warn("broker not reachable yet, events are dropped until it is", "broker", p.cfg.Broker, "error", err)
	}

	p.forward(ctx, cm, sub)
	return nil
}

func (p *Publisher) connConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	broker, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
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
			p.logger.Info("broker connection up", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("broker connection failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: p.clientID},
	}
	switch broker.Scheme {
	case "mqtts", "ssl", "tls":
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg, nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

// EventTopic returns the topic e is published on, or "" for events
// that are not mirrored.
func EventTopic(prefix string, e events.Event) string {
	if e.Kind == events.KindThreadDeleted {
		if id := e.Str("thread_id"); id != "" {
			return prefix + "/threads/" + id + "/deleted"
		}
		return ""
	}
	token := e.Str("token")
	if token == "" {
		return ""
	}
	return prefix + "/runs/" + token + "/" + e.Kind
}

func retained(kind string) bool {
	switch kind {
	case events.KindRunCompleted, events.KindRunFailed, events.KindRunUnpersisted, events.KindRunAbandoned:
		return true
	}
	return false
}

// forward publishes events from sub until ctx ends or sub closes.
func (p *Publisher) forward(ctx context.Context, pub publisher, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			p.publishEvent(ctx, pub, e)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, pub publisher, e events.Event) {
	topic := EventTopic(p.cfg.TopicPrefix, e)
	if topic == "" {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("encode event", "kind", e.Kind, "error", err)
		return
	}

	// Terminal outcomes are retained at QoS 1; progress is QoS 0.
	msg := &paho.Publish{Topic: topic, Payload: payload}
	if retained(e.Kind) {
		msg.QoS, msg.Retain = 1, true
	}
	if _, err := pub.Publish(ctx, msg); err != nil {
		p.logger.Debug("event not published", "topic", topic, "error", err)
		return
	}
	p.logger.Log(ctx, config.LevelTrace, "event published", "topic", topic, "bytes", len(payload))
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publisher, status string) {
	msg := &paho.Publish{Topic: p.availabilityTopic(), Payload: []byte(status), QoS: 1, Retain: true}
	if _, err := pub.Publish(ctx, msg); err != nil {
		p.logger.Warn("availability not published", "status", status, "error", err)
		return
	}
	p.logger.Info("availability published", "status", status)
}
