// Package mqtt mirrors the relay state to an MQTT broker. The state is
// published retained after every applied command, so a subscriber always
// sees the current state first.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"lautenbacher.net/bwrelay/config"
	"lautenbacher.net/bwrelay/events"
	"lautenbacher.net/bwrelay/relay"
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishFailed    = errors.New("mqtt publish failed")
)

// StateMessage is the JSON document on the state topic.
type StateMessage struct {
	Relays    int    `json:"relays"`
	State     string `json:"state"`
	On        []bool `json:"on"`
	Command   string `json:"command,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewStateMessage describes bits of a card with relays relays.
func NewStateMessage(relays int, bits relay.Bits, command string, at time.Time) StateMessage {
	on := make([]bool, relays)
	for i := range on {
		on[i] = bits.IsOn(i)
	}
	return StateMessage{
		Relays:    relays,
		State:     bits.String(),
		On:        on,
		Command:   command,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

type Publisher struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	mu     sync.Mutex
	unsubs []func()
}

// Connect opens the broker connection and announces the daemon online.
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	opts := buildClientOptions(cfg)
	p := &Publisher{cfg: cfg, topics: Topics{cfg.TopicPrefix}}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		slog.Info("Connected to MQTT broker", "broker", cfg.Broker)
		if err := p.publish(p.topics.Status(), statusPayload(statusOnline, cfg.ClientID)); err != nil {
			slog.Warn("Failed to publish MQTT status", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		slog.Warn("Lost MQTT connection", "broker", cfg.Broker, "error", err)
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return p, nil
}

// Attach publishes the state on every daemon event of bus until Close.
func (p *Publisher) Attach(bus *events.Bus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubs = append(p.unsubs,
		bus.Subscribe(func(e events.DaemonStarted) {
			p.logError(p.PublishState(NewStateMessage(e.Relays, e.State, "", e.At)))
		}),
		bus.Subscribe(func(e events.CommandApplied) {
			p.logError(p.PublishState(NewStateMessage(e.Relays, e.State, e.Command.String(), e.At)))
		}),
	)
}

func (p *Publisher) PublishState(msg StateMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return p.publish(p.topics.State(), payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

func (p *Publisher) logError(err error) {
	if err != nil {
		slog.Warn("Failed to publish relay state", "error", err)
	}
}

// Close detaches from the event bus, announces a graceful shutdown and
// disconnects.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	p.mu.Unlock()

	if p.client.IsConnected() {
		p.logError(p.publish(p.topics.Status(), statusPayload(statusOffline, p.cfg.ClientID)))
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}
