// Package notify fans device events and status transitions out to the
// MQTT broker and WebSocket subscribers.
//
// Topics are relative ("status/{id}", "events/{kind}"); the MQTT sink
// scopes them under the site root. Delivery is fire-and-forget: a failing
// sink is logged and never blocks or fails the caller.
package notify

import (
	"encoding/json"
	"strings"
)

const (
	statusPrefix = "status/"
	eventsPrefix = "events/"
)

// StatusTopic returns the relative topic for an endpoint's status.
func StatusTopic(endpointID string) string {
	return statusPrefix + endpointID
}

// EventTopic returns the relative topic for a decoded device event kind.
func EventTopic(kind string) string {
	return eventsPrefix + kind
}

// IsStatusTopic reports whether topic carries status transitions.
func IsStatusTopic(topic string) bool {
	return strings.HasPrefix(topic, statusPrefix)
}

// MQTTPublisher is the subset of *mqtt.Client used by the Notifier.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Broadcaster pushes a payload to WebSocket clients subscribed to channel.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Logger is the logging interface used by the Notifier.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Notifier is the downstream notification channel.
type Notifier struct {
	mqtt        MQTTPublisher
	scope       func(string) string
	qos         byte
	broadcaster Broadcaster
	logger      Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithMQTT sends every message to the broker. scope maps a relative topic
// to the full broker topic.
func WithMQTT(p MQTTPublisher, scope func(string) string, qos byte) Option {
	return func(n *Notifier) {
		n.mqtt = p
		n.scope = scope
		n.qos = qos
	}
}

// WithBroadcaster sends every message to WebSocket clients.
func WithBroadcaster(b Broadcaster) Option {
	return func(n *Notifier) { n.broadcaster = b }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// New creates a Notifier. With no options it discards every message.
func New(opts ...Option) *Notifier {
	n := &Notifier{logger: noopLogger{}, scope: func(s string) string { return s }}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish delivers payload on topic to every sink. Status messages are
// retained on the broker so late subscribers see the current state.
func (n *Notifier) Publish(topic string, payload any) {
	if n.mqtt != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			n.logger.Warn("notification marshal failed", "topic", topic, "error", err)
		} else if err := n.mqtt.Publish(n.scope(topic), data, n.qos, IsStatusTopic(topic)); err != nil {
			n.logger.Warn("notification publish failed", "topic", topic, "error", err)
		}
	}

	if n.broadcaster != nil {
		n.broadcaster.Broadcast(topic, payload)
	}

	n.logger.Debug("notification sent", "topic", topic)
}

// Emit publishes a decoded device event of the given kind.
func (n *Notifier) Emit(kind string, payload any) {
	n.Publish(EventTopic(kind), payload)
}
