package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/parklink-core/internal/bridges/frame"
	"github.com/nerrad567/parklink-core/internal/bridges/link"
	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
	"github.com/nerrad567/parklink-core/internal/infrastructure/metrics"
)

const protocol = string(catalog.KindSensor)

// StatusSink records sensor connectivity. *status.Synchronizer satisfies it.
type StatusSink interface {
	SetLinked(ctx context.Context, id string, linked bool) (bool, error)
	SetAlarm(ctx context.Context, id string, alarm bool) (bool, error)
}

// EventSink receives decoded events. *notify.Notifier satisfies it.
type EventSink interface {
	Emit(kind string, payload any)
}

// Catalog lists the endpoints the poll sweep visits.
type Catalog interface {
	ListEndpoints(ctx context.Context) ([]catalog.DeviceEndpoint, error)
}

// Recorder stores readings as time series. *influxdb.Client satisfies it.
type Recorder interface {
	RecordSensorEvent(endpointID, kind string, stale bool, reportedAt time.Time)
}

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds the collaborators of a Bridge. Status and Events are required.
type Options struct {
	Config   config.SensorConfig
	Status   StatusSink
	Events   EventSink
	Catalog  Catalog
	Recorder Recorder
	Logger   Logger

	// Dialer overrides the default net.Dialer.
	Dialer link.Dialer

	// Now overrides the wall clock used for staleness.
	Now func() time.Time
}

// OutboundCommand is one command written to a sensor.
type OutboundCommand struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	Payload          []byte    `json:"-"`
	TargetEndpointID string    `json:"target_endpoint_id"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Event is the payload emitted for every routed sensor message.
type Event struct {
	EndpointID string          `json:"endpoint_id"`
	Kind       string          `json:"kind"`
	SensorData json.RawMessage `json:"sensor_data,omitempty"`
	ReportedAt time.Time       `json:"reported_at,omitzero"`
	Stale      bool            `json:"stale,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

type messageHandler func(c *link.Connection, msg frame.SensorMessage)

// Bridge dispatches sensor commands and routes their responses.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      config.SensorConfig
	registry *link.Registry
	status   StatusSink
	events   EventSink
	catalog  Catalog
	recorder Recorder
	logger   Logger
	now      func() time.Time
	handlers map[string]messageHandler

	// Bridge lifetime; cancelled by Stop.
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a sensor bridge and its connection registry.
func New(opts Options) (*Bridge, error) {
	if opts.Status == nil || opts.Events == nil {
		return nil, fmt.Errorf("%w: status and events are required", ErrMissingDependency)
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       opts.Config,
		status:    opts.Status,
		events:    opts.Events,
		catalog:   opts.Catalog,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		now:       opts.Now,
		ctx:       ctx,
		ctxCancel: cancel,
	}
	b.handlers = map[string]messageHandler{
		frame.SensorHelloOK:       b.handleEmit,
		frame.SensorGetOK:         b.handleReading,
		frame.SensorEvent:         b.handleReading,
		frame.SensorSubscribeOK:   b.handleSubscribeOK,
		frame.SensorUnsubscribeOK: b.handleUnsubscribeOK,
		frame.SensorWelcome:       b.handleWelcome,
		frame.SensorParseErr:      b.handleDeviceError,
		frame.SensorLoginErr:      b.handleDeviceError,
		frame.SensorSubscribeErr:  b.handleDeviceError,
		frame.SensorCommandErr:    b.handleDeviceError,
	}

	b.registry = link.NewRegistry(link.Options{
		Protocol:    protocol,
		Dialer:      opts.Dialer,
		Handler:     b,
		Logger:      opts.Logger,
		DialTimeout: opts.Config.ConnectTimeout,
		Retry: link.RetryPolicy{
			MaxCount: opts.Config.Retry.MaxCount,
			Delay:    opts.Config.Retry.Delay,
		},
	})
	return b, nil
}

// Registry exposes the sensor connections for status endpoints.
func (b *Bridge) Registry() *link.Registry {
	return b.registry
}

// Hello sends a liveness probe.
func (b *Bridge) Hello(ctx context.Context, endpoint catalog.DeviceEndpoint) (OutboundCommand, error) {
	return b.command(ctx, endpoint, frame.SensorHello, true)
}

// Get polls the current sensor reading.
func (b *Bridge) Get(ctx context.Context, endpoint catalog.DeviceEndpoint) (OutboundCommand, error) {
	return b.command(ctx, endpoint, frame.SensorGet, true)
}

// Subscribe registers for push events. A get follows automatically once
// the sensor answers subscribe-ok.
func (b *Bridge) Subscribe(ctx context.Context, endpoint catalog.DeviceEndpoint) (OutboundCommand, error) {
	return b.command(ctx, endpoint, frame.SensorSubscribe, true)
}

// Unsubscribe deregisters from push events; the connection is destroyed
// when the sensor answers unsubscribe-ok. Without a live connection it
// does nothing and returns a zero command.
func (b *Bridge) Unsubscribe(ctx context.Context, endpoint catalog.DeviceEndpoint) (OutboundCommand, error) {
	if b.registry.Get(endpoint.IdentityKey()) == nil {
		return OutboundCommand{}, nil
	}
	return b.command(ctx, endpoint, frame.SensorUnsubscribe, false)
}

// command encodes kind for endpoint and writes it with bounded retry. With
// dial set the connection is opened first if needed.
func (b *Bridge) command(ctx context.Context, endpoint catalog.DeviceEndpoint, kind string, dial bool) (OutboundCommand, error) {
	if endpoint.Kind != catalog.KindSensor {
		return OutboundCommand{}, fmt.Errorf("%w: %s is %q", ErrWrongProtocol, endpoint.ID, endpoint.Kind)
	}
	endpoint = b.withDefaultPort(endpoint)

	payload, err := frame.EncodeSensorCommand(kind, frame.SensorAuth{
		DevNo:  endpoint.Credentials.DevNo,
		UserID: endpoint.Credentials.UserID,
		UserPW: endpoint.Credentials.UserPW,
	})
	if err != nil {
		return OutboundCommand{}, err
	}

	cmd := OutboundCommand{
		ID:               uuid.NewString(),
		Kind:             kind,
		Payload:          payload,
		TargetEndpointID: endpoint.ID,
		IssuedAt:         b.now(),
	}

	if dial {
		if _, err := b.registry.GetOrCreate(ctx, endpoint); err != nil {
			return cmd, fmt.Errorf("sending %s to sensor %s: %w", kind, endpoint.ID, err)
		}
	}
	if err := b.registry.Send(ctx, endpoint.IdentityKey(), payload); err != nil {
		return cmd, fmt.Errorf("sending %s to sensor %s: %w", kind, endpoint.ID, err)
	}

	b.logger.Debug("sensor command sent", "endpoint_id", endpoint.ID, "kind", kind, "command_id", cmd.ID)
	return cmd, nil
}

func (b *Bridge) withDefaultPort(endpoint catalog.DeviceEndpoint) catalog.DeviceEndpoint {
	if endpoint.Port == 0 {
		endpoint.Port = b.cfg.Port
	}
	return endpoint
}

// Opened implements link.Handler.
func (b *Bridge) Opened(c *link.Connection) {
	c.SetValue(frame.NewSensorDecoder(frame.DefaultMaxBuffer))
}

// Data implements link.Handler. It runs on the connection's reader.
func (b *Bridge) Data(c *link.Connection, p []byte) {
	dec, ok := c.Value().(*frame.SensorDecoder)
	if !ok {
		dec = frame.NewSensorDecoder(frame.DefaultMaxBuffer)
		c.SetValue(dec)
	}

	msgs, errs := dec.Feed(p)
	for _, err := range errs {
		metrics.FramesTotal.WithLabelValues(protocol, "", "malformed").Inc()
		b.logger.Warn("sensor frame dropped",
			"protocol", protocol, "endpoint_id", c.Endpoint().ID, "error", err)
	}

	for _, msg := range msgs {
		if !c.IsOpen() {
			// A handler tore the connection down; drop the rest of the read.
			return
		}
		handler, known := b.handlers[msg.Message]
		if !known {
			metrics.FramesTotal.WithLabelValues(protocol, msg.Message, "unknown").Inc()
			b.logger.Warn("unknown sensor message kind",
				"protocol", protocol, "endpoint_id", c.Endpoint().ID, "kind", msg.Message)
			continue
		}
		metrics.FramesTotal.WithLabelValues(protocol, msg.Message, "ok").Inc()
		handler(c, msg)
	}
}

// Closed implements link.Handler. Owner-initiated teardowns already
// recorded their outcome; every other end marks the sensor disconnected.
func (b *Bridge) Closed(c *link.Connection, err error) {
	if errors.Is(err, link.ErrDestroyed) {
		return
	}
	b.setLinked(c.Endpoint().ID, false)
}

func (b *Bridge) handleEmit(c *link.Connection, msg frame.SensorMessage) {
	b.emit(c, msg, time.Time{}, false)
}

func (b *Bridge) handleWelcome(c *link.Connection, _ frame.SensorMessage) {
	b.logger.Debug("sensor welcome ignored", "endpoint_id", c.Endpoint().ID)
}

func (b *Bridge) handleDeviceError(c *link.Connection, msg frame.SensorMessage) {
	b.logger.Warn("sensor reported error",
		"protocol", protocol, "endpoint_id", c.Endpoint().ID, "kind", msg.Message)
	b.emit(c, msg, time.Time{}, false)
}

func (b *Bridge) handleSubscribeOK(c *link.Connection, msg frame.SensorMessage) {
	b.emit(c, msg, time.Time{}, false)

	// Confirm reachability without blocking the reader.
	endpoint := c.Endpoint()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if _, err := b.command(b.ctx, endpoint, frame.SensorGet, false); err != nil {
			b.logger.Warn("sensor get after subscribe failed", "endpoint_id", endpoint.ID, "error", err)
		}
	}()
}

func (b *Bridge) handleUnsubscribeOK(c *link.Connection, msg frame.SensorMessage) {
	b.registry.Destroy(c.Key(), link.ErrDestroyed)
	b.emit(c, msg, time.Time{}, false)
}

// handleReading applies the staleness check to get-ok and event-sensor.
func (b *Bridge) handleReading(c *link.Connection, msg frame.SensorMessage) {
	endpoint := c.Endpoint()
	reportedAt, err := reportTime(msg.SensorData)
	if err != nil {
		b.logger.Warn("sensor reading has no usable timestamp",
			"protocol", protocol, "endpoint_id", endpoint.ID, "kind", msg.Message, "error", err)
		b.emit(c, msg, time.Time{}, false)
		return
	}

	stale := b.now().Sub(reportedAt) > b.cfg.StaleThreshold
	if stale {
		b.logger.Warn("sensor data stale",
			"endpoint_id", endpoint.ID, "reported_at", reportedAt, "threshold", b.cfg.StaleThreshold)
		b.markStale(c.Key(), endpoint.ID)
	} else {
		b.setAlarm(endpoint.ID, false)
		b.setLinked(endpoint.ID, true)
	}

	if b.recorder != nil {
		b.recorder.RecordSensorEvent(endpoint.ID, msg.Message, stale, reportedAt)
	}
	b.emit(c, msg, reportedAt, stale)
}

// markStale tears the connection down and records the disconnect.
func (b *Bridge) markStale(key, endpointID string) {
	b.registry.Destroy(key, fmt.Errorf("%w: %w", link.ErrDestroyed, ErrStale))
	b.setLinked(endpointID, false)
	b.setAlarm(endpointID, true)
}

func (b *Bridge) setLinked(id string, linked bool) {
	if _, err := b.status.SetLinked(b.ctx, id, linked); err != nil {
		b.logger.Error("recording sensor connectivity failed", "endpoint_id", id, "error", err)
	}
}

func (b *Bridge) setAlarm(id string, alarm bool) {
	if _, err := b.status.SetAlarm(b.ctx, id, alarm); err != nil {
		b.logger.Error("recording sensor alarm failed", "endpoint_id", id, "error", err)
	}
}

func (b *Bridge) emit(c *link.Connection, msg frame.SensorMessage, reportedAt time.Time, stale bool) {
	b.events.Emit(msg.Message, Event{
		EndpointID: c.Endpoint().ID,
		Kind:       msg.Message,
		SensorData: msg.SensorData,
		ReportedAt: reportedAt,
		Stale:      stale,
		ReceivedAt: b.now(),
	})
}
