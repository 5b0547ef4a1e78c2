package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/parklink-core/internal/bridges/frame"
	"github.com/nerrad567/parklink-core/internal/bridges/link"
	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
	"github.com/nerrad567/parklink-core/internal/infrastructure/metrics"
)

const protocol = string(catalog.KindGate)

// StatusSink records controller connectivity. *status.Synchronizer satisfies it.
type StatusSink interface {
	SetLinked(ctx context.Context, id string, linked bool) (bool, error)
	Linked(id string) bool
}

// EventSink receives decoded events. *notify.Notifier satisfies it.
type EventSink interface {
	Emit(kind string, payload any)
}

// Store resolves locations and persists barrier state.
// *catalog.SQLiteRepository satisfies it.
type Store interface {
	ResolveLocation(ctx context.Context, key catalog.LocationKey) (string, error)
	RecordGateState(ctx context.Context, key catalog.LocationKey, state string) (int64, error)
}

// Catalog lists the endpoints the reconnection sweep visits.
type Catalog interface {
	ListEndpoints(ctx context.Context) ([]catalog.DeviceEndpoint, error)
}

// Recorder stores gate events as time series. *influxdb.Client satisfies it.
type Recorder interface {
	RecordGateEvent(kind, siteIP, location string, fields map[string]any)
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

// Options holds the collaborators of a Bridge. Status, Events and Store
// are required.
type Options struct {
	Config   config.GateConfig
	Status   StatusSink
	Events   EventSink
	Store    Store
	Catalog  Catalog
	Recorder Recorder
	Logger   Logger
	Dialer   link.Dialer
}

type messageHandler func(c *link.Connection, msg frame.GateMessage)

// Bridge owns the gate controller connections.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      config.GateConfig
	registry *link.Registry
	status   StatusSink
	events   EventSink
	store    Store
	catalog  Catalog
	recorder Recorder
	logger   Logger
	now      func() time.Time
	handlers map[string]messageHandler

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a gate bridge and its connection registry. The idle timeout
// is the heartbeat window plus margin; it also bounds each dial.
func New(opts Options) (*Bridge, error) {
	if opts.Status == nil || opts.Events == nil || opts.Store == nil {
		return nil, fmt.Errorf("%w: status, events and store are required", ErrMissingDependency)
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       opts.Config,
		status:    opts.Status,
		events:    opts.Events,
		store:     opts.Store,
		catalog:   opts.Catalog,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		now:       time.Now,
		ctx:       ctx,
		ctxCancel: cancel,
	}
	b.handlers = map[string]messageHandler{
		frame.GateLPR:           b.handleLPR,
		frame.GateFeeCalculated: b.handleFee,
		frame.GateState:         b.handleGateState,
	}

	idle := opts.Config.IdleTimeout()
	b.registry = link.NewRegistry(link.Options{
		Protocol:    protocol,
		Dialer:      opts.Dialer,
		Handler:     b,
		Logger:      opts.Logger,
		DialTimeout: idle,
		IdleTimeout: idle,
		Retry: link.RetryPolicy{
			MaxCount: opts.Config.Retry.MaxCount,
			Delay:    opts.Config.Retry.Delay,
		},
	})
	return b, nil
}

// Registry exposes the gate connections for status endpoints.
func (b *Bridge) Registry() *link.Registry {
	return b.registry
}

// ConnectTCP opens the controller connection unless one is already live,
// and waits until it is open. Concurrent calls for the same site IP share
// one socket. On success the controller is recorded as linked unless the
// connection has already ended again.
func (b *Bridge) ConnectTCP(ctx context.Context, endpoint catalog.DeviceEndpoint) error {
	if endpoint.Kind != catalog.KindGate {
		return fmt.Errorf("%w: %s is %q", ErrWrongProtocol, endpoint.ID, endpoint.Kind)
	}
	if endpoint.Port == 0 {
		endpoint.Port = b.cfg.Port
	}

	c, err := b.registry.GetOrCreate(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("connecting gate controller %s: %w", endpoint.ID, err)
	}
	// A new attempt was recorded by Opened. A reused one may have drifted.
	if !b.status.Linked(endpoint.ID) {
		c.WhileOpen(func() { b.setLinked(endpoint.ID, true) })
	}
	return nil
}

// Send writes a caller-built payload to the controller at siteIP with
// bounded retry. It never dials.
func (b *Bridge) Send(ctx context.Context, siteIP string, payload []byte) error {
	if err := b.registry.Send(ctx, siteIP, payload); err != nil {
		return fmt.Errorf("sending to gate controller %s: %w", siteIP, err)
	}
	return nil
}

// Opened implements link.Handler.
func (b *Bridge) Opened(c *link.Connection) {
	c.SetValue(frame.NewGateDecoder(frame.DefaultMaxBuffer))
	b.setLinked(c.Endpoint().ID, true)
}

// Data implements link.Handler. It runs on the connection's reader.
func (b *Bridge) Data(c *link.Connection, p []byte) {
	dec, ok := c.Value().(*frame.GateDecoder)
	if !ok {
		dec = frame.NewGateDecoder(frame.DefaultMaxBuffer)
		c.SetValue(dec)
	}

	msgs, err := dec.Feed(p)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(protocol, "", "malformed").Inc()
		b.logger.Warn("gate frame dropped",
			"protocol", protocol, "endpoint_id", c.Endpoint().ID, "error", err)
	}

	for _, msg := range msgs {
		handler, known := b.handlers[msg.Kind]
		if !known {
			metrics.FramesTotal.WithLabelValues(protocol, msg.Kind, "unknown").Inc()
			b.logger.Warn("unknown gate message kind",
				"protocol", protocol, "endpoint_id", c.Endpoint().ID, "kind", msg.Kind)
			continue
		}
		metrics.FramesTotal.WithLabelValues(protocol, msg.Kind, "ok").Inc()
		handler(c, msg)
	}
}

// Closed implements link.Handler. Every end of a controller connection,
// including a failed dial or the idle timeout, records it as unlinked.
func (b *Bridge) Closed(c *link.Connection, _ error) {
	b.setLinked(c.Endpoint().ID, false)
}

func (b *Bridge) setLinked(id string, linked bool) {
	if _, err := b.status.SetLinked(b.ctx, id, linked); err != nil {
		b.logger.Error("recording gate connectivity failed", "endpoint_id", id, "error", err)
	}
}
