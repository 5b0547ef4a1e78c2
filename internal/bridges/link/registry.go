package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/metrics"
)

// Registry defaults.
const (
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultReadBufferSize = 4096
	defaultRetryCount     = 3
	defaultRetryDelay     = time.Second
)

// Logger is the logging interface used by the registry.
// *logging.Logger satisfies it.
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

// Dialer opens device sockets. *net.Dialer satisfies it; tests inject fakes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handler receives the lifecycle and inbound data of a registry's connections.
//
// Opened runs on the dialling goroutine once per open attempt, before
// GetOrCreate returns and before any Data or Closed for that attempt. It
// must not destroy c. Data runs on the connection's reader goroutine and
// must not retain p after returning. Closed runs exactly once per attempt that was
// not ended by CloseAll, on whichever goroutine ended it; it may be called
// re-entrantly from inside Data when the handler destroys its own
// connection.
type Handler interface {
	Opened(c *Connection)
	Data(c *Connection, p []byte)
	Closed(c *Connection, err error)
}

// RetryPolicy bounds command writes in Send.
type RetryPolicy struct {
	// MaxCount is the total number of write attempts.
	MaxCount int

	// Delay is the fixed pause between attempts.
	Delay time.Duration
}

// Options configures a Registry.
type Options struct {
	// Protocol labels logs and metrics ("sensor", "gate").
	Protocol string

	Dialer  Dialer
	Handler Handler
	Logger  Logger

	// DialTimeout bounds the connecting state of each attempt.
	DialTimeout time.Duration

	// IdleTimeout ends an open connection that reads nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	WriteTimeout   time.Duration
	ReadBufferSize int
	Retry          RetryPolicy
}

// Registry owns the live connections of one protocol.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	opts    Options
	logger  Logger
	attempt atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// NewRegistry creates an empty registry. Options.Handler is required.
func NewRegistry(opts Options) *Registry {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.Retry.MaxCount <= 0 {
		opts.Retry.MaxCount = defaultRetryCount
	}
	if opts.Retry.Delay < 0 {
		opts.Retry.Delay = defaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*Connection),
	}
}

// Protocol returns the protocol label of this registry.
func (r *Registry) Protocol() string { return r.opts.Protocol }

// GetOrCreate returns the live connection for the endpoint's identity,
// dialling a new one if none exists, and waits until it is open.
//
// The lookup and the insert of a new connecting entry happen under one
// lock, so concurrent callers for the same identity share one socket.
// Cancelling ctx stops this caller's wait, not the shared dial.
//
// Returns:
//   - *Connection: The shared connection (also on error, for inspection)
//   - error: ErrConnectFailed-wrapped dial error, ctx error, or ErrRegistryClosed
func (r *Registry) GetOrCreate(ctx context.Context, endpoint catalog.DeviceEndpoint) (*Connection, error) {
	key := endpoint.IdentityKey()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	c, ok := r.conns[key]
	if !ok || !c.Alive() {
		c = newConnection(key, endpoint, r.attempt.Add(1), r.opts.WriteTimeout, r.onTransition)
		r.conns[key] = c
		r.wg.Add(1)
		go r.establish(c)
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	return c, c.Wait(ctx)
}

// Get returns the connecting or open connection for key, or nil.
func (r *Registry) Get(key string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[key]
	if !ok || !c.Alive() {
		return nil
	}
	return c
}

// Remove forgets the entry for key without closing it. It is idempotent
// and reports whether an entry was removed.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.conns[key]
	delete(r.conns, key)
	r.updateGaugeLocked()
	return ok
}

// Destroy closes and removes the connection for key. The registry's
// Handler.Closed receives cause. It reports whether a live connection was
// destroyed.
func (r *Registry) Destroy(key string, cause error) bool {
	c := r.Get(key)
	if c == nil {
		r.Remove(key)
		return false
	}
	if cause == nil {
		cause = ErrDestroyed
	}
	return r.terminate(c, cause)
}

// Send writes p through the connection registered for key.
//
// It does not dial: with no registered connection it returns ErrNotConnected
// at once. A failed write is retried after Retry.Delay, looking the
// connection up again each time, for at most Retry.MaxCount attempts in
// total; then ErrWriteFailed is returned and nothing more is scheduled.
func (r *Registry) Send(ctx context.Context, key string, p []byte) error {
	if r.Get(key) == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, key)
	}

	maxAttempts := r.opts.Retry.MaxCount
	var lastErr error
	for attempt := 1; ; attempt++ {
		c := r.Get(key)
		if c == nil {
			lastErr = ErrNotConnected
		} else if lastErr = c.Write(p); lastErr == nil {
			return nil
		}

		metrics.WriteRetriesTotal.WithLabelValues(r.opts.Protocol).Inc()
		if attempt >= maxAttempts {
			break
		}
		r.logger.Warn("device write failed, retrying",
			"protocol", r.opts.Protocol, "key", key, "attempt", attempt, "error", lastErr)

		timer := time.NewTimer(r.opts.Retry.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	r.logger.Error("device write abandoned",
		"protocol", r.opts.Protocol, "key", key, "attempts", maxAttempts, "error", lastErr)
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrWriteFailed, key, maxAttempts, lastErr)
}

// Snapshot returns the live connections ordered by key.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every connection, refuses new ones and waits for the
// reader goroutines to exit. Handlers are not notified.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	clear(r.conns)
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.cancel()
	for _, c := range conns {
		c.shutdown(ErrRegistryClosed)
	}
	r.wg.Wait()
}

// establish dials one attempt and, on success, runs its reader.
func (r *Registry) establish(c *Connection) {
	defer r.wg.Done()

	addr := c.endpoint.Address()
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.DialTimeout)
	conn, err := r.opts.Dialer.DialContext(ctx, "tcp", addr)
	cancel()

	if err != nil {
		metrics.DialsTotal.WithLabelValues(r.opts.Protocol, "error").Inc()
		err = fmt.Errorf("%w: %s: %w", ErrConnectFailed, addr, err)
		r.logger.Warn("device connect failed",
			"protocol", r.opts.Protocol, "endpoint_id", c.endpoint.ID, "address", addr, "error", err)

		if !c.fail(err) {
			// Destroyed while dialling; already reported.
			return
		}
		r.removeIfCurrent(c)
		if r.ctx.Err() == nil {
			r.opts.Handler.Closed(c, err)
		}
		return
	}

	if !c.open(conn, r.opts.Handler.Opened) {
		// Destroyed while dialling.
		conn.Close() //nolint:errcheck // Attempt already abandoned
		return
	}
	metrics.DialsTotal.WithLabelValues(r.opts.Protocol, "ok").Inc()
	r.logger.Info("device connected",
		"protocol", r.opts.Protocol, "endpoint_id", c.endpoint.ID, "address", addr, "attempt", c.attempt)

	r.readLoop(c, conn)
}

// readLoop is the single reader of one connection.
func (r *Registry) readLoop(c *Connection, conn net.Conn) {
	buf := make([]byte, r.opts.ReadBufferSize)
	for {
		if r.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(r.opts.IdleTimeout)) //nolint:errcheck // Read reports a dead conn
		}

		n, err := conn.Read(buf)
		if n > 0 {
			c.touch(n)
			r.deliver(c, buf[:n])
		}
		if err != nil {
			r.terminate(c, classifyReadError(err))
			return
		}
	}
}

// deliver runs the handler, containing any panic to this one read.
func (r *Registry) deliver(c *Connection, p []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("device handler panicked",
				"protocol", r.opts.Protocol, "endpoint_id", c.endpoint.ID, "panic", rec)
		}
	}()
	r.opts.Handler.Data(c, p)
}

// terminate ends c once, unregisters it and notifies the handler.
func (r *Registry) terminate(c *Connection, cause error) bool {
	if !c.shutdown(cause) {
		return false
	}
	r.removeIfCurrent(c)

	level := r.logger.Info
	if !errors.Is(cause, io.EOF) && !errors.Is(cause, ErrDestroyed) {
		level = r.logger.Warn
	}
	level("device connection ended",
		"protocol", r.opts.Protocol, "endpoint_id", c.endpoint.ID, "attempt", c.attempt, "cause", cause)

	r.opts.Handler.Closed(c, cause)
	return true
}

// removeIfCurrent drops the entry for c's key only if it still points at c,
// so a replacement attempt is never unregistered by its predecessor.
func (r *Registry) removeIfCurrent(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[c.key]; ok && cur == c {
		delete(r.conns, c.key)
	}
	r.updateGaugeLocked()
}

func (r *Registry) updateGaugeLocked() {
	metrics.OpenConnections.WithLabelValues(r.opts.Protocol).Set(float64(len(r.conns)))
}

func (r *Registry) onTransition(c *Connection, from, to string) {
	r.logger.Debug("connection state changed",
		"protocol", r.opts.Protocol, "key", c.key, "attempt", c.attempt, "from", from, "to", to)
}

// classifyReadError maps a read deadline expiry to ErrIdleTimeout.
func classifyReadError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrIdleTimeout, err)
	}
	return err
}
