package link

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/nerrad567/parklink-core/internal/catalog"
)

// Connection states.
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClosed     = "closed"
	StateFailed     = "failed"
)

const (
	eventEstablished = "established"
	eventFail        = "fail"
	eventClose       = "close"
)

// Connection is one connection attempt to one device endpoint.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Write serialises concurrent writers.
type Connection struct {
	key      string
	endpoint catalog.DeviceEndpoint
	attempt  uint64
	machine  *fsm.FSM

	ready chan struct{} // closed once the attempt is open or failed
	done  chan struct{} // closed once the attempt is terminal

	// transMu makes each state transition and its channel closes atomic.
	transMu sync.Mutex

	mu          sync.Mutex
	conn        net.Conn
	err         error // terminal cause
	connectedAt time.Time

	writeMu      sync.Mutex
	writeTimeout time.Duration

	lastSeen atomic.Int64 // unix nanos of the last inbound read
	bytesRx  atomic.Uint64
	bytesTx  atomic.Uint64

	// Owner-defined per-connection state, e.g. a protocol decoder.
	value atomic.Value
}

func newConnection(key string, endpoint catalog.DeviceEndpoint, attempt uint64, writeTimeout time.Duration, onTransition func(c *Connection, from, to string)) *Connection {
	c := &Connection{
		key:          key,
		endpoint:     endpoint,
		attempt:      attempt,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}

	callbacks := fsm.Callbacks{}
	if onTransition != nil {
		callbacks["enter_state"] = func(_ context.Context, e *fsm.Event) {
			onTransition(c, e.Src, e.Dst)
		}
	}

	c.machine = fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateOpen},
			{Name: eventFail, Src: []string{StateConnecting}, Dst: StateFailed},
			{Name: eventClose, Src: []string{StateConnecting, StateOpen}, Dst: StateClosed},
		},
		callbacks,
	)
	return c
}

// Key returns the registry identity of this connection.
func (c *Connection) Key() string { return c.key }

// Endpoint returns the endpoint this attempt dialled.
func (c *Connection) Endpoint() catalog.DeviceEndpoint { return c.endpoint }

// Attempt returns the registry-wide attempt number.
func (c *Connection) Attempt() uint64 { return c.attempt }

// State returns the current lifecycle state.
func (c *Connection) State() string { return c.machine.Current() }

// Alive reports whether the attempt is still connecting or open.
func (c *Connection) Alive() bool {
	s := c.machine.Current()
	return s == StateConnecting || s == StateOpen
}

// IsOpen reports whether the connection is usable for writes.
func (c *Connection) IsOpen() bool { return c.machine.Is(StateOpen) }

// Done is closed when the connection reaches closed or failed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the terminal cause, or nil while alive.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until this attempt is open or failed, or ctx ends.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.machine.Is(StateOpen) {
		return nil
	}
	if err := c.Err(); err != nil {
		return err
	}
	return ErrNotConnected
}

// WhileOpen runs fn only if the connection is open, and holds off the
// transition to closed until fn returns. Anything Handler.Closed does for
// this attempt therefore happens after fn. It reports whether fn ran.
func (c *Connection) WhileOpen(fn func()) bool {
	c.transMu.Lock()
	defer c.transMu.Unlock()
	if !c.machine.Is(StateOpen) {
		return false
	}
	fn()
	return true
}

// LastSeen returns when data was last read, or the connect time if none.
func (c *Connection) LastSeen() time.Time {
	if ns := c.lastSeen.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Value returns the owner-defined state stored with SetValue.
func (c *Connection) Value() any { return c.value.Load() }

// SetValue stores owner-defined per-connection state.
func (c *Connection) SetValue(v any) { c.value.Store(v) }

// Write sends p in one call with a write deadline.
func (c *Connection) Write(p []byte) error {
	if !c.IsOpen() {
		return ErrNotConnected
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	n, err := conn.Write(p)
	c.bytesTx.Add(uint64(n)) //nolint:gosec // n is never negative
	if err != nil {
		return err
	}
	return nil
}

// open moves connecting→open and runs opened before any waiter is
// released or the attempt can be shut down. It returns false if the
// attempt was closed while dialling, in which case the caller owns conn.
func (c *Connection) open(conn net.Conn, opened func(*Connection)) bool {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	// conn must be visible before the state reads open.
	c.mu.Lock()
	c.conn = conn
	c.connectedAt = time.Now()
	c.mu.Unlock()

	if err := c.machine.Event(context.Background(), eventEstablished); err != nil {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return false
	}

	if opened != nil {
		opened(c)
	}
	close(c.ready)
	return true
}

// fail moves connecting→failed and reports whether it did.
func (c *Connection) fail(err error) bool {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if c.machine.Event(context.Background(), eventFail) != nil {
		return false
	}

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	close(c.ready)
	close(c.done)
	return true
}

// shutdown moves connecting|open→closed and closes the socket. Only the
// first call has any effect; it reports whether this call did the work.
func (c *Connection) shutdown(cause error) bool {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	wasConnecting := c.machine.Is(StateConnecting)
	if c.machine.Event(context.Background(), eventClose) != nil {
		return false
	}

	c.mu.Lock()
	c.err = cause
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close() //nolint:errcheck // Best effort on teardown
	}
	if wasConnecting {
		close(c.ready)
	}
	close(c.done)
	return true
}

func (c *Connection) touch(n int) {
	c.lastSeen.Store(time.Now().UnixNano())
	c.bytesRx.Add(uint64(n)) //nolint:gosec // n is never negative
}

// Info is a point-in-time view of a connection for status endpoints.
type Info struct {
	Key         string    `json:"key"`
	EndpointID  string    `json:"endpoint_id"`
	Protocol    string    `json:"protocol"`
	Address     string    `json:"address"`
	State       string    `json:"state"`
	Attempt     uint64    `json:"attempt"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	LastSeenAt  time.Time `json:"last_seen_at,omitzero"`
	BytesRx     uint64    `json:"bytes_rx"`
	BytesTx     uint64    `json:"bytes_tx"`
}

// Info returns a snapshot of this connection.
func (c *Connection) Info() Info {
	c.mu.Lock()
	connectedAt := c.connectedAt
	c.mu.Unlock()

	info := Info{
		Key:         c.key,
		EndpointID:  c.endpoint.ID,
		Protocol:    string(c.endpoint.Kind),
		Address:     c.endpoint.Address(),
		State:       c.State(),
		Attempt:     c.attempt,
		ConnectedAt: connectedAt,
		BytesRx:     c.bytesRx.Load(),
		BytesTx:     c.bytesTx.Load(),
	}
	if ns := c.lastSeen.Load(); ns != 0 {
		info.LastSeenAt = time.Unix(0, ns)
	}
	return info
}
