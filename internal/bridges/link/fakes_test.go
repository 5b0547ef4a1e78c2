package link

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// timeoutError satisfies net.Error with Timeout() == true.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn is an in-memory device socket.
type fakeConn struct {
	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
	failWrites   int
	writeCalls   int
	written      [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case b, ok := <-c.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, timeoutError{}
	}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeCalls++
	if c.writeCalls <= c.failWrites {
		return 0, errors.New("broken pipe")
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCalls
}

func (c *fakeConn) LocalAddr() net.Addr  { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func (c *fakeConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// fakeDialer hands out fakeConns and counts dials.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	conns   []*fakeConn
	err     error
	release chan struct{} // when set, dials block until closed
	prepare func(c *fakeConn)
}

func (d *fakeDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	release, err := d.release, d.err
	d.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn()
	d.mu.Lock()
	if d.prepare != nil {
		d.prepare(c)
	}
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// recordingHandler captures registry callbacks.
type recordingHandler struct {
	mu     sync.Mutex
	opened int
	data   []string
	closed []error
	closeC chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closeC: make(chan error, 8)}
}

func (h *recordingHandler) Opened(*Connection) {
	h.mu.Lock()
	h.opened++
	h.mu.Unlock()
}

func (h *recordingHandler) Data(_ *Connection, p []byte) {
	h.mu.Lock()
	h.data = append(h.data, string(p))
	h.mu.Unlock()
}

func (h *recordingHandler) Closed(_ *Connection, err error) {
	h.mu.Lock()
	h.closed = append(h.closed, err)
	h.mu.Unlock()
	h.closeC <- err
}

func (h *recordingHandler) snapshot() (opened int, data []string, closed []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened, append([]string(nil), h.data...), append([]error(nil), h.closed...)
}
