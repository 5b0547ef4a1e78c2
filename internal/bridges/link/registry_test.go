package link

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/parklink-core/internal/catalog"
)

var testGate = catalog.DeviceEndpoint{ID: "gate-1", Kind: catalog.KindGate, Host: "10.0.2.1", Port: 5000}

func newTestRegistry(t *testing.T, dialer *fakeDialer, handler *recordingHandler, mutate func(o *Options)) *Registry {
	t.Helper()
	opts := Options{
		Protocol:    "gate",
		Dialer:      dialer,
		Handler:     handler,
		DialTimeout: time.Second,
		Retry:       RetryPolicy{MaxCount: 3, Delay: time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := NewRegistry(opts)
	t.Cleanup(r.CloseAll)
	return r
}

func waitClosed(t *testing.T, h *recordingHandler) error {
	t.Helper()
	select {
	case err := <-h.closeC:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Closed callback")
		return nil
	}
}

func TestRegistry_ConcurrentGetOrCreateSharesSocket(t *testing.T) {
	dialer := &fakeDialer{release: make(chan struct{})}
	r := newTestRegistry(t, dialer, newRecordingHandler(), nil)

	ctx := context.Background()
	results := make([]*Connection, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.GetOrCreate(ctx, testGate)
		}(i)
	}

	// Both callers are parked on the same pending attempt.
	deadline := time.Now().Add(time.Second)
	for dialer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(dialer.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("GetOrCreate[%d] error = %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Error("concurrent callers received different connections")
	}
	if got := dialer.count(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if !results[0].IsOpen() {
		t.Errorf("State() = %s, want open", results[0].State())
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_GetOrCreateReusesOpen(t *testing.T) {
	dialer := &fakeDialer{}
	r := newTestRegistry(t, dialer, newRecordingHandler(), nil)

	c1, err := r.GetOrCreate(context.Background(), testGate)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	c2, err := r.GetOrCreate(context.Background(), testGate)
	if err != nil {
		t.Fatalf("second GetOrCreate() error = %v", err)
	}
	if c1 != c2 || dialer.count() != 1 {
		t.Errorf("expected reuse, got c1==c2 %v, dials %d", c1 == c2, dialer.count())
	}
}

func TestRegistry_DialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	handler := newRecordingHandler()
	r := newTestRegistry(t, dialer, handler, nil)

	c, err := r.GetOrCreate(context.Background(), testGate)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("GetOrCreate() error = %v, want ErrConnectFailed", err)
	}
	if c.State() != StateFailed {
		t.Errorf("State() = %s, want failed", c.State())
	}
	if cause := waitClosed(t, handler); !errors.Is(cause, ErrConnectFailed) {
		t.Errorf("Closed cause = %v, want ErrConnectFailed", cause)
	}
	if r.Get(testGate.IdentityKey()) != nil {
		t.Error("failed attempt still registered")
	}

	// The next attempt is a fresh Connection.
	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()

	c2, err := r.GetOrCreate(context.Background(), testGate)
	if err != nil {
		t.Fatalf("retry GetOrCreate() error = %v", err)
	}
	if c2 == c || c2.Attempt() <= c.Attempt() {
		t.Errorf("expected a new attempt, got attempt %d after %d", c2.Attempt(), c.Attempt())
	}
}

func TestRegistry_OpenedRunsBeforeWaitersReturn(t *testing.T) {
	dialer := &fakeDialer{}
	handler := newRecordingHandler()
	r := newTestRegistry(t, dialer, handler, nil)

	if _, err := r.GetOrCreate(context.Background(), testGate); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	// Checked without waiting: Opened has already run.
	if opened, _, _ := handler.snapshot(); opened != 1 {
		t.Fatalf("opened = %d when GetOrCreate returned, want 1", opened)
	}

	// An immediate remote close is reported after Opened, never before.
	close(dialer.last().reads)
	waitClosed(t, handler)
	if opened, _, closed := handler.snapshot(); opened != 1 || len(closed) != 1 {
		t.Errorf("opened = %d, closed = %d, want 1 and 1", opened, len(closed))
	}
}

func TestRegistry_DataAndRemoteClose(t *testing.T) {
	dialer := &fakeDialer{}
	handler := newRecordingHandler()
	r := newTestRegistry(t, dialer, handler, nil)

	c, err := r.GetOrCreate(context.Background(), testGate)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	conn := dialer.last()
	conn.reads <- []byte("#####")
	conn.reads <- []byte("{}$$$$$")
	close(conn.reads)

	if cause := waitClosed(t, handler); !errors.Is(cause, io.EOF) {
		t.Errorf("Closed cause = %v, want io.EOF", cause)
	}

	opened, data, _ := handler.snapshot()
	if opened != 1 {
		t.Errorf("opened = %d, want 1", opened)
	}
	if len(data) != 2 || data[0] != "#####" {
		t.Errorf("data = %q", data)
	}
	if c.State() != StateClosed {
		t.Errorf("State() = %s, want closed", c.State())
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after close, want 0", r.Len())
	}
	if c.LastSeen().IsZero() {
		t.Error("LastSeen() is zero after reads")
	}
}

func TestRegistry_IdleTimeout(t *testing.T) {
	dialer := &fakeDialer{}
	handler := newRecordingHandler()
	r := newTestRegistry(t, dialer, handler, func(o *Options) { o.IdleTimeout = 20 * time.Millisecond })

	if _, err := r.GetOrCreate(context.Background(), testGate); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	if cause := waitClosed(t, handler); !errors.Is(cause, ErrIdleTimeout) {
		t.Errorf("Closed cause = %v, want ErrIdleTimeout", cause)
	}
	if !dialer.last().isClosed() {
		t.Error("socket not closed after idle timeout")
	}
}

func TestRegistry_Destroy(t *testing.T) {
	dialer := &fakeDialer{}
	handler := newRecordingHandler()
	r := newTestRegistry(t, dialer, handler, nil)

	c, err := r.GetOrCreate(context.Background(), testGate)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	if !r.Destroy(testGate.IdentityKey(), nil) {
		t.Fatal("Destroy() = false, want true")
	}
	if cause := waitClosed(t, handler); !errors.Is(cause, ErrDestroyed) {
		t.Errorf("Closed cause = %v, want ErrDestroyed", cause)
	}
	if r.Destroy(testGate.IdentityKey(), nil) {
		t.Error("second Destroy() = true, want false")
	}
	if r.Remove(testGate.IdentityKey()) {
		t.Error("Remove() after Destroy() = true, want false")
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed")
	}

	// Only one Closed callback for the attempt.
	time.Sleep(20 * time.Millisecond)
	if _, _, closed := handler.snapshot(); len(closed) != 1 {
		t.Errorf("Closed called %d times, want 1", len(closed))
	}
}

func TestRegistry_StaleAttemptDoesNotRemoveReplacement(t *testing.T) {
	dialer := &fakeDialer{}
	handler := newRecordingHandler()
	r := newTestRegistry(t, dialer, handler, nil)

	c1, err := r.GetOrCreate(context.Background(), testGate)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	r.Destroy(c1.Key(), nil)
	waitClosed(t, handler)

	c2, err := r.GetOrCreate(context.Background(), testGate)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	r.removeIfCurrent(c1)
	if got := r.Get(testGate.IdentityKey()); got != c2 {
		t.Error("replacement was removed by its predecessor")
	}
}

func TestRegistry_SendNotConnected(t *testing.T) {
	dialer := &fakeDialer{}
	r := newTestRegistry(t, dialer, newRecordingHandler(), nil)

	err := r.Send(context.Background(), "10.9.9.9", []byte("x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if dialer.count() != 0 {
		t.Errorf("Send() dialled %d times, want 0", dialer.count())
	}
}

func TestRegistry_SendRetries(t *testing.T) {
	tests := []struct {
		name       string
		failWrites int
		wantErr    error
		wantCalls  int
	}{
		{name: "first attempt succeeds", failWrites: 0, wantCalls: 1},
		{name: "fails twice then succeeds", failWrites: 2, wantCalls: 3},
		{name: "exhausts retry budget", failWrites: 10, wantErr: ErrWriteFailed, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{prepare: func(c *fakeConn) { c.failWrites = tt.failWrites }}
			r := newTestRegistry(t, dialer, newRecordingHandler(), nil)

			if _, err := r.GetOrCreate(context.Background(), testGate); err != nil {
				t.Fatalf("GetOrCreate() error = %v", err)
			}

			err := r.Send(context.Background(), testGate.IdentityKey(), []byte("payload"))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Send() error = %v, want %v", err, tt.wantErr)
			}

			conn := dialer.last()
			if got := conn.calls(); got != tt.wantCalls {
				t.Errorf("write calls = %d, want %d", got, tt.wantCalls)
			}

			// Nothing further is scheduled once Send has returned.
			time.Sleep(20 * time.Millisecond)
			if got := conn.calls(); got != tt.wantCalls {
				t.Errorf("write calls after return = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRegistry_SendHonoursContext(t *testing.T) {
	dialer := &fakeDialer{prepare: func(c *fakeConn) { c.failWrites = 10 }}
	r := newTestRegistry(t, dialer, newRecordingHandler(), func(o *Options) {
		o.Retry = RetryPolicy{MaxCount: 5, Delay: time.Hour}
	})

	if _, err := r.GetOrCreate(context.Background(), testGate); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.Send(ctx, testGate.IdentityKey(), []byte("x")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want DeadlineExceeded", err)
	}
}

func TestRegistry_SnapshotAndCloseAll(t *testing.T) {
	dialer := &fakeDialer{}
	handler := newRecordingHandler()
	r := newTestRegistry(t, dialer, handler, nil)

	other := testGate
	other.Host = "10.0.2.2"
	for _, e := range []catalog.DeviceEndpoint{other, testGate} {
		if _, err := r.GetOrCreate(context.Background(), e); err != nil {
			t.Fatalf("GetOrCreate(%s) error = %v", e.Host, err)
		}
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Key != "10.0.2.1" || snap[0].State != StateOpen {
		t.Fatalf("Snapshot() = %+v", snap)
	}

	r.CloseAll()
	if r.Len() != 0 {
		t.Errorf("Len() after CloseAll = %d", r.Len())
	}
	if _, err := r.GetOrCreate(context.Background(), testGate); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("GetOrCreate() after CloseAll error = %v, want ErrRegistryClosed", err)
	}
	if _, _, closed := handler.snapshot(); len(closed) != 0 {
		t.Errorf("CloseAll notified %d handlers, want 0", len(closed))
	}
}
