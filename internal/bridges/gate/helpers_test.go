package gate

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
)

// controller is a gate controller simulator. Every dial, whatever its
// address, lands on one loopback listener so tests can use distinct site IPs.
type controller struct {
	ln    net.Listener
	conns chan net.Conn

	mu       sync.Mutex
	dials    map[string]int
	accepted []net.Conn
}

func startController(t *testing.T) *controller {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := &controller{ln: ln, conns: make(chan net.Conn, 16), dials: map[string]int{}}
	t.Cleanup(func() {
		ln.Close()
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, conn := range c.accepted {
			conn.Close()
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c.mu.Lock()
			c.accepted = append(c.accepted, conn)
			c.mu.Unlock()
			c.conns <- conn
		}
	}()
	return c
}

// DialContext implements link.Dialer.
func (c *controller) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c.mu.Lock()
	c.dials[address]++
	c.mu.Unlock()
	var d net.Dialer
	return d.DialContext(ctx, network, c.ln.Addr().String())
}

func (c *controller) dialCount(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials[address]
}

func (c *controller) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-c.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for controller connection")
		return nil
	}
}

func gateEndpoint(id, siteIP string) catalog.DeviceEndpoint {
	return catalog.DeviceEndpoint{
		ID:                id,
		Kind:              catalog.KindGate,
		Host:              siteIP,
		Port:              5000,
		OperationalStatus: catalog.OperationalOpen,
	}
}

type emitted struct {
	kind    string
	payload any
}

type eventRecorder struct {
	ch chan emitted
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan emitted, 64)}
}

func (r *eventRecorder) Emit(kind string, payload any) {
	r.ch <- emitted{kind: kind, payload: payload}
}

func (r *eventRecorder) next(t *testing.T) emitted {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return emitted{}
	}
}

func (r *eventRecorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("unexpected %s event: %+v", e.kind, e.payload)
	case <-time.After(within):
	}
}

type statusRecorder struct {
	mu     sync.Mutex
	linked map[string]bool
	flips  int
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{linked: map[string]bool{}}
}

func (s *statusRecorder) SetLinked(_ context.Context, id string, v bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.linked[id]; ok && cur == v {
		return false, nil
	}
	s.linked[id] = v
	s.flips++
	return true, nil
}

func (s *statusRecorder) Linked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linked[id]
}

func (s *statusRecorder) known(id string) (linked, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	linked, ok = s.linked[id]
	return linked, ok
}

type mockStore struct {
	mu        sync.Mutex
	locations map[catalog.LocationKey]string
	rows      int64
	states    []string
}

func (m *mockStore) ResolveLocation(_ context.Context, key catalog.LocationKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[key]
	if !ok {
		return "", catalog.ErrLocationNotFound
	}
	return loc, nil
}

func (m *mockStore) RecordGateState(_ context.Context, _ catalog.LocationKey, state string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
	return m.rows, nil
}

type staticCatalog []catalog.DeviceEndpoint

func (c staticCatalog) ListEndpoints(context.Context) ([]catalog.DeviceEndpoint, error) {
	return c, nil
}

func testGateConfig() config.GateConfig {
	return config.GateConfig{
		Enabled:       true,
		Port:          5000,
		Heartbeat:     2 * time.Second,
		IdleMargin:    time.Second,
		SweepInterval: time.Hour,
		ImageBaseURL:  "http://10.0.0.5/images",
		Retry:         config.RetryConfig{MaxCount: 2, Delay: 10 * time.Millisecond},
	}
}

type fixture struct {
	bridge     *Bridge
	controller *controller
	status     *statusRecorder
	events     *eventRecorder
	store      *mockStore
}

func newFixture(t *testing.T, cfg config.GateConfig, cat Catalog) *fixture {
	t.Helper()
	f := &fixture{
		controller: startController(t),
		status:     newStatusRecorder(),
		events:     newEventRecorder(),
		store:      &mockStore{locations: map[catalog.LocationKey]string{}},
	}
	b, err := New(Options{
		Config:  cfg,
		Status:  f.status,
		Events:  f.events,
		Store:   f.store,
		Catalog: cat,
		Dialer:  f.controller,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Stop)
	f.bridge = b
	return f
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
