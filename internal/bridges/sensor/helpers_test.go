package sensor

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/parklink-core/internal/bridges/frame"
	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
)

// device is an in-process sensor simulator on a loopback listener.
type device struct {
	ln       net.Listener
	accepted atomic.Int32

	mu       sync.Mutex
	received []frame.SensorMessage
	respond  func(msg frame.SensorMessage) [][]byte
}

func startDevice(t *testing.T, respond func(msg frame.SensorMessage) [][]byte) *device {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &device{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.accepted.Add(1)
			go d.serve(conn)
		}
	}()
	return d
}

func (d *device) serve(conn net.Conn) {
	defer conn.Close()
	dec := frame.NewSensorDecoder(0)
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		msgs, _ := dec.Feed(buf[:n])
		for _, msg := range msgs {
			d.mu.Lock()
			d.received = append(d.received, msg)
			d.mu.Unlock()
			for _, out := range d.respond(msg) {
				if _, err := conn.Write(out); err != nil {
					return
				}
			}
		}
	}
}

func (d *device) kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.received))
	for _, m := range d.received {
		out = append(out, m.Message)
	}
	return out
}

func (d *device) endpoint(id string) catalog.DeviceEndpoint {
	addr := d.ln.Addr().(*net.TCPAddr)
	return catalog.DeviceEndpoint{
		ID:                id,
		Kind:              catalog.KindSensor,
		Host:              "127.0.0.1",
		Port:              addr.Port,
		Credentials:       catalog.Credentials{DevNo: 1, UserID: "admin", UserPW: "secret"},
		OperationalStatus: catalog.OperationalOpen,
	}
}

// reply builds a NUL-terminated sensor frame.
func reply(kind, sensorData string) []byte {
	if sensorData == "" {
		sensorData = "null"
	}
	return []byte(`{"message":"` + kind + `","sensorData":` + sensorData + "}\x00")
}

func reading(at time.Time) string {
	return `{"updateTime":` + strconv.Quote(at.In(time.Local).Format(reportTimeLayout)) + `}`
}

type emitted struct {
	kind  string
	event Event
}

type eventRecorder struct {
	ch chan emitted
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan emitted, 64)}
}

func (r *eventRecorder) Emit(kind string, payload any) {
	r.ch <- emitted{kind: kind, event: payload.(Event)}
}

// waitFor returns the next emitted event of kind, skipping others.
func (r *eventRecorder) waitFor(t *testing.T, kind string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.kind == kind {
				return e.event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

// statusRecorder applies the same suppression as the status package and
// counts real transitions per flag.
type statusRecorder struct {
	mu          sync.Mutex
	linked      map[string]bool
	alarm       map[string]bool
	transitions map[string]int
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{
		linked:      map[string]bool{},
		alarm:       map[string]bool{},
		transitions: map[string]int{},
	}
}

func (s *statusRecorder) SetLinked(_ context.Context, id string, v bool) (bool, error) {
	return s.set(s.linked, "linked", id, v), nil
}

func (s *statusRecorder) SetAlarm(_ context.Context, id string, v bool) (bool, error) {
	return s.set(s.alarm, "alarm", id, v), nil
}

func (s *statusRecorder) set(m map[string]bool, flag, id string, v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := m[id]; ok && cur == v {
		return false
	}
	m[id] = v
	s.transitions[flag]++
	return true
}

func (s *statusRecorder) get(flag, id string) (value bool, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.linked
	if flag == "alarm" {
		m = s.alarm
	}
	value, known = m[id]
	return value, known
}

func (s *statusRecorder) count(flag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions[flag]
}

type staticCatalog []catalog.DeviceEndpoint

func (c staticCatalog) ListEndpoints(context.Context) ([]catalog.DeviceEndpoint, error) {
	return c, nil
}

func testSensorConfig() config.SensorConfig {
	return config.SensorConfig{
		Enabled:        true,
		Port:           9000,
		StaleThreshold: 3 * time.Hour,
		PollInterval:   time.Hour,
		ConnectTimeout: 2 * time.Second,
		Retry:          config.RetryConfig{MaxCount: 2, Delay: 10 * time.Millisecond},
	}
}

func newTestBridge(t *testing.T, status StatusSink, events EventSink, cat Catalog, now time.Time) *Bridge {
	t.Helper()
	b, err := New(Options{
		Config:  testSensorConfig(),
		Status:  status,
		Events:  events,
		Catalog: cat,
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

// eventually polls cond until it holds or the deadline passes.
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
