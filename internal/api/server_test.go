package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/parklink-core/internal/bridges/link"
	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
	"github.com/nerrad567/parklink-core/internal/infrastructure/logging"
	"github.com/nerrad567/parklink-core/internal/infrastructure/metrics"
)

type staticStatus []catalog.DeviceStatus

func (s staticStatus) Snapshot() []catalog.DeviceStatus { return s }

type staticConnections struct {
	protocol string
	infos    []link.Info
}

func (c staticConnections) Protocol() string       { return c.protocol }
func (c staticConnections) Snapshot() []link.Info { return c.infos }

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// testServer creates a Server over fixed status and connection sources.
func testServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:     testWSConfig(),
		Logger: testLogger(),
		Status: staticStatus{
			{EndpointID: "s-1", Linked: true, LastTransitionAt: at},
			{EndpointID: "s-2", Linked: false, Alarm: true},
		},
		Connections: []ConnectionSource{
			staticConnections{protocol: "sensor", infos: []link.Info{
				{Key: "s-1", EndpointID: "s-1", Protocol: "sensor", State: link.StateOpen},
			}},
			staticConnections{protocol: "gate", infos: []link.Info{
				{Key: "10.0.0.9", EndpointID: "g-1", Protocol: "gate", State: link.StateConnecting},
			}},
		},
		Checks: map[string]HealthChecker{
			"database": checkFunc(func(context.Context) error { return nil }),
		},
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv
}

func get(t *testing.T, srv *Server, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{Status: staticStatus{}}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without status source should fail")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv := testServer(t, nil)
	w := get(t, srv, "/api/v1/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}
	decode(t, w, &resp)

	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
	if resp.Components["database"] != "ok" {
		t.Errorf("components[database] = %q, want ok", resp.Components["database"])
	}
}

func TestHealth_FailingComponent(t *testing.T) {
	srv := testServer(t, func(d *Deps) {
		d.Checks["mqtt"] = checkFunc(func(context.Context) error { return errors.New("not connected") })
	})
	w := get(t, srv, "/api/v1/health", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var resp struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	decode(t, w, &resp)

	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Components["mqtt"] != "not connected" {
		t.Errorf("components[mqtt] = %q", resp.Components["mqtt"])
	}
	if resp.Components["database"] != "ok" {
		t.Errorf("components[database] = %q, want ok", resp.Components["database"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv := testServer(t, nil)
	w := get(t, srv, "/api/v1/health", nil)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv := testServer(t, nil)
	w := get(t, srv, "/api/v1/health", map[string]string{"X-Request-ID": "client-123"})

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestRecovery(t *testing.T) {
	srv := testServer(t, func(d *Deps) {
		d.Checks["broken"] = checkFunc(func(context.Context) error { panic("boom") })
	})
	w := get(t, srv, "/api/v1/health", nil)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var resp Error
	decode(t, w, &resp)
	if resp.Code != ErrCodeInternal {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeInternal)
	}
	if resp.RequestID == "" || resp.RequestID != w.Header().Get("X-Request-ID") {
		t.Errorf("request_id = %q, header = %q", resp.RequestID, w.Header().Get("X-Request-ID"))
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	srv := testServer(t, nil)
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/devices/status", "200")
	before := testutil.ToFloat64(counter)

	get(t, srv, "/api/v1/devices/status", nil)

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("http_requests_total delta = %v, want 1", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t, nil)
	w := get(t, srv, "/metrics", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Error("metrics output missing http_requests_total")
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(t, nil)
	w := get(t, srv, "/api/v1/nonexistent", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Device Status Tests ───────────────────────────────────────────

func TestDeviceStatus(t *testing.T) {
	srv := testServer(t, nil)
	w := get(t, srv, "/api/v1/devices/status", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Statuses []deviceStatusResponse `json:"statuses"`
		Count    int                    `json:"count"`
	}
	decode(t, w, &resp)

	if resp.Count != 2 || len(resp.Statuses) != 2 {
		t.Fatalf("count = %d, statuses = %d, want 2", resp.Count, len(resp.Statuses))
	}

	tests := []struct {
		idx          int
		id           string
		connectivity string
		alarm        bool
	}{
		{0, "s-1", "normal", false},
		{1, "s-2", "error", true},
	}
	for _, tt := range tests {
		got := resp.Statuses[tt.idx]
		if got.EndpointID != tt.id {
			t.Errorf("statuses[%d].EndpointID = %q, want %q", tt.idx, got.EndpointID, tt.id)
		}
		if got.Connectivity != tt.connectivity {
			t.Errorf("statuses[%d].Connectivity = %q, want %q", tt.idx, got.Connectivity, tt.connectivity)
		}
		if got.Alarm != tt.alarm {
			t.Errorf("statuses[%d].Alarm = %v, want %v", tt.idx, got.Alarm, tt.alarm)
		}
	}
	if !resp.Statuses[1].LastTransitionAt.IsZero() {
		t.Error("zero transition time should be omitted")
	}
}

func TestDeviceStatus_Empty(t *testing.T) {
	srv := testServer(t, func(d *Deps) { d.Status = staticStatus{} })
	w := get(t, srv, "/api/v1/devices/status", nil)

	if !strings.Contains(w.Body.String(), `"statuses":[]`) {
		t.Errorf("body = %s, want empty statuses array", w.Body.String())
	}
}

// ─── Connection Listing Tests ──────────────────────────────────────

func TestConnections(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantCode int
		wantKeys []string
	}{
		{"all protocols", "/api/v1/connections", http.StatusOK, []string{"10.0.0.9", "s-1"}},
		{"sensor only", "/api/v1/connections?protocol=sensor", http.StatusOK, []string{"s-1"}},
		{"gate only", "/api/v1/connections?protocol=gate", http.StatusOK, []string{"10.0.0.9"}},
		{"unknown protocol", "/api/v1/connections?protocol=modbus", http.StatusBadRequest, nil},
	}

	srv := testServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, srv, tt.target, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				var e Error
				decode(t, w, &e)
				if e.Code != ErrCodeBadRequest || e.RequestID == "" {
					t.Errorf("error body = %+v", e)
				}
				return
			}

			var resp struct {
				Connections []link.Info `json:"connections"`
				Count       int         `json:"count"`
			}
			decode(t, w, &resp)

			if resp.Count != len(tt.wantKeys) {
				t.Fatalf("count = %d, want %d", resp.Count, len(tt.wantKeys))
			}
			for i, key := range tt.wantKeys {
				if resp.Connections[i].Key != key {
					t.Errorf("connections[%d].Key = %q, want %q", i, resp.Connections[i].Key, key)
				}
			}
		})
	}
}

func TestServer_StartAndClose(t *testing.T) {
	srv := testServer(t, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	srv := testServer(t, nil)
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
