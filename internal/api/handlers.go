package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/nerrad567/parklink-core/internal/bridges/link"
	"github.com/nerrad567/parklink-core/internal/catalog"
)

// healthCheckTimeout bounds each component check.
const healthCheckTimeout = 3 * time.Second

// handleHealth reports overall and per-component health. Any failing
// component turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.checks))
	healthy := true

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			healthy = false
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}

// deviceStatusResponse adds the connectivity label to a DeviceStatus.
type deviceStatusResponse struct {
	EndpointID       string    `json:"endpoint_id"`
	Linked           bool      `json:"linked"`
	Alarm            bool      `json:"alarm"`
	Connectivity     string    `json:"connectivity"`
	LastTransitionAt time.Time `json:"last_transition_at,omitzero"`
}

func newDeviceStatusResponse(st catalog.DeviceStatus) deviceStatusResponse {
	return deviceStatusResponse{
		EndpointID:       st.EndpointID,
		Linked:           st.Linked,
		Alarm:            st.Alarm,
		Connectivity:     st.Connectivity(),
		LastTransitionAt: st.LastTransitionAt,
	}
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.status.Snapshot()
	out := make([]deviceStatusResponse, 0, len(snapshot))
	for _, st := range snapshot {
		out = append(out, newDeviceStatusResponse(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses": out,
		"count":    len(out),
	})
}

// handleConnections lists live connections, optionally filtered with
// ?protocol=sensor|gate.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	protocol := r.URL.Query().Get("protocol")

	var conns []link.Info
	matched := protocol == ""
	for _, src := range s.connections {
		if protocol != "" && src.Protocol() != protocol {
			continue
		}
		matched = true
		conns = append(conns, src.Snapshot()...)
	}
	if !matched {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unknown protocol: "+protocol)
		return
	}

	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].Protocol != conns[j].Protocol {
			return conns[i].Protocol < conns[j].Protocol
		}
		return conns[i].Key < conns[j].Key
	})
	if conns == nil {
		conns = []link.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"count":       len(conns),
	})
}
