package gate

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/nerrad567/parklink-core/internal/bridges/frame"
	"github.com/nerrad567/parklink-core/internal/bridges/link"
	"github.com/nerrad567/parklink-core/internal/catalog"
)

// payload is the union of the fields the controller firmware sends.
// Numbers may arrive quoted.
type payload struct {
	Kind       string          `json:"kind"`
	Plate      string          `json:"lp"`
	IP         string          `json:"ip"`
	Port       json.Number     `json:"port"`
	Direction  string          `json:"direction"`
	FolderName string          `json:"folder_name"`
	FileName   string          `json:"file_name"`
	Fee        json.Number     `json:"fee"`
	Entry      json.RawMessage `json:"obj_in"`
	State      string          `json:"state"`
}

// Source identifies the sub-device behind a controller that produced an event.
type Source struct {
	SiteIP     string `json:"site_ip"`
	DeviceIP   string `json:"device_ip"`
	DevicePort int    `json:"device_port"`
	Location   string `json:"location,omitempty"`
}

// LPREvent is a plate read.
type LPREvent struct {
	Source
	EndpointID string    `json:"endpoint_id"`
	Plate      string    `json:"plate"`
	Direction  string    `json:"direction,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// FeeEvent is an exit settlement. Entry is the paired entry event exactly
// as the controller embedded it.
type FeeEvent struct {
	Source
	EndpointID string          `json:"endpoint_id"`
	Plate      string          `json:"plate"`
	Fee        json.Number     `json:"fee,omitempty"`
	Entry      json.RawMessage `json:"entry,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// StateEvent is a barrier state change.
type StateEvent struct {
	Source
	EndpointID string    `json:"endpoint_id"`
	State      string    `json:"state"`
	ReceivedAt time.Time `json:"received_at"`
}

func (b *Bridge) decode(c *link.Connection, msg frame.GateMessage) (payload, bool) {
	var p payload
	if err := json.Unmarshal(msg.Body, &p); err != nil {
		b.logger.Warn("gate event fields invalid",
			"protocol", protocol, "endpoint_id", c.Endpoint().ID, "kind", msg.Kind, "error", err)
		return payload{}, false
	}
	return p, true
}

// source resolves where an event came from. A missing location is not an
// error; the event is forwarded without one.
func (b *Bridge) source(c *link.Connection, p payload) Source {
	port, _ := strconv.Atoi(p.Port.String()) //nolint:errcheck // Absent or bad port resolves as 0
	src := Source{
		SiteIP:     c.Endpoint().Host,
		DeviceIP:   p.IP,
		DevicePort: port,
	}

	location, err := b.store.ResolveLocation(b.ctx, catalog.LocationKey{
		SiteIP:     src.SiteIP,
		DeviceIP:   src.DeviceIP,
		DevicePort: src.DevicePort,
	})
	switch {
	case err == nil:
		src.Location = location
	case errors.Is(err, catalog.ErrLocationNotFound):
		b.logger.Debug("gate event location unknown",
			"site_ip", src.SiteIP, "device_ip", src.DeviceIP, "device_port", src.DevicePort)
	default:
		b.logger.Warn("resolving gate event location failed",
			"site_ip", src.SiteIP, "device_ip", src.DeviceIP, "error", err)
	}
	return src
}

func (b *Bridge) handleLPR(c *link.Connection, msg frame.GateMessage) {
	p, ok := b.decode(c, msg)
	if !ok {
		return
	}
	ev := LPREvent{
		Source:     b.source(c, p),
		EndpointID: c.Endpoint().ID,
		Plate:      p.Plate,
		Direction:  p.Direction,
		ImageURL:   imageURL(b.cfg.ImageBaseURL, p.FolderName, p.FileName),
		ReceivedAt: b.now(),
	}

	if b.recorder != nil {
		b.recorder.RecordGateEvent(msg.Kind, ev.SiteIP, ev.Location, map[string]any{
			"plate":     ev.Plate,
			"direction": ev.Direction,
		})
	}
	b.events.Emit(msg.Kind, ev)
}

func (b *Bridge) handleFee(c *link.Connection, msg frame.GateMessage) {
	p, ok := b.decode(c, msg)
	if !ok {
		return
	}
	ev := FeeEvent{
		Source:     b.source(c, p),
		EndpointID: c.Endpoint().ID,
		Plate:      p.Plate,
		Fee:        p.Fee,
		Entry:      p.Entry,
		ReceivedAt: b.now(),
	}
	b.events.Emit(msg.Kind, ev)
}

// handleGateState writes the barrier state through and forwards it only if
// the write changed a row.
func (b *Bridge) handleGateState(c *link.Connection, msg frame.GateMessage) {
	p, ok := b.decode(c, msg)
	if !ok {
		return
	}
	src := b.source(c, p)
	key := catalog.LocationKey{SiteIP: src.SiteIP, DeviceIP: src.DeviceIP, DevicePort: src.DevicePort}

	rows, err := b.store.RecordGateState(b.ctx, key, p.State)
	if err != nil {
		b.logger.Error("recording gate state failed",
			"endpoint_id", c.Endpoint().ID, "device_ip", src.DeviceIP, "state", p.State, "error", err)
		return
	}
	if rows == 0 {
		b.logger.Debug("gate state unchanged or barrier not provisioned",
			"device_ip", src.DeviceIP, "device_port", src.DevicePort, "state", p.State)
		return
	}

	if b.recorder != nil {
		b.recorder.RecordGateEvent(msg.Kind, src.SiteIP, src.Location, map[string]any{"state": p.State})
	}
	b.events.Emit(msg.Kind, StateEvent{
		Source:     src,
		EndpointID: c.Endpoint().ID,
		State:      p.State,
		ReceivedAt: b.now(),
	})
}

// imageURL joins the configured base with the event's folder and file.
func imageURL(base, folder, file string) string {
	if file == "" {
		return ""
	}
	u, err := url.JoinPath(base, folder, file)
	if err != nil {
		return base + "/" + folder + "/" + file
	}
	return u
}
