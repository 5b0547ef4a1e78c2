// Package status owns the DeviceStatus of every endpoint and propagates
// real transitions to the catalog, the notification channel and the
// time-series recorder. Repeated reports of the current value are dropped.
package status

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/metrics"
	"github.com/nerrad567/parklink-core/internal/notify"
)

// Flags carried by a status transition.
const (
	FlagLinked = "linked"
	FlagAlarm  = "alarm"
)

// Store persists status flags. *catalog.SQLiteRepository satisfies it.
type Store interface {
	UpdateLinkedStatus(ctx context.Context, id string, linked bool) error
	UpdateAlarmStatus(ctx context.Context, id string, alarm bool) error
	ListStatuses(ctx context.Context) ([]catalog.DeviceStatus, error)
}

// Publisher is the fire-and-forget notification channel.
type Publisher interface {
	Publish(topic string, payload any)
}

// Recorder receives every transition for time-series storage.
type Recorder interface {
	RecordTransition(endpointID, flag string, value bool, at time.Time)
}

// Logger is the logging interface used by the synchronizer.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Event is the payload published for one transition.
type Event struct {
	EndpointID   string    `json:"endpoint_id"`
	Flag         string    `json:"flag"`
	Value        bool      `json:"value"`
	Linked       bool      `json:"linked"`
	Alarm        bool      `json:"alarm"`
	Connectivity string    `json:"connectivity"`
	At           time.Time `json:"at"`
}

// Synchronizer serialises transitions per endpoint so that suppression is
// exact under concurrent reporters and events for one endpoint are
// published in order. Transitions on different endpoints never wait on
// each other.
type Synchronizer struct {
	store     Store
	publisher Publisher
	recorder  Recorder
	logger    Logger
	now       func() time.Time

	// mu guards the two maps only; it is never held across I/O.
	mu       sync.Mutex
	statuses map[string]catalog.DeviceStatus
	locks    map[string]*sync.Mutex
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithRecorder attaches a time-series recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Synchronizer) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// New creates a Synchronizer with an empty status map. Call Seed to load
// persisted state before the bridges start.
func New(store Store, publisher Publisher, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:     store,
		publisher: publisher,
		logger:    noopLogger{},
		now:       time.Now,
		statuses:  make(map[string]catalog.DeviceStatus),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed loads the persisted statuses so suppression survives restarts.
func (s *Synchronizer) Seed(ctx context.Context) error {
	rows, err := s.store.ListStatuses(ctx)
	if err != nil {
		return fmt.Errorf("seeding statuses: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.statuses[row.EndpointID] = row
	}
	s.logger.Info("device statuses seeded", "count", len(rows))
	return nil
}

// SetLinked records the connectivity of an endpoint.
//
// Returns:
//   - bool: true if this call changed the status
//   - error: If persisting failed; the in-memory status is left unchanged
func (s *Synchronizer) SetLinked(ctx context.Context, id string, linked bool) (bool, error) {
	return s.transition(ctx, id, FlagLinked, linked)
}

// SetAlarm records the alarm flag of an endpoint.
func (s *Synchronizer) SetAlarm(ctx context.Context, id string, alarm bool) (bool, error) {
	return s.transition(ctx, id, FlagAlarm, alarm)
}

func (s *Synchronizer) transition(ctx context.Context, id, flag string, value bool) (bool, error) {
	lock := s.endpointLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	cur, known := s.statuses[id]
	s.mu.Unlock()
	if known && flagValue(cur, flag) == value {
		return false, nil
	}

	var err error
	if flag == FlagLinked {
		err = s.store.UpdateLinkedStatus(ctx, id, value)
	} else {
		err = s.store.UpdateAlarmStatus(ctx, id, value)
	}
	if err != nil {
		s.logger.Error("persisting device status failed", "endpoint_id", id, "flag", flag, "error", err)
		return false, fmt.Errorf("updating %s status of %s: %w", flag, id, err)
	}

	next := cur
	next.EndpointID = id
	next.LastTransitionAt = s.now()
	if flag == FlagLinked {
		next.Linked = value
	} else {
		next.Alarm = value
	}
	s.mu.Lock()
	s.statuses[id] = next
	s.mu.Unlock()

	metrics.StatusTransitionsTotal.WithLabelValues(flag, strconv.FormatBool(value)).Inc()
	s.logger.Info("device status changed", "endpoint_id", id, "flag", flag, "value", value)

	s.publisher.Publish(notify.StatusTopic(id), Event{
		EndpointID:   id,
		Flag:         flag,
		Value:        value,
		Linked:       next.Linked,
		Alarm:        next.Alarm,
		Connectivity: next.Connectivity(),
		At:           next.LastTransitionAt,
	})
	if s.recorder != nil {
		s.recorder.RecordTransition(id, flag, value, next.LastTransitionAt)
	}
	return true, nil
}

// endpointLock returns the mutex that orders transitions of id.
func (s *Synchronizer) endpointLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func flagValue(st catalog.DeviceStatus, flag string) bool {
	if flag == FlagLinked {
		return st.Linked
	}
	return st.Alarm
}

// Get returns the status of one endpoint.
func (s *Synchronizer) Get(id string) (catalog.DeviceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	return st, ok
}

// Linked reports whether an endpoint is currently known to be linked.
func (s *Synchronizer) Linked(id string) bool {
	st, ok := s.Get(id)
	return ok && st.Linked
}

// Snapshot returns every known status ordered by endpoint ID.
func (s *Synchronizer) Snapshot() []catalog.DeviceStatus {
	s.mu.Lock()
	out := make([]catalog.DeviceStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}
