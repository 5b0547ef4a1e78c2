package sensor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/parklink-core/internal/bridges/frame"
	"github.com/nerrad567/parklink-core/internal/catalog"
)

func TestSweepOnce_SkipsClosedAndSubscribesMissing(t *testing.T) {
	now := time.Now()
	dev := startDevice(t, func(msg frame.SensorMessage) [][]byte {
		if msg.Message == frame.SensorSubscribe {
			return [][]byte{reply(frame.SensorSubscribeOK, "")}
		}
		return nil
	})

	open := dev.endpoint("1")
	closed := dev.endpoint("2")
	closed.OperationalStatus = catalog.OperationalClosed
	gate := catalog.DeviceEndpoint{ID: "g", Kind: catalog.KindGate, Host: "127.0.0.1", Port: 1}

	events := newEventRecorder()
	b := newTestBridge(t, newStatusRecorder(), events, staticCatalog{open, closed, gate}, now)

	b.SweepOnce(context.Background())
	events.waitFor(t, frame.SensorSubscribeOK)

	if n := dev.accepted.Load(); n != 1 {
		t.Errorf("connections accepted = %d, want 1", n)
	}
	if b.Registry().Get("2") != nil {
		t.Error("closed endpoint must not be connected")
	}
	if b.Registry().Get("1") == nil {
		t.Error("open endpoint should be connected")
	}
}

func TestSweepOnce_ProbesLiveConnection(t *testing.T) {
	dev := startDevice(t, func(msg frame.SensorMessage) [][]byte {
		if msg.Message == frame.SensorHello {
			return [][]byte{reply(frame.SensorHelloOK, "")}
		}
		return nil
	})
	ep := dev.endpoint("5")
	events := newEventRecorder()
	b := newTestBridge(t, newStatusRecorder(), events, staticCatalog{ep}, time.Now())

	if _, err := b.Hello(context.Background(), ep); err != nil {
		t.Fatalf("Hello() error = %v", err)
	}
	events.waitFor(t, frame.SensorHelloOK)

	b.SweepOnce(context.Background())
	events.waitFor(t, frame.SensorHelloOK)

	if n := dev.accepted.Load(); n != 1 {
		t.Errorf("connections accepted = %d, want 1 (sweep reuses the live connection)", n)
	}
}

func TestSweepOnce_TearsDownSilentConnection(t *testing.T) {
	dev := startDevice(t, func(msg frame.SensorMessage) [][]byte {
		if msg.Message == frame.SensorHello {
			return [][]byte{reply(frame.SensorHelloOK, "")}
		}
		return nil
	})
	ep := dev.endpoint("6")
	status := newStatusRecorder()
	events := newEventRecorder()

	var offset atomic.Int64
	b, err := New(Options{
		Config:  testSensorConfig(),
		Status:  status,
		Events:  events,
		Catalog: staticCatalog{ep},
		Now:     func() time.Time { return time.Now().Add(time.Duration(offset.Load())) },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	if _, err := b.Hello(context.Background(), ep); err != nil {
		t.Fatalf("Hello() error = %v", err)
	}
	events.waitFor(t, frame.SensorHelloOK)

	offset.Store(int64(4 * time.Hour))
	b.SweepOnce(context.Background())

	if b.Registry().Get("6") != nil {
		t.Error("silent connection should be torn down")
	}
	if linked, known := status.get("linked", "6"); !known || linked {
		t.Error("silent sensor should be marked disconnected")
	}
	if alarm, _ := status.get("alarm", "6"); !alarm {
		t.Error("silent sensor should raise alarm")
	}
}

func TestStart_RequiresCatalog(t *testing.T) {
	b := newTestBridge(t, newStatusRecorder(), newEventRecorder(), nil, time.Now())
	if err := b.Start(context.Background()); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("Start() error = %v, want ErrMissingDependency", err)
	}
}
