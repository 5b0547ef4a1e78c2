package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/parklink-core/internal/bridges/sensor"
	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/logging"
	"github.com/nerrad567/parklink-core/internal/infrastructure/mqtt"
)

// commandTimeout bounds one MQTT-triggered device command.
const commandTimeout = 15 * time.Second

var (
	errUnknownCommand  = errors.New("unknown command")
	errUnknownEndpoint = errors.New("unknown endpoint")
	errEndpointClosed  = errors.New("endpoint is closed")
	errBridgeDisabled  = errors.New("bridge disabled")
)

type endpointLister interface {
	ListEndpoints(ctx context.Context) ([]catalog.DeviceEndpoint, error)
}

type sensorCommander interface {
	Hello(ctx context.Context, endpoint catalog.DeviceEndpoint) (sensor.OutboundCommand, error)
	Get(ctx context.Context, endpoint catalog.DeviceEndpoint) (sensor.OutboundCommand, error)
	Subscribe(ctx context.Context, endpoint catalog.DeviceEndpoint) (sensor.OutboundCommand, error)
	Unsubscribe(ctx context.Context, endpoint catalog.DeviceEndpoint) (sensor.OutboundCommand, error)
}

type gateSender interface {
	Send(ctx context.Context, siteIP string, payload []byte) error
}

type subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// commandRouter turns inbound MQTT command messages into device commands:
//
//	parklink/{site}/command/sensor/{endpointId}  {"command":"get"}
//	parklink/{site}/command/gate/{siteIP}        raw controller payload
type commandRouter struct {
	ctx     context.Context
	topics  mqtt.Topics
	catalog endpointLister
	sensor  sensorCommander
	gate    gateSender
	logger  *logging.Logger
}

type sensorCommandRequest struct {
	Command string `json:"command"`
}

func (r *commandRouter) subscribe(client subscriber, qos byte) error {
	if err := client.Subscribe(r.topics.AllCommands(string(catalog.KindSensor)), qos, r.handleSensor); err != nil {
		return fmt.Errorf("subscribing to sensor commands: %w", err)
	}
	if err := client.Subscribe(r.topics.AllCommands(string(catalog.KindGate)), qos, r.handleGate); err != nil {
		return fmt.Errorf("subscribing to gate commands: %w", err)
	}
	return nil
}

func (r *commandRouter) handleSensor(topic string, payload []byte) error {
	id, ok := r.topics.CommandTarget(string(catalog.KindSensor), topic)
	if !ok {
		return fmt.Errorf("%w: topic %s", errUnknownEndpoint, topic)
	}
	if r.sensor == nil {
		return fmt.Errorf("sensor: %w", errBridgeDisabled)
	}

	var req sensorCommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding sensor command: %w", err)
	}

	ctx, cancel := context.WithTimeout(r.ctx, commandTimeout)
	defer cancel()

	endpoint, err := r.lookup(ctx, id, catalog.KindSensor)
	if err != nil {
		return err
	}

	var cmd sensor.OutboundCommand
	switch strings.ToLower(req.Command) {
	case "hello":
		cmd, err = r.sensor.Hello(ctx, endpoint)
	case "get":
		cmd, err = r.sensor.Get(ctx, endpoint)
	case "subscribe":
		cmd, err = r.sensor.Subscribe(ctx, endpoint)
	case "unsubscribe":
		cmd, err = r.sensor.Unsubscribe(ctx, endpoint)
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, req.Command)
	}
	if err != nil {
		return fmt.Errorf("sensor %s %s: %w", id, req.Command, err)
	}

	r.logger.Info("sensor command sent", "endpoint_id", id, "kind", cmd.Kind, "command_id", cmd.ID)
	return nil
}

func (r *commandRouter) handleGate(topic string, payload []byte) error {
	siteIP, ok := r.topics.CommandTarget(string(catalog.KindGate), topic)
	if !ok {
		return fmt.Errorf("%w: topic %s", errUnknownEndpoint, topic)
	}
	if r.gate == nil {
		return fmt.Errorf("gate: %w", errBridgeDisabled)
	}

	ctx, cancel := context.WithTimeout(r.ctx, commandTimeout)
	defer cancel()

	if err := r.gate.Send(ctx, siteIP, payload); err != nil {
		return fmt.Errorf("gate %s: %w", siteIP, err)
	}
	r.logger.Info("gate command sent", "site_ip", siteIP, "bytes", len(payload))
	return nil
}

// lookup finds an open endpoint of the given kind by ID.
func (r *commandRouter) lookup(ctx context.Context, id string, kind catalog.ProtocolKind) (catalog.DeviceEndpoint, error) {
	endpoints, err := r.catalog.ListEndpoints(ctx)
	if err != nil {
		return catalog.DeviceEndpoint{}, fmt.Errorf("listing endpoints: %w", err)
	}
	for _, ep := range endpoints {
		if ep.ID != id || ep.Kind != kind {
			continue
		}
		if ep.Closed() {
			return catalog.DeviceEndpoint{}, fmt.Errorf("%w: %s", errEndpointClosed, id)
		}
		return ep, nil
	}
	return catalog.DeviceEndpoint{}, fmt.Errorf("%w: %s", errUnknownEndpoint, id)
}
