// bridge.go

// Copyright (C) 2018  Steve Merrony

// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.

// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package mqttbridge republishes a drone's telemetry on MQTT and runs the
// commands it receives there.
//
// Topics, under a configurable prefix (default "pdrone"):
//
//	<prefix>/sensors/<sensor key>                 retained, one JSON reading per sensor
//	<prefix>/state                                retained, the connection state
//	<prefix>/errors                               dropped frames and failed commands
//	<prefix>/commands/<project>/<class>/<command> inbound, JSON object of arguments
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/algolia/pdrone"
)

const (
	defaultPrefix  = "pdrone"
	defaultTimeout = 5 * time.Second
)

// ErrTimeout is returned when the broker does not complete an operation in time.
var ErrTimeout = errors.New("mqttbridge: timed out waiting for broker")

// Client is the part of mqtt.Client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Drone is the part of *pdrone.Manager the bridge uses.
type Drone interface {
	RunCommand(ctx context.Context, project, class, command string, args pdrone.Args) error
	Subscribe() *pdrone.Subscription
	Unsubscribe(id uuid.UUID) bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPrefix sets the topic prefix.
func WithPrefix(prefix string) Option {
	return func(b *Bridge) { b.prefix = strings.TrimSuffix(prefix, "/") }
}

// WithQoS sets the QoS used for every publish and the command subscription.
func WithQoS(qos byte) Option {
	return func(b *Bridge) { b.qos = qos }
}

// WithTimeout bounds broker round trips and inbound commands.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// Bridge connects one drone to one MQTT client.
type Bridge struct {
	client  Client
	drone   Drone
	prefix  string
	qos     byte
	timeout time.Duration
	log     *slog.Logger
}

// New returns a Bridge; nothing happens until Run.
func New(client Client, drone Drone, opts ...Option) *Bridge {
	b := &Bridge{
		client:  client,
		drone:   drone,
		prefix:  defaultPrefix,
		qos:     1,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.Default().With(slog.String("component", "mqttbridge"))
	}
	return b
}

type sensorMessage struct {
	Sensor string         `json:"sensor"`
	Args   map[string]any `json:"args"`
	Time   time.Time      `json:"time"`
}

type stateMessage struct {
	State string    `json:"state"`
	Time  time.Time `json:"time"`
}

type errorMessage struct {
	Error   string    `json:"error"`
	Command string    `json:"command,omitempty"`
	Time    time.Time `json:"time"`
}

// SensorTopic returns the topic a sensor's readings are published on.
func (b *Bridge) SensorTopic(key pdrone.SensorKey) string {
	return b.prefix + "/sensors/" + string(key)
}

func (b *Bridge) stateTopic() string     { return b.prefix + "/state" }
func (b *Bridge) errorsTopic() string    { return b.prefix + "/errors" }
func (b *Bridge) commandsFilter() string { return b.prefix + "/commands/+/+/+" }

// Run subscribes to the drone's notifications and the command topics, and
// relays until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.drone.Subscribe()
	defer b.drone.Unsubscribe(sub.ID)

	filter := b.commandsFilter()
	if err := b.wait(b.client.Subscribe(filter, b.qos, b.commandHandler(ctx))); err != nil {
		return fmt.Errorf("mqttbridge: subscribe %s: %w", filter, err)
	}
	b.log.Info("bridge running", slog.String("commands", filter))
	defer func() {
		if err := b.wait(b.client.Unsubscribe(filter)); err != nil {
			b.log.Warn("unsubscribe failed", slog.String("topic", filter), slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.C:
			if !ok {
				return nil
			}
			b.relay(n)
		}
	}
}

func (b *Bridge) relay(n pdrone.Notification) {
	switch n.Type {
	case pdrone.SensorUpdate:
		b.publish(b.SensorTopic(n.SensorKey), true, sensorMessage{
			Sensor: string(n.SensorKey),
			Args:   jsonArgs(n.Event),
			Time:   n.Time,
		})
	case pdrone.StateChange:
		b.publish(b.stateTopic(), true, stateMessage{State: n.State.String(), Time: n.Time})
	case pdrone.TelemetryError:
		b.publish(b.errorsTopic(), false, errorMessage{Error: n.Err.Error(), Time: n.Time})
	}
}

// jsonArgs returns the event's arguments with NaN and infinite floats as nil,
// which JSON can carry as null.
func jsonArgs(ev pdrone.TelemetryEvent) map[string]any {
	args := ev.Values()
	for name, v := range args {
		if f, ok := v.(float32); ok && (math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)) {
			args[name] = nil
		}
	}
	return args
}

func (b *Bridge) publish(topic string, retained bool, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn("cannot encode message", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	if err := b.wait(b.client.Publish(topic, b.qos, retained, payload)); err != nil {
		b.log.Warn("publish failed", slog.String("topic", topic), slog.Any("error", err))
	}
}

func (b *Bridge) wait(t mqtt.Token) error {
	if !t.WaitTimeout(b.timeout) {
		return ErrTimeout
	}
	return t.Error()
}

// commandHandler runs the command named by the message topic.
func (b *Bridge) commandHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		project, class, command, ok := b.parseCommandTopic(msg.Topic())
		if !ok {
			b.log.Warn("unexpected command topic", slog.String("topic", msg.Topic()))
			return
		}
		name := project + "." + class + "." + command

		var args pdrone.Args
		if body := msg.Payload(); len(body) > 0 {
			if err := json.Unmarshal(body, &args); err != nil {
				b.commandFailed(name, fmt.Errorf("bad arguments: %w", err))
				return
			}
		}

		cctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		if err := b.drone.RunCommand(cctx, project, class, command, args); err != nil {
			b.commandFailed(name, err)
			return
		}
		b.log.Debug("command relayed", slog.String("command", name))
	}
}

func (b *Bridge) commandFailed(name string, err error) {
	b.log.Warn("command failed", slog.String("command", name), slog.Any("error", err))
	b.publish(b.errorsTopic(), false, errorMessage{Error: err.Error(), Command: name, Time: time.Now()})
}

func (b *Bridge) parseCommandTopic(topic string) (project, class, command string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.prefix+"/commands/")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
