// connection.go

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

package pdrone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionState is where a Manager is in its link lifecycle.
type ConnectionState int32

// Connection states...
const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Option configures a Manager during construction.
type Option func(*Manager)

// WithCommandTable replaces the built-in minidrone table.
func WithCommandTable(t *CommandTable) Option {
	return func(m *Manager) { m.table = t }
}

// WithConfig sets the Manager's configuration. Zero fields take their defaults.
func WithConfig(c Config) Option {
	return func(m *Manager) { m.cfg = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithSensorStore makes the Manager write telemetry into s instead of a store of its own.
func WithSensorStore(s *SensorStore) Option {
	return func(m *Manager) { m.sensors = s }
}

// WithRegisterer registers the Manager's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.reg = reg }
}

// link is the lifetime of one Connected period.
type link struct {
	ctx      context.Context // cancelled when the link starts closing
	cancel   context.CancelFunc
	wg       sync.WaitGroup // keep-alive and notification pump
	closed   chan struct{}  // closed once the link is fully down
	failures int            // consecutive send failures, guarded by the send slot
}

// attempt is a Connect in progress.
type attempt struct {
	cancel  context.CancelFunc
	done    chan struct{}
	aborted bool // set by Disconnect, guarded by ctrlMu
}

// Manager owns a Transport: it connects and disconnects it, keeps the link from
// idling out, turns commands into frames and notifications into sensor readings.
// All methods are safe for concurrent use.
type Manager struct {
	table          *CommandTable
	decoder        *Decoder
	transport      Transport
	sensors        *SensorStore
	cfg            Config
	log            *slog.Logger
	reg            prometheus.Registerer
	metrics        *metrics
	notes          *notifier
	keepAliveFrame []byte

	ctrlMu  sync.Mutex // this mutex protects the connection fields
	state   ConnectionState
	link    *link
	attempt *attempt

	sendSlot chan struct{} // holds a token while a frame is being sent

	epoch      time.Time // zero point of piloting timestamps
	autoMu     sync.Mutex
	autoCancel context.CancelFunc // set while an autopilot is navigating
}

// NewManager returns a disconnected Manager driving t.
func NewManager(t Transport, opts ...Option) (*Manager, error) {
	if t == nil {
		return nil, errors.New("pdrone: nil transport")
	}
	m := &Manager{
		transport: t,
		sendSlot:  make(chan struct{}, 1),
		epoch:     time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.table == nil {
		m.table = DefaultCommandTable()
	}
	if m.sensors == nil {
		m.sensors = NewSensorStore()
	}
	if m.log == nil {
		m.log = slog.Default().With(slog.String("component", "pdrone"))
	}
	m.cfg.applyDefaults()
	if err := m.cfg.validate(); err != nil {
		return nil, err
	}

	ka := m.cfg.KeepAlive
	spec, err := m.table.Lookup(ka.Project, ka.Class, ka.Command)
	if err != nil {
		return nil, fmt.Errorf("pdrone: keepalive command: %w", err)
	}
	frame, err := Encode(spec, ka.Args)
	if err != nil {
		return nil, fmt.Errorf("pdrone: keepalive command: %w", err)
	}
	m.keepAliveFrame = frame.Bytes()

	m.decoder = NewDecoder(m.table)
	m.metrics = newMetrics(m.reg)
	m.notes = newNotifier(m.cfg.SubscriberBuffer, m.metrics.notificationsDropped.Inc)
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()
	return m.state
}

// Sensors returns the store the Manager writes telemetry into.
func (m *Manager) Sensors() *SensorStore {
	return m.sensors
}

// Table returns the command table in use.
func (m *Manager) Table() *CommandTable {
	return m.table
}

// Subscribe registers a new listener for notifications.
// Slow subscribers lose notifications rather than hold up the drone.
func (m *Manager) Subscribe() *Subscription {
	return m.notes.subscribe()
}

// Unsubscribe removes a listener and closes its channel.
func (m *Manager) Unsubscribe(id uuid.UUID) bool {
	return m.notes.unsubscribe(id)
}

// setStateLocked must be called with ctrlMu held.
func (m *Manager) setStateLocked(s ConnectionState) {
	if m.state == s {
		return
	}
	m.log.Info("connection state changed", slog.String("from", m.state.String()), slog.String("to", s.String()))
	m.state = s
	m.metrics.state.Set(float64(s))
	m.notes.publish(Notification{Type: StateChange, State: s})
}

// Connect opens the transport and starts the keep-alive and notification pump.
// A transport failure, including a timeout from ctx, is returned wrapped in ErrConnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.ctrlMu.Lock()
	if m.state != Disconnected {
		st := m.state
		m.ctrlMu.Unlock()
		return fmt.Errorf("%w (%s)", ErrAlreadyConnected, st)
	}
	actx, cancel := context.WithCancel(ctx)
	at := &attempt{cancel: cancel, done: make(chan struct{})}
	m.attempt = at
	m.setStateLocked(Connecting)
	m.ctrlMu.Unlock()
	defer close(at.done)

	err := m.transport.Connect(actx)
	cancel()

	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()
	m.attempt = nil
	if at.aborted {
		if err == nil {
			_ = m.transport.Disconnect()
			err = context.Canceled
		}
	}
	if err != nil {
		m.setStateLocked(Disconnected)
		m.log.Warn("connect failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	notes := m.transport.Notifications()
	lctx, lcancel := context.WithCancel(context.Background())
	lnk := &link{ctx: lctx, cancel: lcancel, closed: make(chan struct{})}
	m.link = lnk
	m.setStateLocked(Connected)

	lnk.wg.Add(2)
	go m.keepAlive(lnk)
	go m.pump(lnk, notes)
	return nil
}

// Disconnect stops the keep-alive, waits for any send in flight, then closes the transport.
// It does nothing if already disconnected, and aborts a Connect in progress.
func (m *Manager) Disconnect() error {
	m.ctrlMu.Lock()
	switch m.state {
	case Disconnected:
		m.ctrlMu.Unlock()
		return nil
	case Connecting:
		at := m.attempt
		at.aborted = true
		m.ctrlMu.Unlock()
		at.cancel()
		<-at.done
		return m.Disconnect() // the attempt may have won the race
	case Disconnecting:
		lnk := m.link
		m.ctrlMu.Unlock()
		<-lnk.closed
		return nil
	}
	lnk := m.link
	m.setStateLocked(Disconnecting)
	m.ctrlMu.Unlock()
	return m.closeLink(lnk)
}

// closeLink tears the link down. Exactly one caller does this per link, once
// it has moved the state to Disconnecting.
func (m *Manager) closeLink(lnk *link) error {
	lnk.cancel()
	lnk.wg.Wait()

	// wait out a send in flight; it was cancelled along with the link
	m.sendSlot <- struct{}{}
	<-m.sendSlot

	err := m.transport.Disconnect()
	if m.cfg.ClearSensorsOnDisconnect {
		m.sensors.Clear()
	}

	m.ctrlMu.Lock()
	m.link = nil
	m.setStateLocked(Disconnected)
	m.ctrlMu.Unlock()
	close(lnk.closed)

	if err != nil {
		m.log.Warn("transport disconnect failed", slog.Any("error", err))
		return fmt.Errorf("pdrone: disconnect: %w", err)
	}
	return nil
}

// linkLost starts tearing down a link the Manager can no longer use.
func (m *Manager) linkLost(lnk *link, reason string) {
	m.ctrlMu.Lock()
	if m.link != lnk || m.state != Connected {
		m.ctrlMu.Unlock()
		return
	}
	m.setStateLocked(Disconnecting)
	m.ctrlMu.Unlock()

	m.log.Warn("link lost", slog.String("reason", reason))
	go m.closeLink(lnk) //nolint:errcheck // logged by closeLink
}

func (m *Manager) currentLink() (*link, error) {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()
	if m.state != Connected {
		return nil, fmt.Errorf("%w (%s)", ErrNotConnected, m.state)
	}
	return m.link, nil
}

// RunCommand encodes the named command and sends it.
// Concurrent callers are queued; one whose ctx ends while still queued gets ErrTransportBusy.
func (m *Manager) RunCommand(ctx context.Context, project, class, command string, args Args) error {
	lnk, err := m.currentLink()
	if err != nil {
		return err
	}
	spec, err := m.table.Lookup(project, class, command)
	if err != nil {
		return err
	}
	frame, err := Encode(spec, args)
	if err != nil {
		return err
	}
	if err := m.sendFrame(ctx, lnk, frame.Bytes(), sendCommand); err != nil {
		if errors.Is(err, ErrSendFailed) {
			m.log.Warn("command send failed", slog.String("command", spec.Name()), slog.Any("error", err))
		}
		return err
	}
	m.log.Debug("command sent", slog.String("command", spec.Name()))
	return nil
}

// sendFrame writes one frame on lnk, one sender at a time.
func (m *Manager) sendFrame(ctx context.Context, lnk *link, frame []byte, kind string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case m.sendSlot <- struct{}{}:
	case <-lnk.ctx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransportBusy, ctx.Err())
	}
	defer func() { <-m.sendSlot }()
	if lnk.ctx.Err() != nil {
		return ErrNotConnected
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	stop := context.AfterFunc(lnk.ctx, cancel)
	defer stop()

	err := m.transport.Send(sctx, frame)
	if lnk.ctx.Err() != nil {
		// the link closed under us, the outcome no longer matters
		return ErrNotConnected
	}
	if err != nil {
		m.metrics.sendFailures.Inc()
		lnk.failures++
		if lnk.failures >= m.cfg.MaxSendFailures {
			m.linkLost(lnk, fmt.Sprintf("%d consecutive send failures", lnk.failures))
		}
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	lnk.failures = 0
	m.metrics.framesSent.WithLabelValues(kind).Inc()
	return nil
}

// pump decodes inbound frames until the link closes.
func (m *Manager) pump(lnk *link, notes <-chan []byte) {
	defer lnk.wg.Done()
	for {
		select {
		case <-lnk.ctx.Done():
			return
		case buff, ok := <-notes:
			if !ok {
				m.linkLost(lnk, "transport closed the link")
				return
			}
			m.handleNotification(buff)
		}
	}
}

func (m *Manager) handleNotification(buff []byte) {
	ev, err := m.decoder.Decode(buff)
	if err != nil {
		m.metrics.decodeErrors.WithLabelValues(decodeErrorReason(err)).Inc()
		if errors.Is(err, ErrUnknownFrame) {
			// newer firmware talks about things we have no schema for
			m.log.Debug("skipping unknown frame", slog.Any("error", err))
			return
		}
		m.log.Warn("dropping bad frame", slog.Any("error", err), slog.Int("len", len(buff)))
		m.notes.publish(Notification{Type: TelemetryError, Err: err})
		return
	}
	m.metrics.framesDecoded.Inc()
	m.sensors.Update(ev)
	m.notes.publish(Notification{Type: SensorUpdate, SensorKey: ev.Key(), Event: ev})
}
