// connection_test.go

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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// use go test -count=1 to bypass test caching

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// slowKeepAlive keeps the keep-alive out of the way of tests that count sends
var slowKeepAlive = KeepAliveConfig{Period: 10 * time.Second, IdleTimeout: 20 * time.Second}

func newTestManager(t *testing.T, tr Transport, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithConfig(cfg), WithLogger(quietLogger)}, opts...)
	m, err := NewManager(tr, opts...)
	if err != nil {
		t.Fatalf("NewManager failed with %v", err)
	}
	t.Cleanup(func() { m.Disconnect() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextNotification(t *testing.T, sub *Subscription, typ NotificationType, match func(Notification) bool) Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-sub.C:
			if !ok {
				t.Fatalf("Subscription closed while waiting for %s", typ)
			}
			if n.Type == typ && (match == nil || match(n)) {
				return n
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for a %s notification", typ)
		}
	}
}

func sentContains(sent [][]byte, frame []byte) bool {
	for _, s := range sent {
		if bytes.Equal(s, frame) {
			return true
		}
	}
	return false
}

func isKeepAlive(frame []byte) bool {
	return len(frame) >= 4 && frame[0] == 2 && frame[1] == 18 && frame[2] == 0 && frame[3] == 0
}

// gatedTransport can hold Connect or Send until their context ends.
type gatedTransport struct {
	*Loopback
	blockConnect bool
	blockSend    bool
	entered      chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{Loopback: NewLoopback(false), entered: make(chan struct{}, 8)}
}

func (g *gatedTransport) Connect(ctx context.Context) error {
	if g.blockConnect {
		<-ctx.Done()
		return ctx.Err()
	}
	return g.Loopback.Connect(ctx)
}

func (g *gatedTransport) Send(ctx context.Context, frame []byte) error {
	if g.blockSend {
		g.entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	return g.Loopback.Send(ctx, frame)
}

// timedTransport records when each keep-alive went out.
type timedTransport struct {
	*Loopback
	mu    sync.Mutex
	beats []time.Time
}

func (tt *timedTransport) Send(ctx context.Context, frame []byte) error {
	if isKeepAlive(frame) {
		tt.mu.Lock()
		tt.beats = append(tt.beats, time.Now())
		tt.mu.Unlock()
	}
	return tt.Loopback.Send(ctx, frame)
}

func (tt *timedTransport) heartbeats() []time.Time {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]time.Time(nil), tt.beats...)
}

func TestNewManagerRejects(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Error("Expected an error for a nil transport")
	}
	cfg := Config{KeepAlive: KeepAliveConfig{Project: "minidrone", Class: "Piloting", Command: "Somersault"}}
	if _, err := NewManager(NewLoopback(false), WithConfig(cfg)); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected an unknown keep-alive command to fail, got %v", err)
	}
	cfg = Config{KeepAlive: KeepAliveConfig{Project: "minidrone", Class: "Piloting", Command: "AutoTakeOffMode"}}
	if _, err := NewManager(NewLoopback(false), WithConfig(cfg)); !errors.Is(err, ErrMissingArgument) {
		t.Errorf("Expected a keep-alive without its args to fail, got %v", err)
	}
	cfg = Config{KeepAlive: KeepAliveConfig{Period: time.Second, IdleTimeout: time.Second}}
	if _, err := NewManager(NewLoopback(false), WithConfig(cfg)); err == nil {
		t.Error("Expected a keep-alive period equal to the idle timeout to fail")
	}
}

func TestRunCommandNotConnected(t *testing.T) {
	lb := NewLoopback(false)
	m := newTestManager(t, lb, Config{})

	err := m.RunCommand(context.Background(), "minidrone", "Piloting", "TakeOff", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("ErrNotConnected should be retryable")
	}
	if n := len(lb.Sent()); n != 0 {
		t.Errorf("Expected nothing sent, got %d frames", n)
	}
	if m.State() != Disconnected {
		t.Errorf("Expected disconnected, got %s", m.State())
	}
}

func TestConnectRunCommand(t *testing.T) {
	lb := NewLoopback(false)
	m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed with %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("Expected connected, got %s", m.State())
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}

	ctx := context.Background()
	if err := m.RunCommand(ctx, "minidrone", "Piloting", "TakeOff", nil); err != nil {
		t.Fatalf("TakeOff failed with %v", err)
	}
	if err := m.RunCommand(ctx, "minidrone", "Animations", "Flip", Args{"direction": "left"}); err != nil {
		t.Fatalf("Flip failed with %v", err)
	}
	sent := lb.Sent()
	if !sentContains(sent, []byte{2, 0, 1, 0}) {
		t.Errorf("TakeOff frame not sent: %v", sent)
	}
	if !sentContains(sent, []byte{2, 4, 0, 0, 3, 0, 0, 0}) {
		t.Errorf("Flip frame not sent: %v", sent)
	}

	// schema errors come back before anything is sent
	before := len(lb.Sent())
	if err := m.RunCommand(ctx, "minidrone", "Piloting", "Hover", nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
	if err := m.RunCommand(ctx, "minidrone", "Animations", "Flip", Args{"direction": "up"}); !errors.Is(err, ErrUnknownEnumValue) {
		t.Errorf("Expected ErrUnknownEnumValue, got %v", err)
	}
	if after := len(lb.Sent()); after != before {
		t.Errorf("Invalid commands reached the transport")
	}
	if m.State() != Connected {
		t.Errorf("Schema errors changed the state to %s", m.State())
	}
}

func TestKeepAlive(t *testing.T) {
	tr := &timedTransport{Loopback: NewLoopback(false)}
	cfg := Config{KeepAlive: KeepAliveConfig{Period: 40 * time.Millisecond, IdleTimeout: 400 * time.Millisecond}}
	m := newTestManager(t, tr, cfg)

	start := time.Now()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// application traffic must not stop the keep-alive
	for i := 0; i < 20; i++ {
		if err := m.RunCommand(context.Background(), "minidrone", "Piloting", "PCMD",
			Args{"flag": 1, "roll": 0, "pitch": 10, "yaw": 0, "gaz": 0, "timestamp": i}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, "five keep-alives", func() bool { return len(tr.heartbeats()) >= 5 })

	beats := tr.heartbeats()
	last := start
	for _, b := range beats {
		if gap := b.Sub(last); gap >= cfg.KeepAlive.IdleTimeout {
			t.Errorf("Link was idle for %v", gap)
		}
		last = b
	}
	for _, f := range tr.Sent() {
		if isKeepAlive(f) && !bytes.Equal(f, []byte{2, 18, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}) {
			t.Errorf("Unexpected keep-alive frame %v", f)
		}
	}

	m.Disconnect()
	n := len(tr.heartbeats())
	time.Sleep(3 * cfg.KeepAlive.Period)
	if len(tr.heartbeats()) != n {
		t.Error("Keep-alive still running after Disconnect")
	}
}

func TestConnectErrors(t *testing.T) {
	lb := NewLoopback(false)
	m := newTestManager(t, lb, Config{})
	radioOff := errors.New("radio off")
	lb.FailConnect(radioOff)

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnect) || !errors.Is(err, radioOff) {
		t.Errorf("Expected ErrConnect wrapping the transport error, got %v", err)
	}
	if m.State() != Disconnected {
		t.Errorf("Expected disconnected after a failed connect, got %s", m.State())
	}

	g := newGatedTransport()
	g.blockConnect = true
	m = newTestManager(t, g, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Connect(ctx)
	if !errors.Is(err, ErrConnect) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected ErrConnect wrapping DeadlineExceeded, got %v", err)
	}
	if m.State() != Disconnected {
		t.Errorf("Expected disconnected after a timeout, got %s", m.State())
	}
}

func TestDisconnectAbortsConnect(t *testing.T) {
	g := newGatedTransport()
	g.blockConnect = true
	m := newTestManager(t, g, Config{})

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background()) }()
	waitFor(t, "connecting", func() bool { return m.State() == Connecting })

	if err := m.Disconnect(); err != nil {
		t.Errorf("Disconnect failed with %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrConnect) {
		t.Errorf("Expected the aborted Connect to fail with ErrConnect, got %v", err)
	}
	if m.State() != Disconnected {
		t.Errorf("Expected disconnected, got %s", m.State())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	lb := NewLoopback(false)
	m := newTestManager(t, lb, Config{})

	if err := m.Disconnect(); err != nil {
		t.Errorf("Disconnect before Connect failed with %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Disconnect(); err != nil {
			t.Errorf("Disconnect %d failed with %v", i, err)
		}
	}
	if m.State() != Disconnected || lb.Connected() {
		t.Errorf("Expected everything down, state %s transport %v", m.State(), lb.Connected())
	}
	if err := m.RunCommand(context.Background(), "minidrone", "Piloting", "Landing", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after Disconnect, got %v", err)
	}
}

func TestDropAndReconnect(t *testing.T) {
	lb := NewLoopback(false)
	m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive})
	sub := m.Subscribe()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextNotification(t, sub, StateChange, func(n Notification) bool { return n.State == Connected })

	lb.Drop() // the drone gave up on us
	nextNotification(t, sub, StateChange, func(n Notification) bool { return n.State == Disconnected })
	if err := m.RunCommand(context.Background(), "minidrone", "Piloting", "TakeOff", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after a drop, got %v", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed with %v", err)
	}
	if lb.Connects() != 2 {
		t.Errorf("Expected 2 transport connects, got %d", lb.Connects())
	}
	if err := m.RunCommand(context.Background(), "minidrone", "Piloting", "TakeOff", nil); err != nil {
		t.Errorf("TakeOff after reconnect failed with %v", err)
	}
}

func TestSendFailureThreshold(t *testing.T) {
	lb := NewLoopback(false)
	m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive, MaxSendFailures: 2})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	txErr := errors.New("tx queue full")
	lb.FailSends(txErr)

	for i := 0; i < 2; i++ {
		err := m.RunCommand(context.Background(), "minidrone", "Piloting", "TakeOff", nil)
		if !errors.Is(err, ErrSendFailed) || !errors.Is(err, txErr) {
			t.Fatalf("Send %d: expected ErrSendFailed wrapping the cause, got %v", i, err)
		}
		if IsRetryable(err) {
			t.Error("ErrSendFailed should not be retryable")
		}
	}
	waitFor(t, "the link to be torn down", func() bool { return m.State() == Disconnected })
	if lb.Connected() {
		t.Error("Transport still connected after the failure threshold")
	}
	if got := testutil.ToFloat64(m.metrics.sendFailures); got != 2 {
		t.Errorf("Expected 2 send failures counted, got %v", got)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	lb := NewLoopback(false)
	m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive, MaxSendFailures: 2})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		lb.FailSends(errors.New("glitch"))
		m.RunCommand(context.Background(), "minidrone", "Piloting", "TakeOff", nil)
		lb.FailSends(nil)
		if err := m.RunCommand(context.Background(), "minidrone", "Piloting", "TakeOff", nil); err != nil {
			t.Fatalf("Send after a single failure failed with %v", err)
		}
	}
	if m.State() != Connected {
		t.Errorf("Isolated failures dropped the link: %s", m.State())
	}
}

func TestQueuedSendsAndDisconnect(t *testing.T) {
	g := newGatedTransport()
	m := newTestManager(t, g, Config{KeepAlive: slowKeepAlive, SendTimeout: 10 * time.Second})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	g.blockSend = true

	first := make(chan error, 1)
	go func() { first <- m.RunCommand(context.Background(), "minidrone", "Piloting", "TakeOff", nil) }()
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.RunCommand(ctx, "minidrone", "Piloting", "Landing", nil)
	if !errors.Is(err, ErrTransportBusy) || !IsRetryable(err) {
		t.Errorf("Expected a retryable ErrTransportBusy, got %v", err)
	}

	if err := m.Disconnect(); err != nil {
		t.Errorf("Disconnect failed with %v", err)
	}
	if err := <-first; !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected the in-flight send to end with ErrNotConnected, got %v", err)
	}
	if m.State() != Disconnected {
		t.Errorf("Expected disconnected, got %s", m.State())
	}
}

func TestSendTimeout(t *testing.T) {
	g := newGatedTransport()
	m := newTestManager(t, g, Config{KeepAlive: slowKeepAlive, SendTimeout: 20 * time.Millisecond})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	g.blockSend = true
	err := m.RunCommand(context.Background(), "minidrone", "Piloting", "TakeOff", nil)
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected ErrSendFailed wrapping DeadlineExceeded, got %v", err)
	}
}

func TestInboundNotifications(t *testing.T) {
	lb := NewLoopback(false)
	reg := prometheus.NewRegistry()
	m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive}, WithRegisterer(reg))
	sub := m.Subscribe()
	defer m.Unsubscribe(sub.ID)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	lb.Inject([]byte{0, 5, 1, 0, 64})
	n := nextNotification(t, sub, SensorUpdate, nil)
	if n.SensorKey != "common-CommonState-BatteryStateChanged" {
		t.Errorf("Unexpected sensor %s", n.SensorKey)
	}
	r, ok := m.Sensors().Get(n.SensorKey)
	if !ok {
		t.Fatal("Reading not stored")
	}
	if p, _ := r.Event.Arg("percent"); p != uint8(64) {
		t.Errorf("Expected 64%%, got %v", p)
	}

	// unknown frames are swallowed, only counted
	lb.Inject([]byte{9, 9, 9, 9})
	waitFor(t, "the unknown frame to be counted", func() bool {
		return testutil.ToFloat64(m.metrics.decodeErrors.WithLabelValues("unknown_frame")) == 1
	})

	lb.Inject([]byte{2, 18, 0, 0, 1})
	n = nextNotification(t, sub, TelemetryError, nil)
	if !errors.Is(n.Err, ErrTruncatedBody) {
		t.Errorf("Expected ErrTruncatedBody, got %v", n.Err)
	}

	lb.Inject([]byte{0, 5, 1, 0, 63})
	n = nextNotification(t, sub, SensorUpdate, nil)
	if p, _ := n.Event.Arg("percent"); p != uint8(63) {
		t.Errorf("Expected 63%% after the bad frames, got %v", p)
	}
	if m.State() != Connected {
		t.Errorf("Decode errors changed the state to %s", m.State())
	}
}

func TestEchoRoundTrip(t *testing.T) {
	lb := NewLoopback(true)
	m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive})
	sub := m.Subscribe()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.RunCommand(context.Background(), "minidrone", "UsbAccessory", "ClawControl",
		Args{"id": 1, "action": "CLOSE"}); err != nil {
		t.Fatal(err)
	}
	n := nextNotification(t, sub, SensorUpdate, nil)
	if n.SensorKey != "minidrone-UsbAccessory-ClawControl" {
		t.Fatalf("Unexpected sensor %s", n.SensorKey)
	}
	if id, _ := n.Event.Arg("id"); id != uint8(1) {
		t.Errorf("Expected id 1, got %v", id)
	}
	if a, _ := n.Event.Arg("action"); a != "close" {
		t.Errorf("Expected action close, got %v", a)
	}
}

func TestClearSensorsOnDisconnect(t *testing.T) {
	for _, clearOn := range []bool{false, true} {
		lb := NewLoopback(false)
		store := NewSensorStore()
		m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive, ClearSensorsOnDisconnect: clearOn}, WithSensorStore(store))
		if m.Sensors() != store {
			t.Fatal("WithSensorStore was ignored")
		}
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		lb.Inject([]byte{0, 5, 1, 0, 50})
		waitFor(t, "the reading", func() bool { return store.Len() == 1 })
		m.Disconnect()
		if want := map[bool]int{false: 1, true: 0}[clearOn]; store.Len() != want {
			t.Errorf("clear=%v: expected %d readings after Disconnect, got %d", clearOn, want, store.Len())
		}
	}
}

func TestMetrics(t *testing.T) {
	lb := NewLoopback(false)
	reg := prometheus.NewRegistry()
	m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive}, WithRegisterer(reg))

	if got := testutil.ToFloat64(m.metrics.state); got != float64(Disconnected) {
		t.Errorf("Expected state gauge %v, got %v", float64(Disconnected), got)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.metrics.state); got != float64(Connected) {
		t.Errorf("Expected state gauge %v, got %v", float64(Connected), got)
	}
	for i := 0; i < 3; i++ {
		if err := m.RunCommand(context.Background(), "minidrone", "Piloting", "Emergency", nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := testutil.ToFloat64(m.metrics.framesSent.WithLabelValues(sendCommand)); got != 3 {
		t.Errorf("Expected 3 command frames, got %v", got)
	}

	n, err := testutil.GatherAndCount(reg, "pdrone_frames_sent_total", "pdrone_connection_state")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Expected 2 registered series, got %d", n)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	lb := NewLoopback(false)
	m := newTestManager(t, lb, Config{KeepAlive: slowKeepAlive, SubscriberBuffer: 1})
	slow := m.Subscribe() // never read
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		lb.Inject([]byte{0, 5, 1, 0, byte(i)})
	}
	waitFor(t, "the last reading", func() bool {
		r, ok := m.Sensors().Get("common-CommonState-BatteryStateChanged")
		if !ok {
			return false
		}
		p, _ := r.Event.Arg("percent")
		return p == uint8(9)
	})
	if testutil.ToFloat64(m.metrics.notificationsDropped) == 0 {
		t.Error("Expected dropped notifications to be counted")
	}
	if !m.Unsubscribe(slow.ID) {
		t.Error("Unsubscribe did not find the subscription")
	}
	if _, ok := <-slow.C; ok {
		// one buffered notification may still be there
		if _, ok := <-slow.C; ok {
			t.Error("Subscription channel not closed")
		}
	}
}
