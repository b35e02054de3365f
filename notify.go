// notify.go

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
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType says what a Notification carries.
type NotificationType int

// Notification types...
const (
	SensorUpdate   NotificationType = iota + 1 // Event was decoded and stored
	TelemetryError                             // Err describes an inbound frame that was dropped
	StateChange                                // State is the Manager's new connection state
)

func (t NotificationType) String() string {
	switch t {
	case SensorUpdate:
		return "sensor"
	case TelemetryError:
		return "telemetry-error"
	case StateChange:
		return "state"
	}
	return "unknown"
}

// Notification is delivered to subscribers.
type Notification struct {
	Type      NotificationType
	Time      time.Time
	SensorKey SensorKey      // SensorUpdate
	Event     TelemetryEvent // SensorUpdate
	Err       error          // TelemetryError
	State     ConnectionState
}

// Subscription is a registered listener. Notifications arrive on C, which is
// closed by Unsubscribe.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Notification
}

// notifier fans notifications out to subscribers without ever blocking the sender.
type notifier struct {
	mu      sync.RWMutex // protects subs
	subs    map[uuid.UUID]chan Notification
	bufSize int
	dropped func()
}

func newNotifier(bufSize int, dropped func()) *notifier {
	return &notifier{
		subs:    make(map[uuid.UUID]chan Notification),
		bufSize: bufSize,
		dropped: dropped,
	}
}

func (n *notifier) subscribe() *Subscription {
	ch := make(chan Notification, n.bufSize)
	id := uuid.New()
	n.mu.Lock()
	n.subs[id] = ch
	n.mu.Unlock()
	return &Subscription{ID: id, C: ch}
}

func (n *notifier) unsubscribe(id uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.subs[id]
	if ok {
		delete(n.subs, id)
		close(ch)
	}
	return ok
}

// publish delivers note to every subscriber with room for it; the rest miss it.
func (n *notifier) publish(note Notification) {
	if note.Time.IsZero() {
		note.Time = time.Now()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs {
		select {
		case ch <- note:
		default:
			n.dropped()
		}
	}
}

func (n *notifier) count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
