// transport.go

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
	"sync"
)

// ErrLinkClosed is returned by transports asked to send on a closed link.
var ErrLinkClosed = errors.New("pdrone: link closed")

// Transport is the byte-frame channel to the drone. Implementations handle
// fragmentation and framing below the command frame.
type Transport interface {
	// Connect opens the link. Timeouts come from ctx.
	Connect(ctx context.Context) error

	// Send writes one command frame.
	Send(ctx context.Context, frame []byte) error

	// Notifications returns the inbound frames of the current link. The channel
	// is closed when the link goes away, whether by Disconnect or because the
	// drone dropped it.
	Notifications() <-chan []byte

	// Disconnect closes the link. It is safe to call more than once.
	Disconnect() error
}

const loopbackBuffer = 64

// Loopback is an in-memory Transport. Sent frames are recorded and, if echo
// is set, fed straight back as notifications.
type Loopback struct {
	mu         sync.Mutex
	echo       bool
	connected  bool
	notes      chan []byte
	sent       [][]byte
	sendErr    error
	connectErr error
	connects   int
}

// NewLoopback returns a disconnected Loopback.
func NewLoopback(echo bool) *Loopback {
	return &Loopback{echo: echo}
}

// Connect opens a new link with a fresh notification channel.
func (l *Loopback) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr != nil {
		return l.connectErr
	}
	if !l.connected {
		l.notes = make(chan []byte, loopbackBuffer)
		l.connected = true
		l.connects++
	}
	return nil
}

// Send records frame, echoing it if requested. Echoes that do not fit the
// notification buffer are lost, like on a real link.
func (l *Loopback) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return ErrLinkClosed
	}
	if l.sendErr != nil {
		return l.sendErr
	}
	cp := append([]byte(nil), frame...)
	l.sent = append(l.sent, cp)
	if l.echo {
		select {
		case l.notes <- cp:
		default:
		}
	}
	return nil
}

// Notifications returns the current link's inbound channel.
func (l *Loopback) Notifications() <-chan []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notes
}

// Disconnect closes the link.
func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
	return nil
}

// Drop closes the link from the drone's side, as the idle timeout does.
func (l *Loopback) Drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *Loopback) closeLocked() {
	if l.connected {
		close(l.notes)
		l.connected = false
	}
}

// Inject delivers buff as if the drone had sent it. It reports false if the
// link is down or the buffer full.
func (l *Loopback) Inject(buff []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return false
	}
	select {
	case l.notes <- append([]byte(nil), buff...):
		return true
	default:
		return false
	}
}

// FailSends makes every following Send return err; nil restores normal operation.
func (l *Loopback) FailSends(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

// FailConnect makes every following Connect return err; nil restores normal operation.
func (l *Loopback) FailConnect(err error) {
	l.mu.Lock()
	l.connectErr = err
	l.mu.Unlock()
}

// Sent returns a copy of every frame sent so far.
func (l *Loopback) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// Connected reports whether the link is up.
func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Connects returns how many links have been opened.
func (l *Loopback) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}
