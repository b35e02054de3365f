// network.go

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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ARNetworkAL frame data types
const (
	netDataAck         = 1
	netDataPlain       = 2
	netDataLowLatency  = 3
	netDataWithAck     = 4
	netHeaderSize      = 7
	netAckBufferOffset = 128
)

// well-known buffer IDs
const (
	netBufferPing       = 0
	netBufferPong       = 1
	netBufferCommand    = 10  // controller to drone, no ack
	netBufferCommandAck = 11  // controller to drone, acknowledged
	netBufferEvent      = 126 // drone to controller, acknowledged
	netBufferNavData    = 127 // drone to controller, no ack
)

const (
	netReadBufferSize = 4096
	netNotifyBuffer   = 64
)

// ErrBadDatagram is logged for inbound datagrams that do not carry whole ARNetworkAL frames.
var ErrBadDatagram = errors.New("pdrone: malformed datagram")

// netFrame is one ARNetworkAL frame.
type netFrame struct {
	dataType uint8
	bufferID uint8
	seq      uint8
	payload  []byte
}

func appendNetFrame(b []byte, f netFrame) []byte {
	b = append(b, f.dataType, f.bufferID, f.seq)
	b = binary.LittleEndian.AppendUint32(b, uint32(netHeaderSize+len(f.payload)))
	return append(b, f.payload...)
}

// splitNetFrames cuts a datagram into its frames. Payloads alias dgram.
func splitNetFrames(dgram []byte) ([]netFrame, error) {
	var frames []netFrame
	for len(dgram) > 0 {
		if len(dgram) < netHeaderSize {
			return frames, fmt.Errorf("%w: %d trailing bytes", ErrBadDatagram, len(dgram))
		}
		size := binary.LittleEndian.Uint32(dgram[3:7])
		if size < netHeaderSize || uint64(size) > uint64(len(dgram)) {
			return frames, fmt.Errorf("%w: frame size %d with %d bytes left", ErrBadDatagram, size, len(dgram))
		}
		frames = append(frames, netFrame{
			dataType: dgram[0],
			bufferID: dgram[1],
			seq:      dgram[2],
			payload:  dgram[netHeaderSize:size],
		})
		dgram = dgram[size:]
	}
	return frames, nil
}

// NetTransport carries command frames over UDP, the way wifi drones of the
// same family do. The discovery handshake that tells the drone where to send
// its notifications must already have happened.
type NetTransport struct {
	// DroneAddr is the drone's "host:port".
	DroneAddr string
	// LocalAddr optionally fixes the local "host:port" the drone sends to.
	LocalAddr string
	// IdleTimeout closes the link when nothing arrives for this long. Zero waits forever.
	IdleTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mu    sync.Mutex // this mutex protects the connection fields
	conn  *net.UDPConn
	notes chan []byte
	stop  chan struct{}
	seq   [256]uint8
	wg    sync.WaitGroup
}

// NewNetTransport returns a disconnected NetTransport for the drone at droneAddr.
func NewNetTransport(droneAddr string) *NetTransport {
	return &NetTransport{DroneAddr: droneAddr}
}

func (t *NetTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Connect dials the drone and starts the listener.
func (t *NetTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	var d net.Dialer
	if t.LocalAddr != "" {
		laddr, err := net.ResolveUDPAddr("udp", t.LocalAddr)
		if err != nil {
			return err
		}
		d.LocalAddr = laddr
	}
	c, err := d.DialContext(ctx, "udp", t.DroneAddr)
	if err != nil {
		return err
	}
	conn, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return fmt.Errorf("pdrone: %s is not a UDP address", t.DroneAddr)
	}

	t.conn = conn
	t.notes = make(chan []byte, netNotifyBuffer)
	t.stop = make(chan struct{})
	t.seq = [256]uint8{}

	// start the listener Goroutine
	t.wg.Add(1)
	go t.listen(conn, t.notes, t.stop)
	return nil
}

// LocalAddress returns the address the drone should send to, or nil when disconnected.
func (t *NetTransport) LocalAddress() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Send writes frame as a data frame on the command buffer.
func (t *NetTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrLinkClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(dl); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	return t.write(conn, netDataPlain, netBufferCommand, frame)
}

func (t *NetTransport) write(conn *net.UDPConn, dataType, bufferID uint8, payload []byte) error {
	t.mu.Lock()
	seq := t.seq[bufferID]
	t.seq[bufferID]++
	t.mu.Unlock()

	buff := appendNetFrame(make([]byte, 0, netHeaderSize+len(payload)), netFrame{
		dataType: dataType,
		bufferID: bufferID,
		seq:      seq,
		payload:  payload,
	})
	if _, err := conn.Write(buff); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrLinkClosed
		}
		return err
	}
	return nil
}

// Notifications returns the inbound command frames of the current link.
func (t *NetTransport) Notifications() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notes
}

// Disconnect stops the listener and closes the socket.
func (t *NetTransport) Disconnect() error {
	t.mu.Lock()
	conn, stop := t.conn, t.stop
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(stop)
	err := conn.Close()
	t.wg.Wait()
	return err
}

// listen reads datagrams until the socket closes, answering pings and acks
// and forwarding data to notes, which it closes on the way out.
func (t *NetTransport) listen(conn *net.UDPConn, notes chan<- []byte, stop <-chan struct{}) {
	defer t.wg.Done()
	defer close(notes)
	log := t.logger()
	buff := make([]byte, netReadBufferSize)

	for {
		if t.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.IdleTimeout))
		}
		n, err := conn.Read(buff)
		if err != nil {
			select {
			case <-stop:
			default:
				log.Warn("network read failed, closing link", slog.Any("error", err))
				t.dropConn(conn)
			}
			return
		}

		frames, err := splitNetFrames(buff[:n])
		if err != nil {
			log.Warn("unexpected datagram from drone", slog.Any("error", err))
		}
		for _, f := range frames {
			switch {
			case f.dataType == netDataAck:
				// we never wait for acks
			case f.bufferID == netBufferPing:
				if err := t.write(conn, netDataPlain, netBufferPong, f.payload); err != nil {
					log.Debug("pong failed", slog.Any("error", err))
				}
			case f.dataType == netDataPlain || f.dataType == netDataLowLatency || f.dataType == netDataWithAck:
				if f.dataType == netDataWithAck {
					if err := t.write(conn, netDataAck, f.bufferID+netAckBufferOffset, []byte{f.seq}); err != nil {
						log.Debug("ack failed", slog.Any("error", err))
					}
				}
				select {
				case notes <- append([]byte(nil), f.payload...):
				case <-stop:
					return
				}
			default:
				log.Debug("unknown frame type from drone", slog.Int("type", int(f.dataType)), slog.Int("buffer", int(f.bufferID)))
			}
		}
	}
}

// dropConn forgets conn after the drone went away, so the next Connect dials afresh.
func (t *NetTransport) dropConn(conn *net.UDPConn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()
}
