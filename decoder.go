// decoder.go

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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// UnknownEnumNumeric is the decoded value of an enum argument whose number
// has no name in the schema. Newer firmware does this; the event is still delivered.
type UnknownEnumNumeric int32

func (u UnknownEnumNumeric) String() string {
	return fmt.Sprintf("unknown(%d)", int32(u))
}

// MarshalJSON renders the value as its String, like a named enumerator.
func (u UnknownEnumNumeric) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// Arg is one decoded argument.
type Arg struct {
	Name  string
	Value any
}

// TelemetryEvent is a decoded inbound frame.
type TelemetryEvent struct {
	ProjectID uint8
	ClassID   uint8
	CommandID uint16
	Project   string
	Class     string
	Command   string
	Args      []Arg // schema order
	Trailing  int   // bytes left over after the last known argument
}

// Key returns the sensor key for the event's identity.
func (e TelemetryEvent) Key() SensorKey {
	return MakeSensorKey(e.Project, e.Class, e.Command)
}

// Arg returns the decoded value of the named argument.
func (e TelemetryEvent) Arg(name string) (any, bool) {
	for _, a := range e.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// Values returns the arguments as a name to value map.
func (e TelemetryEvent) Values() map[string]any {
	m := make(map[string]any, len(e.Args))
	for _, a := range e.Args {
		m[a.Name] = a.Value
	}
	return m
}

func (e TelemetryEvent) String() string {
	var sb strings.Builder
	sb.WriteString(string(e.Key()))
	for i, a := range e.Args {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", a.Name, a.Value)
	}
	return sb.String()
}

// Decoder turns notification buffers into TelemetryEvents using a command table.
// It holds no mutable state and may be used from several goroutines.
type Decoder struct {
	table *CommandTable
}

// NewDecoder returns a Decoder for the given table.
func NewDecoder(table *CommandTable) *Decoder {
	return &Decoder{table: table}
}

// Decode parses one frame. A frame whose identity is not in the table fails with
// ErrUnknownFrame; short buffers fail with ErrTruncatedHeader or ErrTruncatedBody.
func (d *Decoder) Decode(buff []byte) (ev TelemetryEvent, err error) {
	if len(buff) < frameHeaderSize {
		return ev, fmt.Errorf("%w: %d bytes", ErrTruncatedHeader, len(buff))
	}
	ev.ProjectID = buff[0]
	ev.ClassID = buff[1]
	ev.CommandID = binary.LittleEndian.Uint16(buff[2:4])

	spec, ok := d.table.LookupID(ev.ProjectID, ev.ClassID, ev.CommandID)
	if !ok {
		return ev, fmt.Errorf("%w: project %d class %d command %d",
			ErrUnknownFrame, ev.ProjectID, ev.ClassID, ev.CommandID)
	}
	ev.Project, ev.Class, ev.Command = spec.Project, spec.Class, spec.Command

	r := frameReader{data: buff, offset: frameHeaderSize}
	ev.Args = make([]Arg, 0, len(spec.Args))
	for _, a := range spec.Args {
		v, err := r.read(a)
		if err != nil {
			return TelemetryEvent{}, fmt.Errorf("%w: %s: %s at offset %d", err, spec.Name(), a.Name, r.offset)
		}
		ev.Args = append(ev.Args, Arg{Name: a.Name, Value: v})
	}
	ev.Trailing = r.remaining()
	return ev, nil
}

// frameReader walks a frame body. It never reads past the end of data.
type frameReader struct {
	data   []byte
	offset int
}

func (r *frameReader) remaining() int {
	return len(r.data) - r.offset
}

func (r *frameReader) need(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncatedBody
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *frameReader) read(a ArgSpec) (any, error) {
	if a.Kind == KindString {
		end := bytes.IndexByte(r.data[r.offset:], 0)
		if end < 0 {
			return nil, ErrTruncatedBody
		}
		s := string(r.data[r.offset : r.offset+end])
		r.offset += end + 1
		return s, nil
	}

	b, err := r.need(a.Kind.width())
	if err != nil {
		return nil, err
	}
	switch a.Kind {
	case KindU8:
		return b[0], nil
	case KindI8:
		return int8(b[0]), nil
	case KindU16:
		return binary.LittleEndian.Uint16(b), nil
	case KindI16:
		return int16(binary.LittleEndian.Uint16(b)), nil
	case KindU32:
		return binary.LittleEndian.Uint32(b), nil
	case KindI32:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case KindFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case KindEnum:
		n := int32(binary.LittleEndian.Uint32(b))
		if name, ok := a.Enum.Name(n); ok {
			return name, nil
		}
		return UnknownEnumNumeric(n), nil
	}
	return nil, fmt.Errorf("pdrone: cannot decode %s", a.Kind)
}
