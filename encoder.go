// encoder.go

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
	"encoding/binary"
	"math"
	"strings"
	"unicode/utf8"
)

const frameHeaderSize = 4 // projectID, classID, commandID(2)

// Args holds named command arguments. Keys not in the command's schema are ignored.
type Args map[string]any

// CommandFrame is an encoded command, ready for the transport.
type CommandFrame struct {
	ProjectID uint8
	ClassID   uint8
	CommandID uint16
	Body      []byte // encoded arguments in schema order
}

// Bytes returns the wire form of the frame: the 4-byte header followed by the body.
// There is no overall length prefix, framing is the transport's job.
func (f CommandFrame) Bytes() []byte {
	buff := make([]byte, frameHeaderSize, frameHeaderSize+len(f.Body))
	buff[0] = f.ProjectID
	buff[1] = f.ClassID
	binary.LittleEndian.PutUint16(buff[2:], f.CommandID)
	return append(buff, f.Body...)
}

// Encode checks args against the spec's schema and serialises them.
// Every argument is required. Errors are *ArgError values matching one of the schema sentinels.
func Encode(spec *CommandSpec, args Args) (CommandFrame, error) {
	f := CommandFrame{
		ProjectID: spec.ProjectID,
		ClassID:   spec.ClassID,
		CommandID: spec.CommandID,
	}
	body := make([]byte, 0, 4*len(spec.Args))
	for _, a := range spec.Args {
		v, ok := args[a.Name]
		if !ok {
			return CommandFrame{}, &ArgError{Command: spec.Name(), Arg: a.Name, Kind: a.Kind, Err: ErrMissingArgument}
		}
		var err error
		if body, err = appendArg(body, a, v); err != nil {
			return CommandFrame{}, &ArgError{Command: spec.Name(), Arg: a.Name, Kind: a.Kind, Value: v, Err: err}
		}
	}
	f.Body = body
	return f, nil
}

// appendArg encodes one value, returning a bare sentinel on failure.
func appendArg(b []byte, a ArgSpec, v any) ([]byte, error) {
	switch a.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok || !utf8.ValidString(s) || strings.IndexByte(s, 0) >= 0 {
			return b, ErrArgTypeMismatch
		}
		b = append(b, s...)
		return append(b, 0), nil

	case KindFloat:
		f, err := floatValue(v)
		if err != nil {
			return b, err
		}
		return binary.LittleEndian.AppendUint32(b, math.Float32bits(f)), nil

	case KindEnum:
		name, ok := v.(string)
		if !ok {
			return b, ErrArgTypeMismatch
		}
		n, ok := a.Enum.Lookup(name)
		if !ok {
			return b, ErrUnknownEnumValue
		}
		return binary.LittleEndian.AppendUint32(b, uint32(n)), nil
	}

	// the integer kinds
	n, class := integer(v)
	if flag, isBool := v.(bool); isBool && a.Kind == KindU8 {
		n, class = 0, integral
		if flag {
			n = 1
		}
	}
	switch class {
	case notInteger:
		return b, ErrArgTypeMismatch
	case tooLarge:
		return b, ErrValueOutOfRange
	}
	lo, hi := a.Kind.bounds()
	if n < lo || n > hi {
		return b, ErrValueOutOfRange
	}
	switch a.Kind.width() {
	case 1:
		b = append(b, byte(n))
	case 2:
		b = binary.LittleEndian.AppendUint16(b, uint16(n))
	case 4:
		b = binary.LittleEndian.AppendUint32(b, uint32(n))
	}
	return b, nil
}

type intClass int

const (
	notInteger intClass = iota
	integral
	tooLarge // an integer, but beyond int64
)

// integer widens any Go integer (or a whole-valued float, as decoded from JSON) to int64.
func integer(v any) (int64, intClass) {
	switch x := v.(type) {
	case int:
		return int64(x), integral
	case int8:
		return int64(x), integral
	case int16:
		return int64(x), integral
	case int32:
		return int64(x), integral
	case int64:
		return x, integral
	case uint8:
		return int64(x), integral
	case uint16:
		return int64(x), integral
	case uint32:
		return int64(x), integral
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, tooLarge
		}
		return int64(x), integral
	case uint64:
		if x > math.MaxInt64 {
			return 0, tooLarge
		}
		return int64(x), integral
	case float32:
		return wholeFloat(float64(x))
	case float64:
		return wholeFloat(x)
	}
	return 0, notInteger
}

func wholeFloat(f float64) (int64, intClass) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
		return 0, notInteger
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, tooLarge
	}
	return int64(f), integral
}

func floatValue(v any) (float32, error) {
	switch x := v.(type) {
	case float32:
		return x, nil
	case float64:
		if !math.IsInf(x, 0) && math.Abs(x) > math.MaxFloat32 {
			return 0, ErrValueOutOfRange
		}
		return float32(x), nil
	}
	if n, class := integer(v); class == integral {
		return float32(n), nil
	}
	return 0, ErrArgTypeMismatch
}
