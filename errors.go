// errors.go

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
	"errors"
	"fmt"
)

// Schema errors are caller bugs: they are returned synchronously and must not be retried.
var (
	ErrUnknownCommand   = errors.New("pdrone: unknown command")
	ErrMissingArgument  = errors.New("pdrone: missing argument")
	ErrArgTypeMismatch  = errors.New("pdrone: argument type mismatch")
	ErrUnknownEnumValue = errors.New("pdrone: unknown enum value")
	ErrValueOutOfRange  = errors.New("pdrone: value out of range")
)

// Decode errors. ErrUnknownFrame is expected from newer firmware and is not fatal,
// the Truncated* errors mean the buffer was damaged in transit and should be dropped.
var (
	ErrTruncatedHeader = errors.New("pdrone: truncated frame header")
	ErrTruncatedBody   = errors.New("pdrone: truncated frame body")
	ErrUnknownFrame    = errors.New("pdrone: unknown frame")
)

// Connection errors.
var (
	ErrConnect          = errors.New("pdrone: connect failed")
	ErrNotConnected     = errors.New("pdrone: not connected")
	ErrSendFailed       = errors.New("pdrone: send failed")
	ErrTransportBusy    = errors.New("pdrone: transport busy")
	ErrAlreadyConnected = errors.New("pdrone: already connected or connecting")
)

// ErrAlreadyNavigating is returned when an autopilot is started while another is running.
var ErrAlreadyNavigating = errors.New("pdrone: already navigating")

// ErrBadStreamPeriod is returned by StreamFlightData for a periodic stream without a positive period.
var ErrBadStreamPeriod = errors.New("pdrone: stream period must be positive")

// ArgError describes a problem with one argument of a command.
// errors.Is(err, ErrMissingArgument) etc. match through Err.
type ArgError struct {
	Command string // dotted command name, eg. minidrone.Piloting.PCMD
	Arg     string
	Kind    Kind
	Value   any
	Err     error
}

func (e *ArgError) Error() string {
	switch {
	case errors.Is(e.Err, ErrMissingArgument):
		return fmt.Sprintf("%s: %s: %v", e.Command, e.Arg, e.Err)
	case errors.Is(e.Err, ErrArgTypeMismatch):
		return fmt.Sprintf("%s: %s: %v: want %s, got %T (%v)", e.Command, e.Arg, e.Err, e.Kind, e.Value, e.Value)
	default:
		return fmt.Sprintf("%s: %s: %v: %v (%s)", e.Command, e.Arg, e.Err, e.Value, e.Kind)
	}
}

func (e *ArgError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller may simply try the same operation again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTransportBusy)
}
