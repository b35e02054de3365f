// metrics.go

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

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pdrone"

// frame kinds for frames_sent_total
const (
	sendCommand   = "command"
	sendKeepAlive = "keepalive"
)

type metrics struct {
	framesSent           *prometheus.CounterVec
	sendFailures         prometheus.Counter
	framesDecoded        prometheus.Counter
	decodeErrors         *prometheus.CounterVec
	notificationsDropped prometheus.Counter
	state                prometheus.Gauge
}

// newMetrics builds the collectors and registers them on reg, if there is one.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Command frames handed to the transport, by kind.",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_failures_total",
			Help:      "Frames the transport failed to send.",
		}),
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_decoded_total",
			Help:      "Notification frames decoded into telemetry events.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Notification frames that could not be decoded, by reason.",
		}, []string{"reason"}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications lost because a subscriber was not keeping up.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 disconnecting.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.framesSent, m.sendFailures, m.framesDecoded,
			m.decodeErrors, m.notificationsDropped, m.state)
	}
	return m
}

func decodeErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownFrame):
		return "unknown_frame"
	case errors.Is(err, ErrTruncatedHeader):
		return "truncated_header"
	case errors.Is(err, ErrTruncatedBody):
		return "truncated_body"
	}
	return "other"
}
