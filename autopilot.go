// autopilot.go

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
	"log/slog"
	"time"
)

const (
	autopilotPeriod     = 50 * time.Millisecond // how often the autopilot monitors the drone
	defaultAltTolerance = 0.1                   // metres
	fullThrottleBand    = 0.4                   // metres off target before full throttle
	fullGaz             = 50
	halfGaz             = 25
)

// CancelFlyToAltitude stops any in-flight FlyToAltitude navigation.
// The drone should stop moving vertically.
func (m *Manager) CancelFlyToAltitude() {
	m.autoMu.Lock()
	if m.autoCancel != nil {
		m.autoCancel()
	}
	m.autoMu.Unlock()
}

// FlyToAltitude starts vertical movement to the target altitude in metres, as
// reported by the DroneAltitude sensor, stopping once within tolerance of it.
// The func returns immediately and a Goroutine handles the navigation.
// The returned channel receives one value when the navigation ends: nil on arrival,
// the context error if cancelled, or the error of a failed command.
func (m *Manager) FlyToAltitude(ctx context.Context, target, tolerance float32) (<-chan error, error) {
	if _, err := m.currentLink(); err != nil {
		return nil, err
	}
	if tolerance <= 0 {
		tolerance = defaultAltTolerance
	}

	// are we already navigating?
	m.autoMu.Lock()
	if m.autoCancel != nil {
		m.autoMu.Unlock()
		return nil, ErrAlreadyNavigating
	}
	ctx, cancel := context.WithCancel(ctx)
	m.autoCancel = cancel
	m.autoMu.Unlock()

	done := make(chan error, 1) // buffered so send doesn't block
	go func() {
		err := m.flyToAltitude(ctx, target, tolerance)
		m.autoMu.Lock()
		m.autoCancel = nil
		m.autoMu.Unlock()
		cancel()
		done <- err
	}()
	return done, nil
}

func (m *Manager) flyToAltitude(ctx context.Context, target, tolerance float32) error {
	ticker := time.NewTicker(autopilotPeriod)
	defer ticker.Stop()

	for {
		// nothing to steer by until the first altitude report
		if r, ok := m.sensors.Get(keyAltitude); ok {
			delta := target - argAs[float32](r.Event, "altitude") // positive if we are too low
			var gaz int8
			switch {
			case delta > fullThrottleBand:
				gaz = fullGaz
			case delta > tolerance:
				gaz = halfGaz
			case delta < -fullThrottleBand:
				gaz = -fullGaz
			case delta < -tolerance:
				gaz = -halfGaz
			default:
				// we're there!
				return m.pilotGaz(ctx, 0)
			}
			if err := m.pilotGaz(ctx, gaz); err != nil {
				if ctx.Err() != nil {
					return m.stopClimbing(ctx)
				}
				return err
			}
		}

		select {
		case <-ctx.Done():
			return m.stopClimbing(ctx)
		case <-ticker.C:
		}
	}
}

// stopClimbing levels the drone off after ctx ended and returns ctx's error.
func (m *Manager) stopClimbing(ctx context.Context) error {
	if err := m.pilotGaz(context.WithoutCancel(ctx), 0); err != nil {
		m.log.Warn("could not stop vertical movement", slog.Any("error", err))
	}
	return ctx.Err()
}

// pilotGaz sends a piloting command with only the vertical axis set, as a
// percentage of the maximum vertical speed.
func (m *Manager) pilotGaz(ctx context.Context, gaz int8) error {
	return m.RunCommand(ctx, "minidrone", "Piloting", "PCMD", Args{
		"flag":      0,
		"roll":      0,
		"pitch":     0,
		"yaw":       0,
		"gaz":       gaz,
		"timestamp": uint32(time.Since(m.epoch) / time.Millisecond),
	})
}
