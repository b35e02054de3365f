// flightdata.go

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
	"fmt"
	"time"
)

// Position is the drone's reported position relative to its takeoff point.
type Position struct {
	X, Y, Z   int16
	Psi       int16
	Timestamp int16
}

// Speed is the drone's reported velocity in m/s.
type Speed struct {
	X, Y, Z   float32
	Timestamp uint16
}

// Quaternion is the drone's reported attitude.
type Quaternion struct {
	W, X, Y, Z float32
}

// FlightData is a digest of the latest telemetry. Enum fields hold the schema
// spelling of the state, eg. "hovering", and are empty until first reported.
type FlightData struct {
	FlyingState    string
	Alert          string
	BatteryPercent uint8
	Position       Position
	Speed          Speed
	Altitude       float32 // metres
	Attitude       Quaternion
	Claw           string
	Gun            string
	UpdatedAt      time.Time // time of the newest reading used
}

// sensors the digest is built from
var (
	keyFlyingState = MakeSensorKey("minidrone", "PilotingState", "FlyingStateChanged")
	keyAlert       = MakeSensorKey("minidrone", "PilotingState", "AlertStateChanged")
	keyBattery     = MakeSensorKey("common", "CommonState", "BatteryStateChanged")
	keyPosition    = MakeSensorKey("minidrone", "NavigationDataState", "DronePosition")
	keySpeed       = MakeSensorKey("minidrone", "NavigationDataState", "DroneSpeed")
	keyAltitude    = MakeSensorKey("minidrone", "NavigationDataState", "DroneAltitude")
	keyQuaternion  = MakeSensorKey("minidrone", "NavigationDataState", "DroneQuaternion")
	keyClaw        = MakeSensorKey("minidrone", "UsbAccessoryState", "ClawState")
	keyGun         = MakeSensorKey("minidrone", "UsbAccessoryState", "GunState")
)

// argAs returns the named argument if it has type T, and T's zero value otherwise.
func argAs[T any](ev TelemetryEvent, name string) T {
	v, _ := ev.Arg(name)
	t, _ := v.(T)
	return t
}

func enumArg(ev TelemetryEvent, name string) string {
	v, ok := ev.Arg(name)
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func flightDataFrom(snap map[SensorKey]Reading) FlightData {
	var fd FlightData
	for key, r := range snap {
		ev := r.Event
		switch key {
		case keyFlyingState:
			fd.FlyingState = enumArg(ev, "state")
		case keyAlert:
			fd.Alert = enumArg(ev, "state")
		case keyBattery:
			fd.BatteryPercent = argAs[uint8](ev, "percent")
		case keyPosition:
			fd.Position = Position{
				X:         argAs[int16](ev, "posx"),
				Y:         argAs[int16](ev, "posy"),
				Z:         argAs[int16](ev, "posz"),
				Psi:       argAs[int16](ev, "psi"),
				Timestamp: argAs[int16](ev, "ts"),
			}
		case keySpeed:
			fd.Speed = Speed{
				X:         argAs[float32](ev, "speed_x"),
				Y:         argAs[float32](ev, "speed_y"),
				Z:         argAs[float32](ev, "speed_z"),
				Timestamp: argAs[uint16](ev, "ts"),
			}
		case keyAltitude:
			fd.Altitude = argAs[float32](ev, "altitude")
		case keyQuaternion:
			fd.Attitude = Quaternion{
				W: argAs[float32](ev, "q_w"),
				X: argAs[float32](ev, "q_x"),
				Y: argAs[float32](ev, "q_y"),
				Z: argAs[float32](ev, "q_z"),
			}
		case keyClaw:
			fd.Claw = enumArg(ev, "state")
		case keyGun:
			fd.Gun = enumArg(ev, "state")
		default:
			continue
		}
		if r.UpdatedAt.After(fd.UpdatedAt) {
			fd.UpdatedAt = r.UpdatedAt
		}
	}
	return fd
}

// FlightData returns the current known state of the drone.
func (m *Manager) FlightData() FlightData {
	return flightDataFrom(m.sensors.Snapshot())
}

// StreamFlightData starts a Goroutine which sends FlightData to the returned channel
// until ctx ends, then closes it.
// If asAvailable is true then updates are sent whenever fresh telemetry arrives and period is ignored.
// If asAvailable is false then updates are sent every period, which must be positive.
// This streamer does not block on the channel, so unconsumed updates are lost.
func (m *Manager) StreamFlightData(ctx context.Context, asAvailable bool, period time.Duration) (<-chan FlightData, error) {
	if !asAvailable && period <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadStreamPeriod, period)
	}
	fdChan := make(chan FlightData, 2)
	offer := func() {
		select {
		case fdChan <- m.FlightData():
		default:
		}
	}

	if asAvailable {
		sub := m.Subscribe()
		go func() {
			defer close(fdChan)
			defer m.Unsubscribe(sub.ID)
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-sub.C:
					if n.Type == SensorUpdate {
						offer()
					}
				}
			}
		}()
		return fdChan, nil
	}

	go func() {
		defer close(fdChan)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				offer()
			}
		}
	}()
	return fdChan, nil
}
