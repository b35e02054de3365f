// sensors.go

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
	"strings"
	"sync"
	"time"
)

// SensorKey identifies one telemetry message family, eg. minidrone-PilotingState-FlyingStateChanged
type SensorKey string

// sensorKeySep joins the names of a key; command tables reject names containing it.
const sensorKeySep = "-"

// MakeSensorKey builds the key for a (project, class, command) triple.
func MakeSensorKey(project, class, command string) SensorKey {
	return SensorKey(project + sensorKeySep + class + sensorKeySep + command)
}

// ParseSensorKey splits a key back into its triple.
func ParseSensorKey(k SensorKey) (project, class, command string, ok bool) {
	parts := strings.SplitN(string(k), sensorKeySep, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// Reading is the latest decoded value of a sensor.
type Reading struct {
	Event     TelemetryEvent
	UpdatedAt time.Time
}

// SensorStore holds the latest reading for every sensor seen.
// It expects a single writer (the notification pump) and any number of readers.
// Readings handed out share their Args with the store and must not be modified.
type SensorStore struct {
	mu       sync.RWMutex // protects readings
	readings map[SensorKey]Reading
	now      func() time.Time
}

// NewSensorStore returns an empty store.
func NewSensorStore() *SensorStore {
	return &SensorStore{
		readings: make(map[SensorKey]Reading),
		now:      time.Now,
	}
}

// Update overwrites the reading for the event's key, last write wins.
func (s *SensorStore) Update(ev TelemetryEvent) {
	r := Reading{Event: ev, UpdatedAt: s.now()}
	s.mu.Lock()
	s.readings[ev.Key()] = r
	s.mu.Unlock()
}

// Get returns the current reading for a key.
func (s *SensorStore) Get(key SensorKey) (Reading, bool) {
	s.mu.RLock()
	r, ok := s.readings[key]
	s.mu.RUnlock()
	return r, ok
}

// Snapshot returns a copy of every current reading.
func (s *SensorStore) Snapshot() map[SensorKey]Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[SensorKey]Reading, len(s.readings))
	for k, r := range s.readings {
		snap[k] = r
	}
	return snap
}

// Len returns the number of sensors with a reading.
func (s *SensorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

// Clear forgets every reading.
func (s *SensorStore) Clear() {
	s.mu.Lock()
	s.readings = make(map[SensorKey]Reading)
	s.mu.Unlock()
}
