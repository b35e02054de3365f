// config.go

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
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// the drone drops a link that has been quiet for about 5 seconds
const (
	defaultIdleTimeout     = 5 * time.Second
	defaultKeepAlivePeriod = 3 * time.Second
	defaultSendTimeout     = time.Second
	defaultMaxSendFailures = 3
	defaultSubscriberBuf   = 32
)

// Config tunes a Manager.
type Config struct {
	KeepAlive KeepAliveConfig `yaml:"keepalive"`

	// SendTimeout bounds each transport send.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// MaxSendFailures consecutive failed sends make the Manager drop the link.
	MaxSendFailures int `yaml:"max_send_failures"`

	// SubscriberBuffer is the channel capacity given to each subscription.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// ClearSensorsOnDisconnect empties the sensor store when the link closes.
	// By default readings are kept, stale, until overwritten.
	ClearSensorsOnDisconnect bool `yaml:"clear_sensors_on_disconnect"`
}

// KeepAliveConfig describes the command sent periodically to stop the drone
// from dropping an idle link.
type KeepAliveConfig struct {
	Period      time.Duration  `yaml:"period"`
	IdleTimeout time.Duration  `yaml:"idle_timeout"`
	Project     string         `yaml:"project"`
	Class       string         `yaml:"class"`
	Command     string         `yaml:"command"`
	Args        map[string]any `yaml:"args"`
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

// ParseConfig reads a YAML configuration, filling in defaults for anything missing.
func ParseConfig(raw []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("pdrone: parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(raw)
}

func (c *Config) applyDefaults() {
	if c.KeepAlive.IdleTimeout == 0 {
		c.KeepAlive.IdleTimeout = defaultIdleTimeout
	}
	if c.KeepAlive.Period == 0 {
		c.KeepAlive.Period = defaultKeepAlivePeriod
	}
	if c.KeepAlive.Command == "" {
		// a position request, as the official apps do
		c.KeepAlive.Project = "minidrone"
		c.KeepAlive.Class = "NavigationDataState"
		c.KeepAlive.Command = "DronePosition"
		if c.KeepAlive.Args == nil {
			c.KeepAlive.Args = map[string]any{"posx": 0, "posy": 0, "posz": 0, "psi": 0, "ts": 0}
		}
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.MaxSendFailures == 0 {
		c.MaxSendFailures = defaultMaxSendFailures
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = defaultSubscriberBuf
	}
}

func (c *Config) validate() error {
	switch {
	case c.KeepAlive.Period < 0 || c.KeepAlive.IdleTimeout < 0:
		return errors.New("pdrone: keepalive durations must be positive")
	case c.KeepAlive.Period >= c.KeepAlive.IdleTimeout:
		return fmt.Errorf("pdrone: keepalive period %v must be shorter than the idle timeout %v",
			c.KeepAlive.Period, c.KeepAlive.IdleTimeout)
	case c.KeepAlive.Project == "" || c.KeepAlive.Class == "":
		return errors.New("pdrone: keepalive command needs a project and class")
	case c.SendTimeout < 0:
		return errors.New("pdrone: send_timeout must be positive")
	case c.MaxSendFailures < 0:
		return errors.New("pdrone: max_send_failures must not be negative")
	case c.SubscriberBuffer < 0:
		return errors.New("pdrone: subscriber_buffer must not be negative")
	}
	return nil
}
