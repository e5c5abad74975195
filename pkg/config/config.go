// Copyright 2025 The morpheus-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for the morpheus relay:
// listener, session limits, routing, acknowledgment retention and the
// auxiliary HTTP servers.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/session"
	"github.com/turtacn/morpheus-go/pkg/transport"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration written as a Go duration string ("10s") in
// both YAML and JSON.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"10s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ServerConfig is the WebSocket listener.
type ServerConfig struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// SessionConfig holds per-connection limits.
type SessionConfig struct {
	MailboxSize      int      `yaml:"mailbox_size" json:"mailbox_size"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout" json:"write_timeout"`
	PongWait         Duration `yaml:"pong_wait" json:"pong_wait"`
	MaxFrameBytes    int64    `yaml:"max_frame_bytes" json:"max_frame_bytes"`
	InboundRate      float64  `yaml:"inbound_rate" json:"inbound_rate"`
	InboundBurst     int      `yaml:"inbound_burst" json:"inbound_burst"`
}

// RouterConfig holds routing settings.
type RouterConfig struct {
	DeliveryTimeout Duration `yaml:"delivery_timeout" json:"delivery_timeout"`
}

// AckConfig controls pruning of acknowledgment entries. A zero retention
// keeps every entry for the life of the process.
type AckConfig struct {
	Retention     Duration `yaml:"retention" json:"retention"`
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// HTTPConfig is an auxiliary HTTP server that can be switched off.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// LogConfig selects the log level and an optional log file.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// Config holds the complete configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Session SessionConfig `yaml:"session" json:"session"`
	Router  RouterConfig  `yaml:"router" json:"router"`
	Ack     AckConfig     `yaml:"ack" json:"ack"`
	Admin   HTTPConfig    `yaml:"admin" json:"admin"`
	Metrics HTTPConfig    `yaml:"metrics" json:"metrics"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	sess := session.DefaultConfig()
	tr := transport.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    8080,
			Path:    tr.Path,
		},
		Session: SessionConfig{
			MailboxSize:      sess.MailboxSize,
			HandshakeTimeout: Duration(sess.HandshakeTimeout),
			WriteTimeout:     Duration(tr.WriteTimeout),
			PongWait:         Duration(tr.PongWait),
			MaxFrameBytes:    tr.MaxFrameBytes,
			InboundRate:      sess.InboundRate,
			InboundBurst:     sess.InboundBurst,
		},
		Router: RouterConfig{
			DeliveryTimeout: Duration(5 * time.Second),
		},
		Ack: AckConfig{
			SweepInterval: Duration(time.Minute),
		},
		Admin: HTTPConfig{
			Enabled: true,
			Address: ":8081",
		},
		Metrics: HTTPConfig{
			Enabled: true,
			Address: ":8082",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Info().Msg("no config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Start from the defaults so a file only needs the keys it changes.
	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info().Str("path", configPath).Msg("configuration loaded")
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Info().Str("path", configPath).Msg("configuration saved")
	return nil
}

// Validate checks the configuration, for callers that change it after
// loading.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", config.Server.Port)
	}
	if !strings.HasPrefix(config.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/': %q", config.Server.Path)
	}

	s := config.Session
	if s.MailboxSize <= 0 {
		return fmt.Errorf("session.mailbox_size must be positive")
	}
	if s.MaxFrameBytes <= 0 {
		return fmt.Errorf("session.max_frame_bytes must be positive")
	}
	if s.InboundRate < 0 || s.InboundBurst < 0 {
		return fmt.Errorf("session.inbound_rate and session.inbound_burst cannot be negative")
	}
	if s.InboundRate > 0 && s.InboundBurst == 0 {
		return fmt.Errorf("session.inbound_burst must be positive when inbound_rate is set")
	}
	for name, d := range map[string]Duration{
		"session.handshake_timeout": s.HandshakeTimeout,
		"session.write_timeout":     s.WriteTimeout,
		"session.pong_wait":         s.PongWait,
		"router.delivery_timeout":   config.Router.DeliveryTimeout,
		"ack.retention":             config.Ack.Retention,
		"ack.sweep_interval":        config.Ack.SweepInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	if config.Admin.Enabled && config.Admin.Address == "" {
		return fmt.Errorf("admin.address cannot be empty when the admin API is enabled")
	}
	if config.Metrics.Enabled && config.Metrics.Address == "" {
		return fmt.Errorf("metrics.address cannot be empty when metrics are enabled")
	}

	if config.Log.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(config.Log.Level)); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}

	return nil
}

// ListenAddress returns the WebSocket listener address as host:port.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// Transport returns the listener settings for transport.NewServer.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		Address:       c.ListenAddress(),
		Path:          c.Server.Path,
		WriteTimeout:  c.Session.WriteTimeout.Std(),
		PongWait:      c.Session.PongWait.Std(),
		MaxFrameBytes: c.Session.MaxFrameBytes,
	}
}

// SessionLimits returns the per-connection settings for transport.NewServer.
// Pings are sent at nine tenths of the pong wait.
func (c *Config) SessionLimits() session.Config {
	return session.Config{
		MailboxSize:      c.Session.MailboxSize,
		HandshakeTimeout: c.Session.HandshakeTimeout.Std(),
		PingInterval:     c.Session.PongWait.Std() * 9 / 10,
		InboundRate:      c.Session.InboundRate,
		InboundBurst:     c.Session.InboundBurst,
	}
}
