// Package config loads, validates, and hot-reloads the daemon configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Duration parses human-readable durations ("30s", "15m") from yaml and
// json payloads.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a nanosecond integer.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// UnmarshalJSON accepts either a duration string or a nanosecond integer.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Provider names the model backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Config is the declarative daemon definition.
type Config struct {
	Server    ServerBlock    `json:"server" yaml:"server"`
	Engine    EngineBlock    `json:"engine" yaml:"engine"`
	Redis     RedisBlock     `json:"redis" yaml:"redis"`
	Session   SessionBlock   `json:"session" yaml:"session"`
	Toolset   ToolsetBlock   `json:"toolset" yaml:"toolset"`
	Telemetry TelemetryBlock `json:"telemetry" yaml:"telemetry"`

	SourcePath string `json:"-" yaml:"-"`
}

// ServerBlock constrains the HTTP listener. HeartbeatTTL is the ceiling on
// generation inactivity before a stream is cancelled; client disconnects are
// detected separately at the connection level.
type ServerBlock struct {
	Listen         string   `json:"listen" yaml:"listen"`
	MaxConnections int      `json:"max_connections" yaml:"max_connections"`
	HeartbeatTTL   Duration `json:"heartbeat_ttl" yaml:"heartbeat_ttl"`
	ShutdownGrace  Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// EngineBlock selects and tunes the model backend.
type EngineBlock struct {
	Provider  Provider `json:"provider" yaml:"provider"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
	Model     string   `json:"model" yaml:"model"`
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	MaxTokens int      `json:"max_tokens" yaml:"max_tokens"`
}

// RedisBlock points at the snapshot backend. An empty address selects the
// in-process backend.
type RedisBlock struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// SessionBlock tunes snapshot and streaming behaviour. ReplyJournal names
// an append-only file persisting reply records across restarts; empty keeps
// them in process memory.
type SessionBlock struct {
	SnapshotTTL   Duration `json:"snapshot_ttl" yaml:"snapshot_ttl"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`
	Instructions  string   `json:"instructions" yaml:"instructions"`
	ReplyJournal  string   `json:"reply_journal" yaml:"reply_journal"`
}

// ToolsetBlock points at the MCP server advertising the default tools.
// Command and Endpoint are mutually exclusive; both empty means no default
// toolset.
type ToolsetBlock struct {
	Command  string   `json:"command" yaml:"command"`
	Args     []string `json:"args" yaml:"args"`
	Endpoint string   `json:"endpoint" yaml:"endpoint"`
}

// TelemetryBlock configures trace export. An empty endpoint disables export.
type TelemetryBlock struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
}

// Normalize trims whitespace and fills defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Server.Listen = strings.TrimSpace(c.Server.Listen)
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = 256
	}
	if c.Server.HeartbeatTTL <= 0 {
		c.Server.HeartbeatTTL = Duration(10 * time.Minute)
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = Duration(10 * time.Second)
	}
	c.Engine.Provider = Provider(strings.ToLower(strings.TrimSpace(string(c.Engine.Provider))))
	c.Engine.Model = strings.TrimSpace(c.Engine.Model)
	c.Engine.BaseURL = strings.TrimSpace(c.Engine.BaseURL)
	c.Redis.Address = strings.TrimSpace(c.Redis.Address)
	if c.Session.FlushInterval <= 0 {
		c.Session.FlushInterval = Duration(time.Second)
	}
	c.Session.ReplyJournal = strings.TrimSpace(c.Session.ReplyJournal)
	c.Toolset.Command = strings.TrimSpace(c.Toolset.Command)
	c.Toolset.Endpoint = strings.TrimSpace(c.Toolset.Endpoint)
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "replystream"
	}
}

// Validate reports the first structural problem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	switch c.Engine.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	case "":
		return errors.New("config: engine.provider is required")
	default:
		return fmt.Errorf("config: unsupported engine.provider %q", c.Engine.Provider)
	}
	if strings.TrimSpace(c.Engine.APIKey) == "" {
		return errors.New("config: engine.api_key is required")
	}
	if c.Engine.Model == "" {
		return errors.New("config: engine.model is required")
	}
	if c.Toolset.Command != "" && c.Toolset.Endpoint != "" {
		return errors.New("config: toolset.command and toolset.endpoint are mutually exclusive")
	}
	return nil
}
