// Package config handles broker and client configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration unmarshals both a Go duration string ("30s") and a bare number
// of seconds from JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// BrokerConfig is the top-level broker (relay-broker) configuration.
type BrokerConfig struct {
	SocketPath string `json:"socket_path"`
	LogLevel   string `json:"log_level"`

	MaxFrameBytes   int      `json:"max_frame_bytes,omitempty"`
	HeartbeatMs     int64    `json:"heartbeat_ms,omitempty"`
	ResumeWindow    Duration `json:"resume_window,omitempty"`
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"`

	DedupWindowSize int `json:"dedup_window_size,omitempty"`
	WriteQueueDepth int `json:"write_queue_depth,omitempty"`

	MessageStore MessageStoreConfig `json:"message_store"`
	Delivery     DeliveryConfig     `json:"delivery"`
	Supervisor   SupervisorConfig   `json:"supervisor"`
}

// MessageStoreConfig bounds the in-memory message store and optionally
// configures durable backing.
type MessageStoreConfig struct {
	MaxRecords  int      `json:"max_records,omitempty"`
	MaxAge      Duration `json:"max_age,omitempty"`
	DurablePath string   `json:"durable_path,omitempty"` // empty disables durable backing
}

// DeliveryConfig tunes the delivery engine's retry and queueing policy.
type DeliveryConfig struct {
	QueueDepth      int      `json:"queue_depth,omitempty"`
	BaseBackoff     Duration `json:"base_backoff,omitempty"`
	MaxBackoff      Duration `json:"max_backoff,omitempty"`
	MaxAttempts     int      `json:"max_attempts,omitempty"`
	DefaultTTL      Duration `json:"default_ttl,omitempty"`
}

// SupervisorConfig tunes PTY spawning and health monitoring.
type SupervisorConfig struct {
	LogDir            string   `json:"log_dir,omitempty"`
	HealthInterval    Duration `json:"health_interval,omitempty"`
	UnhealthyStreak   int      `json:"unhealthy_streak,omitempty"`
	MaxRestarts       int      `json:"max_restarts,omitempty"`
	ReleaseGraceful   Duration `json:"release_graceful,omitempty"`
}

// DefaultBrokerConfig returns the broker defaults named throughout spec.md.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		SocketPath:       defaultSocketPath(),
		LogLevel:         "info",
		MaxFrameBytes:    1 << 20,
		HeartbeatMs:      15_000,
		ResumeWindow:     Duration{60 * time.Second},
		HandshakeTimeout: Duration{5 * time.Second},
		DedupWindowSize:  2000,
		WriteQueueDepth:  1024,
		MessageStore: MessageStoreConfig{
			MaxRecords: 10_000,
			MaxAge:     Duration{1 * time.Hour},
		},
		Delivery: DeliveryConfig{
			QueueDepth:  1024,
			BaseBackoff: Duration{1 * time.Second},
			MaxBackoff:  Duration{30 * time.Second},
			MaxAttempts: 5,
			DefaultTTL:  Duration{60 * time.Second},
		},
		Supervisor: SupervisorConfig{
			LogDir:          "./.agent-relay/logs",
			HealthInterval:  Duration{5 * time.Second},
			UnhealthyStreak: 3,
			MaxRestarts:     5,
			ReleaseGraceful: Duration{5 * time.Second},
		},
	}
}

func defaultSocketPath() string {
	if p := os.Getenv("AGENT_RELAY_SOCKET"); p != "" {
		return p
	}
	return ".agent-relay/relay.sock"
}

// LoadBroker reads and validates broker configuration from a JSON file,
// filling unset fields with defaults.
func LoadBroker(path string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ClientConfig configures the client runtime.
type ClientConfig struct {
	SocketPath string `json:"socket_path"`

	Name         string `json:"name"`
	Entity       string `json:"entity"` // "agent" | "user"
	CLIKind      string `json:"cli_kind,omitempty"`
	Program      string `json:"program,omitempty"`
	Task         string `json:"task,omitempty"`
	Cwd          string `json:"cwd,omitempty"`

	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"`

	DedupWindowSize          int  `json:"dedup_window_size,omitempty"`
	PreserveQueueOnReconnect bool `json:"preserve_queue_on_reconnect,omitempty"`

	SpawnTimeout   Duration `json:"spawn_timeout,omitempty"`
	ReleaseTimeout Duration `json:"release_timeout,omitempty"`
}

// DefaultClientConfig mirrors the defaults named in spec.md §5.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SocketPath:        defaultSocketPath(),
		Entity:            "agent",
		ReconnectInterval: Duration{500 * time.Millisecond},
		MaxReconnectDelay: Duration{30 * time.Second},
		DedupWindowSize:   2000,
		SpawnTimeout:      Duration{60 * time.Second},
		ReleaseTimeout:    Duration{30 * time.Second},
	}
}
