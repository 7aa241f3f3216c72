// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable naming the config file.
const EnvVar = "VIRTVIEW_CONFIG"

// Config is the viewer configuration.
type Config struct {
	// Target is the remote compute endpoint to connect to.
	Target TargetConfig `yaml:"target"`

	// Connect configures connection establishment policy.
	Connect ConnectConfig `yaml:"connect"`

	// ICEServersFile is the path to a JSONC file listing STUN/TURN
	// servers for transport NAT traversal. Empty means host-candidate
	// only, which is sufficient on a LAN.
	ICEServersFile string `yaml:"ice_servers_file"`

	// Log configures diagnostic output.
	Log LogConfig `yaml:"log"`
}

// TargetConfig identifies the remote endpoint.
type TargetConfig struct {
	// Host is the hostname or address of the remote endpoint.
	// Default: localhost.
	Host string `yaml:"host"`

	// Port is the signaling port of the remote endpoint.
	// Default: 5900.
	Port int `yaml:"port"`
}

// ConnectConfig configures connection establishment.
type ConnectConfig struct {
	// Timeout bounds how long the session may stay in Connecting
	// before the attempt is treated as a connect failure.
	// Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures diagnostic output.
type LogConfig struct {
	// Level is the minimum slog level: debug, info, warn, or error.
	// Default: info.
	Level string `yaml:"level"`

	// Output is a file path for JSON log records. Empty means stderr.
	Output string `yaml:"output"`
}

// ICEServer is one STUN or TURN server entry from the ICE servers file.
type ICEServer struct {
	// URLs are the server URIs, e.g. "stun:stun.example.org:3478".
	URLs []string `json:"urls"`

	// Username is the TURN username, if the server requires one.
	Username string `json:"username,omitempty"`

	// Credential is the TURN credential paired with Username.
	Credential string `json:"credential,omitempty"`
}

// Default returns the default configuration. The defaults match the
// conventional remote-display setup: a local endpoint on port 5900.
func Default() *Config {
	return &Config{
		Target: TargetConfig{
			Host: "localhost",
			Port: 5900,
		},
		Connect: ConnectConfig{
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration from path. If path is empty, the
// VIRTVIEW_CONFIG environment variable is consulted; if that is also
// empty, the defaults are returned unchanged. Loaded values are
// layered over the defaults, then validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values after loading and flag overrides.
func (cfg *Config) Validate() error {
	if cfg.Target.Host == "" {
		return fmt.Errorf("target.host must not be empty")
	}
	if cfg.Target.Port < 1 || cfg.Target.Port > 65535 {
		return fmt.Errorf("target.port %d out of range 1-65535", cfg.Target.Port)
	}
	if cfg.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be positive, got %s", cfg.Connect.Timeout)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	return nil
}

// LoadICEServers reads a JSONC ICE server list. Comments and trailing
// commas are stripped before standard JSON decoding.
func LoadICEServers(path string) ([]ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ICE servers file: %w", err)
	}

	var servers []ICEServer
	if err := json.Unmarshal(jsonc.ToJSON(data), &servers); err != nil {
		return nil, fmt.Errorf("parsing ICE servers file %s: %w", path, err)
	}
	for i, server := range servers {
		if len(server.URLs) == 0 {
			return nil, fmt.Errorf("ICE server entry %d has no urls", i)
		}
	}
	return servers, nil
}
