// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	t.Setenv(EnvVar, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Target.Host != "localhost" || cfg.Target.Port != 5900 {
		t.Errorf("default target = %s:%d, want localhost:5900", cfg.Target.Host, cfg.Target.Port)
	}
	if cfg.Connect.Timeout != 30*time.Second {
		t.Errorf("default connect timeout = %s, want 30s", cfg.Connect.Timeout)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeFile(t, "viewer.yaml", `
target:
  host: vmhost.example.org
connect:
  timeout: 10s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Target.Host != "vmhost.example.org" {
		t.Errorf("target.host = %q, want vmhost.example.org", cfg.Target.Host)
	}
	// Port was not set in the file; the default survives.
	if cfg.Target.Port != 5900 {
		t.Errorf("target.port = %d, want default 5900", cfg.Target.Port)
	}
	if cfg.Connect.Timeout != 10*time.Second {
		t.Errorf("connect.timeout = %s, want 10s", cfg.Connect.Timeout)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeFile(t, "viewer.yaml", "target:\n  host: env-host\n")
	t.Setenv(EnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Target.Host != "env-host" {
		t.Errorf("target.host = %q, want env-host", cfg.Target.Host)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"empty host", func(c *Config) { c.Target.Host = "" }, "target.host"},
		{"port out of range", func(c *Config) { c.Target.Port = 70000 }, "target.port"},
		{"zero timeout", func(c *Config) { c.Connect.Timeout = 0 }, "connect.timeout"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestLoadICEServersJSONC(t *testing.T) {
	path := writeFile(t, "ice.jsonc", `[
  // Public STUN for development.
  {"urls": ["stun:stun.example.org:3478"]},
  {
    "urls": ["turn:turn.example.org:3478"],
    "username": "viewer",
    "credential": "secret",
  },
]`)

	servers, err := LoadICEServers(path)
	if err != nil {
		t.Fatalf("LoadICEServers() error: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("first server URL = %q", servers[0].URLs[0])
	}
	if servers[1].Username != "viewer" || servers[1].Credential != "secret" {
		t.Errorf("TURN credentials not decoded: %+v", servers[1])
	}
}

func TestLoadICEServersRejectsEmptyURLs(t *testing.T) {
	path := writeFile(t, "ice.jsonc", `[{"username": "x"}]`)

	if _, err := LoadICEServers(path); err == nil {
		t.Fatal("LoadICEServers() accepted an entry without urls")
	}
}
