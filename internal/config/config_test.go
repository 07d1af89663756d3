// Copyright 2025 Blink Labs Software
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

package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "test-mvmnt.yaml")
	if err := os.WriteFile(tmpFile, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return tmpFile
}

func TestLoad_CompareFullStruct(t *testing.T) {
	yamlContent := `
dataDir: "/var/lib/mvmnt"
bindAddr: "127.0.0.1"
apiPort: 8081
metricsPort: 9465
relays:
  - "wss://relay.example.com"
  - "wss://relay2.example.com"
workers: 8
queueSize: 4096
minNonceLength: 24
maxCampaignsPerDay: 3
refundDelay: "48h"
autoRefund: true
custodyUrl: "https://custody.example.com"
custodyTimeout: "5s"
sweepInterval: "30s"
replayRetention: "240h"
shutdownTimeout: "10s"
tracing: true
`
	expected := &Config{
		DataDir:            "/var/lib/mvmnt",
		BindAddr:           "127.0.0.1",
		ApiPort:            8081,
		MetricsPort:        9465,
		Relays:             []string{"wss://relay.example.com", "wss://relay2.example.com"},
		Workers:            8,
		QueueSize:          4096,
		MinNonceLength:     24,
		MaxCampaignsPerDay: 3,
		RefundDelay:        "48h",
		AutoRefund:         true,
		CustodyUrl:         "https://custody.example.com",
		CustodyTimeout:     "5s",
		SweepInterval:      "30s",
		ReplayRetention:    "240h",
		ShutdownTimeout:    "10s",
		Tracing:            true,
	}
	actual, err := LoadConfig(writeConfig(t, yamlContent))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if !reflect.DeepEqual(actual, expected) {
		t.Errorf(
			"Loaded config does not match expected.\nActual: %+v\nExpected: %+v",
			actual,
			expected,
		)
	}
}

func TestLoad_WithoutConfigFile_UsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	// Skip the comparison on hosts that ship a system config
	if _, err := os.Stat("/etc/mvmnt/mvmnt.yaml"); err == nil {
		t.Skip("system config present")
	}
	if !reflect.DeepEqual(cfg, defaultConfig()) {
		t.Errorf(
			"config mismatch without file:\nExpected: %+v\nGot:      %+v",
			defaultConfig(),
			cfg,
		)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("MVMNT_API_PORT", "9999")
	t.Setenv("MVMNT_RELAYS", "wss://a.example.com,wss://b.example.com")
	t.Setenv("MVMNT_AUTO_REFUND", "true")
	cfg, err := LoadConfig(writeConfig(t, "apiPort: 8081\n"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ApiPort != 9999 {
		t.Errorf("expected ApiPort 9999, got: %d", cfg.ApiPort)
	}
	if !reflect.DeepEqual(cfg.Relays, []string{"wss://a.example.com", "wss://b.example.com"}) {
		t.Errorf("unexpected relays: %v", cfg.Relays)
	}
	if !cfg.AutoRefund {
		t.Errorf("expected AutoRefund to be true")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	for name, content := range map[string]string{
		"bad duration":      "refundDelay: \"soon\"\n",
		"negative duration": "sweepInterval: \"-1m\"\n",
		"zero workers":      "workers: 0\n",
		"bad yaml":          "workers: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, content)); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	cfg := defaultConfig()
	ctx := WithContext(context.Background(), cfg)
	if FromContext(ctx) != cfg {
		t.Errorf("config not carried on context")
	}
	if FromContext(context.Background()) != nil {
		t.Errorf("expected nil config on empty context")
	}
	if Duration(cfg.RefundDelay) != 24*time.Hour {
		t.Errorf("unexpected refund delay: %s", Duration(cfg.RefundDelay))
	}
}
