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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "mvmnt.config"

const (
	DefaultShutdownTimeout = "30s"
	DefaultRefundDelay     = "24h"
	DefaultSweepInterval   = "1m"
	DefaultReplayRetention = "192h"
	DefaultCustodyTimeout  = "10s"
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	DataDir            string   `yaml:"dataDir"            split_words:"true"`
	BindAddr           string   `yaml:"bindAddr"           split_words:"true"`
	ApiPort            uint     `yaml:"apiPort"            split_words:"true"`
	MetricsPort        uint     `yaml:"metricsPort"        split_words:"true"`
	Relays             []string `yaml:"relays"`
	Workers            int      `yaml:"workers"`
	QueueSize          int      `yaml:"queueSize"          split_words:"true"`
	MinNonceLength     int      `yaml:"minNonceLength"     split_words:"true"`
	MaxCampaignsPerDay int      `yaml:"maxCampaignsPerDay" split_words:"true"`
	RefundDelay        string   `yaml:"refundDelay"        split_words:"true"`
	AutoRefund         bool     `yaml:"autoRefund"         split_words:"true"`
	CustodyUrl         string   `yaml:"custodyUrl"         split_words:"true"`
	CustodyTimeout     string   `yaml:"custodyTimeout"     split_words:"true"`
	SweepInterval      string   `yaml:"sweepInterval"      split_words:"true"`
	ReplayRetention    string   `yaml:"replayRetention"    split_words:"true"`
	ShutdownTimeout    string   `yaml:"shutdownTimeout"    split_words:"true"`
	// Tracing is exported over OTLP/HTTP using the standard OTEL_EXPORTER_*
	// environment, or to stdout with TracingStdout
	Tracing       bool `yaml:"tracing"`
	TracingStdout bool `yaml:"tracingStdout"      split_words:"true"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir:            ".mvmnt",
		BindAddr:           "0.0.0.0",
		ApiPort:            8080,
		MetricsPort:        9464,
		Workers:            4,
		QueueSize:          1024,
		MinNonceLength:     16,
		MaxCampaignsPerDay: 5,
		RefundDelay:        DefaultRefundDelay,
		CustodyTimeout:     DefaultCustodyTimeout,
		SweepInterval:      DefaultSweepInterval,
		ReplayRetention:    DefaultReplayRetention,
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

// LoadConfig builds the configuration from the defaults, then the YAML file,
// then the MVMNT_* environment. Without an explicit file it looks in
// ~/.mvmnt/mvmnt.yaml and then /etc/mvmnt/mvmnt.yaml
func LoadConfig(configFile string) (*Config, error) {
	cfg := defaultConfig()
	if configFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".mvmnt", "mvmnt.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/mvmnt/mvmnt.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("mvmnt", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that durations parse and sizes are positive
func (c *Config) Validate() error {
	var errs []error
	for name, val := range map[string]string{
		"refundDelay":     c.RefundDelay,
		"custodyTimeout":  c.CustodyTimeout,
		"sweepInterval":   c.SweepInterval,
		"replayRetention": c.ReplayRetention,
		"shutdownTimeout": c.ShutdownTimeout,
	} {
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be positive", name))
		}
	}
	for name, val := range map[string]int{
		"workers":            c.Workers,
		"queueSize":          c.QueueSize,
		"minNonceLength":     c.MinNonceLength,
		"maxCampaignsPerDay": c.MaxCampaignsPerDay,
	} {
		if val < 1 {
			errs = append(errs, fmt.Errorf("invalid %s: must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// Duration returns a duration field that Validate has already checked
func Duration(val string) time.Duration {
	d, _ := time.ParseDuration(val)
	return d
}
