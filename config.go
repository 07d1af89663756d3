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

package mvmnt

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/PerceptLabs/mvmnt/collab"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/replay"
	"github.com/PerceptLabs/mvmnt/schema"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultWorkers            = 4
	DefaultQueueSize          = 1024
	DefaultMaxCampaignsPerDay = 5
	DefaultSweepInterval      = time.Minute
	DefaultShutdownTimeout    = 30 * time.Second
)

type Config struct {
	logger              *slog.Logger
	promRegistry        prometheus.Registerer
	dataDir             string
	workers             int
	queueSize           int
	minNonceLength      int
	maxCampaignsPerDay  int
	refundDelay         time.Duration
	autoRefund          bool
	disableEscrowTimers bool
	custody             escrow.Custody
	representatives     collab.RepresentativeLookup
	messageDelivery     collab.MessageDelivery
	sweepInterval       time.Duration
	replayRetention     time.Duration
	relays              []string
	shutdownTimeout     time.Duration
	tracing             bool
	tracingStdout       bool
	nowFunc             func() time.Time
}

// configValidate rejects option values the node cannot run with
func (n *Node) configValidate() error {
	var err error
	if n.config.workers <= 0 {
		err = errors.Join(err, errors.New("worker count must be positive"))
	}
	if n.config.queueSize <= 0 {
		err = errors.Join(err, errors.New("queue size must be positive"))
	}
	if n.config.minNonceLength <= 0 {
		err = errors.Join(err, errors.New("minimum nonce length must be positive"))
	}
	if n.config.maxCampaignsPerDay <= 0 {
		err = errors.Join(err, errors.New("campaign creation limit must be positive"))
	}
	if n.config.refundDelay <= 0 {
		err = errors.Join(err, errors.New("refund delay must be positive"))
	}
	if n.config.sweepInterval <= 0 {
		err = errors.Join(err, errors.New("sweep interval must be positive"))
	}
	if n.config.replayRetention <= 0 {
		err = errors.Join(err, errors.New("replay retention must be positive"))
	}
	return err
}

// ConfigOptionFunc is a type that represents functions that modify the Connection config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new node config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:             slog.New(slog.NewJSONHandler(io.Discard, nil)),
		workers:            DefaultWorkers,
		queueSize:          DefaultQueueSize,
		minNonceLength:     schema.DefaultMinNonceLength,
		maxCampaignsPerDay: DefaultMaxCampaignsPerDay,
		refundDelay:        escrow.DefaultRefundDelay,
		sweepInterval:      DefaultSweepInterval,
		replayRetention:    replay.DefaultRetention,
		shutdownTimeout:    DefaultShutdownTimeout,
		nowFunc:            time.Now,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This is empty by default, which will discard logs
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithDataDir specifies the persistent data directory to use. The default is to store everything in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithWorkers specifies the number of ingestion workers
func WithWorkers(workers int) ConfigOptionFunc {
	return func(c *Config) {
		c.workers = workers
	}
}

// WithQueueSize specifies the capacity of the ingestion queue. Events offered
// while it is full are dropped
func WithQueueSize(size int) ConfigOptionFunc {
	return func(c *Config) {
		c.queueSize = size
	}
}

// WithMinNonceLength specifies the minimum attestation nonce length
func WithMinNonceLength(length int) ConfigOptionFunc {
	return func(c *Config) {
		c.minNonceLength = length
	}
}

// WithMaxCampaignsPerDay specifies how many campaigns an actor may create in any 24 hour window
func WithMaxCampaignsPerDay(limit int) ConfigOptionFunc {
	return func(c *Config) {
		c.maxCampaignsPerDay = limit
	}
}

// WithRefundDelay specifies how long a stake stays locked before it becomes refundable
func WithRefundDelay(delay time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.refundDelay = delay
	}
}

// WithAutoRefund enables refunding refundable stakes from the reconciliation sweep
func WithAutoRefund(autoRefund bool) ConfigOptionFunc {
	return func(c *Config) {
		c.autoRefund = autoRefund
	}
}

// WithEscrowTimers enables or disables the per-stake refund timers. The
// reconciliation sweep still runs when they are disabled
func WithEscrowTimers(enabled bool) ConfigOptionFunc {
	return func(c *Config) {
		c.disableEscrowTimers = !enabled
	}
}

// WithCustody specifies the custody collaborator that executes refunds
func WithCustody(custody escrow.Custody) ConfigOptionFunc {
	return func(c *Config) {
		c.custody = custody
	}
}

// WithRepresentativeLookup specifies the representative lookup collaborator
func WithRepresentativeLookup(lookup collab.RepresentativeLookup) ConfigOptionFunc {
	return func(c *Config) {
		c.representatives = lookup
	}
}

// WithMessageDelivery specifies the message delivery collaborator
func WithMessageDelivery(delivery collab.MessageDelivery) ConfigOptionFunc {
	return func(c *Config) {
		c.messageDelivery = delivery
	}
}

// WithSweepInterval specifies how often the maintenance sweep runs
func WithSweepInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.sweepInterval = interval
	}
}

// WithReplayRetention specifies how long replay keys are kept before eviction
func WithReplayRetention(retention time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.replayRetention = retention
	}
}

// WithRelays specifies the relay websocket URLs to subscribe to
func WithRelays(urls ...string) ConfigOptionFunc {
	return func(c *Config) {
		c.relays = append(c.relays, urls...)
	}
}

// WithShutdownTimeout specifies how long Stop waits for in-flight work
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) OTLP collector at localhost:4318
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithNowFunc specifies the clock used for maintenance sweeps and query-time windows
func WithNowFunc(nowFunc func() time.Time) ConfigOptionFunc {
	return func(c *Config) {
		c.nowFunc = nowFunc
	}
}
