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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PerceptLabs/mvmnt/collab"
	"github.com/PerceptLabs/mvmnt/database"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/event"
	"github.com/PerceptLabs/mvmnt/feed"
	"github.com/PerceptLabs/mvmnt/internal/scheduler"
	"github.com/PerceptLabs/mvmnt/ratelimit"
	"github.com/PerceptLabs/mvmnt/relay"
	"github.com/PerceptLabs/mvmnt/replay"
	"github.com/PerceptLabs/mvmnt/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

const (
	// Maintenance tasks that run less often than every sweep, in sweep ticks
	vacuumTicks = 1440
)

var (
	ErrNotFound           = database.ErrNotFound
	ErrQueueFull          = errors.New("ingestion queue is full")
	ErrNotRunning         = errors.New("node is not running")
	ErrAlreadyStarted     = errors.New("node already started")
	ErrUnauthorizedUpdate = errors.New("issuer is not the campaign creator")
	ErrCampaignClaimed    = errors.New("campaign id is claimed by another creator")
	ErrNoCollaborator     = errors.New("collaborator not configured")
)

type Node struct {
	config          Config
	logger          *slog.Logger
	eventBus        *event.EventBus
	db              *database.Database
	validator       *schema.Validator
	guard           *replay.Guard
	aggregator      *feed.Aggregator
	limiter         *ratelimit.Limiter
	escrow          *escrow.Escrow
	scheduler       *scheduler.Scheduler
	representatives *collab.BreakingLookup
	messageDelivery *collab.BreakingDelivery
	relays          []*relay.Client
	ingestQueue     chan []byte
	// campaignMu serializes campaign claims so the creation limit check and
	// the claim write happen together
	campaignMu    sync.Mutex
	running       atomic.Bool
	ctx           context.Context
	cancel        context.CancelFunc
	workers       *errgroup.Group
	shutdownFuncs []func(context.Context) error
	done          chan struct{}
	startOnce     sync.Once
	shutdownOnce  sync.Once
	metrics       struct {
		events     *prometheus.CounterVec
		queueDepth prometheus.GaugeFunc
		panics     prometheus.Counter
	}
}

func New(cfg Config) (*Node, error) {
	if cfg.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		cfg.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.nowFunc == nil {
		cfg.nowFunc = time.Now
	}
	n := &Node{
		config:   cfg,
		logger:   cfg.logger,
		eventBus: event.NewEventBus(cfg.promRegistry, cfg.logger),
		done:     make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		n.eventBus.Stop()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	n.ingestQueue = make(chan []byte, cfg.queueSize)
	n.validator = schema.NewValidator(
		schema.WithMinNonceLength(cfg.minNonceLength),
	)
	promautoFactory := promauto.With(cfg.promRegistry)
	n.metrics.events = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvmnt_ingest_events_total",
			Help: "ingested events by outcome",
		},
		[]string{"outcome"},
	)
	n.metrics.queueDepth = promautoFactory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mvmnt_ingest_queue_depth",
			Help: "events waiting in the ingestion queue",
		},
		func() float64 {
			return float64(len(n.ingestQueue))
		},
	)
	n.metrics.panics = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "mvmnt_ingest_panics_total",
		Help: "events whose processing panicked",
	})
	return n, nil
}

// Run starts the node and blocks until Stop is called
func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		return err
	}
	// Wait for shutdown signal
	<-n.done
	return nil
}

// Start opens the stores, rebuilds in-memory state from them and starts the
// ingestion workers, relay subscriptions and maintenance sweep
func (n *Node) Start() error {
	err := ErrAlreadyStarted
	n.startOnce.Do(func() {
		err = n.start()
		if err != nil {
			// Release whatever was opened before the failure
			_ = n.Stop()
		}
	})
	return err
}

func (n *Node) start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(n.ctx); err != nil {
			return err
		}
	}
	// Load database
	db, err := database.New(
		database.WithLogger(n.logger),
		database.WithDataDir(n.config.dataDir),
	)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Replay guard
	n.guard = replay.NewGuard(replay.GuardConfig{
		Logger:       n.logger,
		PromRegistry: n.config.promRegistry,
		Store:        n.db.KV(),
		Retention:    n.config.replayRetention,
		NowFunc:      n.config.nowFunc,
	})
	if err := n.guard.Load(); err != nil {
		return fmt.Errorf("failed to load replay guard: %w", err)
	}
	// Rate limiter
	n.limiter = ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Logger:       n.logger,
		PromRegistry: n.config.promRegistry,
		History:      n.db,
		MaxCreations: n.config.maxCampaignsPerDay,
	})
	// Aggregator
	n.aggregator = feed.NewAggregator(feed.AggregatorConfig{
		Logger:       n.logger,
		PromRegistry: n.config.promRegistry,
	})
	if err := n.rebuildAggregator(); err != nil {
		return fmt.Errorf("failed to rebuild feed metrics: %w", err)
	}
	// Escrow
	n.escrow = escrow.NewEscrow(escrow.EscrowConfig{
		Logger:        n.logger,
		PromRegistry:  n.config.promRegistry,
		Store:         n.db,
		Custody:       n.config.custody,
		RefundDelay:   n.config.refundDelay,
		AutoRefund:    n.config.autoRefund,
		DisableTimers: n.config.disableEscrowTimers,
		NowFunc:       n.config.nowFunc,
		OnTransition:  n.publishStakeTransition,
	})
	if err := n.escrow.Load(); err != nil {
		return fmt.Errorf("failed to load stakes: %w", err)
	}
	// Collaborators
	if n.config.representatives != nil {
		n.representatives = collab.NewBreakingLookup(
			n.config.representatives,
			collab.BreakerConfig{
				Logger:       n.logger,
				PromRegistry: n.config.promRegistry,
			},
		)
	}
	if n.config.messageDelivery != nil {
		n.messageDelivery = collab.NewBreakingDelivery(
			n.config.messageDelivery,
			collab.BreakerConfig{
				Logger:       n.logger,
				PromRegistry: n.config.promRegistry,
			},
		)
	}
	// Ingestion workers
	n.workers, _ = errgroup.WithContext(n.ctx)
	for range n.config.workers {
		n.workers.Go(func() error {
			n.ingestWorker(n.ctx)
			return nil
		})
	}
	n.running.Store(true)
	// Relay subscriptions
	for _, url := range n.config.relays {
		client, err := relay.NewClient(relay.ClientConfig{
			Logger:       n.logger,
			PromRegistry: n.config.promRegistry,
			URL:          url,
			Handler:      n.handleRelayEvent,
		})
		if err != nil {
			return fmt.Errorf("failed to configure relay %s: %w", url, err)
		}
		n.relays = append(n.relays, client)
	}
	if len(n.relays) > 0 {
		n.workers.Go(func() error {
			return relay.RunAll(n.ctx, n.relays...)
		})
	}
	// Maintenance
	n.scheduler = scheduler.NewScheduler(n.config.sweepInterval)
	n.scheduler.Register(1, n.runSweep, func() {
		n.logger.Warn(
			"maintenance sweep still running, skipping",
			"component", "node",
		)
	})
	n.scheduler.Register(vacuumTicks, func() {
		if err := n.db.Vacuum(); err != nil {
			n.logger.Error(
				fmt.Sprintf("failed to vacuum database: %s", err),
				"component", "node",
			)
		}
	}, nil)
	n.scheduler.Start()
	n.logger.Info(
		fmt.Sprintf(
			"node started with %d workers and %d relays",
			n.config.workers,
			len(n.relays),
		),
		"component", "node",
	)
	return nil
}

// rebuildAggregator replays the read model into the in-memory metrics
func (n *Node) rebuildAggregator() error {
	campaigns, err := n.db.Campaigns()
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		n.aggregator.AddCampaign(c.ID, c.CreatedAt)
	}
	var attestations, signals int
	err = n.db.EachAttestation(func(a schema.ActionAttestation) error {
		n.aggregator.AddAttestation(a.CampaignID, a.Timestamp)
		attestations++
		return nil
	})
	if err != nil {
		return err
	}
	err = n.db.EachSignal(func(s schema.SocialSignal) error {
		n.aggregator.AddSignal(s.CampaignID, s.Type)
		signals++
		return nil
	})
	if err != nil {
		return err
	}
	// Timestamps outside the trending window are not needed once loaded
	n.aggregator.Prune(n.config.nowFunc())
	n.logger.Debug(
		fmt.Sprintf(
			"rebuilt metrics from %d campaigns, %d attestations and %d signals",
			len(campaigns),
			attestations,
			signals,
		),
		"component", "node",
	)
	return nil
}

func (n *Node) ingestWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-n.ingestQueue:
			n.processQueued(ctx, raw)
		}
	}
}

// processQueued handles one queued event. A panic is contained to the event
// that caused it
func (n *Node) processQueued(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			n.metrics.panics.Inc()
			n.metrics.events.WithLabelValues(string(OutcomeDropped)).Inc()
			n.logger.Error(
				fmt.Sprintf("panic while processing event: %v", r),
				"component", "node",
			)
		}
	}()
	if _, err := n.Process(ctx, raw); err != nil {
		n.logger.Error(
			fmt.Sprintf("failed to process event: %s", err),
			"component", "node",
		)
	}
}

func (n *Node) handleRelayEvent(relayURL string, raw []byte) {
	if err := n.Ingest(raw); err != nil {
		n.logger.Debug(
			fmt.Sprintf("dropped event from %s: %s", relayURL, err),
			"component", "node",
		)
	}
}

// Ingest queues a raw event for processing without blocking. When the queue
// is full the event is dropped and ErrQueueFull is returned
func (n *Node) Ingest(raw []byte) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	select {
	case n.ingestQueue <- raw:
		return nil
	default:
		n.metrics.events.WithLabelValues(string(OutcomeDropped)).Inc()
		return ErrQueueFull
	}
}

// Sweep runs the periodic maintenance once as of the node clock: stake
// reconciliation, replay key eviction and pruning of in-memory windows
func (n *Node) Sweep(ctx context.Context) (escrow.ReconcileResult, error) {
	if !n.running.Load() {
		return escrow.ReconcileResult{}, ErrNotRunning
	}
	now := n.config.nowFunc()
	result := n.escrow.Reconcile(ctx, now)
	evicted, err := n.guard.Evict(now)
	if err != nil {
		err = fmt.Errorf("evict replay keys: %w", err)
	}
	pruned := n.aggregator.Prune(now) + n.limiter.Prune(now)
	n.logger.Debug(
		fmt.Sprintf(
			"sweep promoted %d, forfeited %d, refunded %d stakes, evicted %d replay keys, pruned %d entries",
			len(result.Promoted),
			len(result.Forfeited),
			len(result.Refunded),
			evicted,
			pruned,
		),
		"component", "node",
	)
	return result, err
}

func (n *Node) runSweep() {
	result, err := n.Sweep(n.ctx)
	if err != nil {
		n.logger.Error(
			fmt.Sprintf("maintenance sweep failed: %s", err),
			"component", "node",
		)
	}
	if len(result.Failed) > 0 {
		n.logger.Warn(
			fmt.Sprintf("%d stake refunds failed", len(result.Failed)),
			"component", "node",
		)
	}
}

// EventBus returns the bus the node publishes accepted events on
func (n *Node) EventBus() *event.EventBus {
	return n.eventBus
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.shutdownTimeout)
	defer cancel()

	var err error

	n.logger.Debug("starting graceful shutdown", "component", "node")

	// Phase 1: Stop accepting new work
	n.running.Store(false)
	if n.cancel != nil {
		n.cancel()
	}
	if n.scheduler != nil {
		n.scheduler.Stop()
	}

	// Phase 2: Wait for in-flight events and relay sessions
	if n.workers != nil {
		waitDone := make(chan error, 1)
		go func() {
			waitDone <- n.workers.Wait()
		}()
		select {
		case waitErr := <-waitDone:
			if waitErr != nil {
				err = errors.Join(err, fmt.Errorf("workers: %w", waitErr))
			}
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("workers: %w", ctx.Err()))
		}
	}
	if pending := len(n.ingestQueue); pending > 0 {
		n.logger.Warn(
			fmt.Sprintf("discarding %d queued events", pending),
			"component", "node",
		)
	}

	// Phase 3: Stop timers and close the stores
	if n.escrow != nil {
		n.escrow.Stop()
	}
	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	// Phase 4: Cleanup resources
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	n.logger.Debug("graceful shutdown complete", "component", "node")
	close(n.done)
	return err
}
