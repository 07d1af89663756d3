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

package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

const (
	DefaultRefundDelay          = 24 * time.Hour
	DefaultRefundMaxRetries     = 3
	DefaultRefundRetryInterval  = 500 * time.Millisecond
	defaultBreakerFailureTrip   = 5
	defaultBreakerOpenTimeout   = 30 * time.Second
	defaultBreakerCountInterval = 60 * time.Second
)

type EscrowConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Store        Store
	Custody      Custody
	// RefundDelay is added to the stake time to produce RefundableAt
	RefundDelay time.Duration
	// AutoRefund makes a sweep refund records that were already refundable
	// when the sweep began
	AutoRefund          bool
	RefundMaxRetries    uint64
	RefundRetryInterval time.Duration
	// DisableTimers turns off per-record timers, leaving promotion to sweeps
	DisableTimers bool
	// OnTransition is called after a record changes state and is persisted
	OnTransition func(StakeRecord)
	// NowFunc supplies the clock for refunds and timers
	NowFunc func() time.Time
}

// stakeEntry holds a record and the lock that makes its owner the single
// writer for it
type stakeEntry struct {
	sync.Mutex
	record StakeRecord
	timer  *time.Timer
}

// Escrow drives stake records through their lifecycle. Forfeiture always
// takes precedence over a refund that has not completed
type Escrow struct {
	config      EscrowConfig
	logger      *slog.Logger
	breaker     *gobreaker.CircuitBreaker
	mu          sync.RWMutex
	entries     map[string]*stakeEntry
	byCampaign  map[string][]string
	forfeitures map[string]Forfeiture
	timerWg     sync.WaitGroup
	stopped     bool
	metrics     struct {
		transitions *prometheus.CounterVec
		stakes      *prometheus.GaugeVec
		refundFails prometheus.Counter
	}
}

func NewEscrow(cfg EscrowConfig) *Escrow {
	if cfg.RefundDelay <= 0 {
		cfg.RefundDelay = DefaultRefundDelay
	}
	if cfg.RefundMaxRetries == 0 {
		cfg.RefundMaxRetries = DefaultRefundMaxRetries
	}
	if cfg.RefundRetryInterval <= 0 {
		cfg.RefundRetryInterval = DefaultRefundRetryInterval
	}
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	e := &Escrow{
		config:      cfg,
		entries:     make(map[string]*stakeEntry),
		byCampaign:  make(map[string][]string),
		forfeitures: make(map[string]Forfeiture),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		e.logger = cfg.Logger
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "custody",
		MaxRequests: 1,
		Interval:    defaultBreakerCountInterval,
		Timeout:     defaultBreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultBreakerFailureTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn(
				"circuit breaker state change",
				"component", "escrow",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	promautoFactory := promauto.With(cfg.PromRegistry)
	e.metrics.transitions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvmnt_escrow_transitions_total",
			Help: "stake state transitions",
		},
		[]string{"state"},
	)
	e.metrics.stakes = promautoFactory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mvmnt_escrow_stakes",
			Help: "current stake records by state",
		},
		[]string{"state"},
	)
	e.metrics.refundFails = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "mvmnt_escrow_refund_failures_total",
			Help: "refund attempts that failed after retries",
		},
	)
	return e
}

// Load restores stake records and forfeiture signals from the store and
// re-arms timers for records that are still staked
func (e *Escrow) Load() error {
	if e.config.Store == nil {
		return nil
	}
	forfeitures, err := e.config.Store.Forfeitures()
	if err != nil {
		return fmt.Errorf("load forfeitures: %w", err)
	}
	records, err := e.config.Store.Stakes()
	if err != nil {
		return fmt.Errorf("load stakes: %w", err)
	}
	e.mu.Lock()
	for _, f := range forfeitures {
		e.forfeitures[f.CampaignID] = f
	}
	e.mu.Unlock()
	for _, rec := range records {
		if err := e.Track(rec); err != nil {
			return err
		}
	}
	e.logger.Debug(
		fmt.Sprintf("loaded %d stake records", len(records)),
		"component", "escrow",
	)
	return nil
}

// NewStake builds a staked record without persisting or tracking it. The
// caller persists it, usually alongside its campaign, then calls Track
func (e *Escrow) NewStake(
	campaignID string,
	depositor string,
	amount uint64,
	stakedAt time.Time,
) (StakeRecord, error) {
	if campaignID == "" || depositor == "" || amount == 0 {
		return StakeRecord{}, ErrInvalidStake
	}
	return StakeRecord{
		ID:           uuid.NewString(),
		CampaignID:   campaignID,
		Depositor:    depositor,
		Amount:       amount,
		StakedAt:     stakedAt,
		RefundableAt: stakedAt.Add(e.config.RefundDelay),
		State:        StateStaked,
		UpdatedAt:    stakedAt,
	}, nil
}

// Open creates, persists and tracks a new stake
func (e *Escrow) Open(
	campaignID string,
	depositor string,
	amount uint64,
	stakedAt time.Time,
) (StakeRecord, error) {
	rec, err := e.NewStake(campaignID, depositor, amount, stakedAt)
	if err != nil {
		return StakeRecord{}, err
	}
	if e.config.Store != nil {
		if err := e.config.Store.SaveStake(rec); err != nil {
			return StakeRecord{}, fmt.Errorf("save stake: %w", err)
		}
	}
	if err := e.Track(rec); err != nil {
		return StakeRecord{}, err
	}
	return e.Get(rec.ID)
}

// Track starts managing an already persisted record. A forfeiture signal
// recorded earlier for the campaign applies immediately
func (e *Escrow) Track(rec StakeRecord) error {
	e.mu.Lock()
	if _, ok := e.entries[rec.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	entry := &stakeEntry{record: rec}
	e.entries[rec.ID] = entry
	e.byCampaign[rec.CampaignID] = append(e.byCampaign[rec.CampaignID], rec.ID)
	forfeit, forfeited := e.forfeitures[rec.CampaignID]
	e.mu.Unlock()
	e.metrics.stakes.WithLabelValues(string(rec.State)).Inc()
	if rec.State.Terminal() {
		return nil
	}
	entry.Lock()
	defer entry.Unlock()
	if forfeited {
		return e.forfeitLocked(entry, forfeit)
	}
	if rec.State == StateStaked {
		e.armTimer(entry)
	}
	return nil
}

// Get returns a copy of a stake record
func (e *Escrow) Get(id string) (StakeRecord, error) {
	e.mu.RLock()
	entry, ok := e.entries[id]
	e.mu.RUnlock()
	if !ok {
		return StakeRecord{}, ErrNotFound
	}
	entry.Lock()
	defer entry.Unlock()
	return entry.record, nil
}

// ByCampaign returns copies of the records staked for a campaign
func (e *Escrow) ByCampaign(campaignID string) []StakeRecord {
	var ret []StakeRecord
	for _, entry := range e.campaignEntries(campaignID) {
		entry.Lock()
		ret = append(ret, entry.record)
		entry.Unlock()
	}
	return ret
}

// Forfeit records an abuse determination for a campaign and moves every
// unrefunded stake for it to forfeited. The signal is kept so that stakes
// tracked later are forfeited as well
func (e *Escrow) Forfeit(
	campaignID string,
	reason string,
	at time.Time,
) ([]StakeRecord, error) {
	forfeit := Forfeiture{
		CampaignID: campaignID,
		Reason:     reason,
		At:         at,
	}
	e.mu.Lock()
	if existing, ok := e.forfeitures[campaignID]; ok {
		forfeit = existing
	} else {
		// The signal only takes effect once it is durable
		if e.config.Store != nil {
			if err := e.config.Store.SaveForfeiture(forfeit); err != nil {
				e.mu.Unlock()
				return nil, fmt.Errorf("save forfeiture: %w", err)
			}
		}
		e.forfeitures[campaignID] = forfeit
	}
	e.mu.Unlock()
	var ret []StakeRecord
	var err error
	for _, entry := range e.campaignEntries(campaignID) {
		entry.Lock()
		if !entry.record.State.Terminal() {
			err = errors.Join(err, e.forfeitLocked(entry, forfeit))
		}
		ret = append(ret, entry.record)
		entry.Unlock()
	}
	return ret, err
}

// Reconcile re-evaluates every tracked record against now. It only promotes
// staked records to refundable, or forfeits them when a signal exists. With
// AutoRefund enabled, records that were refundable before this sweep started
// are refunded afterwards
func (e *Escrow) Reconcile(ctx context.Context, now time.Time) ReconcileResult {
	var ret ReconcileResult
	var refundIDs []string
	for _, entry := range e.allEntries() {
		entry.Lock()
		rec := entry.record
		switch rec.State {
		case StateRefundable:
			if e.forfeited(rec.CampaignID) {
				if err := e.forfeitLocked(entry, e.forfeitureFor(rec.CampaignID)); err == nil {
					ret.Forfeited = append(ret.Forfeited, rec.ID)
				}
			} else if e.config.AutoRefund {
				refundIDs = append(refundIDs, rec.ID)
			}
		case StateStaked:
			if e.forfeited(rec.CampaignID) {
				if err := e.forfeitLocked(entry, e.forfeitureFor(rec.CampaignID)); err == nil {
					ret.Forfeited = append(ret.Forfeited, rec.ID)
				}
			} else if promoted, err := e.promoteLocked(entry, now); err != nil {
				ret.Failed = append(ret.Failed, rec.ID)
			} else if promoted {
				ret.Promoted = append(ret.Promoted, rec.ID)
			}
		}
		entry.Unlock()
	}
	for _, id := range refundIDs {
		rec, err := e.Refund(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrTerminal) {
				ret.Failed = append(ret.Failed, id)
			}
			continue
		}
		if rec.State == StateRefunded {
			ret.Refunded = append(ret.Refunded, id)
		}
	}
	slices.Sort(ret.Promoted)
	slices.Sort(ret.Forfeited)
	slices.Sort(ret.Refunded)
	slices.Sort(ret.Failed)
	if len(ret.Promoted)+len(ret.Forfeited)+len(ret.Refunded) > 0 {
		e.logger.Debug(
			fmt.Sprintf(
				"escrow sweep: promoted=%d forfeited=%d refunded=%d failed=%d",
				len(ret.Promoted),
				len(ret.Forfeited),
				len(ret.Refunded),
				len(ret.Failed),
			),
			"component", "escrow",
		)
	}
	return ret
}

// Refund executes the refund for a stake through the custody collaborator.
// Refunding an already refunded stake is a no-op. A staked record whose
// refundable time has passed is promoted first. The record lock is held for
// the duration of the custody call so a concurrent forfeiture waits for the
// outcome and never overwrites a completed refund
func (e *Escrow) Refund(ctx context.Context, id string) (StakeRecord, error) {
	e.mu.RLock()
	entry, ok := e.entries[id]
	e.mu.RUnlock()
	if !ok {
		return StakeRecord{}, ErrNotFound
	}
	entry.Lock()
	defer entry.Unlock()
	rec := entry.record
	switch rec.State {
	case StateRefunded:
		return rec, nil
	case StateForfeited:
		return rec, ErrTerminal
	}
	if e.forfeited(rec.CampaignID) {
		if err := e.forfeitLocked(entry, e.forfeitureFor(rec.CampaignID)); err != nil {
			return entry.record, err
		}
		return entry.record, ErrTerminal
	}
	if rec.State == StateStaked {
		promoted, err := e.promoteLocked(entry, e.config.NowFunc())
		if err != nil {
			return entry.record, err
		}
		if !promoted {
			return entry.record, ErrNotRefundable
		}
	}
	if e.config.Custody == nil {
		return entry.record, ErrNoCustody
	}
	receipt, err := e.callCustody(ctx, RefundRequest{
		StakeID:    rec.ID,
		CampaignID: rec.CampaignID,
		Depositor:  rec.Depositor,
		Amount:     rec.Amount,
	})
	if err != nil {
		e.metrics.refundFails.Inc()
		e.logger.Warn(
			fmt.Sprintf("refund for stake %s failed: %s", rec.ID, err),
			"component", "escrow",
		)
		return entry.record, fmt.Errorf("refund stake %s: %w", rec.ID, err)
	}
	updated := entry.record
	updated.RefundReceipt = receipt.ID
	updated.UpdatedAt = e.config.NowFunc()
	if err := e.transitionLocked(entry, updated, StateRefunded); err != nil {
		return entry.record, err
	}
	return entry.record, nil
}

// Stop cancels pending timers and waits for running timer callbacks
func (e *Escrow) Stop() {
	e.mu.Lock()
	e.stopped = true
	entries := make([]*stakeEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		entries = append(entries, entry)
	}
	e.mu.Unlock()
	for _, entry := range entries {
		entry.Lock()
		e.stopTimerLocked(entry)
		entry.Unlock()
	}
	e.timerWg.Wait()
}

func (e *Escrow) callCustody(
	ctx context.Context,
	req RefundRequest,
) (RefundReceipt, error) {
	var receipt RefundReceipt
	operation := func() error {
		result, err := e.breaker.Execute(func() (interface{}, error) {
			return e.config.Custody.Refund(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) ||
				errors.Is(err, gobreaker.ErrTooManyRequests) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			var custodyErr *CustodyError
			if errors.As(err, &custodyErr) &&
				custodyErr.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		receipt = result.(RefundReceipt)
		return nil
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.config.RefundRetryInterval
	err := backoff.Retry(
		operation,
		backoff.WithContext(
			backoff.WithMaxRetries(expBackoff, e.config.RefundMaxRetries),
			ctx,
		),
	)
	return receipt, err
}

// promoteLocked moves a staked record to refundable when now has reached its
// refundable time
func (e *Escrow) promoteLocked(entry *stakeEntry, now time.Time) (bool, error) {
	if entry.record.State != StateStaked {
		return false, nil
	}
	if now.Before(entry.record.RefundableAt) {
		return false, nil
	}
	updated := entry.record
	updated.UpdatedAt = now
	if err := e.transitionLocked(entry, updated, StateRefundable); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Escrow) forfeitLocked(entry *stakeEntry, forfeit Forfeiture) error {
	if entry.record.State.Terminal() {
		return nil
	}
	updated := entry.record
	updated.ForfeitReason = forfeit.Reason
	updated.UpdatedAt = forfeit.At
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = e.config.NowFunc()
	}
	if err := e.transitionLocked(entry, updated, StateForfeited); err != nil {
		return err
	}
	e.stopTimerLocked(entry)
	return nil
}

// transitionLocked persists the new state before exposing it
func (e *Escrow) transitionLocked(
	entry *stakeEntry,
	updated StakeRecord,
	state State,
) error {
	prev := entry.record.State
	updated.State = state
	if e.config.Store != nil {
		if err := e.config.Store.SaveStake(updated); err != nil {
			return fmt.Errorf("save stake: %w", err)
		}
	}
	entry.record = updated
	e.metrics.transitions.WithLabelValues(string(state)).Inc()
	e.metrics.stakes.WithLabelValues(string(prev)).Dec()
	e.metrics.stakes.WithLabelValues(string(state)).Inc()
	e.logger.Debug(
		fmt.Sprintf("stake %s: %s -> %s", updated.ID, prev, state),
		"component", "escrow",
	)
	if e.config.OnTransition != nil {
		e.config.OnTransition(updated)
	}
	return nil
}

// armTimer schedules a best-effort promotion at the refundable time. A missed
// or early firing is harmless because promotion re-checks the clock
func (e *Escrow) armTimer(entry *stakeEntry) {
	if e.config.DisableTimers {
		return
	}
	delay := entry.record.RefundableAt.Sub(e.config.NowFunc())
	if delay < 0 {
		delay = 0
	}
	// Stop must not reach Wait between the check and the Add
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.timerWg.Add(1)
	entry.timer = time.AfterFunc(delay, func() {
		defer e.timerWg.Done()
		entry.Lock()
		defer entry.Unlock()
		entry.timer = nil
		if e.forfeited(entry.record.CampaignID) {
			_ = e.forfeitLocked(entry, e.forfeitureFor(entry.record.CampaignID))
			return
		}
		if _, err := e.promoteLocked(entry, e.config.NowFunc()); err != nil {
			e.logger.Warn(
				fmt.Sprintf("timed promotion of stake %s failed: %s", entry.record.ID, err),
				"component", "escrow",
			)
		}
	})
}

func (e *Escrow) stopTimerLocked(entry *stakeEntry) {
	if entry.timer == nil {
		return
	}
	if entry.timer.Stop() {
		e.timerWg.Done()
	}
	entry.timer = nil
}

func (e *Escrow) forfeited(campaignID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.forfeitures[campaignID]
	return ok
}

func (e *Escrow) forfeitureFor(campaignID string) Forfeiture {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.forfeitures[campaignID]
}

func (e *Escrow) campaignEntries(campaignID string) []*stakeEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.byCampaign[campaignID]
	ret := make([]*stakeEntry, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, e.entries[id])
	}
	return ret
}

func (e *Escrow) allEntries() []*stakeEntry {
	e.mu.RLock()
	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	slices.Sort(ids)
	ret := make([]*stakeEntry, 0, len(ids))
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, id := range ids {
		ret = append(ret, e.entries[id])
	}
	return ret
}
