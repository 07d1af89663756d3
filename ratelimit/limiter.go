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

// Package ratelimit enforces the per-actor limits on attestations and
// campaign creation.
package ratelimit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultActionWindow   = 24 * time.Hour
	DefaultCreationWindow = 24 * time.Hour
	DefaultMaxCreations   = 5
)

var ErrRateLimited = errors.New("rate limited")

// RateLimitedError is returned for a denied action and carries the earliest
// time at which the same action would be allowed
type RateLimitedError struct {
	Actor      string
	CampaignID string
	ResumeAt   time.Time
}

func (e *RateLimitedError) Error() string {
	if e.CampaignID == "" {
		return fmt.Sprintf(
			"rate limited: actor %s may create campaigns again at %s",
			e.Actor,
			e.ResumeAt.Format(time.RFC3339),
		)
	}
	return fmt.Sprintf(
		"rate limited: actor %s may attest to campaign %s again at %s",
		e.Actor,
		e.CampaignID,
		e.ResumeAt.Format(time.RFC3339),
	)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// History answers questions about accepted actions. The read model
// implements it
type History interface {
	// ActionTimes returns the timestamps of accepted attestations by actor on
	// a campaign strictly between after and before
	ActionTimes(actor string, campaignID string, after time.Time, before time.Time) ([]time.Time, error)
	CampaignCreations(actor string, since time.Time) ([]time.Time, error)
}

type Decision struct {
	Allowed  bool
	ResumeAt time.Time
}

// Err returns a *RateLimitedError for a denial and nil otherwise
func (d Decision) Err(actor string, campaignID string) error {
	if d.Allowed {
		return nil
	}
	return &RateLimitedError{
		Actor:      actor,
		CampaignID: campaignID,
		ResumeAt:   d.ResumeAt,
	}
}

type LimiterConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// History is consulted on a cache miss. Without it only actions noted on
	// this limiter count
	History        History
	ActionWindow   time.Duration
	CreationWindow time.Duration
	MaxCreations   int
}

type actionKey struct {
	actor      string
	campaignID string
}

// actionEntry holds known accepted attestation times for one actor and
// campaign, ascending. When loaded, history has been merged for (from, to).
// A complete entry has no history behind it
type actionEntry struct {
	times    []time.Time
	from     time.Time
	to       time.Time
	loaded   bool
	complete bool
}

func (e actionEntry) covers(from, to time.Time) bool {
	if e.complete {
		return true
	}
	return e.loaded && !from.Before(e.from) && !to.After(e.to)
}

func insertTime(times []time.Time, t time.Time) []time.Time {
	idx, found := slices.BinarySearchFunc(times, t, func(a, b time.Time) int {
		return a.Compare(b)
	})
	if found {
		return times
	}
	return slices.Insert(slices.Clone(times), idx, t)
}

// creationEntry holds creation times for an actor, ascending. Times before
// since were never loaded
type creationEntry struct {
	since time.Time
	times []time.Time
}

// Limiter checks actions against the limits. Checks and notes are separate
// calls, so two concurrent checks for the same actor may both pass; the
// overshoot is bounded by the number of racing callers
type Limiter struct {
	config    LimiterConfig
	logger    *slog.Logger
	mu        sync.Mutex
	actions   map[actionKey]actionEntry
	creations map[string]creationEntry
	metrics   struct {
		denied *prometheus.CounterVec
	}
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.ActionWindow <= 0 {
		cfg.ActionWindow = DefaultActionWindow
	}
	if cfg.CreationWindow <= 0 {
		cfg.CreationWindow = DefaultCreationWindow
	}
	if cfg.MaxCreations <= 0 {
		cfg.MaxCreations = DefaultMaxCreations
	}
	l := &Limiter{
		config:    cfg,
		actions:   make(map[actionKey]actionEntry),
		creations: make(map[string]creationEntry),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		l.logger = cfg.Logger
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	l.metrics.denied = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvmnt_ratelimit_denied_total",
			Help: "actions denied by the rate limiter",
		},
		[]string{"action"},
	)
	return l
}

// CheckAction decides whether actor may attest to campaignID at ts. An
// attestation is denied when an accepted one by the same actor on the same
// campaign lies less than the action window before or after ts, so the
// decision does not depend on the order attestations arrive in
func (l *Limiter) CheckAction(
	actor string,
	campaignID string,
	ts time.Time,
) (Decision, error) {
	key := actionKey{actor: actor, campaignID: campaignID}
	from := ts.Add(-l.config.ActionWindow)
	to := ts.Add(l.config.ActionWindow)
	l.mu.Lock()
	entry, ok := l.actions[key]
	l.mu.Unlock()
	if !ok && l.config.History == nil {
		entry = actionEntry{complete: true}
	}
	if !entry.covers(from, to) {
		loaded, err := l.config.History.ActionTimes(actor, campaignID, from, to)
		if err != nil {
			return Decision{}, fmt.Errorf("load actions: %w", err)
		}
		l.mu.Lock()
		// Notes that landed while loading are kept
		entry = l.actions[key]
		for _, t := range loaded {
			entry.times = insertTime(entry.times, t)
		}
		if entry.loaded && !from.After(entry.to) && !entry.from.After(to) {
			if from.Before(entry.from) {
				entry.from = from
			}
			if to.After(entry.to) {
				entry.to = to
			}
		} else {
			entry.from, entry.to = from, to
		}
		entry.loaded = true
		l.actions[key] = entry
		l.mu.Unlock()
	}
	var resumeAt time.Time
	for _, t := range entry.times {
		if t.After(from) && t.Before(to) {
			resumeAt = t.Add(l.config.ActionWindow)
		}
	}
	if resumeAt.IsZero() {
		return Decision{Allowed: true}, nil
	}
	l.metrics.denied.WithLabelValues("attestation").Inc()
	l.logger.Debug(
		fmt.Sprintf(
			"denied attestation by %s on %s at %s until %s",
			actor,
			campaignID,
			ts.Format(time.RFC3339),
			resumeAt.Format(time.RFC3339),
		),
		"component", "ratelimit",
	)
	return Decision{Allowed: false, ResumeAt: resumeAt}, nil
}

// NoteAction records an accepted attestation
func (l *Limiter) NoteAction(actor string, campaignID string, ts time.Time) {
	key := actionKey{actor: actor, campaignID: campaignID}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.actions[key]
	if !ok && l.config.History == nil {
		entry.complete = true
	}
	entry.times = insertTime(entry.times, ts)
	l.actions[key] = entry
}

// CheckCampaignCreation decides whether actor may create another campaign at
// now. At most MaxCreations are allowed in (now-window, now]
func (l *Limiter) CheckCampaignCreation(
	actor string,
	now time.Time,
) (Decision, error) {
	since := now.Add(-l.config.CreationWindow)
	times, err := l.creationTimes(actor, since)
	if err != nil {
		return Decision{}, err
	}
	var inWindow []time.Time
	for _, t := range times {
		if t.After(since) && !t.After(now) {
			inWindow = append(inWindow, t)
		}
	}
	if len(inWindow) < l.config.MaxCreations {
		return Decision{Allowed: true}, nil
	}
	// The oldest creation in the window has to age out first. With more than
	// the limit in the window, enough of them have to
	resumeAt := inWindow[len(inWindow)-l.config.MaxCreations].Add(l.config.CreationWindow)
	l.metrics.denied.WithLabelValues("campaign").Inc()
	l.logger.Debug(
		fmt.Sprintf(
			"denied campaign creation by %s until %s",
			actor,
			resumeAt.Format(time.RFC3339),
		),
		"component", "ratelimit",
	)
	return Decision{Allowed: false, ResumeAt: resumeAt}, nil
}

func (l *Limiter) creationTimes(actor string, since time.Time) ([]time.Time, error) {
	l.mu.Lock()
	entry, ok := l.creations[actor]
	l.mu.Unlock()
	if ok && !entry.since.After(since) {
		return entry.times, nil
	}
	if l.config.History == nil {
		return entry.times, nil
	}
	loaded, err := l.config.History.CampaignCreations(actor, since)
	if err != nil {
		return nil, fmt.Errorf("load campaign creations: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.creations[actor]
	merged := slices.Clone(loaded)
	for _, t := range cur.times {
		if !t.Before(since) && !slices.ContainsFunc(merged, t.Equal) {
			merged = append(merged, t)
		}
	}
	slices.SortFunc(merged, func(a, b time.Time) int { return a.Compare(b) })
	entry = creationEntry{since: since, times: merged}
	l.creations[actor] = entry
	return entry.times, nil
}

// NoteCampaign records a created campaign
func (l *Limiter) NoteCampaign(actor string, createdAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.creations[actor]
	if !ok && l.config.History != nil {
		return
	}
	if createdAt.Before(entry.since) {
		return
	}
	idx, _ := slices.BinarySearchFunc(entry.times, createdAt, func(a, b time.Time) int {
		return a.Compare(b)
	})
	entry.times = slices.Insert(slices.Clone(entry.times), idx, createdAt)
	l.creations[actor] = entry
}

// Prune drops cached state that can no longer cause a denial at now. Dropped
// entries are reloaded from history when needed
func (l *Limiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := 0
	actionCutoff := now.Add(-l.config.ActionWindow)
	for key, entry := range l.actions {
		if len(entry.times) == 0 || !entry.times[len(entry.times)-1].After(actionCutoff) {
			delete(l.actions, key)
			pruned++
		}
	}
	creationCutoff := now.Add(-l.config.CreationWindow)
	for actor, entry := range l.creations {
		if len(entry.times) == 0 || !entry.times[len(entry.times)-1].After(creationCutoff) {
			delete(l.creations, actor)
			pruned++
		}
	}
	return pruned
}
