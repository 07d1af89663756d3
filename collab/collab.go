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

// Package collab defines the external collaborators the aggregator talks to
// and wraps them in circuit breakers.
package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

const (
	DefaultFailureTrip   = 5
	DefaultOpenTimeout   = 30 * time.Second
	DefaultCountInterval = time.Minute
)

// ErrUnavailable is returned while a collaborator's breaker is open
var ErrUnavailable = errors.New("collaborator unavailable")

type Representative struct {
	ID      string
	Name    string
	Office  string
	Level   string
	Contact string
}

// RepresentativeLookup resolves a postal code to the representatives that
// serve it
type RepresentativeLookup interface {
	Lookup(ctx context.Context, postalCode string) ([]Representative, error)
}

type Message struct {
	Recipient string
	Subject   string
	Body      string
}

type Receipt struct {
	Success    bool
	ProviderID string
}

// MessageDelivery sends a message to a representative
type MessageDelivery interface {
	Deliver(ctx context.Context, msg Message) (Receipt, error)
}

type BreakerConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	FailureTrip  uint32
	OpenTimeout  time.Duration
}

type breaker struct {
	cb    *gobreaker.CircuitBreaker
	calls *prometheus.CounterVec
}

func newBreaker(name string, cfg BreakerConfig) *breaker {
	if cfg.FailureTrip == 0 {
		cfg.FailureTrip = DefaultFailureTrip
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	b := &breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    DefaultCountInterval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(
				"circuit breaker state change",
				"component", "collab",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	b.calls = promauto.With(cfg.PromRegistry).NewCounterVec(
		prometheus.CounterOpts{
			Name:        "mvmnt_collab_calls_total",
			Help:        "collaborator calls by result",
			ConstLabels: prometheus.Labels{"collaborator": name},
		},
		[]string{"result"},
	)
	return b
}

func (b *breaker) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	ret, err := b.cb.Execute(func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.calls.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, b.cb.Name(), err)
	case err != nil:
		b.calls.WithLabelValues("error").Inc()
		return nil, err
	}
	b.calls.WithLabelValues("ok").Inc()
	return ret, nil
}

// State returns the breaker state name
func (b *breaker) State() string {
	return b.cb.State().String()
}

// BreakingLookup is a RepresentativeLookup that stops calling its backend
// after repeated failures
type BreakingLookup struct {
	next    RepresentativeLookup
	breaker *breaker
}

func NewBreakingLookup(next RepresentativeLookup, cfg BreakerConfig) *BreakingLookup {
	return &BreakingLookup{
		next:    next,
		breaker: newBreaker("representative_lookup", cfg),
	}
}

func (l *BreakingLookup) Lookup(
	ctx context.Context,
	postalCode string,
) ([]Representative, error) {
	ret, err := l.breaker.execute(ctx, func() (any, error) {
		return l.next.Lookup(ctx, postalCode)
	})
	if err != nil {
		return nil, err
	}
	reps, _ := ret.([]Representative)
	return reps, nil
}

func (l *BreakingLookup) State() string {
	return l.breaker.State()
}

// BreakingDelivery is a MessageDelivery that stops calling its backend after
// repeated failures. A receipt without Success counts as a failure
type BreakingDelivery struct {
	next    MessageDelivery
	breaker *breaker
}

func NewBreakingDelivery(next MessageDelivery, cfg BreakerConfig) *BreakingDelivery {
	return &BreakingDelivery{
		next:    next,
		breaker: newBreaker("message_delivery", cfg),
	}
}

func (d *BreakingDelivery) Deliver(ctx context.Context, msg Message) (Receipt, error) {
	ret, err := d.breaker.execute(ctx, func() (any, error) {
		receipt, err := d.next.Deliver(ctx, msg)
		if err != nil {
			return nil, err
		}
		if !receipt.Success {
			return nil, fmt.Errorf("delivery to %s not accepted by provider", msg.Recipient)
		}
		return receipt, nil
	})
	if err != nil {
		return Receipt{}, err
	}
	receipt, _ := ret.(Receipt)
	return receipt, nil
}

func (d *BreakingDelivery) State() string {
	return d.breaker.State()
}
