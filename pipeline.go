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
	"time"

	"github.com/PerceptLabs/mvmnt/database"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/event"
	"github.com/PerceptLabs/mvmnt/replay"
	"github.com/PerceptLabs/mvmnt/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Outcome is the result of offering one event to the node
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeUnrecognized Outcome = "unrecognized"
	OutcomeStale        Outcome = "stale"
	OutcomeDropped      Outcome = "dropped"
)

type Result struct {
	Outcome    Outcome
	Class      schema.Class
	EventID    string
	CampaignID string
	// ResumeAt is set for rate limited events
	ResumeAt time.Time
	// Reason explains a rejection
	Reason error
	// Stake is set when a campaign was created with a stake
	Stake *escrow.StakeRecord
}

func rejected(outcome Outcome, reason error) Result {
	return Result{Outcome: outcome, Reason: reason}
}

// Process decodes, validates and applies a raw event synchronously. The
// returned error is only set when the event could not be applied because of
// a storage failure. Nothing is written in that case and the event may be
// offered again
func (n *Node) Process(ctx context.Context, raw []byte) (Result, error) {
	evt, err := schema.ParseRawEvent(raw)
	if err != nil {
		ret := rejected(OutcomeMalformed, err)
		n.record(ret)
		return ret, nil
	}
	return n.ProcessEvent(ctx, evt)
}

// ProcessEvent validates and applies an already decoded event
func (n *Node) ProcessEvent(ctx context.Context, evt *schema.RawEvent) (Result, error) {
	if !n.running.Load() {
		return Result{}, ErrNotRunning
	}
	_, span := tracer().Start(ctx, "mvmnt.process")
	defer span.End()
	classified, err := n.validator.Validate(evt)
	if err != nil {
		ret := rejected(OutcomeMalformed, err)
		if evt != nil {
			ret.EventID = evt.ID
		}
		n.record(ret)
		return ret, nil
	}
	span.SetAttributes(
		attribute.String("mvmnt.event_id", classified.EventID),
		attribute.String("mvmnt.class", classified.Class.String()),
	)
	var ret Result
	switch classified.Class {
	case schema.ClassCampaign:
		ret, err = n.applyCampaign(*classified.Campaign, 0)
	case schema.ClassCampaignUpdate:
		ret, err = n.applyUpdate(*classified.Update)
	case schema.ClassActionAttestation:
		ret, err = n.applyAttestation(*classified.Attestation)
	case schema.ClassSocialSignal:
		ret, err = n.applySignal(*classified.Signal)
	default:
		ret = Result{Outcome: OutcomeUnrecognized}
	}
	ret.Class = classified.Class
	ret.EventID = classified.EventID
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ret.Outcome = OutcomeDropped
		n.record(ret)
		return ret, err
	}
	span.SetAttributes(attribute.String("mvmnt.outcome", string(ret.Outcome)))
	n.record(ret)
	return ret, nil
}

// CreateCampaign applies a campaign submitted directly by its creator. A
// positive stakeAmount opens a stake for it, written together with the
// campaign. A new version of the creator's existing campaign opens no stake
func (n *Node) CreateCampaign(c schema.Campaign, stakeAmount uint64) (Result, error) {
	if !n.running.Load() {
		return Result{}, ErrNotRunning
	}
	if c.Status == "" {
		c.Status = schema.StatusActive
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if err := schema.ValidateCampaign(c); err != nil {
		ret := rejected(OutcomeMalformed, err)
		ret.Class = schema.ClassCampaign
		ret.EventID = c.EventID
		n.record(ret)
		return ret, nil
	}
	ret, err := n.applyCampaign(c, stakeAmount)
	ret.Class = schema.ClassCampaign
	ret.EventID = c.EventID
	if err != nil {
		ret.Outcome = OutcomeDropped
	}
	n.record(ret)
	return ret, err
}

func (n *Node) applyCampaign(c schema.Campaign, stakeAmount uint64) (Result, error) {
	n.campaignMu.Lock()
	defer n.campaignMu.Unlock()
	ret := Result{CampaignID: c.ID}
	existing, err := n.db.GetCampaign(c.ID)
	switch {
	case err == nil && existing.EventID == c.EventID:
		ret.Outcome = OutcomeDuplicate
		return ret, nil
	case err == nil && existing.Creator == c.Creator:
		return n.republishCampaign(ret, existing, c)
	case err != nil && !errors.Is(err, database.ErrNotFound):
		return ret, err
	}
	decision, err := n.limiter.CheckCampaignCreation(c.Creator, c.CreatedAt)
	if err != nil {
		return ret, err
	}
	if !decision.Allowed {
		ret.Outcome = OutcomeRateLimited
		ret.ResumeAt = decision.ResumeAt
		ret.Reason = decision.Err(c.Creator, c.ID)
		return ret, nil
	}
	var stake *escrow.StakeRecord
	if stakeAmount > 0 {
		rec, err := n.escrow.NewStake(c.ID, c.Creator, stakeAmount, c.CreatedAt)
		if err != nil {
			return ret, err
		}
		stake = &rec
	}
	won, err := n.db.CreateCampaign(c, stake)
	if err != nil {
		return ret, err
	}
	if !won {
		ret.Outcome = OutcomeUnauthorized
		ret.Reason = fmt.Errorf("%w: %s", ErrCampaignClaimed, c.ID)
		return ret, nil
	}
	n.aggregator.AddCampaign(c.ID, c.CreatedAt)
	n.limiter.NoteCampaign(c.Creator, c.CreatedAt)
	if stake != nil {
		if err := n.escrow.Track(*stake); err != nil {
			n.logger.Error(
				fmt.Sprintf("failed to track stake %s: %s", stake.ID, err),
				"component", "node",
			)
		}
		if rec, err := n.escrow.Get(stake.ID); err == nil {
			stake = &rec
		}
		ret.Stake = stake
	}
	ret.Outcome = OutcomeAccepted
	n.eventBus.PublishAsync(
		event.CampaignAcceptedEventType,
		event.NewEvent(
			event.CampaignAcceptedEventType,
			event.CampaignAcceptedEvent{
				CampaignID: c.ID,
				EventID:    c.EventID,
				Creator:    c.Creator,
				CreatedAt:  c.CreatedAt,
			},
		),
	)
	return ret, nil
}

// republishCampaign handles another version of a campaign from its own
// creator. It is not a new creation, so it is neither rate limited nor
// counted. A version with an earlier creation time moves the claim back so
// the stored claim does not depend on arrival order. Any other version is a
// duplicate
func (n *Node) republishCampaign(
	ret Result,
	existing schema.Campaign,
	c schema.Campaign,
) (Result, error) {
	if !c.CreatedAt.Before(existing.CreatedAt) {
		ret.Outcome = OutcomeDuplicate
		return ret, nil
	}
	won, err := n.db.CreateCampaign(c, nil)
	if err != nil {
		return ret, err
	}
	if !won {
		ret.Outcome = OutcomeDuplicate
		return ret, nil
	}
	n.aggregator.AddCampaign(c.ID, c.CreatedAt)
	ret.Outcome = OutcomeAccepted
	n.eventBus.PublishAsync(
		event.CampaignAcceptedEventType,
		event.NewEvent(
			event.CampaignAcceptedEventType,
			event.CampaignAcceptedEvent{
				CampaignID: c.ID,
				EventID:    c.EventID,
				Creator:    c.Creator,
				CreatedAt:  c.CreatedAt,
			},
		),
	)
	return ret, nil
}

func (n *Node) applyUpdate(u schema.CampaignUpdate) (Result, error) {
	ret := Result{CampaignID: u.CampaignID}
	// Updates for a campaign that is not known yet are kept. Only the
	// creator's updates are applied once it is
	c, err := n.db.GetCampaign(u.CampaignID)
	switch {
	case err == nil && c.Creator != u.Issuer:
		ret.Outcome = OutcomeUnauthorized
		ret.Reason = fmt.Errorf("%w: %s", ErrUnauthorizedUpdate, u.CampaignID)
		return ret, nil
	case err != nil && !errors.Is(err, database.ErrNotFound):
		return ret, err
	}
	inserted, err := n.db.SaveCampaignUpdate(u)
	if err != nil {
		return ret, err
	}
	if !inserted {
		ret.Outcome = OutcomeDuplicate
		return ret, nil
	}
	ret.Outcome = OutcomeAccepted
	n.eventBus.PublishAsync(
		event.CampaignUpdatedEventType,
		event.NewEvent(
			event.CampaignUpdatedEventType,
			event.CampaignUpdatedEvent{
				CampaignID: u.CampaignID,
				EventID:    u.EventID,
				Issuer:     u.Issuer,
				Status:     string(u.Status),
			},
		),
	)
	return ret, nil
}

func (n *Node) applyAttestation(a schema.ActionAttestation) (Result, error) {
	ret := Result{CampaignID: a.CampaignID}
	key := replay.Key{
		Actor:      a.Actor,
		CampaignID: a.CampaignID,
		Nonce:      a.Nonce,
	}
	// A redelivery is a duplicate even when the rate limit would also deny it
	if n.guard.Seen(key) {
		ret.Outcome = OutcomeDuplicate
		return ret, nil
	}
	if n.guard.Stale(a.Timestamp) {
		ret.Outcome = OutcomeStale
		return ret, nil
	}
	decision, err := n.limiter.CheckAction(a.Actor, a.CampaignID, a.Timestamp)
	if err != nil {
		return ret, err
	}
	if !decision.Allowed {
		ret.Outcome = OutcomeRateLimited
		ret.ResumeAt = decision.ResumeAt
		ret.Reason = decision.Err(a.Actor, a.CampaignID)
		return ret, nil
	}
	admitted, err := n.guard.Admit(key, a.Timestamp)
	if err != nil {
		return ret, err
	}
	switch admitted {
	case replay.Duplicate:
		ret.Outcome = OutcomeDuplicate
		return ret, nil
	case replay.Stale:
		ret.Outcome = OutcomeStale
		return ret, nil
	}
	inserted, err := n.db.SaveAttestation(a)
	if err != nil {
		if releaseErr := n.guard.Release(key); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return ret, err
	}
	if !inserted {
		ret.Outcome = OutcomeDuplicate
		return ret, nil
	}
	n.aggregator.AddAttestation(a.CampaignID, a.Timestamp)
	n.limiter.NoteAction(a.Actor, a.CampaignID, a.Timestamp)
	ret.Outcome = OutcomeAccepted
	n.eventBus.PublishAsync(
		event.AttestationAcceptedEventType,
		event.NewEvent(
			event.AttestationAcceptedEventType,
			event.AttestationAcceptedEvent{
				CampaignID: a.CampaignID,
				EventID:    a.EventID,
				Actor:      a.Actor,
				Timestamp:  a.Timestamp,
			},
		),
	)
	return ret, nil
}

func (n *Node) applySignal(s schema.SocialSignal) (Result, error) {
	ret := Result{CampaignID: s.CampaignID}
	inserted, err := n.db.SaveSignal(s)
	if err != nil {
		return ret, err
	}
	if !inserted {
		ret.Outcome = OutcomeDuplicate
		return ret, nil
	}
	n.aggregator.AddSignal(s.CampaignID, s.Type)
	ret.Outcome = OutcomeAccepted
	n.eventBus.PublishAsync(
		event.SignalAcceptedEventType,
		event.NewEvent(
			event.SignalAcceptedEventType,
			event.SignalAcceptedEvent{
				CampaignID: s.CampaignID,
				EventID:    s.EventID,
				Type:       string(s.Type),
			},
		),
	)
	return ret, nil
}

// record counts the outcome and announces rejections
func (n *Node) record(ret Result) {
	n.metrics.events.WithLabelValues(string(ret.Outcome)).Inc()
	switch ret.Outcome {
	case OutcomeAccepted, OutcomeDuplicate:
		return
	}
	reason := string(ret.Outcome)
	if ret.Reason != nil {
		reason = ret.Reason.Error()
	}
	n.logger.Debug(
		fmt.Sprintf("rejected event %s: %s", ret.EventID, reason),
		"component", "node",
		"outcome", string(ret.Outcome),
	)
	n.eventBus.PublishAsync(
		event.EventRejectedEventType,
		event.NewEvent(
			event.EventRejectedEventType,
			event.EventRejectedEvent{
				EventID: ret.EventID,
				Outcome: string(ret.Outcome),
				Reason:  reason,
			},
		),
	)
}

func (n *Node) publishStakeTransition(rec escrow.StakeRecord) {
	n.eventBus.PublishAsync(
		event.StakeTransitionEventType,
		event.NewEvent(
			event.StakeTransitionEventType,
			event.StakeTransitionEvent{
				StakeID:    rec.ID,
				CampaignID: rec.CampaignID,
				State:      string(rec.State),
				At:         rec.UpdatedAt,
			},
		),
	)
}
