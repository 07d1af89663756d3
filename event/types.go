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

package event

import "time"

const (
	CampaignAcceptedEventType    = EventType("campaign.accepted")
	CampaignUpdatedEventType     = EventType("campaign.updated")
	AttestationAcceptedEventType = EventType("attestation.accepted")
	SignalAcceptedEventType      = EventType("signal.accepted")
	StakeTransitionEventType     = EventType("stake.transition")
	EventRejectedEventType       = EventType("event.rejected")
)

// CampaignAcceptedEvent is emitted when a campaign claim is stored, including
// when it displaces a later claim for the same id
type CampaignAcceptedEvent struct {
	CampaignID string
	EventID    string
	Creator    string
	CreatedAt  time.Time
}

type CampaignUpdatedEvent struct {
	CampaignID string
	EventID    string
	Issuer     string
	Status     string
}

type AttestationAcceptedEvent struct {
	CampaignID string
	EventID    string
	Actor      string
	Timestamp  time.Time
}

type SignalAcceptedEvent struct {
	CampaignID string
	EventID    string
	Type       string
}

// StakeTransitionEvent is emitted after a stake record changes state
type StakeTransitionEvent struct {
	StakeID    string
	CampaignID string
	State      string
	At         time.Time
}

// EventRejectedEvent is emitted for every event that was not accepted
type EventRejectedEvent struct {
	EventID string
	Outcome string
	Reason  string
}
