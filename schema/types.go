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

package schema

import "time"

// Class is the closed set of event variants the core understands
type Class int

const (
	ClassUnrecognized Class = iota
	ClassCampaign
	ClassCampaignUpdate
	ClassActionAttestation
	ClassSocialSignal
)

func (c Class) String() string {
	switch c {
	case ClassCampaign:
		return "campaign"
	case ClassCampaignUpdate:
		return "campaign_update"
	case ClassActionAttestation:
		return "action_attestation"
	case ClassSocialSignal:
		return "social_signal"
	default:
		return "unrecognized"
	}
}

type Campaign struct {
	ID          string
	EventID     string
	Creator     string
	Title       string
	Description string
	Categories  []Category
	Levels      []TargetLevel
	Status      Status
	Media       []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type CampaignUpdate struct {
	EventID     string
	CampaignID  string
	Issuer      string
	Description string
	// Status is empty when the update does not change it
	Status    Status
	UpdatedAt time.Time
}

type ActionAttestation struct {
	EventID    string
	CampaignID string
	ParentRef  string
	Actor      string
	Nonce      string
	Timestamp  time.Time
	RepCount   *int
}

type SocialSignal struct {
	EventID    string
	CampaignID string
	Actor      string
	Type       SignalType
	CreatedAt  time.Time
}

// Classified is the typed form of a validated event. Exactly one of the
// variant pointers is set, matching Class; none is set for ClassUnrecognized
type Classified struct {
	Class       Class
	Kind        Kind
	EventID     string
	Issuer      string
	Campaign    *Campaign
	Update      *CampaignUpdate
	Attestation *ActionAttestation
	Signal      *SocialSignal
	// Extensions holds tags the variant does not define
	Extensions []Tag
}
