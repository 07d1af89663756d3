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

import "slices"

// Kind is the event kind discriminator carried by every signed event
type Kind int

// Kind values are shared with other clients of the protocol and must not change
const (
	KindComment           Kind = 1
	KindRepost            Kind = 6
	KindReaction          Kind = 7
	KindCampaign          Kind = 31100
	KindCampaignUpdate    Kind = 31101
	KindActionAttestation Kind = 31102
)

func (k Kind) String() string {
	switch k {
	case KindComment:
		return "comment"
	case KindRepost:
		return "repost"
	case KindReaction:
		return "reaction"
	case KindCampaign:
		return "campaign"
	case KindCampaignUpdate:
		return "campaign_update"
	case KindActionAttestation:
		return "action_attestation"
	default:
		return "unknown"
	}
}

// SubscribedKinds lists the kinds a relay subscription asks for
var SubscribedKinds = []Kind{
	KindCampaign,
	KindCampaignUpdate,
	KindActionAttestation,
	KindComment,
	KindRepost,
	KindReaction,
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Valid returns true if the status is one of the enumerated campaign states
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

type TargetLevel string

const (
	LevelFederal TargetLevel = "federal"
	LevelState   TargetLevel = "state"
	LevelLocal   TargetLevel = "local"
)

func (l TargetLevel) Valid() bool {
	switch l {
	case LevelFederal, LevelState, LevelLocal:
		return true
	default:
		return false
	}
}

type Category string

// Categories is the fixed set of campaign categories
var Categories = []Category{
	"environment",
	"education",
	"healthcare",
	"housing",
	"transportation",
	"civil-rights",
	"economy",
	"public-safety",
	"immigration",
	"labor",
	"technology",
	"other",
}

func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// SignalType identifies the lightweight social signals counted per campaign
type SignalType string

const (
	SignalShare    SignalType = "share"
	SignalReaction SignalType = "reaction"
	SignalComment  SignalType = "comment"
)
