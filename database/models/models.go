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

// Package models holds the gorm table definitions for the read model.
// Timestamps are stored as unix seconds.
package models

// Campaign is the winning claim for a campaign id. Status is derived from
// CampaignUpdate rows on read
type Campaign struct {
	ID          string   `gorm:"primaryKey"`
	EventID     string   `gorm:"uniqueIndex"`
	Creator     string   `gorm:"index:idx_campaign_creator_published"`
	Title       string
	Description string
	Categories  []string `gorm:"serializer:json"`
	Levels      []string `gorm:"serializer:json"`
	Media       []string `gorm:"serializer:json"`
	PublishedAt int64    `gorm:"index:idx_campaign_creator_published"`
}

func (Campaign) TableName() string {
	return "campaign"
}

// CampaignUpdate is kept regardless of issuer so that updates arriving
// before their campaign can be applied once it is known
type CampaignUpdate struct {
	EventID     string `gorm:"primaryKey"`
	CampaignID  string `gorm:"index:idx_update_campaign_issuer"`
	Issuer      string `gorm:"index:idx_update_campaign_issuer"`
	Description string
	Status      string
	IssuedAt    int64
}

func (CampaignUpdate) TableName() string {
	return "campaign_update"
}

type Attestation struct {
	ID         uint   `gorm:"primarykey"`
	EventID    string `gorm:"index"`
	Actor      string `gorm:"uniqueIndex:idx_attestation_identity;index:idx_attestation_actor_campaign"`
	CampaignID string `gorm:"uniqueIndex:idx_attestation_identity;index:idx_attestation_actor_campaign;index"`
	Nonce      string `gorm:"uniqueIndex:idx_attestation_identity"`
	ParentRef  string
	Timestamp  int64 `gorm:"index:idx_attestation_actor_campaign"`
	RepCount   *int
}

func (Attestation) TableName() string {
	return "attestation"
}

type SocialSignal struct {
	EventID    string `gorm:"primaryKey"`
	CampaignID string `gorm:"index"`
	Actor      string
	Type       string
	SignaledAt int64
}

func (SocialSignal) TableName() string {
	return "social_signal"
}

type Stake struct {
	ID            string `gorm:"primaryKey"`
	CampaignID    string `gorm:"index"`
	Depositor     string
	Amount        uint64
	StakedAt      int64
	RefundableAt  int64
	State         string `gorm:"index"`
	ForfeitReason string
	RefundReceipt string
	ChangedAt     int64
}

func (Stake) TableName() string {
	return "stake"
}

// Forfeiture holds the first abuse determination recorded for a campaign
type Forfeiture struct {
	CampaignID  string `gorm:"primaryKey"`
	Reason      string
	ForfeitedAt int64
}

func (Forfeiture) TableName() string {
	return "forfeiture"
}

// MigrateModels contains a list of model objects that should have DB migrations applied
var MigrateModels = []any{
	&Campaign{},
	&CampaignUpdate{},
	&Attestation{},
	&SocialSignal{},
	&Stake{},
	&Forfeiture{},
}
