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

package database

import (
	"fmt"
	"time"

	"github.com/PerceptLabs/mvmnt/database/models"
	"github.com/PerceptLabs/mvmnt/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const batchSize = 500

// SaveAttestation stores an accepted attestation. It returns false when an
// attestation with the same actor, campaign and nonce is already stored
func (d *Database) SaveAttestation(a schema.ActionAttestation) (bool, error) {
	tmpModel := models.Attestation{
		EventID:    a.EventID,
		Actor:      a.Actor,
		CampaignID: a.CampaignID,
		Nonce:      a.Nonce,
		ParentRef:  a.ParentRef,
		Timestamp:  a.Timestamp.Unix(),
		RepCount:   a.RepCount,
	}
	result := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tmpModel)
	if result.Error != nil {
		return false, fmt.Errorf("save attestation: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// EachAttestation calls fn for every stored attestation, in primary key order
func (d *Database) EachAttestation(fn func(schema.ActionAttestation) error) error {
	var batch []models.Attestation
	result := d.db.FindInBatches(
		&batch,
		batchSize,
		func(tx *gorm.DB, _ int) error {
			for _, tmpModel := range batch {
				if err := fn(attestationFromModel(tmpModel)); err != nil {
					return err
				}
			}
			return nil
		},
	)
	return result.Error
}

// ActionTimes returns the timestamps of attestations by actor on a campaign
// strictly between after and before, ascending
func (d *Database) ActionTimes(
	actor string,
	campaignID string,
	after time.Time,
	before time.Time,
) ([]time.Time, error) {
	var stamps []int64
	result := d.db.Model(&models.Attestation{}).
		Where(
			"actor = ? AND campaign_id = ? AND timestamp > ? AND timestamp < ?",
			actor,
			campaignID,
			after.Unix(),
			before.Unix(),
		).
		Order("timestamp").
		Pluck("timestamp", &stamps)
	if result.Error != nil {
		return nil, fmt.Errorf("load action times: %w", result.Error)
	}
	ret := make([]time.Time, 0, len(stamps))
	for _, ts := range stamps {
		ret = append(ret, fromUnix(ts))
	}
	return ret, nil
}

// AttestationCount returns the number of accepted attestations for a
// campaign
func (d *Database) AttestationCount(campaignID string) (int64, error) {
	var ret int64
	result := d.db.Model(&models.Attestation{}).
		Where("campaign_id = ?", campaignID).
		Count(&ret)
	return ret, result.Error
}

func attestationFromModel(m models.Attestation) schema.ActionAttestation {
	return schema.ActionAttestation{
		EventID:    m.EventID,
		CampaignID: m.CampaignID,
		ParentRef:  m.ParentRef,
		Actor:      m.Actor,
		Nonce:      m.Nonce,
		Timestamp:  fromUnix(m.Timestamp),
		RepCount:   m.RepCount,
	}
}

// SaveSignal stores a social signal, returning false for a repeated event id
func (d *Database) SaveSignal(s schema.SocialSignal) (bool, error) {
	tmpModel := models.SocialSignal{
		EventID:    s.EventID,
		CampaignID: s.CampaignID,
		Actor:      s.Actor,
		Type:       string(s.Type),
		SignaledAt: s.CreatedAt.Unix(),
	}
	result := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tmpModel)
	if result.Error != nil {
		return false, fmt.Errorf("save social signal: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// EachSignal calls fn for every stored social signal
func (d *Database) EachSignal(fn func(schema.SocialSignal) error) error {
	var batch []models.SocialSignal
	result := d.db.FindInBatches(
		&batch,
		batchSize,
		func(tx *gorm.DB, _ int) error {
			for _, tmpModel := range batch {
				err := fn(schema.SocialSignal{
					EventID:    tmpModel.EventID,
					CampaignID: tmpModel.CampaignID,
					Actor:      tmpModel.Actor,
					Type:       schema.SignalType(tmpModel.Type),
					CreatedAt:  fromUnix(tmpModel.SignaledAt),
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	)
	return result.Error
}
