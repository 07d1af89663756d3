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
	"errors"
	"fmt"

	"github.com/PerceptLabs/mvmnt/database/models"
	"github.com/PerceptLabs/mvmnt/escrow"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveStake inserts or replaces a stake record
func (d *Database) SaveStake(rec escrow.StakeRecord) error {
	tmpModel := stakeToModel(rec)
	if result := d.db.Save(&tmpModel); result.Error != nil {
		return fmt.Errorf("save stake %s: %w", rec.ID, result.Error)
	}
	return nil
}

// GetStake returns a stake record by id
func (d *Database) GetStake(id string) (escrow.StakeRecord, error) {
	var tmpModel models.Stake
	result := d.db.Where("id = ?", id).First(&tmpModel)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return escrow.StakeRecord{}, ErrNotFound
		}
		return escrow.StakeRecord{}, result.Error
	}
	return stakeFromModel(tmpModel), nil
}

// StakesByCampaign returns the stake records for a campaign, oldest first
func (d *Database) StakesByCampaign(campaignID string) ([]escrow.StakeRecord, error) {
	var tmpModels []models.Stake
	result := d.db.
		Where("campaign_id = ?", campaignID).
		Order("staked_at, id").
		Find(&tmpModels)
	if result.Error != nil {
		return nil, result.Error
	}
	ret := make([]escrow.StakeRecord, 0, len(tmpModels))
	for _, tmpModel := range tmpModels {
		ret = append(ret, stakeFromModel(tmpModel))
	}
	return ret, nil
}

// Stakes returns every stake record
func (d *Database) Stakes() ([]escrow.StakeRecord, error) {
	var tmpModels []models.Stake
	if result := d.db.Order("id").Find(&tmpModels); result.Error != nil {
		return nil, result.Error
	}
	ret := make([]escrow.StakeRecord, 0, len(tmpModels))
	for _, tmpModel := range tmpModels {
		ret = append(ret, stakeFromModel(tmpModel))
	}
	return ret, nil
}

// SaveForfeiture stores a forfeiture signal. Only the first signal for a
// campaign is kept
func (d *Database) SaveForfeiture(f escrow.Forfeiture) error {
	tmpModel := models.Forfeiture{
		CampaignID:  f.CampaignID,
		Reason:      f.Reason,
		ForfeitedAt: f.At.Unix(),
	}
	result := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tmpModel)
	if result.Error != nil {
		return fmt.Errorf("save forfeiture: %w", result.Error)
	}
	return nil
}

// Forfeitures returns every stored forfeiture signal
func (d *Database) Forfeitures() ([]escrow.Forfeiture, error) {
	var tmpModels []models.Forfeiture
	if result := d.db.Order("campaign_id").Find(&tmpModels); result.Error != nil {
		return nil, result.Error
	}
	ret := make([]escrow.Forfeiture, 0, len(tmpModels))
	for _, tmpModel := range tmpModels {
		ret = append(ret, escrow.Forfeiture{
			CampaignID: tmpModel.CampaignID,
			Reason:     tmpModel.Reason,
			At:         fromUnix(tmpModel.ForfeitedAt),
		})
	}
	return ret, nil
}

func stakeToModel(rec escrow.StakeRecord) models.Stake {
	return models.Stake{
		ID:            rec.ID,
		CampaignID:    rec.CampaignID,
		Depositor:     rec.Depositor,
		Amount:        rec.Amount,
		StakedAt:      rec.StakedAt.Unix(),
		RefundableAt:  rec.RefundableAt.Unix(),
		State:         string(rec.State),
		ForfeitReason: rec.ForfeitReason,
		RefundReceipt: rec.RefundReceipt,
		ChangedAt:     rec.UpdatedAt.Unix(),
	}
}

func stakeFromModel(m models.Stake) escrow.StakeRecord {
	return escrow.StakeRecord{
		ID:            m.ID,
		CampaignID:    m.CampaignID,
		Depositor:     m.Depositor,
		Amount:        m.Amount,
		StakedAt:      fromUnix(m.StakedAt),
		RefundableAt:  fromUnix(m.RefundableAt),
		State:         escrow.State(m.State),
		ForfeitReason: m.ForfeitReason,
		RefundReceipt: m.RefundReceipt,
		UpdatedAt:     fromUnix(m.ChangedAt),
	}
}

var _ escrow.Store = (*Database)(nil)

