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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PerceptLabs/mvmnt/database/models"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveCampaign stores a campaign claim. When two creators claim the same id,
// the claim with the earliest creation time wins, with the creator key as the
// tie-breaker, so replicas converge regardless of arrival order. It returns
// true if the given claim is the stored one afterwards
func (d *Database) SaveCampaign(c schema.Campaign) (bool, error) {
	return d.CreateCampaign(c, nil)
}

// CreateCampaign stores a campaign claim and, when stake is not nil, its
// stake record in the same transaction. The stake is only written if the
// claim wins
func (d *Database) CreateCampaign(
	c schema.Campaign,
	stake *escrow.StakeRecord,
) (bool, error) {
	var won bool
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Campaign
		result := tx.Where("id = ?", c.ID).Limit(1).Find(&existing)
		if result.Error != nil {
			return result.Error
		}
		tmpModel := campaignToModel(c)
		if result.RowsAffected > 0 {
			if existing.EventID == tmpModel.EventID {
				won = true
				return nil
			}
			if !claimPrecedes(tmpModel, existing) {
				return nil
			}
			if result := tx.Save(&tmpModel); result.Error != nil {
				return result.Error
			}
		} else {
			if result := tx.Create(&tmpModel); result.Error != nil {
				return result.Error
			}
		}
		won = true
		if stake != nil {
			stakeModel := stakeToModel(*stake)
			if result := tx.Create(&stakeModel); result.Error != nil {
				return fmt.Errorf("save stake: %w", result.Error)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	return won, nil
}

func claimPrecedes(a, b models.Campaign) bool {
	if a.PublishedAt != b.PublishedAt {
		return a.PublishedAt < b.PublishedAt
	}
	return a.Creator < b.Creator
}

// GetCampaign returns a campaign with its status and last update time
// derived from the creator's updates
func (d *Database) GetCampaign(id string) (schema.Campaign, error) {
	var tmpModel models.Campaign
	result := d.db.Where("id = ?", id).First(&tmpModel)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return schema.Campaign{}, ErrNotFound
		}
		return schema.Campaign{}, result.Error
	}
	ret := campaignFromModel(tmpModel)
	if err := d.applyUpdates(&ret); err != nil {
		return schema.Campaign{}, err
	}
	return ret, nil
}

// Campaigns returns every stored campaign
func (d *Database) Campaigns() ([]schema.Campaign, error) {
	var tmpModels []models.Campaign
	if result := d.db.Order("id").Find(&tmpModels); result.Error != nil {
		return nil, result.Error
	}
	ret := make([]schema.Campaign, 0, len(tmpModels))
	for _, tmpModel := range tmpModels {
		c := campaignFromModel(tmpModel)
		if err := d.applyUpdates(&c); err != nil {
			return nil, err
		}
		ret = append(ret, c)
	}
	return ret, nil
}

// CampaignCreations returns the creation times of campaigns owned by creator
// at or after since, oldest first
func (d *Database) CampaignCreations(
	creator string,
	since time.Time,
) ([]time.Time, error) {
	var stamps []int64
	result := d.db.Model(&models.Campaign{}).
		Where("creator = ? AND published_at >= ?", creator, since.Unix()).
		Order("published_at").
		Pluck("published_at", &stamps)
	if result.Error != nil {
		return nil, result.Error
	}
	ret := make([]time.Time, 0, len(stamps))
	for _, ts := range stamps {
		ret = append(ret, fromUnix(ts))
	}
	return ret, nil
}

// SaveCampaignUpdate stores an update, returning false if an update with the
// same event id already exists. Updates are stored even when their campaign
// is not yet known
func (d *Database) SaveCampaignUpdate(u schema.CampaignUpdate) (bool, error) {
	tmpModel := models.CampaignUpdate{
		EventID:     u.EventID,
		CampaignID:  u.CampaignID,
		Issuer:      u.Issuer,
		Description: u.Description,
		Status:      string(u.Status),
		IssuedAt:    u.UpdatedAt.Unix(),
	}
	result := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tmpModel)
	if result.Error != nil {
		return false, fmt.Errorf("save campaign update: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// applyUpdates derives status and last update time from the creator's
// updates. The most recent status-bearing update wins, with the event id as
// the tie-breaker
func (d *Database) applyUpdates(c *schema.Campaign) error {
	var latest models.CampaignUpdate
	result := d.db.
		Where("campaign_id = ? AND issuer = ? AND status != ''", c.ID, c.Creator).
		Order("issued_at DESC, event_id DESC").
		Limit(1).
		Find(&latest)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		c.Status = schema.Status(latest.Status)
	}
	var lastIssued sql.NullInt64
	err := d.db.Model(&models.CampaignUpdate{}).
		Select("MAX(issued_at)").
		Where("campaign_id = ? AND issuer = ?", c.ID, c.Creator).
		Row().
		Scan(&lastIssued)
	if err != nil {
		return err
	}
	if lastIssued.Valid && lastIssued.Int64 > c.UpdatedAt.Unix() {
		c.UpdatedAt = fromUnix(lastIssued.Int64)
	}
	return nil
}

func campaignToModel(c schema.Campaign) models.Campaign {
	ret := models.Campaign{
		ID:          c.ID,
		EventID:     c.EventID,
		Creator:     c.Creator,
		Title:       c.Title,
		Description: c.Description,
		Media:       c.Media,
		PublishedAt: c.CreatedAt.Unix(),
	}
	for _, cat := range c.Categories {
		ret.Categories = append(ret.Categories, string(cat))
	}
	for _, level := range c.Levels {
		ret.Levels = append(ret.Levels, string(level))
	}
	return ret
}

func campaignFromModel(m models.Campaign) schema.Campaign {
	ret := schema.Campaign{
		ID:          m.ID,
		EventID:     m.EventID,
		Creator:     m.Creator,
		Title:       m.Title,
		Description: m.Description,
		Media:       m.Media,
		Status:      schema.StatusActive,
		CreatedAt:   fromUnix(m.PublishedAt),
		UpdatedAt:   fromUnix(m.PublishedAt),
	}
	for _, cat := range m.Categories {
		ret.Categories = append(ret.Categories, schema.Category(cat))
	}
	for _, level := range m.Levels {
		ret.Levels = append(ret.Levels, schema.TargetLevel(level))
	}
	return ret
}

func fromUnix(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}
