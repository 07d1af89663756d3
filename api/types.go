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

package api

import (
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/feed"
	"github.com/PerceptLabs/mvmnt/schema"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	IsHealthy bool `json:"is_healthy"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

type CampaignResponse struct {
	ID          string   `json:"id"`
	EventID     string   `json:"event_id"`
	Creator     string   `json:"creator"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
	Levels      []string `json:"levels"`
	Status      string   `json:"status"`
	Media       []string `json:"media"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

type MetricsResponse struct {
	CampaignID   string  `json:"campaign_id"`
	Total        int64   `json:"total"`
	Hot          int64   `json:"hot"`
	Trending     float64 `json:"trending"`
	Shares       int64   `json:"shares"`
	Reactions    int64   `json:"reactions"`
	Comments     int64   `json:"comments"`
	LastActionAt *int64  `json:"last_action_at"`
}

// CampaignListItem is one entry of GET /campaigns.
type CampaignListItem struct {
	CampaignResponse
	Metrics MetricsResponse `json:"metrics"`
}

type StakeResponse struct {
	ID            string `json:"id"`
	CampaignID    string `json:"campaign_id"`
	Depositor     string `json:"depositor"`
	Amount        uint64 `json:"amount"`
	State         string `json:"state"`
	StakedAt      int64  `json:"staked_at"`
	RefundableAt  int64  `json:"refundable_at"`
	UpdatedAt     int64  `json:"updated_at"`
	ForfeitReason string `json:"forfeit_reason,omitempty"`
	RefundReceipt string `json:"refund_receipt,omitempty"`
}

func campaignResponse(c schema.Campaign) CampaignResponse {
	ret := CampaignResponse{
		ID:          c.ID,
		EventID:     c.EventID,
		Creator:     c.Creator,
		Title:       c.Title,
		Description: c.Description,
		Categories:  make([]string, 0, len(c.Categories)),
		Levels:      make([]string, 0, len(c.Levels)),
		Status:      string(c.Status),
		Media:       c.Media,
		CreatedAt:   c.CreatedAt.Unix(),
		UpdatedAt:   c.UpdatedAt.Unix(),
	}
	for _, category := range c.Categories {
		ret.Categories = append(ret.Categories, string(category))
	}
	for _, level := range c.Levels {
		ret.Levels = append(ret.Levels, string(level))
	}
	if ret.Media == nil {
		ret.Media = []string{}
	}
	return ret
}

func metricsResponse(m feed.Metrics) MetricsResponse {
	ret := MetricsResponse{
		CampaignID: m.CampaignID,
		Total:      m.Total,
		Hot:        m.Hot,
		Trending:   m.Trending,
		Shares:     m.Shares,
		Reactions:  m.Reactions,
		Comments:   m.Comments,
	}
	if !m.LastActionAt.IsZero() {
		last := m.LastActionAt.Unix()
		ret.LastActionAt = &last
	}
	return ret
}

func stakeResponse(rec escrow.StakeRecord) StakeResponse {
	return StakeResponse{
		ID:            rec.ID,
		CampaignID:    rec.CampaignID,
		Depositor:     rec.Depositor,
		Amount:        rec.Amount,
		State:         string(rec.State),
		StakedAt:      rec.StakedAt.Unix(),
		RefundableAt:  rec.RefundableAt.Unix(),
		UpdatedAt:     rec.UpdatedAt.Unix(),
		ForfeitReason: rec.ForfeitReason,
		RefundReceipt: rec.RefundReceipt,
	}
}
