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

	"github.com/PerceptLabs/mvmnt/collab"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/feed"
	"github.com/PerceptLabs/mvmnt/schema"
)

// CampaignSummary is one entry of a ranked feed
type CampaignSummary struct {
	Campaign schema.Campaign
	Metrics  feed.Metrics
}

// Health reports whether the node is running and its store is reachable
func (n *Node) Health() error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	sqlDb, err := n.db.DB().DB()
	if err != nil {
		return err
	}
	return sqlDb.Ping()
}

// GetCampaign returns a campaign with its status derived from its creator's
// updates
func (n *Node) GetCampaign(id string) (schema.Campaign, error) {
	if !n.running.Load() {
		return schema.Campaign{}, ErrNotRunning
	}
	return n.db.GetCampaign(id)
}

// ListCampaigns returns one page of the ranked feed for tab along with the
// total number of campaigns in it
func (n *Node) ListCampaigns(
	tab feed.Tab,
	page int,
	count int,
) ([]CampaignSummary, int, error) {
	if !n.running.Load() {
		return nil, 0, ErrNotRunning
	}
	ranked := n.aggregator.Rank(tab, n.config.nowFunc())
	ret := []CampaignSummary{}
	for _, r := range feed.Paginate(ranked, page, count) {
		c, err := n.db.GetCampaign(r.CampaignID)
		if err != nil {
			return nil, 0, fmt.Errorf("load campaign %s: %w", r.CampaignID, err)
		}
		ret = append(ret, CampaignSummary{
			Campaign: c,
			Metrics:  r.Metrics,
		})
	}
	return ret, len(ranked), nil
}

// GetMetrics returns the derived metrics of a campaign as of now
func (n *Node) GetMetrics(id string) (feed.Metrics, error) {
	if !n.running.Load() {
		return feed.Metrics{}, ErrNotRunning
	}
	metrics, ok := n.aggregator.Metrics(id, n.config.nowFunc())
	if ok {
		return metrics, nil
	}
	if _, err := n.db.GetCampaign(id); err != nil {
		return feed.Metrics{}, err
	}
	return metrics, nil
}

// GetStake returns a stake record by id
func (n *Node) GetStake(id string) (escrow.StakeRecord, error) {
	if !n.running.Load() {
		return escrow.StakeRecord{}, ErrNotRunning
	}
	rec, err := n.escrow.Get(id)
	if errors.Is(err, escrow.ErrNotFound) {
		return escrow.StakeRecord{}, fmt.Errorf("%w: stake %s", ErrNotFound, id)
	}
	return rec, err
}

// StakesByCampaign returns the stake records opened for a campaign
func (n *Node) StakesByCampaign(campaignID string) ([]escrow.StakeRecord, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.escrow.ByCampaign(campaignID), nil
}

// ReportAbuse records an abuse determination for a campaign. Every stake for
// the campaign that has not been refunded is forfeited, including stakes
// opened later
func (n *Node) ReportAbuse(campaignID string, reason string) ([]escrow.StakeRecord, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	n.logger.Info(
		fmt.Sprintf("abuse reported for campaign %s: %s", campaignID, reason),
		"component", "node",
	)
	return n.escrow.Forfeit(campaignID, reason, n.config.nowFunc())
}

// RefundStake asks the custody collaborator to return a refundable stake
func (n *Node) RefundStake(ctx context.Context, stakeID string) (escrow.StakeRecord, error) {
	if !n.running.Load() {
		return escrow.StakeRecord{}, ErrNotRunning
	}
	return n.escrow.Refund(ctx, stakeID)
}

// Representatives looks up the representatives for a postal code
func (n *Node) Representatives(
	ctx context.Context,
	postalCode string,
) ([]collab.Representative, error) {
	if n.representatives == nil {
		return nil, fmt.Errorf("%w: representative lookup", ErrNoCollaborator)
	}
	return n.representatives.Lookup(ctx, postalCode)
}

// SendMessage delivers a message to a representative
func (n *Node) SendMessage(ctx context.Context, msg collab.Message) (collab.Receipt, error) {
	if n.messageDelivery == nil {
		return collab.Receipt{}, fmt.Errorf("%w: message delivery", ErrNoCollaborator)
	}
	return n.messageDelivery.Deliver(ctx, msg)
}
