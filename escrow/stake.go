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

package escrow

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("stake not found")
	ErrTerminal      = errors.New("stake is in a terminal state")
	ErrNotRefundable = errors.New("stake is not yet refundable")
	ErrNoCustody     = errors.New("no custody collaborator configured")
	ErrInvalidStake  = errors.New("invalid stake")
)

type State string

const (
	StateStaked     State = "staked"
	StateRefundable State = "refundable"
	StateRefunded   State = "refunded"
	StateForfeited  State = "forfeited"
)

// Terminal returns true for states that permit no further transition
func (s State) Terminal() bool {
	return s == StateRefunded || s == StateForfeited
}

// StakeRecord is a refundable deposit tied to a campaign. RefundableAt is
// fixed when the record is created
type StakeRecord struct {
	ID            string
	CampaignID    string
	Depositor     string
	Amount        uint64
	StakedAt      time.Time
	RefundableAt  time.Time
	State         State
	ForfeitReason string
	RefundReceipt string
	UpdatedAt     time.Time
}

// Forfeiture is an abuse determination for a campaign. It may be recorded
// before any stake for the campaign exists
type Forfeiture struct {
	CampaignID string
	Reason     string
	At         time.Time
}

// Store persists stake records and forfeiture signals
type Store interface {
	SaveStake(StakeRecord) error
	Stakes() ([]StakeRecord, error)
	SaveForfeiture(Forfeiture) error
	Forfeitures() ([]Forfeiture, error)
}

// ReconcileResult summarizes a single reconciliation sweep
type ReconcileResult struct {
	Promoted  []string
	Forfeited []string
	Refunded  []string
	Failed    []string
}
