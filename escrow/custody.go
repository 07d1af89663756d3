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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Custody executes refunds against the token custody collaborator
type Custody interface {
	Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error)
}

type RefundRequest struct {
	StakeID    string `json:"stake_id"`
	CampaignID string `json:"campaign_id"`
	Depositor  string `json:"depositor"`
	Amount     uint64 `json:"amount"`
}

type RefundReceipt struct {
	ID string `json:"id"`
}

// CustodyError is returned by HTTPClient when the custody service answers
// with a non-success status
type CustodyError struct {
	StatusCode int
	Message    string
}

func (e *CustodyError) Error() string {
	return fmt.Sprintf("custody refund failed: status %d: %s", e.StatusCode, e.Message)
}

// HTTPClient is a Custody backed by a JSON HTTP endpoint. Refunds are POSTed
// to <BaseURL>/refunds with the stake id as the idempotency key
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) Refund(
	ctx context.Context,
	req RefundRequest,
) (RefundReceipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RefundReceipt{}, err
	}
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.BaseURL+"/refunds",
		bytes.NewReader(body),
	)
	if err != nil {
		return RefundReceipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.StakeID)
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return RefundReceipt{}, fmt.Errorf("custody request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RefundReceipt{}, fmt.Errorf("custody response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return RefundReceipt{}, &CustodyError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}
	var receipt RefundReceipt
	if err := json.Unmarshal(respBody, &receipt); err != nil {
		return RefundReceipt{}, fmt.Errorf("decode custody receipt: %w", err)
	}
	if receipt.ID == "" {
		return RefundReceipt{}, errors.New("custody receipt has no id")
	}
	return receipt, nil
}
