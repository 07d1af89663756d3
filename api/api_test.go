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

package api_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PerceptLabs/mvmnt"
	"github.com/PerceptLabs/mvmnt/api"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/feed"
	"github.com/PerceptLabs/mvmnt/schema"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type mockNode struct {
	healthErr error
	campaigns map[string]schema.Campaign
	ranked    []mvmnt.CampaignSummary
	metrics   map[string]feed.Metrics
	stakes    map[string][]escrow.StakeRecord
	listErr   error
	lastTab   feed.Tab
	lastPage  int
	lastCount int
}

func (m *mockNode) Health() error {
	return m.healthErr
}

func (m *mockNode) GetCampaign(id string) (schema.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return schema.Campaign{}, fmt.Errorf("campaign %s: %w", id, mvmnt.ErrNotFound)
	}
	return c, nil
}

func (m *mockNode) ListCampaigns(
	tab feed.Tab,
	page int,
	count int,
) ([]mvmnt.CampaignSummary, int, error) {
	m.lastTab, m.lastPage, m.lastCount = tab, page, count
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	return feed.Paginate(m.ranked, page, count), len(m.ranked), nil
}

func (m *mockNode) GetMetrics(id string) (feed.Metrics, error) {
	ret, ok := m.metrics[id]
	if !ok {
		return feed.Metrics{}, mvmnt.ErrNotFound
	}
	return ret, nil
}

func (m *mockNode) StakesByCampaign(campaignID string) ([]escrow.StakeRecord, error) {
	return m.stakes[campaignID], nil
}

func testCampaign(id string) schema.Campaign {
	return schema.Campaign{
		ID:         id,
		EventID:    "evt-" + id,
		Creator:    "k1",
		Title:      "Save the park",
		Categories: []schema.Category{"environment"},
		Levels:     []schema.TargetLevel{schema.LevelLocal},
		Status:     schema.StatusActive,
		CreatedAt:  time.Unix(1000, 0).UTC(),
		UpdatedAt:  time.Unix(1000, 0).UTC(),
	}
}

func newTestServer(t *testing.T, node api.Node) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.New(api.Config{}, node, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp
}

func TestHealth(t *testing.T) {
	node := &mockNode{}
	srv := newTestServer(t, node)
	var health api.HealthResponse
	resp := getJSON(t, srv.URL+"/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, health.IsHealthy)

	node.healthErr = errors.New("database closed")
	resp = getJSON(t, srv.URL+"/health", &health)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, health.IsHealthy)
}

func TestGetCampaign(t *testing.T) {
	node := &mockNode{
		campaigns: map[string]schema.Campaign{"save-park": testCampaign("save-park")},
	}
	srv := newTestServer(t, node)
	var c api.CampaignResponse
	resp := getJSON(t, srv.URL+"/campaigns/save-park", &c)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "save-park", c.ID)
	assert.Equal(t, []string{"environment"}, c.Categories)
	assert.Equal(t, []string{"local"}, c.Levels)
	assert.Equal(t, []string{}, c.Media)
	assert.Equal(t, int64(1000), c.CreatedAt)

	var errResp api.ErrorResponse
	resp = getJSON(t, srv.URL+"/campaigns/missing", &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, errResp.StatusCode)
	assert.Equal(t, "campaign not found", errResp.Message)
}

func TestListCampaigns(t *testing.T) {
	node := &mockNode{}
	for i := range 5 {
		id := fmt.Sprintf("c%d", i)
		node.ranked = append(node.ranked, mvmnt.CampaignSummary{
			Campaign: testCampaign(id),
			Metrics: feed.Metrics{
				CampaignID:   id,
				Total:        int64(5 - i),
				LastActionAt: time.Unix(2000, 0),
			},
		})
	}
	srv := newTestServer(t, node)
	var items []api.CampaignListItem
	resp := getJSON(t, srv.URL+"/campaigns?tab=hot&page=2&count=2", &items)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, feed.TabHot, node.lastTab)
	assert.Equal(t, 2, node.lastPage)
	assert.Equal(t, 2, node.lastCount)
	require.Len(t, items, 2)
	assert.Equal(t, "c2", items[0].ID)
	assert.Equal(t, int64(3), items[0].Metrics.Total)
	require.NotNil(t, items[0].Metrics.LastActionAt)
	assert.Equal(t, int64(2000), *items[0].Metrics.LastActionAt)
	assert.Equal(t, "5", resp.Header.Get("X-Pagination-Count-Total"))
	assert.Equal(t, "3", resp.Header.Get("X-Pagination-Page-Total"))

	// Default tab
	resp = getJSON(t, srv.URL+"/campaigns", &items)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, feed.TabNew, node.lastTab)
	assert.Equal(t, api.DefaultPaginationCount, node.lastCount)
}

func TestListCampaignsBadRequest(t *testing.T) {
	srv := newTestServer(t, &mockNode{})
	for _, query := range []string{"tab=top", "page=abc", "count=x"} {
		var errResp api.ErrorResponse
		resp := getJSON(t, srv.URL+"/campaigns?"+query, &errResp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestListCampaignsError(t *testing.T) {
	srv := newTestServer(t, &mockNode{listErr: errors.New("database is locked")})
	var errResp api.ErrorResponse
	resp := getJSON(t, srv.URL+"/campaigns", &errResp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "failed to retrieve campaigns", errResp.Message)
}

func TestGetMetrics(t *testing.T) {
	node := &mockNode{
		metrics: map[string]feed.Metrics{
			"save-park": {CampaignID: "save-park", Total: 2, Hot: 1, Trending: 1.5},
		},
	}
	srv := newTestServer(t, node)
	var m api.MetricsResponse
	resp := getJSON(t, srv.URL+"/campaigns/save-park/metrics", &m)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), m.Total)
	assert.Nil(t, m.LastActionAt)
	assert.InDelta(t, 1.5, m.Trending, 0)

	var errResp api.ErrorResponse
	resp = getJSON(t, srv.URL+"/campaigns/missing/metrics", &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetStake(t *testing.T) {
	node := &mockNode{
		stakes: map[string][]escrow.StakeRecord{
			"save-park": {{
				ID:           "stake-1",
				CampaignID:   "save-park",
				Depositor:    "k1",
				Amount:       1000,
				State:        escrow.StateRefundable,
				StakedAt:     time.Unix(0, 0),
				RefundableAt: time.Unix(86400, 0),
				UpdatedAt:    time.Unix(86401, 0),
			}},
		},
	}
	srv := newTestServer(t, node)
	var stakes []api.StakeResponse
	resp := getJSON(t, srv.URL+"/campaigns/save-park/stake", &stakes)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, stakes, 1)
	assert.Equal(t, "refundable", stakes[0].State)
	assert.Equal(t, int64(86400), stakes[0].RefundableAt)

	var errResp api.ErrorResponse
	resp = getJSON(t, srv.URL+"/campaigns/other/stake", &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	s := api.New(api.Config{ListenAddress: "127.0.0.1:0"}, &mockNode{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	err := s.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))
	require.NoError(t, s.Stop(stopCtx))
}

func TestParsePagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/campaigns?count=999&page=0", nil)
	params, err := api.ParsePagination(req)
	require.NoError(t, err)
	assert.Equal(t, api.MaxPaginationCount, params.Count)
	assert.Equal(t, 1, params.Page)

	req = httptest.NewRequest(http.MethodGet, "/campaigns?page=abc", nil)
	_, err = api.ParsePagination(req)
	assert.ErrorIs(t, err, api.ErrInvalidPaginationParameters)
}
