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
	"errors"
	"net/http"

	"github.com/PerceptLabs/mvmnt"
	"github.com/PerceptLabs/mvmnt/feed"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writeJSON writes a JSON response with the given status
// code.
func writeJSON(
	w http.ResponseWriter,
	status int,
	v any,
) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck,errchkjson
	json.NewEncoder(w).Encode(v)
}

func writeError(
	w http.ResponseWriter,
	status int,
	message string,
) {
	writeJSON(w, status, ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
	})
}

// writeLookupError maps a node error to a response. Missing records are a
// 404 and anything else is logged and reported as a 500
func (s *Server) writeLookupError(
	w http.ResponseWriter,
	err error,
	what string,
) {
	if errors.Is(err, mvmnt.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error(
		"failed to retrieve "+what,
		"error", err,
	)
	writeError(
		w,
		http.StatusInternalServerError,
		"failed to retrieve "+what,
	)
}

func (s *Server) handleHealth(
	w http.ResponseWriter,
	_ *http.Request,
) {
	if err := s.node.Health(); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		IsHealthy: true,
	})
}

// handleListCampaigns handles GET /campaigns?tab=new|hot|trending
func (s *Server) handleListCampaigns(
	w http.ResponseWriter,
	r *http.Request,
) {
	tab, err := feed.ParseTab(r.URL.Query().Get("tab"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params, err := ParsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summaries, total, err := s.node.ListCampaigns(tab, params.Page, params.Count)
	if err != nil {
		s.writeLookupError(w, err, "campaigns")
		return
	}
	ret := make([]CampaignListItem, 0, len(summaries))
	for _, summary := range summaries {
		ret = append(ret, CampaignListItem{
			CampaignResponse: campaignResponse(summary.Campaign),
			Metrics:          metricsResponse(summary.Metrics),
		})
	}
	SetPaginationHeaders(w, total, params)
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) handleGetCampaign(
	w http.ResponseWriter,
	r *http.Request,
) {
	c, err := s.node.GetCampaign(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "campaign")
		return
	}
	writeJSON(w, http.StatusOK, campaignResponse(c))
}

func (s *Server) handleGetMetrics(
	w http.ResponseWriter,
	r *http.Request,
) {
	m, err := s.node.GetMetrics(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "campaign metrics")
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse(m))
}

// handleGetStake handles GET /campaigns/{id}/stake and returns every stake
// opened for the campaign
func (s *Server) handleGetStake(
	w http.ResponseWriter,
	r *http.Request,
) {
	stakes, err := s.node.StakesByCampaign(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "stake")
		return
	}
	if len(stakes) == 0 {
		writeError(w, http.StatusNotFound, "stake not found")
		return
	}
	ret := make([]StakeResponse, 0, len(stakes))
	for _, rec := range stakes {
		ret = append(ret, stakeResponse(rec))
	}
	writeJSON(w, http.StatusOK, ret)
}
