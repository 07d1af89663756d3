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

// Package api serves the read model over a small JSON HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/PerceptLabs/mvmnt"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/feed"
	"github.com/PerceptLabs/mvmnt/schema"
)

// Node is the part of the aggregator the API reads from. Lookups of missing
// records return an error matching mvmnt.ErrNotFound
type Node interface {
	Health() error
	GetCampaign(id string) (schema.Campaign, error)
	ListCampaigns(tab feed.Tab, page int, count int) ([]mvmnt.CampaignSummary, int, error)
	GetMetrics(id string) (feed.Metrics, error)
	StakesByCampaign(campaignID string) ([]escrow.StakeRecord, error)
}

type Config struct {
	ListenAddress string
}

// Server is the read-only HTTP API server.
type Server struct {
	config     Config
	logger     *slog.Logger
	node       Node
	handler    http.Handler
	httpServer *http.Server
	mu         sync.Mutex
}

func New(
	cfg Config,
	node Node,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.New(
			slog.NewJSONHandler(io.Discard, nil),
		)
	}
	logger = logger.With("component", "api")
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	s := &Server{
		config: cfg,
		logger: logger,
		node:   node,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /campaigns", s.handleListCampaigns)
	mux.HandleFunc("GET /campaigns/{id}", s.handleGetCampaign)
	mux.HandleFunc("GET /campaigns/{id}/metrics", s.handleGetMetrics)
	mux.HandleFunc("GET /campaigns/{id}/stake", s.handleGetStake)
	s.handler = mux
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in a background goroutine. The
// server shuts down when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	// Port conflicts are reported here rather than from the serving goroutine
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen for API server: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 60 * time.Second,
	}
	s.httpServer = server
	s.mu.Unlock()
	go func() {
		if err := server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(
				"API server error",
				"error", err,
			)
		}
	}()
	s.logger.Info("API listener started on " + ln.Addr().String())
	go func() {
		<-ctx.Done()
		//nolint:contextcheck
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			30*time.Second,
		)
		defer cancel()
		//nolint:contextcheck
		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Error(
				"failed to shutdown API server on context cancellation",
				"error", err,
			)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Debug("shutting down API server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}
	return nil
}
