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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/PerceptLabs/mvmnt"
	"github.com/PerceptLabs/mvmnt/api"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options translates the loaded configuration into node options
func Options(cfg *config.Config, logger *slog.Logger) []mvmnt.ConfigOptionFunc {
	opts := []mvmnt.ConfigOptionFunc{
		mvmnt.WithLogger(logger),
		mvmnt.WithDataDir(cfg.DataDir),
		mvmnt.WithWorkers(cfg.Workers),
		mvmnt.WithQueueSize(cfg.QueueSize),
		mvmnt.WithMinNonceLength(cfg.MinNonceLength),
		mvmnt.WithMaxCampaignsPerDay(cfg.MaxCampaignsPerDay),
		mvmnt.WithRefundDelay(config.Duration(cfg.RefundDelay)),
		mvmnt.WithAutoRefund(cfg.AutoRefund),
		mvmnt.WithSweepInterval(config.Duration(cfg.SweepInterval)),
		mvmnt.WithReplayRetention(config.Duration(cfg.ReplayRetention)),
		mvmnt.WithShutdownTimeout(config.Duration(cfg.ShutdownTimeout)),
		mvmnt.WithRelays(cfg.Relays...),
		mvmnt.WithTracing(cfg.Tracing),
		mvmnt.WithTracingStdout(cfg.TracingStdout),
	}
	if cfg.CustodyUrl != "" {
		opts = append(
			opts,
			mvmnt.WithCustody(
				escrow.NewHTTPClient(
					cfg.CustodyUrl,
					config.Duration(cfg.CustodyTimeout),
				),
			),
		)
	}
	return opts
}

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")
	if cfg.CustodyUrl == "" {
		logger.Warn(
			"no custody URL configured, stakes will not be refunded",
			"component", "node",
		)
	}
	shutdownTimeout := config.Duration(cfg.ShutdownTimeout)
	opts := append(
		Options(cfg, logger),
		// Enable metrics with default prometheus registry
		mvmnt.WithPrometheusRegistry(prometheus.DefaultRegisterer),
	)
	n, err := mvmnt.New(mvmnt.NewConfig(opts...))
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	apiServer := api.New(
		api.Config{
			ListenAddress: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.ApiPort),
		},
		n,
		logger,
	)
	if err := apiServer.Start(signalCtx); err != nil {
		return errors.Join(err, n.Stop())
	}

	// Metrics listener
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.MetricsPort)
	logger.Info(
		"serving prometheus metrics on "+metricsAddr,
		"component", "node",
	)
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("failed to start metrics listener: %w", err)
		}
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
	case runErr = <-errChan:
		logger.Error("node error", "error", runErr)
		signalCtxStop()
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		shutdownTimeout,
	)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	if err := n.Stop(); err != nil {
		logger.Error("shutdown errors occurred", "error", err)
		return errors.Join(runErr, err)
	}
	if runErr == nil {
		logger.Info("shutdown complete")
	}
	return runErr
}
