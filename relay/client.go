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

// Package relay subscribes to event relays over websocket and hands the raw
// events they deliver to a handler.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/PerceptLabs/mvmnt/schema"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultSubscriptionID = "mvmnt"
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 2 * time.Minute
	DefaultPingInterval   = 30 * time.Second
	DefaultHandshake      = 10 * time.Second
)

// ErrSubscriptionClosed is returned from a session when the relay closes the
// subscription
var ErrSubscriptionClosed = errors.New("subscription closed by relay")

// Filter selects the events a relay should deliver
type Filter struct {
	Kinds []schema.Kind `json:"kinds,omitempty"`
	Since int64         `json:"since,omitempty"`
	Limit int           `json:"limit,omitempty"`
}

// DefaultFilter selects every kind the aggregator understands
func DefaultFilter() Filter {
	return Filter{
		Kinds: slices.Clone(schema.SubscribedKinds),
	}
}

// HandlerFunc receives the JSON of each delivered event. It must not block
type HandlerFunc func(relayURL string, raw []byte)

type ClientConfig struct {
	Logger         *slog.Logger
	PromRegistry   prometheus.Registerer
	URL            string
	SubscriptionID string
	Filters        []Filter
	Handler        HandlerFunc
	Dialer         *websocket.Dialer
	Header         http.Header
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
}

// Client keeps one subscription open against a single relay, reconnecting
// with exponential backoff whenever the connection drops
type Client struct {
	config  ClientConfig
	logger  *slog.Logger
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics struct {
		connected  prometheus.Gauge
		reconnects prometheus.Counter
		events     prometheus.Counter
		notices    prometheus.Counter
	}
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("relay event handler is required")
	}
	if cfg.SubscriptionID == "" {
		cfg.SubscriptionID = DefaultSubscriptionID
	}
	if len(cfg.Filters) == 0 {
		cfg.Filters = []Filter{DefaultFilter()}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshake,
		}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	c := &Client{config: cfg}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		c.logger = cfg.Logger
	}
	c.logger = c.logger.With("component", "relay", "relay", cfg.URL)
	// Clients for different relays share a registry, so each carries its URL
	// as a constant label
	labels := prometheus.Labels{"relay": cfg.URL}
	promautoFactory := promauto.With(cfg.PromRegistry)
	c.metrics.connected = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name:        "mvmnt_relay_connected",
		Help:        "1 while the relay connection is up",
		ConstLabels: labels,
	})
	c.metrics.reconnects = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name:        "mvmnt_relay_reconnects_total",
		Help:        "relay connection attempts after a failure",
		ConstLabels: labels,
	})
	c.metrics.events = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name:        "mvmnt_relay_events_total",
		Help:        "events received from the relay",
		ConstLabels: labels,
	})
	c.metrics.notices = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name:        "mvmnt_relay_notices_total",
		Help:        "notices received from the relay",
		ConstLabels: labels,
	})
	return c, nil
}

// Run connects and keeps the subscription alive until ctx is done. It only
// returns once ctx is done
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialBackoff
	bo.MaxInterval = c.config.MaxBackoff
	// Retry forever
	bo.MaxElapsedTime = 0
	boCtx := backoff.WithContext(bo, ctx)
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		wait := boCtx.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		c.logger.Warn(
			fmt.Sprintf("relay connection lost, retrying in %s: %s", wait, err),
		)
		c.metrics.reconnects.Inc()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection from dial to disconnect. The returned bool is
// true if the subscription was established
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, resp, err := c.config.Dialer.DialContext(ctx, c.config.URL, c.config.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.metrics.connected.Set(1)
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.metrics.connected.Set(0)
		conn.Close()
	}()
	if err := c.subscribe(); err != nil {
		return false, err
	}
	c.logger.Info("subscribed to relay")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(conn)
	})
	g.Go(func() error {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				// Unblocks the reader
				_ = c.write(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				conn.Close()
				return nil
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return fmt.Errorf("ping relay: %w", err)
				}
			}
		}
	})
	return true, g.Wait()
}

func (c *Client) subscribe() error {
	msg := []any{"REQ", c.config.SubscriptionID}
	for _, f := range c.config.Filters {
		msg = append(msg, f)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Close sends CLOSE for the subscription on the current connection, if any
func (c *Client) Close() error {
	data, err := json.Marshal([]string{"CLOSE", c.config.SubscriptionID})
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultHandshake))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read relay message: %w", err)
		}
		if err := c.handleMessage(data); err != nil {
			if errors.Is(err, ErrSubscriptionClosed) {
				return err
			}
			c.logger.Debug(fmt.Sprintf("ignoring relay message: %s", err))
		}
	}
}

func (c *Client) handleMessage(data []byte) error {
	var msg []jsoniter.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if len(msg) == 0 {
		return errors.New("empty message")
	}
	var label string
	if err := json.Unmarshal(msg[0], &label); err != nil {
		return fmt.Errorf("decode message label: %w", err)
	}
	switch label {
	case "EVENT":
		if len(msg) < 3 {
			return errors.New("short EVENT message")
		}
		var subId string
		if err := json.Unmarshal(msg[1], &subId); err != nil {
			return fmt.Errorf("decode subscription id: %w", err)
		}
		if subId != c.config.SubscriptionID {
			return fmt.Errorf("event for unknown subscription %q", subId)
		}
		c.metrics.events.Inc()
		c.config.Handler(c.config.URL, msg[2])
	case "EOSE":
		c.logger.Debug("relay finished sending stored events")
	case "NOTICE":
		var notice string
		if len(msg) > 1 {
			_ = json.Unmarshal(msg[1], &notice)
		}
		c.metrics.notices.Inc()
		c.logger.Warn(fmt.Sprintf("relay notice: %s", notice))
	case "CLOSED":
		var reason string
		if len(msg) > 2 {
			_ = json.Unmarshal(msg[2], &reason)
		}
		return fmt.Errorf("%w: %s", ErrSubscriptionClosed, reason)
	case "OK", "AUTH":
	default:
		return fmt.Errorf("unknown message label %q", label)
	}
	return nil
}

// RunAll runs every client until ctx is done
func RunAll(ctx context.Context, clients ...*Client) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error {
			return c.Run(gctx)
		})
	}
	return g.Wait()
}
