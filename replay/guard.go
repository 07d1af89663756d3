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

// Package replay enforces that an attestation identity is admitted at most
// once across all deliveries and restarts.
package replay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/PerceptLabs/mvmnt/database"
	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultRetention is the 24h metrics window plus a 7 day grace period
	DefaultRetention               = 24*time.Hour + 7*24*time.Hour
	DefaultShards                  = 64
	DefaultDuplicateAlertThreshold = 1000
	duplicateAlertWindow           = time.Minute
)

var (
	keyPrefix  = []byte("replay/k/")
	horizonKey = []byte("replay/horizon")
)

// Key is the identity of an attestation
type Key struct {
	Actor      string
	CampaignID string
	Nonce      string
}

type Result int

const (
	Accepted Result = iota
	Duplicate
	// Stale is returned for identities older than the eviction horizon. They
	// can no longer be checked, so they are never admitted
	Stale
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

type GuardConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// Store persists admitted keys. Without it admissions only live in memory
	Store                   database.KVStore
	Retention               time.Duration
	Shards                  int
	DuplicateAlertThreshold int
	NowFunc                 func() time.Time
}

type shard struct {
	sync.Mutex
	keys map[Key]int64
}

// Guard is an index of admitted attestation identities. Admission is an
// atomic check-and-insert per key; keys in different shards never contend
type Guard struct {
	config  GuardConfig
	logger  *slog.Logger
	shards  []*shard
	horizon struct {
		sync.RWMutex
		ts int64
	}
	alarm struct {
		sync.Mutex
		windowStart time.Time
		count       int
		alerted     bool
	}
	metrics struct {
		keys       prometheus.Gauge
		accepted   prometheus.Counter
		duplicates prometheus.Counter
		stale      prometheus.Counter
		evicted    prometheus.Counter
	}
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.DuplicateAlertThreshold <= 0 {
		cfg.DuplicateAlertThreshold = DefaultDuplicateAlertThreshold
	}
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	g := &Guard{
		config: cfg,
		shards: make([]*shard, cfg.Shards),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		g.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		g.logger = cfg.Logger
	}
	for i := range g.shards {
		g.shards[i] = &shard{keys: make(map[Key]int64)}
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	g.metrics.keys = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "mvmnt_replay_keys",
		Help: "attestation identities held by the replay guard",
	})
	g.metrics.accepted = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "mvmnt_replay_accepted_total",
		Help: "attestation identities admitted",
	})
	g.metrics.duplicates = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "mvmnt_replay_duplicates_total",
		Help: "redeliveries and replays absorbed by the replay guard",
	})
	g.metrics.stale = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "mvmnt_replay_stale_total",
		Help: "attestations older than the eviction horizon",
	})
	g.metrics.evicted = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "mvmnt_replay_evicted_total",
		Help: "attestation identities evicted after the retention period",
	})
	return g
}

func (g *Guard) shardFor(key Key) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(key.Actor)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key.CampaignID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key.Nonce)
	return g.shards[h.Sum64()%uint64(len(g.shards))]
}

// Admit records key if it has not been seen. The first caller for a key gets
// Accepted and every later caller gets Duplicate, whatever the timestamp
func (g *Guard) Admit(key Key, ts time.Time) (Result, error) {
	s := g.shardFor(key)
	s.Lock()
	defer s.Unlock()
	if _, ok := s.keys[key]; ok {
		g.countDuplicate()
		return Duplicate, nil
	}
	if g.beforeHorizon(ts) {
		g.metrics.stale.Inc()
		return Stale, nil
	}
	if g.config.Store != nil {
		storeKey, val, err := encodeEntry(key, ts.Unix())
		if err != nil {
			return Accepted, err
		}
		if err := g.config.Store.Set(storeKey, val); err != nil {
			return Accepted, fmt.Errorf("persist replay key: %w", err)
		}
	}
	s.keys[key] = ts.Unix()
	g.metrics.keys.Inc()
	g.metrics.accepted.Inc()
	return Accepted, nil
}

// Seen returns true if key has been admitted
func (g *Guard) Seen(key Key) bool {
	s := g.shardFor(key)
	s.Lock()
	defer s.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Stale returns true if ts is older than the eviction horizon
func (g *Guard) Stale(ts time.Time) bool {
	return g.beforeHorizon(ts)
}

// Release removes an admission whose downstream write failed, so that a
// redelivery can be admitted again
func (g *Guard) Release(key Key) error {
	s := g.shardFor(key)
	s.Lock()
	defer s.Unlock()
	if _, ok := s.keys[key]; !ok {
		return nil
	}
	if g.config.Store != nil {
		storeKey, _, err := encodeEntry(key, 0)
		if err != nil {
			return err
		}
		if err := g.config.Store.Delete(storeKey); err != nil {
			return fmt.Errorf("release replay key: %w", err)
		}
	}
	delete(s.keys, key)
	g.metrics.keys.Dec()
	return nil
}

// Evict drops keys whose timestamp is older than now minus the retention
// period and raises the horizon so the dropped identities are answered with
// Stale instead of being admitted again. It returns the number of keys
// dropped
func (g *Guard) Evict(now time.Time) (int, error) {
	cutoff := now.Add(-g.config.Retention).Unix()
	g.horizon.Lock()
	if cutoff <= g.horizon.ts {
		g.horizon.Unlock()
		return 0, nil
	}
	// The horizon is raised before keys are dropped
	g.horizon.ts = cutoff
	g.horizon.Unlock()
	if g.config.Store != nil {
		val, err := cbor.Marshal(cutoff)
		if err != nil {
			return 0, err
		}
		if err := g.config.Store.Set(horizonKey, val); err != nil {
			return 0, fmt.Errorf("persist replay horizon: %w", err)
		}
	}
	evicted := 0
	var errs error
	for _, s := range g.shards {
		var storeKeys [][]byte
		s.Lock()
		for key, ts := range s.keys {
			if ts >= cutoff {
				continue
			}
			delete(s.keys, key)
			evicted++
			if g.config.Store != nil {
				storeKey, _, err := encodeEntry(key, 0)
				if err != nil {
					errs = errors.Join(errs, err)
					continue
				}
				storeKeys = append(storeKeys, storeKey)
			}
		}
		s.Unlock()
		if len(storeKeys) > 0 {
			errs = errors.Join(errs, g.config.Store.Delete(storeKeys...))
		}
	}
	g.metrics.keys.Sub(float64(evicted))
	g.metrics.evicted.Add(float64(evicted))
	if evicted > 0 {
		g.logger.Debug(
			fmt.Sprintf("evicted %d replay keys older than %d", evicted, cutoff),
			"component", "replay",
		)
	}
	return evicted, errs
}

// Load restores admitted keys and the horizon from the store
func (g *Guard) Load() error {
	if g.config.Store == nil {
		return nil
	}
	val, err := g.config.Store.Get(horizonKey)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("load replay horizon: %w", err)
	}
	if err == nil {
		var horizon int64
		if err := cbor.Unmarshal(val, &horizon); err != nil {
			return fmt.Errorf("decode replay horizon: %w", err)
		}
		g.horizon.Lock()
		g.horizon.ts = max(g.horizon.ts, horizon)
		g.horizon.Unlock()
	}
	loaded := 0
	err = g.config.Store.Iterate(keyPrefix, func(storeKey, val []byte) error {
		key, ts, err := decodeEntry(storeKey, val)
		if err != nil {
			return err
		}
		s := g.shardFor(key)
		s.Lock()
		if _, ok := s.keys[key]; !ok {
			s.keys[key] = ts
			loaded++
		}
		s.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("load replay keys: %w", err)
	}
	g.metrics.keys.Add(float64(loaded))
	g.logger.Debug(
		fmt.Sprintf("loaded %d replay keys", loaded),
		"component", "replay",
	)
	return nil
}

// Len returns the number of keys held
func (g *Guard) Len() int {
	ret := 0
	for _, s := range g.shards {
		s.Lock()
		ret += len(s.keys)
		s.Unlock()
	}
	return ret
}

func (g *Guard) beforeHorizon(ts time.Time) bool {
	g.horizon.RLock()
	defer g.horizon.RUnlock()
	return ts.Unix() < g.horizon.ts
}

// countDuplicate raises a warning once per window when the duplicate rate
// crosses the alert threshold. Duplicates below it are expected relay noise
func (g *Guard) countDuplicate() {
	g.metrics.duplicates.Inc()
	now := g.config.NowFunc()
	g.alarm.Lock()
	defer g.alarm.Unlock()
	if now.Sub(g.alarm.windowStart) >= duplicateAlertWindow {
		g.alarm.windowStart = now
		g.alarm.count = 0
		g.alarm.alerted = false
	}
	g.alarm.count++
	if g.alarm.count > g.config.DuplicateAlertThreshold && !g.alarm.alerted {
		g.alarm.alerted = true
		g.logger.Warn(
			fmt.Sprintf(
				"replay rate exceeded threshold: %d duplicates within %s",
				g.alarm.count,
				duplicateAlertWindow,
			),
			"component", "replay",
		)
	}
}

func encodeEntry(key Key, ts int64) ([]byte, []byte, error) {
	encKey, err := cbor.Marshal([]string{key.Actor, key.CampaignID, key.Nonce})
	if err != nil {
		return nil, nil, err
	}
	val, err := cbor.Marshal(ts)
	if err != nil {
		return nil, nil, err
	}
	storeKey := make([]byte, 0, len(keyPrefix)+len(encKey))
	storeKey = append(storeKey, keyPrefix...)
	storeKey = append(storeKey, encKey...)
	return storeKey, val, nil
}

func decodeEntry(storeKey []byte, val []byte) (Key, int64, error) {
	var parts []string
	if err := cbor.Unmarshal(storeKey[len(keyPrefix):], &parts); err != nil {
		return Key{}, 0, fmt.Errorf("decode replay key: %w", err)
	}
	if len(parts) != 3 {
		return Key{}, 0, fmt.Errorf("decode replay key: %d parts", len(parts))
	}
	var ts int64
	if err := cbor.Unmarshal(val, &ts); err != nil {
		return Key{}, 0, fmt.Errorf("decode replay timestamp: %w", err)
	}
	return Key{Actor: parts[0], CampaignID: parts[1], Nonce: parts[2]}, ts, nil
}
