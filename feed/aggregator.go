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

// Package feed maintains per-campaign counters and serves the New, Hot and
// Trending rankings from them.
package feed

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PerceptLabs/mvmnt/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultHotWindow      = 24 * time.Hour
	DefaultTrendingWindow = 7 * 24 * time.Hour
	DefaultHalfLife       = 24 * time.Hour
)

type Tab string

const (
	TabNew      Tab = "new"
	TabHot      Tab = "hot"
	TabTrending Tab = "trending"
)

// ParseTab parses a ranking tab name, defaulting to New for an empty string
func ParseTab(val string) (Tab, error) {
	switch tab := Tab(strings.ToLower(val)); tab {
	case "":
		return TabNew, nil
	case TabNew, TabHot, TabTrending:
		return tab, nil
	default:
		return "", fmt.Errorf("unknown ranking tab %q", val)
	}
}

// Metrics is the derived activity of one campaign at a point in time
type Metrics struct {
	CampaignID   string
	Total        int64
	Hot          int64
	Trending     float64
	Shares       int64
	Reactions    int64
	Comments     int64
	LastActionAt time.Time
}

// Ranked is one entry of a ranking
type Ranked struct {
	CampaignID string
	CreatedAt  time.Time
	Metrics    Metrics
}

type AggregatorConfig struct {
	Logger         *slog.Logger
	PromRegistry   prometheus.Registerer
	HotWindow      time.Duration
	TrendingWindow time.Duration
	HalfLife       time.Duration
}

type campaignState struct {
	known     bool
	createdAt int64
	total     int64
	// recent holds attestation timestamps inside the trending window, in
	// ascending order
	recent    []int64
	last      int64
	hasLast   bool
	shares    int64
	reactions int64
	comments  int64
}

// Aggregator folds accepted attestations and signals into counters. Every
// update is commutative, so the same set of inputs produces the same state
// in any arrival order
type Aggregator struct {
	config    AggregatorConfig
	logger    *slog.Logger
	mu        sync.RWMutex
	campaigns map[string]*campaignState
	metrics   struct {
		campaigns    prometheus.Gauge
		attestations prometheus.Counter
		signals      *prometheus.CounterVec
	}
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.HotWindow <= 0 {
		cfg.HotWindow = DefaultHotWindow
	}
	if cfg.TrendingWindow <= 0 {
		cfg.TrendingWindow = DefaultTrendingWindow
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	a := &Aggregator{
		config:    cfg,
		campaigns: make(map[string]*campaignState),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		a.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		a.logger = cfg.Logger
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	a.metrics.campaigns = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "mvmnt_feed_campaigns",
		Help: "campaigns tracked by the aggregator",
	})
	a.metrics.attestations = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "mvmnt_feed_attestations_total",
		Help: "attestations folded into campaign metrics",
	})
	a.metrics.signals = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvmnt_feed_signals_total",
			Help: "social signals folded into campaign metrics",
		},
		[]string{"type"},
	)
	return a
}

func (a *Aggregator) state(id string) *campaignState {
	s, ok := a.campaigns[id]
	if !ok {
		s = &campaignState{}
		a.campaigns[id] = s
	}
	return s
}

// AddCampaign makes a campaign rankable. Calling it again replaces the
// creation time, which happens when an earlier claim for the id wins
func (a *Aggregator) AddCampaign(id string, createdAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(id)
	if !s.known {
		a.metrics.campaigns.Inc()
	}
	s.known = true
	s.createdAt = createdAt.Unix()
}

// AddAttestation counts one accepted attestation. Attestations may arrive
// before their campaign
func (a *Aggregator) AddAttestation(campaignID string, ts time.Time) {
	unix := ts.Unix()
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(campaignID)
	s.total++
	idx, _ := slices.BinarySearch(s.recent, unix)
	s.recent = slices.Insert(s.recent, idx, unix)
	if !s.hasLast || unix > s.last {
		s.last = unix
		s.hasLast = true
	}
	a.metrics.attestations.Inc()
}

// AddSignal counts one social signal
func (a *Aggregator) AddSignal(campaignID string, signalType schema.SignalType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(campaignID)
	switch signalType {
	case schema.SignalShare:
		s.shares++
	case schema.SignalReaction:
		s.reactions++
	case schema.SignalComment:
		s.comments++
	default:
		return
	}
	a.metrics.signals.WithLabelValues(string(signalType)).Inc()
}

// Metrics returns the metrics for a campaign as of now
func (a *Aggregator) Metrics(id string, now time.Time) (Metrics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.campaigns[id]
	if !ok {
		return Metrics{CampaignID: id}, false
	}
	return a.metricsLocked(id, s, now), true
}

func (a *Aggregator) metricsLocked(
	id string,
	s *campaignState,
	now time.Time,
) Metrics {
	ret := Metrics{
		CampaignID: id,
		Total:      s.total,
		Shares:     s.shares,
		Reactions:  s.reactions,
		Comments:   s.comments,
	}
	if s.hasLast {
		ret.LastActionAt = time.Unix(s.last, 0).UTC()
	}
	nowUnix := now.Unix()
	ret.Hot = countInWindow(s.recent, nowUnix, int64(a.config.HotWindow/time.Second))
	ret.Trending = a.trendingScore(s.recent, nowUnix)
	return ret
}

// countInWindow counts timestamps in (now-window, now]
func countInWindow(sorted []int64, now int64, window int64) int64 {
	lo := sort.Search(len(sorted), func(i int) bool {
		return sorted[i] > now-window
	})
	hi := sort.Search(len(sorted), func(i int) bool {
		return sorted[i] > now
	})
	if hi < lo {
		return 0
	}
	return int64(hi - lo)
}

// trendingScore sums 0.5^(age/halfLife) over timestamps in the trending
// window. The sum runs over ascending timestamps so the floating point result
// does not depend on arrival order
func (a *Aggregator) trendingScore(sorted []int64, now int64) float64 {
	window := int64(a.config.TrendingWindow / time.Second)
	halfLife := a.config.HalfLife.Seconds()
	var ret float64
	for _, ts := range sorted {
		if ts <= now-window {
			continue
		}
		if ts > now {
			break
		}
		age := float64(now - ts)
		ret += math.Pow(0.5, age/halfLife)
	}
	return ret
}

// Rank returns every known campaign ordered for the given tab as of now. The
// result is a snapshot and is safe to use while writers continue
func (a *Aggregator) Rank(tab Tab, now time.Time) []Ranked {
	a.mu.RLock()
	ret := make([]Ranked, 0, len(a.campaigns))
	for id, s := range a.campaigns {
		if !s.known {
			continue
		}
		ret = append(ret, Ranked{
			CampaignID: id,
			CreatedAt:  time.Unix(s.createdAt, 0).UTC(),
			Metrics:    a.metricsLocked(id, s, now),
		})
	}
	a.mu.RUnlock()
	switch tab {
	case TabHot:
		slices.SortFunc(ret, func(x, y Ranked) int {
			if x.Metrics.Hot != y.Metrics.Hot {
				return cmpDesc(x.Metrics.Hot, y.Metrics.Hot)
			}
			return byActivity(x, y)
		})
	case TabTrending:
		slices.SortFunc(ret, func(x, y Ranked) int {
			if x.Metrics.Trending != y.Metrics.Trending {
				return cmpDesc(x.Metrics.Trending, y.Metrics.Trending)
			}
			return byActivity(x, y)
		})
	default:
		slices.SortFunc(ret, func(x, y Ranked) int {
			if !x.CreatedAt.Equal(y.CreatedAt) {
				return y.CreatedAt.Compare(x.CreatedAt)
			}
			return strings.Compare(x.CampaignID, y.CampaignID)
		})
	}
	return ret
}

// byActivity breaks ties by most recent attestation, then id
func byActivity(x, y Ranked) int {
	if !x.Metrics.LastActionAt.Equal(y.Metrics.LastActionAt) {
		return y.Metrics.LastActionAt.Compare(x.Metrics.LastActionAt)
	}
	return strings.Compare(x.CampaignID, y.CampaignID)
}

func cmpDesc[T int64 | float64](x, y T) int {
	if x > y {
		return -1
	}
	if x < y {
		return 1
	}
	return 0
}

// Prune drops per-attestation timestamps that have left the trending window.
// Totals are unaffected
func (a *Aggregator) Prune(now time.Time) int {
	cutoff := now.Add(-a.config.TrendingWindow).Unix()
	a.mu.Lock()
	defer a.mu.Unlock()
	pruned := 0
	for _, s := range a.campaigns {
		idx := sort.Search(len(s.recent), func(i int) bool {
			return s.recent[i] > cutoff
		})
		if idx > 0 {
			pruned += idx
			s.recent = slices.Clone(s.recent[idx:])
		}
	}
	if pruned > 0 {
		a.logger.Debug(
			fmt.Sprintf("pruned %d attestation timestamps", pruned),
			"component", "feed",
		)
	}
	return pruned
}

// Paginate returns the 1-based page of items with count entries per page
func Paginate[T any](items []T, page int, count int) []T {
	if page < 1 || count < 1 {
		return nil
	}
	start := (page - 1) * count
	if start >= len(items) {
		return []T{}
	}
	end := min(start+count, len(items))
	return items[start:end]
}
