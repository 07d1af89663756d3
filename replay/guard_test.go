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

package replay_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PerceptLabs/mvmnt/database"
	"github.com/PerceptLabs/mvmnt/replay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) database.KVStore {
	t.Helper()
	db, err := database.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db.KV()
}

func TestAdmitIdempotent(t *testing.T) {
	g := replay.NewGuard(replay.GuardConfig{Store: newTestStore(t)})
	key := replay.Key{Actor: "k2", CampaignID: "save-park", Nonce: "n1"}
	res, err := g.Admit(key, time.Unix(1050, 0))
	require.NoError(t, err)
	assert.Equal(t, replay.Accepted, res)
	res, err = g.Admit(key, time.Unix(1050, 0))
	require.NoError(t, err)
	assert.Equal(t, replay.Duplicate, res)
	assert.True(t, g.Seen(key))
	assert.Equal(t, 1, g.Len())
}

func TestAdmitReplayWithDifferentTimestamp(t *testing.T) {
	g := replay.NewGuard(replay.GuardConfig{})
	key := replay.Key{Actor: "k2", CampaignID: "save-park", Nonce: "n1"}
	res, err := g.Admit(key, time.Unix(1050, 0))
	require.NoError(t, err)
	require.Equal(t, replay.Accepted, res)
	res, err = g.Admit(key, time.Unix(500000, 0))
	require.NoError(t, err)
	assert.Equal(t, replay.Duplicate, res)

	// A different nonce is a different identity
	other := key
	other.Nonce = "n2"
	res, err = g.Admit(other, time.Unix(1050, 0))
	require.NoError(t, err)
	assert.Equal(t, replay.Accepted, res)
}

func TestAdmitConcurrent(t *testing.T) {
	g := replay.NewGuard(replay.GuardConfig{Store: newTestStore(t)})
	var accepted atomic.Int32
	var duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				key := replay.Key{
					Actor:      "k2",
					CampaignID: "save-park",
					Nonce:      fmt.Sprintf("nonce-%d", n),
				}
				res, err := g.Admit(key, time.Unix(1050, 0))
				if err != nil {
					t.Error(err)
					return
				}
				switch res {
				case replay.Accepted:
					accepted.Add(1)
				case replay.Duplicate:
					duplicates.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), accepted.Load())
	assert.Equal(t, int32(31*20), duplicates.Load())
}

func TestEvictNeverReadmits(t *testing.T) {
	store := newTestStore(t)
	g := replay.NewGuard(replay.GuardConfig{Store: store})
	old := replay.Key{Actor: "k2", CampaignID: "c1", Nonce: "old"}
	fresh := replay.Key{Actor: "k2", CampaignID: "c1", Nonce: "fresh"}
	base := time.Unix(1_000_000, 0)
	_, err := g.Admit(old, base)
	require.NoError(t, err)
	_, err = g.Admit(fresh, base.Add(7*24*time.Hour))
	require.NoError(t, err)

	now := base.Add(replay.DefaultRetention + time.Hour)
	evicted, err := g.Evict(now)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.False(t, g.Seen(old))
	assert.True(t, g.Seen(fresh))

	res, err := g.Admit(old, base)
	require.NoError(t, err)
	assert.Equal(t, replay.Stale, res)
	assert.True(t, g.Stale(base))

	// The horizon survives a restart
	restored := replay.NewGuard(replay.GuardConfig{Store: store})
	require.NoError(t, restored.Load())
	assert.True(t, restored.Seen(fresh))
	assert.False(t, restored.Seen(old))
	res, err = restored.Admit(old, base)
	require.NoError(t, err)
	assert.Equal(t, replay.Stale, res)
	res, err = restored.Admit(fresh, base.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, replay.Duplicate, res)
}

func TestRelease(t *testing.T) {
	store := newTestStore(t)
	g := replay.NewGuard(replay.GuardConfig{Store: store})
	key := replay.Key{Actor: "k2", CampaignID: "c1", Nonce: "n1"}
	_, err := g.Admit(key, time.Unix(1050, 0))
	require.NoError(t, err)
	require.NoError(t, g.Release(key))
	assert.False(t, g.Seen(key))

	restored := replay.NewGuard(replay.GuardConfig{Store: store})
	require.NoError(t, restored.Load())
	assert.False(t, restored.Seen(key))
	res, err := restored.Admit(key, time.Unix(1050, 0))
	require.NoError(t, err)
	assert.Equal(t, replay.Accepted, res)
}

type failingStore struct {
	database.KVStore
}

func (failingStore) Set([]byte, []byte) error {
	return errors.New("disk full")
}

func TestAdmitStoreFailure(t *testing.T) {
	g := replay.NewGuard(replay.GuardConfig{Store: failingStore{}})
	key := replay.Key{Actor: "k2", CampaignID: "c1", Nonce: "n1"}
	_, err := g.Admit(key, time.Unix(1050, 0))
	require.Error(t, err)
	assert.False(t, g.Seen(key))
}

func TestDuplicateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := replay.NewGuard(replay.GuardConfig{
		PromRegistry:            reg,
		DuplicateAlertThreshold: 2,
	})
	key := replay.Key{Actor: "k2", CampaignID: "c1", Nonce: "n1"}
	for i := 0; i < 5; i++ {
		_, err := g.Admit(key, time.Unix(1050, 0))
		require.NoError(t, err)
	}
	count, err := testutil.GatherAndCount(reg, "mvmnt_replay_duplicates_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		switch family.GetName() {
		case "mvmnt_replay_duplicates_total":
			assert.InDelta(t, 4, family.GetMetric()[0].GetCounter().GetValue(), 0)
		case "mvmnt_replay_keys":
			assert.InDelta(t, 1, family.GetMetric()[0].GetGauge().GetValue(), 0)
		}
	}
}
