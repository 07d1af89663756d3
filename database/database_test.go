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

package database_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/PerceptLabs/mvmnt/database"
	"github.com/PerceptLabs/mvmnt/escrow"
	"github.com/PerceptLabs/mvmnt/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func testCampaign(id string, creator string, createdAt int64) schema.Campaign {
	return schema.Campaign{
		ID:          id,
		EventID:     fmt.Sprintf("evt-%s-%s", creator, id),
		Creator:     creator,
		Title:       "Save the park",
		Description: "Keep the riverside park open",
		Categories:  []schema.Category{"environment"},
		Levels:      []schema.TargetLevel{schema.LevelLocal},
		Status:      schema.StatusActive,
		CreatedAt:   time.Unix(createdAt, 0).UTC(),
		UpdatedAt:   time.Unix(createdAt, 0).UTC(),
	}
}

// TestInMemoryInstancesAreIsolated makes sure that separate in-memory
// databases in one process do not share tables
func TestInMemoryInstancesAreIsolated(t *testing.T) {
	db1 := newTestDatabase(t)
	db2 := newTestDatabase(t)
	_, err := db1.SaveCampaign(testCampaign("save-park", "k1", 1000))
	require.NoError(t, err)
	_, err = db2.GetCampaign("save-park")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCampaignRoundTrip(t *testing.T) {
	db := newTestDatabase(t)
	c := testCampaign("save-park", "k1", 1000)
	c.Media = []string{"https://example.com/park.png"}
	won, err := db.SaveCampaign(c)
	require.NoError(t, err)
	assert.True(t, won)
	got, err := db.GetCampaign("save-park")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	// Saving the same event again is harmless
	won, err = db.SaveCampaign(c)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestCampaignSlugConflict(t *testing.T) {
	early := testCampaign("save-park", "k9", 1000)
	late := testCampaign("save-park", "k1", 2000)
	for _, order := range [][]schema.Campaign{{early, late}, {late, early}} {
		db := newTestDatabase(t)
		for _, c := range order {
			_, err := db.SaveCampaign(c)
			require.NoError(t, err)
		}
		got, err := db.GetCampaign("save-park")
		require.NoError(t, err)
		assert.Equal(t, "k9", got.Creator)
	}

	// Equal creation times fall back to the creator key
	db := newTestDatabase(t)
	won, err := db.SaveCampaign(testCampaign("c1", "kb", 1000))
	require.NoError(t, err)
	assert.True(t, won)
	won, err = db.SaveCampaign(testCampaign("c1", "ka", 1000))
	require.NoError(t, err)
	assert.True(t, won)
	won, err = db.SaveCampaign(testCampaign("c1", "kc", 1000))
	require.NoError(t, err)
	assert.False(t, won)
}

func TestCampaignStatusFromUpdates(t *testing.T) {
	updates := []schema.CampaignUpdate{
		{
			EventID:    "u1",
			CampaignID: "save-park",
			Issuer:     "k1",
			Status:     schema.StatusCompleted,
			UpdatedAt:  time.Unix(3000, 0),
		},
		{
			EventID:    "u2",
			CampaignID: "save-park",
			Issuer:     "k1",
			Status:     schema.StatusArchived,
			UpdatedAt:  time.Unix(2000, 0),
		},
		{
			// Not the creator, never applied
			EventID:    "u3",
			CampaignID: "save-park",
			Issuer:     "k2",
			Status:     schema.StatusArchived,
			UpdatedAt:  time.Unix(9000, 0),
		},
		{
			// No status, only moves the update time
			EventID:    "u4",
			CampaignID: "save-park",
			Issuer:     "k1",
			UpdatedAt:  time.Unix(4000, 0),
		},
	}
	// Updates may arrive before the campaign
	db := newTestDatabase(t)
	for i := len(updates) - 1; i >= 0; i-- {
		inserted, err := db.SaveCampaignUpdate(updates[i])
		require.NoError(t, err)
		assert.True(t, inserted)
	}
	_, err := db.SaveCampaign(testCampaign("save-park", "k1", 1000))
	require.NoError(t, err)
	got, err := db.GetCampaign("save-park")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, got.Status)
	assert.Equal(t, time.Unix(4000, 0).UTC(), got.UpdatedAt)

	inserted, err := db.SaveCampaignUpdate(updates[0])
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestCampaignCreations(t *testing.T) {
	db := newTestDatabase(t)
	for i, ts := range []int64{1000, 5000, 9000} {
		_, err := db.SaveCampaign(testCampaign(fmt.Sprintf("c%d", i), "k1", ts))
		require.NoError(t, err)
	}
	_, err := db.SaveCampaign(testCampaign("other", "k2", 6000))
	require.NoError(t, err)
	got, err := db.CampaignCreations("k1", time.Unix(5000, 0))
	require.NoError(t, err)
	assert.Equal(
		t,
		[]time.Time{time.Unix(5000, 0).UTC(), time.Unix(9000, 0).UTC()},
		got,
	)
}

func TestAttestationIdentity(t *testing.T) {
	db := newTestDatabase(t)
	a := schema.ActionAttestation{
		EventID:    "a1",
		CampaignID: "save-park",
		ParentRef:  "31100:k1:save-park",
		Actor:      "k2",
		Nonce:      "n1",
		Timestamp:  time.Unix(1050, 0).UTC(),
	}
	inserted, err := db.SaveAttestation(a)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same identity with a different timestamp and event id
	replay := a
	replay.EventID = "a2"
	replay.Timestamp = time.Unix(99999, 0).UTC()
	inserted, err = db.SaveAttestation(replay)
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := db.AttestationCount("save-park")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	times, err := db.ActionTimes("k2", "save-park", time.Unix(1000, 0), time.Unix(2000, 0))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{time.Unix(1050, 0).UTC()}, times)

	// Bounds are exclusive
	times, err = db.ActionTimes("k2", "save-park", time.Unix(1050, 0), time.Unix(2000, 0))
	require.NoError(t, err)
	assert.Empty(t, times)

	times, err = db.ActionTimes("k3", "save-park", time.Unix(0, 0), time.Unix(99999, 0))
	require.NoError(t, err)
	assert.Empty(t, times)

	var seen []schema.ActionAttestation
	require.NoError(t, db.EachAttestation(func(a schema.ActionAttestation) error {
		seen = append(seen, a)
		return nil
	}))
	require.Len(t, seen, 1)
	assert.Equal(t, a, seen[0])
}

func TestSocialSignals(t *testing.T) {
	db := newTestDatabase(t)
	sig := schema.SocialSignal{
		EventID:    "s1",
		CampaignID: "save-park",
		Actor:      "k3",
		Type:       schema.SignalShare,
		CreatedAt:  time.Unix(1100, 0).UTC(),
	}
	inserted, err := db.SaveSignal(sig)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = db.SaveSignal(sig)
	require.NoError(t, err)
	assert.False(t, inserted)
	var seen []schema.SocialSignal
	require.NoError(t, db.EachSignal(func(s schema.SocialSignal) error {
		seen = append(seen, s)
		return nil
	}))
	assert.Equal(t, []schema.SocialSignal{sig}, seen)
}

func TestCreateCampaignWithStake(t *testing.T) {
	db := newTestDatabase(t)
	stake := escrow.StakeRecord{
		ID:           "stake-1",
		CampaignID:   "save-park",
		Depositor:    "k1",
		Amount:       1000,
		StakedAt:     time.Unix(0, 0).UTC(),
		RefundableAt: time.Unix(86400, 0).UTC(),
		State:        escrow.StateStaked,
		UpdatedAt:    time.Unix(0, 0).UTC(),
	}
	won, err := db.CreateCampaign(testCampaign("save-park", "k1", 0), &stake)
	require.NoError(t, err)
	assert.True(t, won)
	got, err := db.GetStake("stake-1")
	require.NoError(t, err)
	assert.Equal(t, stake, got)

	// A losing claim writes neither row
	loser := stake
	loser.ID = "stake-2"
	won, err = db.CreateCampaign(testCampaign("save-park", "k2", 50), &loser)
	require.NoError(t, err)
	assert.False(t, won)
	_, err = db.GetStake("stake-2")
	assert.ErrorIs(t, err, database.ErrNotFound)

	// A failed stake insert rolls back the campaign
	won, err = db.CreateCampaign(testCampaign("other", "k1", 10), &stake)
	require.Error(t, err)
	assert.False(t, won)
	_, err = db.GetCampaign("other")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestStakeStore(t *testing.T) {
	db := newTestDatabase(t)
	rec := escrow.StakeRecord{
		ID:           "stake-1",
		CampaignID:   "c1",
		Depositor:    "k1",
		Amount:       1000,
		StakedAt:     time.Unix(0, 0).UTC(),
		RefundableAt: time.Unix(86400, 0).UTC(),
		State:        escrow.StateStaked,
		UpdatedAt:    time.Unix(0, 0).UTC(),
	}
	require.NoError(t, db.SaveStake(rec))
	rec.State = escrow.StateRefunded
	rec.RefundReceipt = "tx-1"
	rec.UpdatedAt = time.Unix(86401, 0).UTC()
	require.NoError(t, db.SaveStake(rec))
	stakes, err := db.StakesByCampaign("c1")
	require.NoError(t, err)
	assert.Equal(t, []escrow.StakeRecord{rec}, stakes)
	all, err := db.Stakes()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.SaveForfeiture(escrow.Forfeiture{
		CampaignID: "c2",
		Reason:     "spam",
		At:         time.Unix(10, 0).UTC(),
	}))
	require.NoError(t, db.SaveForfeiture(escrow.Forfeiture{
		CampaignID: "c2",
		Reason:     "later",
		At:         time.Unix(20, 0).UTC(),
	}))
	forfeitures, err := db.Forfeitures()
	require.NoError(t, err)
	require.Len(t, forfeitures, 1)
	assert.Equal(t, "spam", forfeitures[0].Reason)
}

func TestKVStore(t *testing.T) {
	db := newTestDatabase(t)
	kv := db.KV()
	_, err := kv.Get([]byte("missing"))
	assert.ErrorIs(t, err, database.ErrNotFound)
	require.NoError(t, kv.Set([]byte("p/b"), []byte("2")))
	require.NoError(t, kv.Set([]byte("p/a"), []byte("1")))
	require.NoError(t, kv.Set([]byte("q/a"), []byte("3")))
	val, err := kv.Get([]byte("p/a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	var keys []string
	require.NoError(t, kv.Iterate([]byte("p/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"p/a", "p/b"}, keys)

	require.NoError(t, kv.Delete([]byte("p/a"), []byte("p/b")))
	_, err = kv.Get([]byte("p/a"))
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestPersistentDatabase(t *testing.T) {
	dataDir := t.TempDir()
	db, err := database.New(database.WithDataDir(dataDir))
	require.NoError(t, err)
	_, err = db.SaveCampaign(testCampaign("save-park", "k1", 1000))
	require.NoError(t, err)
	require.NoError(t, db.KV().Set([]byte("key"), []byte("val")))
	require.NoError(t, db.Vacuum())
	require.NoError(t, db.Close())

	db, err = database.New(database.WithDataDir(dataDir))
	require.NoError(t, err)
	defer db.Close()
	got, err := db.GetCampaign("save-park")
	require.NoError(t, err)
	assert.Equal(t, "k1", got.Creator)
	val, err := db.KV().Get([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("val"), val)
}
