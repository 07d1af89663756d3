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

package collab_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PerceptLabs/mvmnt/collab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	calls int
	err   error
}

func (f *fakeLookup) Lookup(_ context.Context, postalCode string) ([]collab.Representative, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []collab.Representative{
		{ID: "r1", Name: "Jordan Rivera", Office: "City Council", Level: "local"},
	}, nil
}

type fakeDelivery struct {
	calls   int
	success bool
}

func (f *fakeDelivery) Deliver(_ context.Context, msg collab.Message) (collab.Receipt, error) {
	f.calls++
	return collab.Receipt{Success: f.success, ProviderID: "p-" + msg.Recipient}, nil
}

func TestBreakingLookupPassesThrough(t *testing.T) {
	backend := &fakeLookup{}
	l := collab.NewBreakingLookup(backend, collab.BreakerConfig{})
	reps, err := l.Lookup(context.Background(), "94110")
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, "r1", reps[0].ID)
	assert.Equal(t, "closed", l.State())
}

func TestBreakingLookupOpens(t *testing.T) {
	backend := &fakeLookup{err: errors.New("upstream timeout")}
	l := collab.NewBreakingLookup(backend, collab.BreakerConfig{
		FailureTrip: 2,
		OpenTimeout: time.Hour,
	})
	for range 2 {
		_, err := l.Lookup(context.Background(), "94110")
		require.Error(t, err)
		assert.NotErrorIs(t, err, collab.ErrUnavailable)
	}
	assert.Equal(t, "open", l.State())
	_, err := l.Lookup(context.Background(), "94110")
	require.ErrorIs(t, err, collab.ErrUnavailable)
	assert.Equal(t, 2, backend.calls)
}

func TestBreakingLookupCanceledContext(t *testing.T) {
	backend := &fakeLookup{}
	l := collab.NewBreakingLookup(backend, collab.BreakerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Lookup(ctx, "94110")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, backend.calls)
}

func TestBreakingDelivery(t *testing.T) {
	backend := &fakeDelivery{success: true}
	d := collab.NewBreakingDelivery(backend, collab.BreakerConfig{FailureTrip: 1})
	receipt, err := d.Deliver(context.Background(), collab.Message{Recipient: "r1"})
	require.NoError(t, err)
	assert.Equal(t, collab.Receipt{Success: true, ProviderID: "p-r1"}, receipt)

	// Rejected deliveries count as failures
	backend.success = false
	_, err = d.Deliver(context.Background(), collab.Message{Recipient: "r1"})
	require.Error(t, err)
	_, err = d.Deliver(context.Background(), collab.Message{Recipient: "r1"})
	require.ErrorIs(t, err, collab.ErrUnavailable)
	assert.Equal(t, 2, backend.calls)
}
