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

package event_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PerceptLabs/mvmnt/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestEventBusSingleSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := event.NewEventBus(nil, nil)
	defer eb.Stop()
	_, subCh := eb.Subscribe(event.CampaignAcceptedEventType)
	data := event.CampaignAcceptedEvent{CampaignID: "save-park", Creator: "k1"}
	eb.Publish(
		event.CampaignAcceptedEventType,
		event.NewEvent(event.CampaignAcceptedEventType, data),
	)
	select {
	case evt, ok := <-subCh:
		require.True(t, ok, "event channel closed unexpectedly")
		got, ok := evt.Data.(event.CampaignAcceptedEvent)
		require.True(t, ok, "unexpected event data type %T", evt.Data)
		assert.Equal(t, data, got)
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := event.NewEventBus(nil, nil)
	defer eb.Stop()
	_, sub1Ch := eb.Subscribe(event.AttestationAcceptedEventType)
	_, sub2Ch := eb.Subscribe(event.AttestationAcceptedEventType)
	_, otherCh := eb.Subscribe(event.SignalAcceptedEventType)
	eb.Publish(
		event.AttestationAcceptedEventType,
		event.NewEvent(event.AttestationAcceptedEventType, event.AttestationAcceptedEvent{}),
	)
	for _, ch := range []<-chan event.Event{sub1Ch, sub2Ch} {
		select {
		case evt := <-ch:
			assert.Equal(t, event.AttestationAcceptedEventType, evt.Type)
		case <-time.After(1 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	select {
	case <-otherCh:
		t.Fatal("received event of another type")
	default:
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := event.NewEventBus(nil, nil)
	defer eb.Stop()
	subId, subCh := eb.Subscribe(event.SignalAcceptedEventType)
	eb.Unsubscribe(event.SignalAcceptedEventType, subId)
	eb.Publish(
		event.SignalAcceptedEventType,
		event.NewEvent(event.SignalAcceptedEventType, event.SignalAcceptedEvent{}),
	)
	_, ok := <-subCh
	assert.False(t, ok, "subscriber channel was not closed after Unsubscribe")
}

func TestEventBusSubscribeFunc(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := event.NewEventBus(nil, nil)
	var count atomic.Int32
	eb.SubscribeFunc(event.StakeTransitionEventType, func(event.Event) {
		count.Add(1)
	})
	for range 5 {
		require.True(t, eb.PublishAsync(
			event.StakeTransitionEventType,
			event.NewEvent(event.StakeTransitionEventType, event.StakeTransitionEvent{}),
		))
	}
	require.Eventually(t, func() bool {
		return count.Load() == 5
	}, 2*time.Second, 10*time.Millisecond)
	eb.Stop()
	assert.False(t, eb.PublishAsync(event.StakeTransitionEventType, event.Event{}))
}

type failingSubscriber struct {
	closed atomic.Bool
	panics bool
}

func (f *failingSubscriber) Deliver(event.Event) error {
	if f.panics {
		panic("boom")
	}
	return errors.New("connection reset")
}

func (f *failingSubscriber) Close() {
	f.closed.Store(true)
}

func TestEventBusFailingSubscriberRemoved(t *testing.T) {
	reg := prometheus.NewRegistry()
	eb := event.NewEventBus(reg, nil)
	defer eb.Stop()
	failing := &failingSubscriber{}
	panicking := &failingSubscriber{panics: true}
	eb.RegisterSubscriber(event.EventRejectedEventType, failing)
	eb.RegisterSubscriber(event.EventRejectedEventType, panicking)
	_, okCh := eb.Subscribe(event.EventRejectedEventType)
	eb.Publish(
		event.EventRejectedEventType,
		event.NewEvent(event.EventRejectedEventType, event.EventRejectedEvent{Outcome: "malformed"}),
	)
	<-okCh
	assert.True(t, failing.closed.Load())
	assert.True(t, panicking.closed.Load())
	families, err := reg.Gather()
	require.NoError(t, err)
	var subscribers, errs float64
	for _, family := range families {
		for _, m := range family.GetMetric() {
			switch family.GetName() {
			case "mvmnt_event_subscribers":
				subscribers += m.GetGauge().GetValue()
			case "mvmnt_event_delivery_errors_total":
				errs += m.GetCounter().GetValue()
			}
		}
	}
	assert.InDelta(t, 1, subscribers, 0)
	assert.InDelta(t, 2, errs, 0)
	count, err := testutil.GatherAndCount(reg, "mvmnt_event_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
