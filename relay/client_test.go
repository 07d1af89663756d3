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

package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PerceptLabs/mvmnt/relay"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const testEvent = `{"id":"e1","pubkey":"k1","created_at":1000,"kind":31100,"tags":[["d","save-park"]],"content":"","sig":"00"}`

type fakeRelay struct {
	server      *httptest.Server
	connections atomic.Int32
	mu          sync.Mutex
	requests    [][]jsoniter.RawMessage
	// script is sent after each REQ. Returning from the handler drops the
	// connection
	script   []string
	hangOpen bool
}

// newFakeRelay starts a relay server. Callers close it before checking for
// leaked goroutines
func newFakeRelay(script []string, hangOpen bool) *fakeRelay {
	r := &fakeRelay{script: script, hangOpen: hangOpen}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		r.connections.Add(1)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg []jsoniter.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		r.mu.Lock()
		r.requests = append(r.requests, msg)
		r.mu.Unlock()
		for _, out := range r.script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(out)); err != nil {
				return
			}
		}
		if !r.hangOpen {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

type collector struct {
	mu     sync.Mutex
	events []string
}

func (c *collector) handle(_ string, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, string(raw))
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestClientReceivesEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	fr := newFakeRelay([]string{
		`["EVENT","mvmnt",` + testEvent + `]`,
		`["EVENT","someone-else",` + testEvent + `]`,
		`["EOSE","mvmnt"]`,
		`["NOTICE","slow down"]`,
		`not json`,
	}, true)
	defer fr.server.Close()
	col := &collector{}
	client, err := relay.NewClient(relay.ClientConfig{
		URL:     fr.url(),
		Handler: col.handle,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return col.count() == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.JSONEq(t, testEvent, col.events[0])

	fr.mu.Lock()
	defer fr.mu.Unlock()
	require.Len(t, fr.requests, 1)
	var label, subId string
	require.NoError(t, json.Unmarshal(fr.requests[0][0], &label))
	require.NoError(t, json.Unmarshal(fr.requests[0][1], &subId))
	assert.Equal(t, "REQ", label)
	assert.Equal(t, relay.DefaultSubscriptionID, subId)
	var filter relay.Filter
	require.NoError(t, json.Unmarshal(fr.requests[0][2], &filter))
	assert.Equal(t, relay.DefaultFilter(), filter)
}

func TestClientReconnects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	// The relay drops every connection after one event
	fr := newFakeRelay([]string{
		`["EVENT","mvmnt",` + testEvent + `]`,
	}, false)
	defer fr.server.Close()
	col := &collector{}
	client, err := relay.NewClient(relay.ClientConfig{
		URL:            fr.url(),
		Handler:        col.handle,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- relay.RunAll(ctx, client)
	}()
	require.Eventually(t, func() bool {
		return fr.connections.Load() >= 3 && col.count() >= 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestClientClosedSubscription(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	fr := newFakeRelay([]string{`["CLOSED","mvmnt","auth-required"]`}, true)
	defer fr.server.Close()
	client, err := relay.NewClient(relay.ClientConfig{
		URL:            fr.url(),
		Handler:        func(string, []byte) {},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx)
	}()
	// A closed subscription is retried on a new connection
	require.Eventually(t, func() bool {
		return fr.connections.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewClientValidation(t *testing.T) {
	_, err := relay.NewClient(relay.ClientConfig{Handler: func(string, []byte) {}})
	require.Error(t, err)
	_, err = relay.NewClient(relay.ClientConfig{URL: "ws://localhost"})
	require.Error(t, err)
}
