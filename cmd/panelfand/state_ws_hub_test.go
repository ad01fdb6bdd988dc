package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests drive the hub directly. Clients are built with a nil
// websocket.Conn; close() tolerates that and no path here writes to it.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func runHub(t *testing.T, hub *Hub) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	stop := runHub(t, hub)
	defer stop()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	msg := []byte(`{"type":"state_changed","data":{"powered":true,"speed":2}}`)

	// Not BroadcastBytes: it may drop under scheduling pressure.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}
	if n := hub.Count(); n != 2 {
		t.Fatalf("Count() = %d, want 2", n)
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	stop := runHub(t, hub)
	defer stop()

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"operation_started","data":{"id":"x","kind":"power"}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	// Drain the pre-filled message, then expect the channel to be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if n := hub.Count(); n != 1 {
		t.Fatalf("Count() = %d, want 1", n)
	}
}

func TestClient_TrySendAfterClose(t *testing.T) {
	c := newTestClient(nil, "c", 1)
	require.True(t, c.trySend([]byte("a")))
	require.False(t, c.trySend([]byte("b")), "buffer full")

	c.close()
	c.close() // idempotent
	assert.False(t, c.trySend([]byte("c")))
}

func TestHub_ClosesClientsOnShutdown(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	stop := runHub(t, hub)

	c := newTestClient(hub, "c", 4)
	registerClient(t, hub, c)
	stop()

	_, ok := <-c.send
	assert.False(t, ok, "send channel should be closed")
	assert.Equal(t, 0, hub.Count())
}

func TestClient_ForwardsInboundIntents(t *testing.T) {
	events := make(chan Event, 4)
	c := newTestClient(nil, "c", 1)
	c.events = events

	c.forward([]byte(`{"type":"set_speed","data":{"speed":3}}`))
	c.forward([]byte(`{"type":"get_state"}`)) // snapshots are answered on connect only
	c.forward([]byte(`not json`))

	require.Len(t, events, 1)
	in, ok := (<-events).(Intent)
	require.True(t, ok)
	assert.Equal(t, "ws", in.Source)
	assert.Equal(t, SetSpeed{Speed: 3}, in.Event)
	assert.Nil(t, in.Done)
}

func TestRunBroadcaster_WritesEnvelopes(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	src := make(chan StateBroadcast, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunBroadcaster(ctx, hub, src, slog.Default())

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src <- BroadcastOperationCompleted{
		Op:       OperationInfo{ID: "op-1", Kind: "speed", Target: 2},
		Result:   "succeeded",
		Attempts: 1,
		Duration: 450 * time.Millisecond,
		At:       at,
	}

	var raw []byte
	select {
	case raw = <-hub.broadcast:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for broadcast")
	}

	var got struct {
		Type string    `json:"type"`
		Ts   time.Time `json:"ts"`
		Data struct {
			ID         string `json:"id"`
			Kind       string `json:"kind"`
			Target     int    `json:"target"`
			Result     string `json:"result"`
			Attempts   int    `json:"attempts"`
			DurationMS int64  `json:"duration_ms"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "operation_completed", got.Type)
	assert.True(t, got.Ts.Equal(at))
	assert.Equal(t, "op-1", got.Data.ID)
	assert.Equal(t, 2, got.Data.Target)
	assert.Equal(t, "succeeded", got.Data.Result)
	assert.Equal(t, 1, got.Data.Attempts)
	assert.EqualValues(t, 450, got.Data.DurationMS)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
