package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelfan/internal/fan"
	"panelfan/internal/panelsim"
)

func TestServeIPCLine_AppliesAndReturnsState(t *testing.T) {
	td := startTestDaemon(t, panelsim.Options{Speed: fan.SpeedMedium}, 16)
	ctx := context.Background()

	resp := serveIPCLine(ctx, []byte(`{"type":"turn_on"}`), td.events)
	require.Equal(t, "ok", resp.Status, resp.Error)
	require.NotNil(t, resp.State)
	assert.True(t, resp.State.Powered)
	assert.Equal(t, 0, resp.State.Speed, "power has no feedback check")

	td.waitIdle(t)
	assert.Equal(t, fan.State{Powered: true, Speed: fan.SpeedMedium}, td.panel.State())

	// The panel restored its remembered speed; resync picks it up.
	resp = serveIPCLine(ctx, []byte(`{"type":"resync"}`), td.events)
	require.Equal(t, "ok", resp.Status, resp.Error)
	assert.Equal(t, 2, resp.State.Speed)
}

func TestServeIPCLine_GetStateChangesNothing(t *testing.T) {
	td := startTestDaemon(t, panelsim.Options{Powered: true, Speed: fan.SpeedHigh}, 16)

	resp := serveIPCLine(context.Background(), []byte(`{"type":"get_state"}`), td.events)
	require.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.State.Speed)
	assert.Equal(t, "idle", resp.State.Phase)
	assert.Zero(t, resp.State.QueueDepth)
	assert.Nil(t, resp.State.Current)
	assert.Zero(t, td.panel.Presses("power")+td.panel.Presses("speed"))
}

func TestServeIPCLine_Errors(t *testing.T) {
	td := startTestDaemon(t, panelsim.Options{Powered: true}, 16)

	resp := serveIPCLine(context.Background(), []byte(`{"type":"explode"}`), td.events)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "parse event")

	resp = serveIPCLine(context.Background(), []byte(`{"type":"set_speed","data":{"speed":5}}`), td.events)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, fan.ErrInvalidSpeed.Error())
	assert.Nil(t, resp.State)
}

func TestServeIPCLine_DaemonNotRunning(t *testing.T) {
	events := make(chan Event, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp := serveIPCLine(ctx, []byte(`{"type":"turn_off"}`), events)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "waiting for daemon")
}

func TestIPCServer_UnixSocket(t *testing.T) {
	td := startTestDaemon(t, panelsim.Options{Powered: true, Speed: fan.SpeedLow}, 16)
	socket := filepath.Join(t.TempDir(), "pf.sock")

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() { serverDone <- runIPCServer(ctx, socket, td.events, slog.Default()) }()

	var conn net.Conn
	waitUntil(t, time.Second, func() bool {
		c, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, "IPC socket not listening")
	defer conn.Close()

	reader := bufio.NewReader(conn)
	roundTrip := func(line string) IPCResponse {
		t.Helper()
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		raw, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var resp IPCResponse
		require.NoError(t, json.Unmarshal(raw, &resp))
		return resp
	}

	resp := roundTrip(`{"type":"set_fan","data":{"speed":2}}`)
	require.Equal(t, "ok", resp.Status, resp.Error)
	assert.Equal(t, 2, resp.State.Speed)

	resp = roundTrip(`{"type":"nope"}`)
	assert.Equal(t, "error", resp.Status)

	td.waitIdle(t)
	assert.Equal(t, fan.SpeedMedium, td.panel.State().Speed)

	cancel()
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("IPC server did not stop")
	}
}
