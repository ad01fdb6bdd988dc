package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Protocol: line-delimited JSON
//   - Client sends: {"type": "event_name", "data": {...}}
//   - Server responds once the daemon has applied the event:
//       {"status": "ok", "state": {...}} or {"status": "error", "error": "msg"}
// "get_state" answers with the current snapshot and changes nothing.
// ============================================================================

const ipcReplyTimeout = 2 * time.Second

// IPCResponse is sent back to IPC clients.
type IPCResponse struct {
	Status string         `json:"status"`          // "ok" or "error"
	Error  string         `json:"error,omitempty"` // set when status == "error"
	State  *StateSnapshot `json:"state,omitempty"`
}

// runIPCServer serves the Unix socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}
		go handleIPCConnection(ctx, conn, events, logger)
	}
}

func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := serveIPCLine(ctx, []byte(line), events)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
}

// serveIPCLine applies one request and waits for the daemon's answer.
func serveIPCLine(ctx context.Context, line []byte, events chan<- Event) IPCResponse {
	ev, err := UnmarshalEvent(line)
	if err != nil {
		return ipcError(fmt.Errorf("parse event: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, ipcReplyTimeout)
	defer cancel()

	if _, ok := ev.(RequestStateSnapshot); !ok {
		done := make(chan error, 1)
		intent := Intent{Event: ev, Source: "ipc", At: time.Now(), Done: done}
		select {
		case events <- intent:
		default:
			return ipcError(errors.New("event queue full"))
		}
		select {
		case err := <-done:
			if err != nil {
				return ipcError(err)
			}
		case <-ctx.Done():
			return ipcError(fmt.Errorf("waiting for daemon: %w", ctx.Err()))
		}
	}

	snap, err := requestSnapshot(ctx, events)
	if err != nil {
		return ipcError(err)
	}
	return IPCResponse{Status: "ok", State: &snap}
}

// requestSnapshot asks the daemon loop for its state.
func requestSnapshot(ctx context.Context, events chan<- Event) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)
	select {
	case events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("request state: %w", ctx.Err())
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("request state: %w", ctx.Err())
	}
}

func ipcError(err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error()}
}
