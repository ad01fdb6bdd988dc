package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// ============================================================================
// panelfan-ctl - Command-line IPC Client
// ============================================================================
// Sends one request to panelfand over its Unix socket and prints the state
// the daemon reports back.
//
// Usage:
//   panelfan-ctl on
//   panelfan-ctl off
//   panelfan-ctl toggle
//   panelfan-ctl speed 2
//   panelfan-ctl resync
//   panelfan-ctl state
// ============================================================================

const defaultSocketPath = "/tmp/panelfan.sock"

// envelope mirrors the daemon's event envelope (duplicated for a standalone binary).
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type operationInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Target int    `json:"target,omitempty"`
}

type stateSnapshot struct {
	Powered    bool           `json:"powered"`
	Speed      int            `json:"speed"`
	Phase      string         `json:"phase"`
	QueueDepth int            `json:"queue_depth"`
	Current    *operationInfo `json:"current,omitempty"`
}

type ipcResponse struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	State  *stateSnapshot `json:"state,omitempty"`
}

func main() {
	fs := pflag.NewFlagSet("panelfan-ctl", pflag.ContinueOnError)
	socketPath := fs.StringP("socket", "s", defaultSocketPath, "Unix domain socket path")
	asJSON := fs.Bool("json", false, "Print the raw JSON response")
	timeout := fs.Duration("timeout", 5*time.Second, "Time to wait for the daemon")
	showHelp := fs.BoolP("help", "h", false, "Show this help message")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *showHelp {
		printUsage(fs)
		return
	}

	req, err := buildRequest(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage(fs)
		os.Exit(1)
	}

	resp, raw, err := send(*socketPath, req, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		fmt.Println(string(raw))
	} else if resp.State != nil {
		fmt.Println(formatState(*resp.State))
	}
	if resp.Status != "ok" {
		fmt.Fprintf(os.Stderr, "error: daemon error: %s\n", resp.Error)
		os.Exit(1)
	}
}

// buildRequest turns command-line arguments into an event envelope.
func buildRequest(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing command")
	}

	var env envelope
	switch args[0] {
	case "on":
		env.Type = "turn_on"
	case "off":
		env.Type = "turn_off"
	case "toggle":
		env.Type = "toggle_power"
	case "resync":
		env.Type = "resync"
	case "state", "status":
		env.Type = "get_state"
	case "speed":
		if len(args) < 2 {
			return nil, fmt.Errorf("speed requires a value (0-3)")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n > 3 {
			return nil, fmt.Errorf("invalid speed %q (want 0-3)", args[1])
		}
		env.Type = "set_speed"
		env.Data, _ = json.Marshal(struct {
			Speed int `json:"speed"`
		}{n})
	default:
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
	return json.Marshal(env)
}

func send(socketPath string, req []byte, timeout time.Duration) (ipcResponse, []byte, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return ipcResponse{}, nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := fmt.Fprintf(conn, "%s\n", req); err != nil {
		return ipcResponse{}, nil, fmt.Errorf("send request: %w", err)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(conn).Decode(&raw); err != nil {
		return ipcResponse{}, nil, fmt.Errorf("decode response: %w", err)
	}
	var resp ipcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ipcResponse{}, nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, raw, nil
}

var speedNames = [...]string{"off", "low", "medium", "high"}

func formatState(s stateSnapshot) string {
	power := "off"
	if s.Powered {
		power = "on"
	}
	speed := strconv.Itoa(s.Speed)
	if s.Speed >= 0 && s.Speed < len(speedNames) {
		speed = fmt.Sprintf("%d (%s)", s.Speed, speedNames[s.Speed])
	}
	out := fmt.Sprintf("power: %s\nspeed: %s\nphase: %s\nqueued: %d", power, speed, s.Phase, s.QueueDepth)
	if s.Current != nil {
		out += fmt.Sprintf("\ncurrent: %s %s", s.Current.Kind, s.Current.ID)
		if s.Current.Target > 0 {
			out += fmt.Sprintf(" -> %d", s.Current.Target)
		}
	}
	return out
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `panelfan-ctl - Control the panelfand daemon via IPC

Usage:
  panelfan-ctl [options] <command> [args]

Options:
%s
Commands:
  on                Turn the fan on
  off               Turn the fan off
  toggle            Toggle power
  speed <0-3>       Set speed (0 turns the fan off)
  resync            Re-read the panel LEDs
  state, status     Print the current state

Examples:
  panelfan-ctl speed 3
  panelfan-ctl --socket /run/panelfan.sock state
`, fs.FlagUsages())
}
