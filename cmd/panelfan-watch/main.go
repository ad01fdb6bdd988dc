package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

// panelfan-watch follows panelfand's state WebSocket and prints every
// message as a one-line summary.

type message struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type stateData struct {
	Powered bool `json:"powered"`
	Speed   int  `json:"speed"`
}

type operationData struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Target     int    `json:"target"`
	Result     string `json:"result"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
}

func main() {
	var (
		wsURL   = pflag.String("ws", "ws://127.0.0.1:3002/ws/state", "panelfand state websocket URL")
		rawMode = pflag.Bool("raw", false, "Print messages as received")
		command = pflag.String("send", "", "Send one event type (e.g. 'toggle_power') after connecting")
	)
	pflag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	// The server pings every 20s; answer pongs keep the read deadline fresh.
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	if *command != "" {
		payload, _ := json.Marshal(struct {
			Type string `json:"type"`
		}{*command})
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, payload)
		writeMu.Unlock()
		if err != nil {
			log.Fatalf("failed to send %q: %v", *command, err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(msg))
				continue
			}
			if *rawMode {
				fmt.Println(string(msg))
				continue
			}
			fmt.Println(summarize(msg))
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// summarize renders one state message; unknown messages are printed as-is.
func summarize(raw []byte) string {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return "[TEXT] " + string(raw)
	}
	ts := m.Ts.Local().Format("15:04:05.000")

	switch m.Type {
	case "state_init", "state_changed":
		var s stateData
		if err := json.Unmarshal(m.Data, &s); err != nil {
			break
		}
		power := "OFF"
		if s.Powered {
			power = "ON"
		}
		return fmt.Sprintf("%s [STATE] power=%s speed=%d", ts, power, s.Speed)

	case "operation_started":
		var op operationData
		if err := json.Unmarshal(m.Data, &op); err != nil {
			break
		}
		return fmt.Sprintf("%s [START] %s%s id=%s", ts, op.Kind, target(op), op.ID)

	case "operation_completed":
		var op operationData
		if err := json.Unmarshal(m.Data, &op); err != nil {
			break
		}
		return fmt.Sprintf("%s [DONE]  %s%s %s attempts=%d in %dms id=%s",
			ts, op.Kind, target(op), op.Result, op.Attempts, op.DurationMS, op.ID)
	}
	return fmt.Sprintf("%s [%s] %s", ts, m.Type, string(m.Data))
}

func target(op operationData) string {
	if op.Kind != "speed" {
		return ""
	}
	return fmt.Sprintf("->%d", op.Target)
}
