package main

import (
	"time"

	"panelfan/internal/fan"
)

// StateSnapshot is a copy of the daemon-owned state handed to other
// goroutines (IPC, WS, MQTT). It never aliases controller internals.
type StateSnapshot struct {
	Powered    bool           `json:"powered"`
	Speed      int            `json:"speed"`
	Phase      string         `json:"phase"`
	QueueDepth int            `json:"queue_depth"`
	Current    *OperationInfo `json:"current,omitempty"`
	Traits     fan.Traits     `json:"traits"`
	At         time.Time      `json:"at"`
}

// OperationInfo describes one operation on the wire.
type OperationInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Target int    `json:"target,omitempty"`
}

func operationInfo(op fan.Operation) OperationInfo {
	info := OperationInfo{ID: op.ID.String(), Kind: op.Kind.String()}
	if op.Kind == fan.OpSpeed {
		info.Target = int(op.Target)
	}
	return info
}

func snapshotOf(ctrl *fan.Controller, now time.Time) StateSnapshot {
	st := ctrl.State()
	seq := ctrl.SequencerState()
	snap := StateSnapshot{
		Powered:    st.Powered,
		Speed:      int(st.Speed),
		Phase:      seq.Phase.String(),
		QueueDepth: ctrl.QueueLen(),
		Traits:     ctrl.Traits(),
		At:         now,
	}
	if seq.Current != nil {
		info := operationInfo(*seq.Current)
		snap.Current = &info
	}
	return snap
}

// ============================================================================
// Broadcasts - state pushed to WS clients and MQTT
// ============================================================================

// StateBroadcast is a marker interface for daemon-emitted notifications.
type StateBroadcast interface {
	broadcastMarker()
}

type BroadcastStateChanged struct {
	Powered bool
	Speed   int
	At      time.Time
}

type BroadcastOperationStarted struct {
	Op OperationInfo
	At time.Time
}

type BroadcastOperationCompleted struct {
	Op       OperationInfo
	Result   string
	Attempts int
	Duration time.Duration
	At       time.Time
}

func (BroadcastStateChanged) broadcastMarker()       {}
func (BroadcastOperationStarted) broadcastMarker()   {}
func (BroadcastOperationCompleted) broadcastMarker() {}
