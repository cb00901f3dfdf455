// SPDX-License-Identifier: MIT

package ws

import "github.com/openclaw/clawd/internal/game"

// Inbound control message; a small tagged union keyed on Type.
type inboundMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Key   string `json:"key,omitempty"`
}

// Outbound control messages.

type authOK struct {
	Type     string `json:"type"` // "auth_ok"
	State    string `json:"state"`
	Position int    `json:"position"`
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type readyPrompt struct {
	Type           string `json:"type"` // "ready_prompt"
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type controlAck struct {
	Type   string `json:"type"` // "control_ack"
	Key    string `json:"key"`
	Active bool   `json:"active"`
}

type turnEndMessage struct {
	Type      string `json:"type"` // "turn_end"
	Result    string `json:"result"`
	TriesUsed int    `json:"tries_used"`
}

type stateUpdate struct {
	Type string `json:"type"` // "state_update"
	game.Snapshot
}

type pingMessage struct {
	Type string `json:"type"` // "ping" | "latency_pong"
}

// Outbound status fan-out messages.

type statusStateUpdate struct {
	Type string `json:"type"` // "state_update"
	game.Snapshot
}

type statusQueueUpdate struct {
	Type          string `json:"type"` // "queue_update"
	QueueLength   int    `json:"queue_length"`
	CurrentPlayer string `json:"current_player,omitempty"`
	CurrentState  string `json:"current_player_state,omitempty"`
}

type statusTurnEnd struct {
	Type      string `json:"type"` // "turn_end"
	Player    string `json:"player,omitempty"`
	Result    string `json:"result"`
	TriesUsed int    `json:"tries_used"`
}
