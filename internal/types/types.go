package types

import "github.com/fritz-net/AoE2-Civbuilder/internal/engine"

// ClientMessage is the closed set of inbound realtime events. Event names
// match the draft page client (readyPlayer, endTurn, ...).
type ClientMessage struct {
	Type     string `json:"type"` // readyPlayer | pick | endTurn | allocateTree | setName | abort
	OptionID int    `json:"option_id,omitempty"`
	NodeIDs  []int  `json:"node_ids,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ServerMessage is the single outbound kind: a full state snapshot, or an
// error addressed to the sender of a rejected action.
type ServerMessage struct {
	Type    string        `json:"type"` // "StateSnapshot" | "Error"
	Version int           `json:"version,omitempty"`
	State   *engine.State `json:"state,omitempty"`
	Code    string        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
}
