package types

import "github.com/DoyleJ11/tabletop-sync/internal/board"

const (
	MsgWelcome = "welcome"
	MsgDelta   = "delta"
	MsgError   = "error"
)

// ServerMessage is one websocket frame on a board channel.
type ServerMessage struct {
	Type         string       `json:"type"` // "welcome" | "delta" | "error"
	ConnectionID string       `json:"connection_id,omitempty"`
	Version      int64        `json:"version,omitempty"`
	Delta        *board.Delta `json:"delta,omitempty"`
	Error        string       `json:"error,omitempty"`
}
