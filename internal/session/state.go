package session

import (
	"encoding/json"

	"github.com/thinkalike/console/internal/channel"
)

// State is the single source of truth for identity, token, and room
// membership, shared by both transports. The Coordinator is its only
// writer; everything else sees copies. It lives for the process lifetime,
// with no persistence and no reset short of restart.
type State struct {
	PlayerID string
	Username string
	Balance  json.Number

	// AuthToken is issued by the REST join and replayed verbatim on the
	// channel's join_room. At most one is held at a time; a re-join
	// replaces it for display purposes without revoking the old one
	// server-side.
	AuthToken string

	// RoomID is the currently associated room, set by REST joins and
	// cleared when the backend removes us. It must be usable as the
	// channel join_room argument without transformation.
	RoomID string

	ChannelStatus channel.Status

	// LastResult is the most recent REST outcome, retained only for
	// display (`p me`).
	LastResult string

	// Round-local fields, driven by inbound channel events.
	RoundKey      string
	RoundPhase    string
	Adjective     string
	Nouns         []string
	Choice        int // -1 when no choice is held
	Nonce         string
	NextRoundInfo json.RawMessage
}

func newState() State {
	return State{
		ChannelStatus: channel.Disconnected,
		Choice:        -1,
	}
}

// display is the `p me` rendering of the state.
func (s State) display() map[string]any {
	return map[string]any{
		"player_id":      s.PlayerID,
		"username":       s.Username,
		"balance":        s.Balance,
		"auth_token":     s.AuthToken,
		"room_id":        s.RoomID,
		"channel_status": s.ChannelStatus,
		"round_key":      s.RoundKey,
		"round_phase":    s.RoundPhase,
		"last_result":    s.LastResult,
	}
}
