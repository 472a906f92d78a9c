package signaling

import "encoding/json"

// Bye is the sentinel the relay sends when it ends a session.
const Bye = "BYE"

const (
	TypeSdp = "sdp"
	TypeIce = "ice"
)

// Message is one signaling frame exchanged with the relay.
type Message struct {
	Type          string          `json:"type,omitempty"`
	SdpType       string          `json:"sdpType,omitempty"`
	Sdp           string          `json:"sdp,omitempty"`
	Candidate     *string         `json:"candidate,omitempty"`
	SdpMid        *string         `json:"sdpMid,omitempty"`
	SdpMLineIndex *uint16         `json:"sdpMLineIndex,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
}

// HasError reports whether the relay attached an error payload.
func (m Message) HasError() bool {
	return len(m.Error) > 0
}
