package model

import "time"

// SDP types carried by SessionDescription.Type.
const (
	SDPOffer  = "offer"
	SDPAnswer = "answer"
)

// SessionDescription is one Offer or Answer leg between two participants.
//
// Session identifies the offering connection that started the negotiation and
// Revision counts offers within it (1, then +1 per ICE restart). An Answer
// echoes the Session and Revision of the Offer it answers, which lets both
// sides ignore artifacts left behind by an earlier call with the same id.
type SessionDescription struct {
	CallID    string    `json:"call_id"`
	Type      string    `json:"type"`
	SDP       string    `json:"sdp"`
	Sender    string    `json:"sender"`
	Target    string    `json:"target"`
	Session   string    `json:"session"`
	Revision  int       `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
}

// ICECandidate is one trickled candidate from Sender to Target.
// Session and Revision name the negotiation the candidate belongs to, which
// is always the offering side's. Field names follow RTCIceCandidateInit.
type ICECandidate struct {
	ID               string    `json:"id"`
	CallID           string    `json:"call_id"`
	Sender           string    `json:"sender"`
	Target           string    `json:"target"`
	Session          string    `json:"session"`
	Revision         int       `json:"revision"`
	Candidate        string    `json:"candidate"`
	SDPMid           *string   `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16   `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string   `json:"usernameFragment,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConnectionState mirrors RTCPeerConnectionState.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)
