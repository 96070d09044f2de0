// Package peer keeps one media connection per remote participant and drives
// its negotiation over the signaling channel.
package peer

import (
	"context"

	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/model"
)

// MessagesLabel is the data channel every pair opens.
const MessagesLabel = "messages"

// Key identifies a connection: one per (local, remote) pair in a call.
type Key struct {
	CallID   string
	LocalID  string
	RemoteID string
}

// Candidate is an ICE candidate in RTCIceCandidateInit form.
type Candidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// Connection is the media transport primitive the pool drives. A new
// Connection already carries one send-receive slot per media kind.
type Connection interface {
	// SetLocalTrack puts t in the outgoing slot for kind. A nil or disabled
	// track sends nothing. Never renegotiates.
	SetLocalTrack(kind model.MediaKind, t media.Track) error
	// CreateOffer creates and applies a local offer and returns its SDP.
	CreateOffer(ctx context.Context, iceRestart bool) (string, error)
	// CreateAnswer creates and applies a local answer to the current remote offer.
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(sdpType, sdp string) error
	AddICECandidate(c Candidate) error
	CreateDataChannel(label string) (DataChannel, error)
	// RequestKeyframe asks the remote side for a fresh video keyframe.
	RequestKeyframe()

	OnICECandidate(fn func(Candidate))
	OnTrack(fn func(events.RemoteTrack))
	OnConnectionStateChange(fn func(model.ConnectionState))
	OnDataChannel(fn func(DataChannel))

	Close() error
}

// DataChannel is a bidirectional message channel of a Connection.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// Factory creates connections.
type Factory interface {
	NewConnection(ctx context.Context, key Key) (Connection, error)
}

// TrackSource supplies the local outgoing tracks attached to new connections.
type TrackSource interface {
	Tracks() []media.Track
}
