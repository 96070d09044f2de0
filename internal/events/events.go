// Package events is the typed notification surface between the call core
// and whatever UI sits on top of it.
package events

import (
	"encoding/json"

	"github.com/pion/rtp"

	"github.com/petervdpas/goopcall/internal/model"
)

// Name identifies an event type on the wire.
type Name string

const (
	NameRemoteStream        Name = "remoteStream"
	NameConnectionState     Name = "connectionState"
	NameCallStateChanged    Name = "callStateChanged"
	NameParticipantsUpdated Name = "participantsUpdated"
	NameAudioStateChanged   Name = "audioStateChanged"
	NameVideoStateChanged   Name = "videoStateChanged"
	NameScreenShareStarted  Name = "screenShareStarted"
	NameScreenShareStopped  Name = "screenShareStopped"
	NameCallEnded           Name = "callEnded"
	NameDataChannelOpen     Name = "dataChannelOpen"
	NameDataChannelMessage  Name = "dataChannelMessage"
	NameParticipantLeft     Name = "participantLeft"
	NameLocalStreamUpdated  Name = "localStreamUpdated"
)

// Event is implemented only by the types in this package.
type Event interface {
	Name() Name
	event()
}

// RemoteTrack is an incoming media track from a peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() model.MediaKind
	ReadRTP() (*rtp.Packet, error)
}

type RemoteStream struct {
	CallID string
	PeerID string
	Track  RemoteTrack
}

func (e RemoteStream) MarshalJSON() ([]byte, error) {
	out := struct {
		CallID   string          `json:"call_id"`
		PeerID   string          `json:"peer_id"`
		TrackID  string          `json:"track_id,omitempty"`
		StreamID string          `json:"stream_id,omitempty"`
		Kind     model.MediaKind `json:"kind,omitempty"`
	}{CallID: e.CallID, PeerID: e.PeerID}
	if e.Track != nil {
		out.TrackID = e.Track.ID()
		out.StreamID = e.Track.StreamID()
		out.Kind = e.Track.Kind()
	}
	return json.Marshal(out)
}

// ConnectionState reports a peer connection transition. Final is set on a
// failure after the automatic ICE restart was already spent.
type ConnectionState struct {
	CallID string                `json:"call_id"`
	PeerID string                `json:"peer_id"`
	State  model.ConnectionState `json:"state"`
	Final  bool                  `json:"final,omitempty"`
}

type CallStateChanged struct {
	CallID   string          `json:"call_id"`
	State    model.CallState `json:"state"`
	Previous model.CallState `json:"previous,omitempty"`
}

type ParticipantsUpdated struct {
	CallID       string   `json:"call_id"`
	Participants []string `json:"participants"`
}

type AudioStateChanged struct {
	Enabled bool `json:"enabled"`
}

type VideoStateChanged struct {
	Enabled bool `json:"enabled"`
}

type ScreenShareStarted struct {
	TrackID string `json:"track_id"`
}

// ScreenShareStopped is emitted for both user and OS initiated stops.
type ScreenShareStopped struct {
	External bool `json:"external,omitempty"`
}

type CallEnded struct {
	CallID          string `json:"call_id"`
	Reason          string `json:"reason"`
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
}

type DataChannelOpen struct {
	CallID string `json:"call_id"`
	PeerID string `json:"peer_id"`
	Label  string `json:"label"`
}

type DataChannelMessage struct {
	CallID  string            `json:"call_id"`
	PeerID  string            `json:"peer_id"`
	Message model.DataMessage `json:"message"`
}

type ParticipantLeft struct {
	CallID string `json:"call_id"`
	PeerID string `json:"peer_id"`
}

type LocalStreamUpdated struct {
	Tracks []model.TrackInfo `json:"tracks"`
}

func (RemoteStream) Name() Name        { return NameRemoteStream }
func (ConnectionState) Name() Name     { return NameConnectionState }
func (CallStateChanged) Name() Name    { return NameCallStateChanged }
func (ParticipantsUpdated) Name() Name { return NameParticipantsUpdated }
func (AudioStateChanged) Name() Name   { return NameAudioStateChanged }
func (VideoStateChanged) Name() Name   { return NameVideoStateChanged }
func (ScreenShareStarted) Name() Name  { return NameScreenShareStarted }
func (ScreenShareStopped) Name() Name  { return NameScreenShareStopped }
func (CallEnded) Name() Name           { return NameCallEnded }
func (DataChannelOpen) Name() Name     { return NameDataChannelOpen }
func (DataChannelMessage) Name() Name  { return NameDataChannelMessage }
func (ParticipantLeft) Name() Name     { return NameParticipantLeft }
func (LocalStreamUpdated) Name() Name  { return NameLocalStreamUpdated }

func (RemoteStream) event()        {}
func (ConnectionState) event()     {}
func (CallStateChanged) event()    {}
func (ParticipantsUpdated) event() {}
func (AudioStateChanged) event()   {}
func (VideoStateChanged) event()   {}
func (ScreenShareStarted) event()  {}
func (ScreenShareStopped) event()  {}
func (CallEnded) event()           {}
func (DataChannelOpen) event()     {}
func (DataChannelMessage) event()  {}
func (ParticipantLeft) event()     {}
func (LocalStreamUpdated) event()  {}

// Encode renders e as {"type": <name>, "data": <payload>} for the UI bridge.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(struct {
		Type Name  `json:"type"`
		Data Event `json:"data"`
	}{Type: e.Name(), Data: e})
}
