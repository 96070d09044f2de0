package model

import "time"

// DataMessage is an application message exchanged over the "messages" data
// channel between participants.
type DataMessage struct {
	From    string    `msgpack:"from" json:"from"`
	Kind    string    `msgpack:"kind" json:"kind"`
	Text    string    `msgpack:"text,omitempty" json:"text,omitempty"`
	Payload []byte    `msgpack:"payload,omitempty" json:"payload,omitempty"`
	SentAt  time.Time `msgpack:"sent_at" json:"sent_at"`
}

// TrackInfo describes one local outgoing track.
type TrackInfo struct {
	ID       string    `json:"id"`
	Kind     MediaKind `json:"kind"`
	DeviceID string    `json:"device_id,omitempty"`
	Label    string    `json:"label,omitempty"`
	Enabled  bool      `json:"enabled"`
	Screen   bool      `json:"screen,omitempty"`
}
