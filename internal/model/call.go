// Package model holds the records that travel through the document store:
// call sessions and the per-pair negotiation artifacts.
package model

import (
	"slices"
	"time"
)

// CallState is the lifecycle state of a call record.
// Values are persisted, keep them stable.
type CallState string

const (
	CallStateInitiating CallState = "initiating"
	CallStateRinging    CallState = "ringing"
	CallStateActive     CallState = "active"
	CallStateEnded      CallState = "ended"
	CallStateFailed     CallState = "failed"
	CallStateDeclined   CallState = "declined"
)

// Terminal reports whether no further participant mutation may happen.
func (s CallState) Terminal() bool {
	switch s {
	case CallStateEnded, CallStateFailed, CallStateDeclined:
		return true
	}
	return false
}

// MediaKind is the kind of a call or of a single track.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// End reasons written to CallRecord.EndReason.
const (
	EndReasonHangup   = "hangup"
	EndReasonTimeout  = "timeout"
	EndReasonDeclined = "declined"
	EndReasonFailed   = "failed"
)

// CallRecord is the shared source of truth for who is in a call.
type CallRecord struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	InitiatorID     string     `json:"initiator_id"`
	Participants    []string   `json:"participants"`
	Invited         []string   `json:"invited,omitempty"`
	Declined        []string   `json:"declined,omitempty"`
	State           CallState  `json:"state"`
	MediaKind       MediaKind  `json:"media_kind"`
	CreatedAt       time.Time  `json:"created_at"`
	ActiveAt        *time.Time `json:"active_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`

	// Version is the store revision the record was read at.
	Version int64 `json:"-"`
}

// HasParticipant reports whether userID is currently in the call.
func (r *CallRecord) HasParticipant(userID string) bool {
	return slices.Contains(r.Participants, userID)
}

// Video reports whether the call was started as a video call.
func (r *CallRecord) Video() bool {
	return r.MediaKind == MediaVideo
}

// Clone returns a deep copy safe to mutate.
func (r *CallRecord) Clone() *CallRecord {
	c := *r
	c.Participants = slices.Clone(r.Participants)
	c.Invited = slices.Clone(r.Invited)
	c.Declined = slices.Clone(r.Declined)
	if r.ActiveAt != nil {
		t := *r.ActiveAt
		c.ActiveAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		c.DurationSeconds = &d
	}
	return &c
}
