// Package media owns the local capture session: the audio and camera tracks,
// device selection and screen-share substitution.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/model"
)

// DeviceKind follows MediaDeviceInfo.kind.
type DeviceKind string

const (
	AudioInput  DeviceKind = "audioinput"
	VideoInput  DeviceKind = "videoinput"
	AudioOutput DeviceKind = "audiooutput"
)

type DeviceInfo struct {
	ID    string     `json:"device_id"`
	Kind  DeviceKind `json:"kind"`
	Label string     `json:"label"`
}

// DeviceList groups devices the way a device picker shows them.
type DeviceList struct {
	AudioInputs  []DeviceInfo `json:"audio_inputs"`
	VideoInputs  []DeviceInfo `json:"video_inputs"`
	AudioOutputs []DeviceInfo `json:"audio_outputs"`
}

// Constraints describe one capture request. Width, Height and FrameRate are
// ideal values the capturer may fall short of.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string

	Width     int
	Height    int
	FrameRate int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() model.MediaKind
	DeviceID() string
	Label() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the hardware. Calling it again is a no-op.
	Stop()
	// Done is closed once the track has ended, by Stop or because the
	// source went away.
	Done() <-chan struct{}
}

// PionTrack is a Track that can be sent over a pion peer connection.
type PionTrack interface {
	Track
	Local() webrtc.TrackLocal
}

// Capturer is the platform capture capability.
type Capturer interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
	GetDisplayMedia(ctx context.Context) (Track, error)
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
}

// TrackSink receives the outgoing track for a kind whenever it changes.
// A nil track, or a disabled one, means nothing should be sent.
type TrackSink interface {
	SetLocalTrack(kind model.MediaKind, t Track) error
}

// Info snapshots t for events and the UI.
func Info(t Track, screen bool) model.TrackInfo {
	return model.TrackInfo{
		ID:       t.ID(),
		Kind:     t.Kind(),
		DeviceID: t.DeviceID(),
		Label:    t.Label(),
		Enabled:  t.Enabled(),
		Screen:   screen,
	}
}

// Group sorts a flat device list by kind.
func Group(devices []DeviceInfo) DeviceList {
	out := DeviceList{
		AudioInputs:  []DeviceInfo{},
		VideoInputs:  []DeviceInfo{},
		AudioOutputs: []DeviceInfo{},
	}
	for _, d := range devices {
		switch d.Kind {
		case AudioInput:
			out.AudioInputs = append(out.AudioInputs, d)
		case VideoInput:
			out.VideoInputs = append(out.VideoInputs, d)
		case AudioOutput:
			out.AudioOutputs = append(out.AudioOutputs, d)
		}
	}
	return out
}
