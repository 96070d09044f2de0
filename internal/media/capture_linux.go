//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/model"
)

// DeviceCapturer captures from local hardware through pion/mediadevices
// (V4L2 cameras, malgo microphones, X11 screens).
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer prepares VP8 and Opus encoders. videoBitrate is in bits
// per second; zero keeps 1.5 Mbps.
func NewDeviceCapturer(videoBitrate int) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000
	if videoBitrate > 0 {
		vpxParams.BitRate = videoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateMediaEngine registers the encoders' codecs so negotiated
// connections can carry the captured tracks.
func (c *DeviceCapturer) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *DeviceCapturer) GetUserMedia(ctx context.Context, cons Constraints) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cons.Audio && !cons.Video {
		return nil, nil
	}

	// GetUserMedia fails as a unit when either kind can't be opened. Fall
	// back to one kind at a time so a busy microphone does not cost the
	// camera and vice versa.
	type attempt struct {
		video, audio bool
		label        string
	}
	attempts := []attempt{{cons.Video, cons.Audio, "requested"}}
	if cons.Video && cons.Audio {
		attempts = append(attempts, attempt{true, false, "video-only"}, attempt{false, true, "audio-only"})
	}

	var (
		out     []Track
		lastErr error
		gotA    bool
		gotV    bool
	)
	for _, a := range attempts {
		if (a.audio && gotA) || (a.video && gotV) {
			continue
		}
		stream, err := mediadevices.GetUserMedia(c.streamConstraints(cons, a.video, a.audio))
		if err != nil {
			log.Warnf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}
		for _, t := range stream.GetTracks() {
			dt := newDeviceTrack(t, cons)
			out = append(out, dt)
			if dt.kind == model.MediaAudio {
				gotA = true
			} else {
				gotV = true
			}
		}
		if gotA == cons.Audio && gotV == cons.Video {
			break
		}
	}
	if len(out) == 0 {
		return nil, classify(lastErr)
	}
	if cons.EchoCancellation || cons.NoiseSuppression || cons.AutoGainControl {
		log.Debugf("MEDIA: voice processing is left to the host audio stack")
	}
	return out, nil
}

func (c *DeviceCapturer) streamConstraints(cons Constraints, video, audio bool) mediadevices.MediaStreamConstraints {
	sc := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if video {
		sc.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node whose
			// malformed frames poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if cons.Width > 0 {
				mc.Width = prop.Int(cons.Width)
			}
			if cons.Height > 0 {
				mc.Height = prop.Int(cons.Height)
			}
			if cons.FrameRate > 0 {
				mc.FrameRate = prop.Float(cons.FrameRate)
			}
			if cons.VideoDeviceID != "" {
				mc.DeviceID = prop.StringExact(cons.VideoDeviceID)
			}
		}
	}
	if audio {
		sc.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if cons.AudioDeviceID != "" {
				mc.DeviceID = prop.StringExact(cons.AudioDeviceID)
			}
		}
	}
	return sc
}

func (c *DeviceCapturer) GetDisplayMedia(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScreenShareDenied, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrScreenShareDenied
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	return newDeviceTrack(tracks[0], Constraints{}), nil
}

func (c *DeviceCapturer) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		info := DeviceInfo{ID: d.DeviceID, Label: d.Label}
		switch d.Kind {
		case mediadevices.VideoInput:
			info.Kind = VideoInput
		case mediadevices.AudioInput:
			info.Kind = AudioInput
		case mediadevices.AudioOutput:
			info.Kind = AudioOutput
		default:
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func classify(err error) error {
	if err == nil {
		return ErrDeviceUnavailable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

// deviceTrack adapts a mediadevices track to Track.
type deviceTrack struct {
	track    mediadevices.Track
	kind     model.MediaKind
	deviceID string
	enabled  atomic.Bool

	stopOnce sync.Once
	endOnce  sync.Once
	done     chan struct{}
}

func newDeviceTrack(t mediadevices.Track, cons Constraints) *deviceTrack {
	dt := &deviceTrack{track: t, done: make(chan struct{})}
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		dt.kind = model.MediaAudio
		dt.deviceID = cons.AudioDeviceID
	} else {
		dt.kind = model.MediaVideo
		dt.deviceID = cons.VideoDeviceID
	}
	dt.enabled.Store(true)
	t.OnEnded(func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Debugf("MEDIA: track %s ended: %v", t.ID(), err)
		}
		dt.end()
	})
	return dt
}

func (t *deviceTrack) ID() string               { return t.track.ID() }
func (t *deviceTrack) Kind() model.MediaKind    { return t.kind }
func (t *deviceTrack) DeviceID() string         { return t.deviceID }
func (t *deviceTrack) Label() string            { return t.track.StreamID() }
func (t *deviceTrack) Enabled() bool            { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *deviceTrack) Done() <-chan struct{}    { return t.done }
func (t *deviceTrack) Local() webrtc.TrackLocal { return t.track }

func (t *deviceTrack) Stop() {
	t.stopOnce.Do(func() {
		if err := t.track.Close(); err != nil {
			log.Debugf("MEDIA: close track %s: %v", t.track.ID(), err)
		}
		t.end()
	})
}

func (t *deviceTrack) end() {
	t.endOnce.Do(func() { close(t.done) })
}
