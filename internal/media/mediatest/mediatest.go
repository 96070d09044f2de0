// Package mediatest provides an in-memory media.Capturer for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/model"
)

// Track is a fake capture track that counts Stop calls.
type Track struct {
	id       string
	kind     model.MediaKind
	deviceID string
	screen   bool

	enabled atomic.Bool
	stops   atomic.Int32
	once    sync.Once
	done    chan struct{}
}

// NewTrack returns an enabled track.
func NewTrack(id string, kind model.MediaKind, deviceID string) *Track {
	t := &Track{id: id, kind: kind, deviceID: deviceID, done: make(chan struct{})}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string              { return t.id }
func (t *Track) Kind() model.MediaKind   { return t.kind }
func (t *Track) DeviceID() string        { return t.deviceID }
func (t *Track) Label() string           { return t.id }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) Done() <-chan struct{}   { return t.done }

func (t *Track) Stop() {
	t.stops.Add(1)
	t.end()
}

// Stops returns how many times Stop was called.
func (t *Track) Stops() int {
	return int(t.stops.Load())
}

// Stopped reports whether Stop was called at least once.
func (t *Track) Stopped() bool {
	return t.Stops() > 0
}

// End simulates the source going away without Stop being called, like a
// screen share revoked from the OS.
func (t *Track) End() {
	t.end()
}

func (t *Track) end() {
	t.once.Do(func() { close(t.done) })
}

// Capturer hands out fake tracks and records them.
type Capturer struct {
	mu      sync.Mutex
	n       int
	tracks  []*Track
	devices []media.DeviceInfo

	// UserMediaErr, when set, fails GetUserMedia.
	UserMediaErr error
	// DisplayErr, when set, fails GetDisplayMedia.
	DisplayErr error
	// Requests records every GetUserMedia constraint set.
	Requests []media.Constraints
}

// NewCapturer returns a capturer reporting one camera, one microphone and
// one speaker.
func NewCapturer() *Capturer {
	return &Capturer{
		devices: []media.DeviceInfo{
			{ID: "cam-1", Kind: media.VideoInput, Label: "Camera 1"},
			{ID: "cam-2", Kind: media.VideoInput, Label: "Camera 2"},
			{ID: "mic-1", Kind: media.AudioInput, Label: "Microphone"},
			{ID: "spk-1", Kind: media.AudioOutput, Label: "Speakers"},
		},
	}
}

func (c *Capturer) GetUserMedia(ctx context.Context, cons media.Constraints) ([]media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, cons)
	if c.UserMediaErr != nil {
		return nil, c.UserMediaErr
	}
	var out []media.Track
	if cons.Audio {
		dev := cons.AudioDeviceID
		if dev == "" {
			dev = "mic-1"
		}
		out = append(out, c.newTrackLocked(model.MediaAudio, dev))
	}
	if cons.Video {
		dev := cons.VideoDeviceID
		if dev == "" {
			dev = "cam-1"
		}
		out = append(out, c.newTrackLocked(model.MediaVideo, dev))
	}
	return out, nil
}

func (c *Capturer) GetDisplayMedia(ctx context.Context) (media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DisplayErr != nil {
		return nil, c.DisplayErr
	}
	t := c.newTrackLocked(model.MediaVideo, "screen")
	t.screen = true
	return t, nil
}

func (c *Capturer) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.DeviceInfo(nil), c.devices...), nil
}

func (c *Capturer) newTrackLocked(kind model.MediaKind, deviceID string) *Track {
	c.n++
	t := NewTrack(fmt.Sprintf("%s-%d", kind, c.n), kind, deviceID)
	c.tracks = append(c.tracks, t)
	return t
}

// Tracks returns every track handed out so far.
func (c *Capturer) Tracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Track(nil), c.tracks...)
}

// Live returns the handed out tracks that were not stopped.
func (c *Capturer) Live() []*Track {
	var out []*Track
	for _, t := range c.Tracks() {
		if !t.Stopped() {
			out = append(out, t)
		}
	}
	return out
}
