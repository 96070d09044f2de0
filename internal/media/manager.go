package media

import (
	"context"
	"errors"
	"slices"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/model"
)

var log = logging.Logger("media")

// Settings are the capture defaults applied to every acquisition.
type Settings struct {
	Width            int
	Height           int
	FrameRate        int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	PreferredCamera  string
	PreferredMic     string
}

// DefaultSettings targets 720p30 with the usual voice processing on.
func DefaultSettings() Settings {
	return Settings{
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Publisher is where the manager reports local media changes.
type Publisher interface {
	Publish(e events.Event)
}

// Manager owns the one local media session of the process.
//
// The outgoing video slot carries the screen track while sharing and the
// camera track otherwise. Every change of an outgoing slot is pushed to the
// registered sinks, which keeps each peer connection sending the same tracks.
type Manager struct {
	capturer Capturer
	pub      Publisher

	// opMu serializes structural changes so sinks see them in order.
	opMu sync.Mutex

	mu       sync.Mutex
	settings Settings
	acquired bool
	audio    Track
	camera   Track
	screen   Track
	audioOn  bool
	videoOn  bool
	sinks    []TrackSink
}

// NewManager returns a manager capturing through c. pub may be nil.
func NewManager(c Capturer, settings Settings, pub Publisher) *Manager {
	return &Manager{
		capturer: c,
		pub:      pub,
		settings: settings,
		audioOn:  true,
		videoOn:  true,
	}
}

// SetSettings replaces the capture defaults for later acquisitions.
func (m *Manager) SetSettings(s Settings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

// AddSink registers s for outgoing track changes and returns a function
// that removes it again.
func (m *Manager) AddSink(s TrackSink) func() {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if i := slices.Index(m.sinks, s); i >= 0 {
			m.sinks = slices.Delete(m.sinks, i, i+1)
		}
	}
}

// Acquire captures audio, plus camera video when video is set. Calling it
// with a session already open reuses the session and only adds a missing
// camera track.
func (m *Manager) Acquire(ctx context.Context, video bool) ([]Track, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	s := m.settings
	needAudio := m.audio == nil
	needVideo := video && m.camera == nil
	m.mu.Unlock()

	if needAudio || needVideo {
		c := m.constraints(s, needAudio, needVideo)
		tracks, err := m.capturer.GetUserMedia(ctx, c)
		if err != nil {
			return nil, newError("acquire", "", err)
		}

		m.mu.Lock()
		for _, t := range tracks {
			switch t.Kind() {
			case model.MediaAudio:
				if m.audio == nil {
					t.SetEnabled(m.audioOn)
					m.audio = t
					continue
				}
			case model.MediaVideo:
				if m.camera == nil && needVideo {
					t.SetEnabled(m.videoOn)
					m.camera = t
					continue
				}
			}
			t.Stop()
		}
		m.acquired = true
		m.mu.Unlock()
		log.Infof("MEDIA: acquired audio=%v video=%v", needAudio, needVideo)

		m.push(model.MediaAudio)
		m.push(model.MediaVideo)
		m.publishStream()
	}

	return m.Tracks(), nil
}

func (m *Manager) constraints(s Settings, audio, video bool) Constraints {
	return Constraints{
		Audio:            audio,
		Video:            video,
		AudioDeviceID:    s.PreferredMic,
		VideoDeviceID:    s.PreferredCamera,
		Width:            s.Width,
		Height:           s.Height,
		FrameRate:        s.FrameRate,
		EchoCancellation: s.EchoCancellation,
		NoiseSuppression: s.NoiseSuppression,
		AutoGainControl:  s.AutoGainControl,
	}
}

// Release stops every track and forgets the session. Safe to call when
// nothing was acquired.
func (m *Manager) Release() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if !m.acquired && m.screen == nil {
		m.mu.Unlock()
		return
	}
	tracks := []Track{m.audio, m.camera, m.screen}
	m.audio, m.camera, m.screen = nil, nil, nil
	m.acquired = false
	audioWas, videoWas := m.audioOn, m.videoOn
	m.audioOn, m.videoOn = true, true
	m.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
	log.Infof("MEDIA: released local session")
	if !audioWas {
		m.publish(events.AudioStateChanged{Enabled: true})
	}
	if !videoWas {
		m.publish(events.VideoStateChanged{Enabled: true})
	}
	m.publishStream()
}

// Acquired reports whether a session is open.
func (m *Manager) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// Tracks returns the outgoing tracks: audio first, then the video slot.
func (m *Manager) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Track
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if v := m.videoSlotLocked(); v != nil {
		out = append(out, v)
	}
	return out
}

// Track returns the outgoing track for kind, or nil.
func (m *Manager) Track(kind model.MediaKind) Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slotLocked(kind)
}

func (m *Manager) slotLocked(kind model.MediaKind) Track {
	if kind == model.MediaAudio {
		return m.audio
	}
	return m.videoSlotLocked()
}

func (m *Manager) videoSlotLocked() Track {
	if m.screen != nil {
		return m.screen
	}
	return m.camera
}

// AudioEnabled reports the microphone mute state.
func (m *Manager) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOn
}

// VideoEnabled reports whether the camera is on.
func (m *Manager) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoOn
}

// Sharing reports whether a screen track is being sent.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// ToggleAudio mutes or unmutes the microphone in place.
func (m *Manager) ToggleAudio(enabled bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.audioOn = enabled
	if m.audio != nil {
		m.audio.SetEnabled(enabled)
	}
	m.mu.Unlock()

	m.push(model.MediaAudio)
	m.publish(events.AudioStateChanged{Enabled: enabled})
}

// ToggleVideo turns the camera on or off in place. While sharing the screen
// the change applies to the camera restored after the share.
func (m *Manager) ToggleVideo(enabled bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.videoOn = enabled
	if m.camera != nil {
		m.camera.SetEnabled(enabled)
	}
	sharing := m.screen != nil
	m.mu.Unlock()

	if !sharing {
		m.push(model.MediaVideo)
	}
	m.publish(events.VideoStateChanged{Enabled: enabled})
}

// StartScreenShare captures the screen and sends it in place of the camera.
// A denial returns an error matching ErrScreenShareDenied.
func (m *Manager) StartScreenShare(ctx context.Context) (Track, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.screen != nil {
		t := m.screen
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	t, err := m.capturer.GetDisplayMedia(ctx)
	if err != nil {
		if !errors.Is(err, ErrScreenShareDenied) {
			err = errors.Join(ErrScreenShareDenied, err)
		}
		return nil, newError("screen-share", model.MediaVideo, err)
	}

	m.mu.Lock()
	m.screen = t
	m.mu.Unlock()
	log.Infof("MEDIA: screen share started (%s)", t.ID())

	go m.watchScreen(t)

	m.push(model.MediaVideo)
	m.publish(events.ScreenShareStarted{TrackID: t.ID()})
	m.publishStream()
	return t, nil
}

// watchScreen stops the share when the OS ends the screen track.
func (m *Manager) watchScreen(t Track) {
	<-t.Done()
	m.mu.Lock()
	current := m.screen == t
	m.mu.Unlock()
	if current {
		log.Infof("MEDIA: screen share ended externally")
		m.stopScreenShare(true)
	}
}

// StopScreenShare restores the camera on every connection and releases the
// screen capture. A no-op when not sharing.
func (m *Manager) StopScreenShare() {
	m.stopScreenShare(false)
}

func (m *Manager) stopScreenShare(external bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	t := m.screen
	m.screen = nil
	m.mu.Unlock()
	if t == nil {
		return
	}

	// Restore before stopping so no connection sends a dead track.
	m.push(model.MediaVideo)
	t.Stop()

	m.publish(events.ScreenShareStopped{External: external})
	m.publishStream()
}

// SwitchDevice captures kind from deviceID, swaps it into the session and
// every connection, then stops the old track.
func (m *Manager) SwitchDevice(ctx context.Context, kind model.MediaKind, deviceID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if !m.acquired {
		m.mu.Unlock()
		return newError("switch", kind, ErrNotAcquired)
	}
	c := m.constraints(m.settings, kind == model.MediaAudio, kind == model.MediaVideo)
	if kind == model.MediaAudio {
		c.AudioDeviceID = deviceID
	} else {
		c.VideoDeviceID = deviceID
	}
	m.mu.Unlock()

	tracks, err := m.capturer.GetUserMedia(ctx, c)
	if err != nil {
		return newError("switch", kind, err)
	}
	var next Track
	for _, t := range tracks {
		if t.Kind() == kind && next == nil {
			next = t
			continue
		}
		t.Stop()
	}
	if next == nil {
		return newError("switch", kind, ErrDeviceUnavailable)
	}

	m.mu.Lock()
	var old Track
	push := true
	if kind == model.MediaAudio {
		old, m.audio = m.audio, next
		next.SetEnabled(m.audioOn)
	} else {
		old, m.camera = m.camera, next
		next.SetEnabled(m.videoOn)
		push = m.screen == nil
	}
	if kind == model.MediaAudio {
		m.settings.PreferredMic = deviceID
	} else {
		m.settings.PreferredCamera = deviceID
	}
	m.mu.Unlock()

	if push {
		m.push(kind)
	}
	if old != nil {
		old.Stop()
	}
	log.Infof("MEDIA: switched %s to %q", kind, deviceID)
	m.publishStream()
	return nil
}

// Devices lists capture and playback devices.
func (m *Manager) Devices(ctx context.Context) (DeviceList, error) {
	devices, err := m.capturer.EnumerateDevices(ctx)
	if err != nil {
		return DeviceList{}, newError("enumerate", "", err)
	}
	return Group(devices), nil
}

// push hands the current outgoing track for kind to every sink. Called with
// opMu held and mu released.
func (m *Manager) push(kind model.MediaKind) {
	m.mu.Lock()
	t := m.slotLocked(kind)
	sinks := slices.Clone(m.sinks)
	m.mu.Unlock()

	for _, s := range sinks {
		if err := s.SetLocalTrack(kind, t); err != nil {
			log.Warnf("MEDIA: sink rejected %s track: %v", kind, err)
		}
	}
}

func (m *Manager) publishStream() {
	m.mu.Lock()
	var infos []model.TrackInfo
	if m.audio != nil {
		infos = append(infos, Info(m.audio, false))
	}
	if m.screen != nil {
		infos = append(infos, Info(m.screen, true))
	}
	if m.camera != nil {
		infos = append(infos, Info(m.camera, false))
	}
	m.mu.Unlock()
	m.publish(events.LocalStreamUpdated{Tracks: infos})
}

func (m *Manager) publish(e events.Event) {
	if m.pub != nil {
		m.pub.Publish(e)
	}
}
