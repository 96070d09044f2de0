package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/model"
)

// ICEConfig holds the pion connection settings.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
	// ForceRelay restricts candidates to TURN relays.
	ForceRelay bool
	// GatherTimeout bounds the wait for local candidates before an offer or
	// answer is handed out. Candidates found later still trickle.
	GatherTimeout       time.Duration
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

// DefaultICEConfig uses a public STUN server and generous ICE timeouts so a
// short relay outage does not end the call.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		STUNURLs:            []string{"stun:stun.l.google.com:19302"},
		GatherTimeout:       3 * time.Second,
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
	}
}

// CodecProvider registers the codecs of a capture pipeline.
type CodecProvider interface {
	PopulateMediaEngine(me *webrtc.MediaEngine) error
}

// PionFactory creates pion/webrtc connections.
type PionFactory struct {
	api *webrtc.API

	mu  sync.RWMutex
	cfg ICEConfig
}

// NewPionFactory builds the pion API. codecs may be nil, in which case the
// default pion codecs are registered.
func NewPionFactory(cfg ICEConfig, codecs CodecProvider) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs.PopulateMediaEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	def := DefaultICEConfig()
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = def.DisconnectedTimeout
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = def.FailedTimeout
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &PionFactory{api: api, cfg: cfg}, nil
}

// SetICEServers swaps STUN/TURN settings for connections created later.
func (f *PionFactory) SetICEServers(cfg ICEConfig) {
	f.mu.Lock()
	f.cfg.STUNURLs = cfg.STUNURLs
	f.cfg.TURNURLs = cfg.TURNURLs
	f.cfg.TURNUsername = cfg.TURNUsername
	f.cfg.TURNCredential = cfg.TURNCredential
	f.cfg.ForceRelay = cfg.ForceRelay
	f.cfg.GatherTimeout = cfg.GatherTimeout
	f.mu.Unlock()
}

func (f *PionFactory) configuration() (webrtc.Configuration, time.Duration) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var servers []webrtc.ICEServer
	if len(f.cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: f.cfg.STUNURLs})
	}
	if len(f.cfg.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       f.cfg.TURNURLs,
			Username:   f.cfg.TURNUsername,
			Credential: f.cfg.TURNCredential,
		})
	}
	c := webrtc.Configuration{ICEServers: servers}
	if f.cfg.ForceRelay {
		c.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return c, f.cfg.GatherTimeout
}

func (f *PionFactory) NewConnection(ctx context.Context, key Key) (Connection, error) {
	cfg, gather := f.configuration()
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &pionConnection{pc: pc, key: key, gather: gather, senders: make(map[model.MediaKind]*webrtc.RTPSender)}

	// One sendrecv slot per kind, so tracks can come and go without
	// renegotiation and the SDP always carries both m-lines.
	for _, kind := range []model.MediaKind{model.MediaAudio, model.MediaVideo} {
		tr, err := pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		c.senders[kind] = tr.Sender()
		go drainRTCP(tr.Sender())
	}
	return c, nil
}

func codecType(kind model.MediaKind) webrtc.RTPCodecType {
	if kind == model.MediaAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

type pionConnection struct {
	pc     *webrtc.PeerConnection
	key    Key
	gather time.Duration

	mu      sync.Mutex
	senders map[model.MediaKind]*webrtc.RTPSender
	remote  []*webrtc.TrackRemote
}

func (c *pionConnection) SetLocalTrack(kind model.MediaKind, t media.Track) error {
	c.mu.Lock()
	s := c.senders[kind]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no %s sender", kind)
	}
	var local webrtc.TrackLocal
	if t != nil && t.Enabled() {
		pt, ok := t.(media.PionTrack)
		if !ok {
			return fmt.Errorf("track %s cannot be sent", t.ID())
		}
		local = pt.Local()
	}
	if err := s.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	return nil
}

func (c *pionConnection) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return "", err
	}
	return c.applyLocal(ctx, offer)
}

func (c *pionConnection) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return c.applyLocal(ctx, answer)
}

// applyLocal sets the local description and waits, at most the gather
// timeout, for candidates to be folded into it.
func (c *pionConnection) applyLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", err
	}
	if c.gather > 0 {
		timer := time.NewTimer(c.gather)
		defer timer.Stop()
		select {
		case <-gathered:
		case <-timer.C:
			log.Debugf("PEER [%s]: gather timeout for %s, continuing with partial candidates", c.key.CallID, c.key.RemoteID)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *pionConnection) SetRemoteDescription(sdpType, sdp string) error {
	desc := webrtc.SessionDescription{SDP: sdp}
	switch sdpType {
	case model.SDPOffer:
		desc.Type = webrtc.SDPTypeOffer
	case model.SDPAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unexpected sdp type %q", sdpType)
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConnection) AddICECandidate(cand Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *pionConnection) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (c *pionConnection) RequestKeyframe() {
	c.mu.Lock()
	tracks := append([]*webrtc.TrackRemote(nil), c.remote...)
	c.mu.Unlock()
	for _, t := range tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())}}); err != nil {
			log.Debugf("PEER [%s]: PLI to %s: %v", c.key.CallID, c.key.RemoteID, err)
		}
	}
}

func (c *pionConnection) OnICECandidate(fn func(Candidate)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return
		}
		j := ic.ToJSON()
		fn(Candidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		})
	})
}

func (c *pionConnection) OnTrack(fn func(events.RemoteTrack)) {
	c.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		c.remote = append(c.remote, t)
		c.mu.Unlock()
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			c.RequestKeyframe()
		}
		fn(&remoteTrack{t: t})
	})
}

func (c *pionConnection) OnConnectionStateChange(fn func(model.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateUnknown {
			return
		}
		fn(model.ConnectionState(s.String()))
	})
}

func (c *pionConnection) OnDataChannel(fn func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionDataChannel{dc: dc})
	})
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string       { return r.t.ID() }
func (r *remoteTrack) StreamID() string { return r.t.StreamID() }

func (r *remoteTrack) Kind() model.MediaKind {
	if r.t.Kind() == webrtc.RTPCodecTypeAudio {
		return model.MediaAudio
	}
	return model.MediaVideo
}

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	p, _, err := r.t.ReadRTP()
	return p, err
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string          { return d.dc.Label() }
func (d *pionDataChannel) Send(data []byte) error { return d.dc.Send(data) }
func (d *pionDataChannel) OnOpen(fn func())       { d.dc.OnOpen(fn) }
func (d *pionDataChannel) OnClose(fn func())      { d.dc.OnClose(fn) }
func (d *pionDataChannel) Close() error           { return d.dc.Close() }

func (d *pionDataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}
