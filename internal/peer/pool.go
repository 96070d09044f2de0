package peer

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/signaling"
)

var log = logging.Logger("peer")

// MaxICERestarts is how many times the offering side restarts ICE on a
// failed connection before giving up.
const MaxICERestarts = 1

var errNoConnection = errors.New("no connection")

// Publisher receives connection events.
type Publisher interface {
	Publish(e events.Event)
}

// Pool keeps one connection per remote participant of the local user's call.
type Pool struct {
	factory Factory
	sig     *signaling.Channel
	tracks  TrackSource
	pub     Publisher

	mu      sync.Mutex
	entries map[string]*entry
}

// NewPool returns an empty pool. tracks supplies the local media attached to
// every new connection.
func NewPool(f Factory, sig *signaling.Channel, tracks TrackSource, pub Publisher) *Pool {
	return &Pool{
		factory: f,
		sig:     sig,
		tracks:  tracks,
		pub:     pub,
		entries: make(map[string]*entry),
	}
}

// Info is a snapshot of one pool entry.
type Info struct {
	Key      Key
	Offerer  bool
	Session  string
	Revision int
	State    model.ConnectionState
	Restarts int
	// Pending counts remote candidates still waiting for their description.
	Pending int
	Streams []string
}

// Create returns the connection to remoteID, creating it when missing. The
// second result reports whether a new connection was made. The offering side
// opens the messages data channel and publishes an offer; the other side
// answers the first offer addressed to it.
func (p *Pool) Create(ctx context.Context, callID, localID, remoteID string, offerer bool) (Info, bool, error) {
	key := Key{CallID: callID, LocalID: localID, RemoteID: remoteID}

	p.mu.Lock()
	if e, ok := p.entries[remoteID]; ok {
		p.mu.Unlock()
		return e.info(), false, nil
	}
	e := newEntry(p, key, offerer)
	if err := e.connect(ctx); err != nil {
		p.mu.Unlock()
		return Info{}, false, err
	}
	p.entries[remoteID] = e
	p.mu.Unlock()

	log.Infof("PEER [%s]: connection %s → %s (offerer=%v)", callID, localID, remoteID, offerer)
	if err := e.start(); err != nil {
		p.Close(remoteID)
		return Info{}, false, err
	}
	return e.info(), true, nil
}

// Close tears down the connection to remoteID. A no-op when none exists.
func (p *Pool) Close(remoteID string) {
	p.mu.Lock()
	e, ok := p.entries[remoteID]
	delete(p.entries, remoteID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := e.close(); err != nil {
		log.Warnf("PEER [%s]: close %s: %v", e.key.CallID, remoteID, err)
	}
}

// CloseAll tears down every connection.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(e.close)
	}
	if err := g.Wait(); err != nil {
		log.Warnf("PEER: close all: %v", err)
	}
}

// Get returns a snapshot of the entry for remoteID.
func (p *Pool) Get(remoteID string) (Info, bool) {
	p.mu.Lock()
	e, ok := p.entries[remoteID]
	p.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Peers returns the remote ids with a connection, sorted.
func (p *Pool) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of open connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// SetLocalTrack replaces the outgoing kind track on every connection.
func (p *Pool) SetLocalTrack(kind model.MediaKind, t media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for _, e := range p.entries {
		errs = multierr.Append(errs, e.setLocalTrack(kind, t))
	}
	return errs
}

// Broadcast sends m on every open messages channel.
func (p *Pool) Broadcast(ctx context.Context, m model.DataMessage) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var errs error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, e.send(data))
	}
	return errs
}

func (p *Pool) publish(e events.Event) {
	if p.pub != nil {
		p.pub.Publish(e)
	}
}

// ── Entry ────────────────────────────────────────────────────────────────────

type entry struct {
	pool    *Pool
	key     Key
	offerer bool

	ctx    context.Context
	cancel context.CancelFunc

	restartCh chan struct{}

	mu       sync.Mutex
	conn     Connection
	dc       DataChannel
	dcOpen   bool
	session  string
	revision int
	state    model.ConnectionState
	restarts int
	streams  map[string]events.RemoteTrack
	closed   bool

	ice *iceBuffer
}

func newEntry(p *Pool, key Key, offerer bool) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		pool:      p,
		key:       key,
		offerer:   offerer,
		ctx:       ctx,
		cancel:    cancel,
		restartCh: make(chan struct{}, 1),
		state:     model.ConnectionNew,
		streams:   make(map[string]events.RemoteTrack),
	}
	e.ice = newICEBuffer(e.applyCandidate)
	if offerer {
		e.session = uuid.NewString()
	}
	return e
}

// connect creates the underlying connection and attaches local tracks.
// Called with the pool lock held, so track pushes cannot slip in between.
func (e *entry) connect(ctx context.Context) error {
	conn, err := e.pool.factory.NewConnection(ctx, e.key)
	if err != nil {
		return err
	}
	if e.pool.tracks != nil {
		for _, t := range e.pool.tracks.Tracks() {
			if err := conn.SetLocalTrack(t.Kind(), t); err != nil {
				log.Warnf("PEER [%s]: attach %s track: %v", e.key.CallID, t.Kind(), err)
			}
		}
	}
	e.wire(conn)

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	if e.offerer {
		dc, err := conn.CreateDataChannel(MessagesLabel)
		if err != nil {
			conn.Close()
			return err
		}
		e.wireDataChannel(conn, dc)
	}
	return nil
}

// wire registers handlers that ignore conn once it was replaced.
func (e *entry) wire(conn Connection) {
	conn.OnICECandidate(func(c Candidate) {
		e.mu.Lock()
		current := e.conn == conn && !e.closed
		session, revision := e.session, e.revision
		e.mu.Unlock()
		if !current {
			return
		}
		_, err := e.pool.sig.PublishCandidate(e.ctx, model.ICECandidate{
			CallID:           e.key.CallID,
			Sender:           e.key.LocalID,
			Target:           e.key.RemoteID,
			Session:          session,
			Revision:         revision,
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		})
		if err != nil && e.ctx.Err() == nil {
			log.Warnf("PEER [%s]: publish candidate to %s: %v", e.key.CallID, e.key.RemoteID, err)
		}
	})

	conn.OnTrack(func(t events.RemoteTrack) {
		e.mu.Lock()
		if e.conn != conn || e.closed {
			e.mu.Unlock()
			return
		}
		e.streams[t.ID()] = t
		e.mu.Unlock()
		e.pool.publish(events.RemoteStream{CallID: e.key.CallID, PeerID: e.key.RemoteID, Track: t})
	})

	conn.OnConnectionStateChange(func(s model.ConnectionState) {
		e.onState(conn, s)
	})

	conn.OnDataChannel(func(dc DataChannel) {
		if dc.Label() != MessagesLabel {
			log.Debugf("PEER [%s]: ignoring data channel %q", e.key.CallID, dc.Label())
			return
		}
		e.wireDataChannel(conn, dc)
	})
}

func (e *entry) wireDataChannel(conn Connection, dc DataChannel) {
	e.mu.Lock()
	e.dc = dc
	e.mu.Unlock()

	dc.OnOpen(func() {
		e.mu.Lock()
		current := e.conn == conn && e.dc == dc && !e.closed
		if current {
			e.dcOpen = true
		}
		e.mu.Unlock()
		if current {
			e.pool.publish(events.DataChannelOpen{CallID: e.key.CallID, PeerID: e.key.RemoteID, Label: dc.Label()})
		}
	})
	dc.OnClose(func() {
		e.mu.Lock()
		if e.dc == dc {
			e.dcOpen = false
		}
		e.mu.Unlock()
	})
	dc.OnMessage(func(data []byte) {
		m, err := DecodeMessage(data)
		if err != nil {
			log.Warnf("PEER [%s]: message from %s: %v", e.key.CallID, e.key.RemoteID, err)
			return
		}
		e.pool.publish(events.DataChannelMessage{CallID: e.key.CallID, PeerID: e.key.RemoteID, Message: m})
	})
}

func (e *entry) onState(conn Connection, s model.ConnectionState) {
	e.mu.Lock()
	if e.conn != conn || e.closed {
		e.mu.Unlock()
		return
	}
	e.state = s
	final := false
	restart := false
	if s == model.ConnectionFailed {
		switch {
		case e.offerer && e.restarts < MaxICERestarts:
			e.restarts++
			restart = true
		case e.offerer:
			final = true
		default:
			// The answering side only follows; the failure is final once
			// an ICE restart offer was already seen.
			final = e.revision > MaxICERestarts
		}
	}
	keyframe := s == model.ConnectionConnected && e.revision > 1
	e.mu.Unlock()

	if keyframe {
		conn.RequestKeyframe()
	}
	e.pool.publish(events.ConnectionState{CallID: e.key.CallID, PeerID: e.key.RemoteID, State: s, Final: final})
	if restart {
		log.Infof("PEER [%s]: connection to %s failed, restarting ICE", e.key.CallID, e.key.RemoteID)
		select {
		case e.restartCh <- struct{}{}:
		default:
		}
	}
}

// start subscribes to the pair's signaling and runs the negotiation loop.
func (e *entry) start() error {
	sig := e.pool.sig
	k := e.key

	var (
		descs <-chan model.SessionDescription
		err   error
	)
	if e.offerer {
		// A previous call with the same id may have left artifacts behind.
		if err := sig.ClearPair(e.ctx, k.CallID, k.LocalID, k.RemoteID); err != nil {
			log.Warnf("PEER [%s]: clear stale signaling with %s: %v", k.CallID, k.RemoteID, err)
		}
		descs, err = sig.WatchAnswers(e.ctx, k.CallID, k.RemoteID, k.LocalID)
	} else {
		descs, err = sig.WatchOffers(e.ctx, k.CallID, k.RemoteID, k.LocalID)
	}
	if err != nil {
		return err
	}
	cands, err := sig.WatchCandidates(e.ctx, k.CallID, k.RemoteID, k.LocalID)
	if err != nil {
		return err
	}

	go e.loop(descs, cands)
	return nil
}

// loop serializes everything that touches negotiation state of the entry.
func (e *entry) loop(descs <-chan model.SessionDescription, cands <-chan model.ICECandidate) {
	if e.offerer {
		if err := e.sendOffer(false); err != nil && e.ctx.Err() == nil {
			log.Warnf("PEER [%s]: offer to %s: %v", e.key.CallID, e.key.RemoteID, err)
		}
	}
	for {
		select {
		case <-e.ctx.Done():
			return
		case sd, ok := <-descs:
			if !ok {
				return
			}
			if e.offerer {
				e.handleAnswer(sd)
			} else {
				e.handleOffer(sd)
			}
		case c, ok := <-cands:
			if !ok {
				return
			}
			e.ice.Add(c)
		case <-e.restartCh:
			if err := e.sendOffer(true); err != nil && e.ctx.Err() == nil {
				log.Warnf("PEER [%s]: ICE restart offer to %s: %v", e.key.CallID, e.key.RemoteID, err)
			}
		}
	}
}

func (e *entry) sendOffer(iceRestart bool) error {
	e.mu.Lock()
	e.revision++
	session, revision, conn := e.session, e.revision, e.conn
	e.mu.Unlock()

	if iceRestart {
		e.ice.Unready()
	}
	sdp, err := conn.CreateOffer(e.ctx, iceRestart)
	if err != nil {
		return err
	}
	return e.pool.sig.PublishOffer(e.ctx, model.SessionDescription{
		CallID:   e.key.CallID,
		SDP:      sdp,
		Sender:   e.key.LocalID,
		Target:   e.key.RemoteID,
		Session:  session,
		Revision: revision,
	})
}

func (e *entry) handleAnswer(sd model.SessionDescription) {
	e.mu.Lock()
	stale := sd.Session != e.session || sd.Revision != e.revision
	conn := e.conn
	e.mu.Unlock()
	if stale {
		log.Debugf("PEER [%s]: ignoring stale answer from %s (%s/%d)", e.key.CallID, e.key.RemoteID, sd.Session, sd.Revision)
		return
	}
	if err := conn.SetRemoteDescription(model.SDPAnswer, sd.SDP); err != nil {
		log.Warnf("PEER [%s]: set answer from %s: %v", e.key.CallID, e.key.RemoteID, err)
		return
	}
	e.ice.SetRemote(sd.Session, sd.Revision)
}

func (e *entry) handleOffer(sd model.SessionDescription) {
	e.mu.Lock()
	session, revision, conn := e.session, e.revision, e.conn
	e.mu.Unlock()

	switch {
	case sd.Session == session && sd.Revision <= revision:
		return
	case session != "" && sd.Session != session:
		// A new offering connection on the other side supersedes ours.
		log.Infof("PEER [%s]: new negotiation from %s, replacing connection", e.key.CallID, e.key.RemoteID)
		next, err := e.replaceConnection()
		if err != nil {
			log.Warnf("PEER [%s]: replace connection to %s: %v", e.key.CallID, e.key.RemoteID, err)
			return
		}
		conn = next
	}

	e.mu.Lock()
	e.session, e.revision = sd.Session, sd.Revision
	e.mu.Unlock()

	if err := conn.SetRemoteDescription(model.SDPOffer, sd.SDP); err != nil {
		log.Warnf("PEER [%s]: set offer from %s: %v", e.key.CallID, e.key.RemoteID, err)
		return
	}
	e.ice.SetRemote(sd.Session, sd.Revision)

	answer, err := conn.CreateAnswer(e.ctx)
	if err != nil {
		log.Warnf("PEER [%s]: answer %s: %v", e.key.CallID, e.key.RemoteID, err)
		return
	}
	err = e.pool.sig.PublishAnswer(e.ctx, model.SessionDescription{
		CallID:   e.key.CallID,
		SDP:      answer,
		Sender:   e.key.LocalID,
		Target:   e.key.RemoteID,
		Session:  sd.Session,
		Revision: sd.Revision,
	})
	if err != nil && e.ctx.Err() == nil {
		log.Warnf("PEER [%s]: publish answer to %s: %v", e.key.CallID, e.key.RemoteID, err)
	}
}

// replaceConnection swaps in a fresh connection carrying the current local
// tracks. Answering side only.
func (e *entry) replaceConnection() (Connection, error) {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()

	e.mu.Lock()
	old := e.conn
	e.conn = nil
	e.dc, e.dcOpen = nil, false
	clear(e.streams)
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	if err := e.connect(e.ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	return conn, nil
}

func (e *entry) applyCandidate(c model.ICECandidate) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return errNoConnection
	}
	return conn.AddICECandidate(Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (e *entry) setLocalTrack(kind model.MediaKind, t media.Track) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return errNoConnection
	}
	return conn.SetLocalTrack(kind, t)
}

func (e *entry) send(data []byte) error {
	e.mu.Lock()
	dc, open := e.dc, e.dcOpen
	e.mu.Unlock()
	if dc == nil || !open {
		return nil
	}
	return dc.Send(data)
}

func (e *entry) close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn, dc := e.conn, e.dc
	e.dc, e.dcOpen = nil, false
	clear(e.streams)
	e.mu.Unlock()

	e.cancel()
	e.ice.Discard()

	var errs error
	if dc != nil {
		errs = multierr.Append(errs, dc.Close())
	}
	if conn != nil {
		errs = multierr.Append(errs, conn.Close())
	}
	log.Infof("PEER [%s]: closed connection to %s", e.key.CallID, e.key.RemoteID)
	return errs
}

func (e *entry) info() Info {
	// ice locks before e.mu when applying, so read it first.
	pending := e.ice.Pending()

	e.mu.Lock()
	defer e.mu.Unlock()
	streams := make([]string, 0, len(e.streams))
	for id := range e.streams {
		streams = append(streams, id)
	}
	slices.Sort(streams)
	return Info{
		Key:      e.key,
		Offerer:  e.offerer,
		Session:  e.session,
		Revision: e.revision,
		State:    e.state,
		Restarts: e.restarts,
		Pending:  pending,
		Streams:  streams,
	}
}
