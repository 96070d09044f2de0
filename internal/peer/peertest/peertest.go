// Package peertest simulates peer connections in memory. Connections created
// through one Network reach each other once both sides have exchanged
// descriptions and at least one candidate, the way a real ICE agent would.
package peertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"

	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/peer"
)

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrClosed              = errors.New("connection closed")
)

// Network links fake connections by key.
type Network struct {
	mu    sync.Mutex
	n     int
	conns map[peer.Key]*Conn
	all   []*Conn
}

func NewNetwork() *Network {
	return &Network{conns: make(map[peer.Key]*Conn)}
}

// Factory implements peer.Factory on top of n.
func (n *Network) Factory() peer.Factory {
	return factory{n}
}

type factory struct{ n *Network }

func (f factory) NewConnection(ctx context.Context, key peer.Key) (peer.Connection, error) {
	return f.n.newConn(key), nil
}

func (n *Network) newConn(key peer.Key) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.n++
	c := &Conn{
		net:   n,
		key:   key,
		id:    fmt.Sprintf("%s-%s-%d", key.LocalID, key.RemoteID, n.n),
		local: make(map[model.MediaKind]media.Track),
		state: model.ConnectionNew,
		queue: make(chan func(), 256),
	}
	go c.run()
	n.conns[key] = c
	n.all = append(n.all, c)
	return c
}

// Conn returns the newest connection created for key.
func (n *Network) Conn(key peer.Key) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[key]
}

// Conns returns every connection ever created, oldest first.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Conn(nil), n.all...)
}

func (n *Network) partner(c *Conn) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.conns[peer.Key{CallID: c.key.CallID, LocalID: c.key.RemoteID, RemoteID: c.key.LocalID}]
	if p == c {
		return nil
	}
	return p
}

// Conn is a fake peer.Connection.
type Conn struct {
	net *Network
	key peer.Key
	id  string

	queue chan func()

	mu          sync.Mutex
	local       map[model.MediaKind]media.Track
	localSet    bool
	remoteSet   bool
	offers      int
	answers     int
	restarts    int
	remoteSDPs  []string
	applied     []string
	sinceRemote int
	state       model.ConnectionState
	linked      bool
	closed      bool
	keyframes   int
	dcs         []*DataChannel

	onCandidate func(peer.Candidate)
	onTrack     func(events.RemoteTrack)
	onState     func(model.ConnectionState)
	onDC        func(peer.DataChannel)
}

// run delivers callbacks in order, off the caller's goroutine, like pion.
func (c *Conn) run() {
	for fn := range c.queue {
		fn()
	}
}

// enqueue must be called with c.mu held.
func (c *Conn) enqueue(fn func()) {
	if c.closed {
		return
	}
	c.queue <- fn
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Key() peer.Key { return c.key }

func (c *Conn) SetLocalTrack(kind model.MediaKind, t media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.local[kind] = t
	return nil
}

// Track returns what was last put in the kind slot.
func (c *Conn) Track(kind model.MediaKind) media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local[kind]
}

// Sending returns the kind track when it is actually being sent.
func (c *Conn) Sending(kind model.MediaKind) media.Track {
	t := c.Track(kind)
	if t == nil || !t.Enabled() {
		return nil
	}
	return t
}

func (c *Conn) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	c.offers++
	if iceRestart {
		c.restarts++
		c.sinceRemote = 0
		c.remoteSet = false
	}
	c.localSet = true
	sdp := fmt.Sprintf("fake offer %s %d", c.id, c.offers)
	c.emitCandidateLocked()
	return sdp, nil
}

func (c *Conn) CreateAnswer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if !c.remoteSet {
		return "", ErrNoRemoteDescription
	}
	c.answers++
	c.localSet = true
	sdp := fmt.Sprintf("fake answer %s %d", c.id, c.answers)
	c.emitCandidateLocked()
	c.checkLocked()
	return sdp, nil
}

func (c *Conn) emitCandidateLocked() {
	cand := peer.Candidate{Candidate: fmt.Sprintf("candidate:%s %d", c.id, c.offers+c.answers)}
	fn := c.onCandidate
	if fn != nil {
		c.enqueue(func() { fn(cand) })
	}
}

func (c *Conn) SetRemoteDescription(sdpType, sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.remoteSet = true
	c.sinceRemote = 0
	c.remoteSDPs = append(c.remoteSDPs, sdp)
	return nil
}

func (c *Conn) AddICECandidate(cand peer.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.remoteSet {
		return ErrNoRemoteDescription
	}
	c.applied = append(c.applied, cand.Candidate)
	c.sinceRemote++
	c.checkLocked()
	return nil
}

func (c *Conn) checkLocked() {
	if !c.localSet || !c.remoteSet || c.sinceRemote == 0 || c.state == model.ConnectionConnected {
		return
	}
	if c.state == model.ConnectionNew {
		c.setStateLocked(model.ConnectionConnecting)
	}
	c.setStateLocked(model.ConnectionConnected)
	c.enqueue(func() { c.net.link(c) })
}

func (c *Conn) setStateLocked(s model.ConnectionState) {
	c.state = s
	if fn := c.onState; fn != nil {
		c.enqueue(func() { fn(s) })
	}
}

// Fail drives the connection to failed, as an ICE timeout would.
func (c *Conn) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(model.ConnectionFailed)
}

func (c *Conn) CreateDataChannel(label string) (peer.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	dc := &DataChannel{label: label, conn: c}
	c.dcs = append(c.dcs, dc)
	return dc, nil
}

func (c *Conn) RequestKeyframe() {
	c.mu.Lock()
	c.keyframes++
	c.mu.Unlock()
}

func (c *Conn) OnICECandidate(fn func(peer.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(events.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(model.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnDataChannel(fn func(peer.DataChannel)) {
	c.mu.Lock()
	c.onDC = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(model.ConnectionClosed)
	c.closed = true
	close(c.queue)
	dcs := c.dcs
	c.mu.Unlock()
	for _, dc := range dcs {
		dc.Close()
	}
	return nil
}

// State returns the last state the connection reported.
func (c *Conn) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Offers counts created offers, ICE restarts included.
func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Restarts counts ICE restart offers.
func (c *Conn) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// Applied returns the remote candidates applied, in order.
func (c *Conn) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

// RemoteDescriptions returns every remote SDP set, in order.
func (c *Conn) RemoteDescriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.remoteSDPs...)
}

// Keyframes counts RequestKeyframe calls.
func (c *Conn) Keyframes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyframes
}

// link joins two connected partners: data channels open and each side sees
// the other's outgoing tracks.
func (n *Network) link(c *Conn) {
	p := n.partner(c)
	if p == nil {
		return
	}
	// Lock in a stable order.
	first, second := c, p
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	defer first.mu.Unlock()
	defer second.mu.Unlock()

	if c.state != model.ConnectionConnected || p.state != model.ConnectionConnected || c.closed || p.closed {
		return
	}
	if c.linked && p.linked {
		return
	}
	c.linked, p.linked = true, true

	for _, pair := range [][2]*Conn{{c, p}, {p, c}} {
		from, to := pair[0], pair[1]
		for _, dc := range from.dcs {
			if dc.partner != nil {
				continue
			}
			remote := &DataChannel{label: dc.label, conn: to, partner: dc}
			dc.partner = remote
			to.dcs = append(to.dcs, remote)
			if fn := to.onDC; fn != nil {
				to.enqueue(func() { fn(remote) })
			}
			from.enqueue(dc.open)
			to.enqueue(remote.open)
		}
		for kind, t := range from.local {
			if t == nil || !t.Enabled() {
				continue
			}
			rt := &RemoteTrack{id: t.ID(), stream: from.key.LocalID, kind: kind}
			if fn := to.onTrack; fn != nil {
				to.enqueue(func() { fn(rt) })
			}
		}
	}
}

// DataChannel is a fake peer.DataChannel.
type DataChannel struct {
	label string
	conn  *Conn

	mu      sync.Mutex
	partner *DataChannel
	isOpen  bool
	closed  bool
	sent    [][]byte
	onOpen  func()
	onMsg   func([]byte)
	onClose func()
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) open() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.isOpen = true
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *DataChannel) Send(data []byte) error {
	d.mu.Lock()
	if !d.isOpen {
		d.mu.Unlock()
		return errors.New("data channel not open")
	}
	d.sent = append(d.sent, append([]byte(nil), data...))
	p := d.partner
	d.mu.Unlock()
	if p == nil {
		return nil
	}

	p.mu.Lock()
	fn := p.onMsg
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	c := p.conn
	c.mu.Lock()
	c.enqueue(func() { fn(data) })
	c.mu.Unlock()
	return nil
}

// Sent returns the frames sent on d.
func (d *DataChannel) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnMessage(fn func([]byte)) {
	d.mu.Lock()
	d.onMsg = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.isOpen = false
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// RemoteTrack is the fake incoming side of a partner's outgoing track.
type RemoteTrack struct {
	id     string
	stream string
	kind   model.MediaKind

	mu  sync.Mutex
	seq uint16
}

func (r *RemoteTrack) ID() string              { return r.id }
func (r *RemoteTrack) StreamID() string        { return r.stream }
func (r *RemoteTrack) Kind() model.MediaKind   { return r.kind }

func (r *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: r.seq}}, nil
}
