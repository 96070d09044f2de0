// Package call drives the lifecycle of one call at a time for the local user:
// the shared call record, local media, and one peer connection per remote
// participant. The call record is the source of truth; the connection pool
// follows it.
package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/store"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

// DefaultRingTimeout ends a call nobody answered.
const DefaultRingTimeout = 30 * time.Second

// Publisher receives call events.
type Publisher interface {
	Publish(e events.Event)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for timestamps and the ring timeout.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithRingTimeout overrides DefaultRingTimeout.
func WithRingTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.ringTimeout = d
		}
	}
}

// WithPolicy selects who offers for each pair of participants.
func WithPolicy(p OfferPolicy) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = p
		}
	}
}

// Orchestrator runs calls for one local user.
type Orchestrator struct {
	self   string
	sig    *signaling.Channel
	media  *media.Manager
	pool   *peer.Pool
	pub    Publisher
	clock  clock.Clock
	policy OfferPolicy
	unsink func()

	// opMu serializes commands that start or end a call.
	opMu sync.Mutex

	mu          sync.Mutex
	ringTimeout time.Duration
	active      *session
}

// New returns an orchestrator acting as self. The connection pool it builds
// on f follows the tracks of mgr.
func New(self string, sig *signaling.Channel, mgr *media.Manager, f peer.Factory, pub Publisher, opts ...Option) (*Orchestrator, error) {
	id, err := util.ValidateUserID(self)
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	o := &Orchestrator{
		self:        id,
		sig:         sig,
		media:       mgr,
		pub:         pub,
		clock:       clock.New(),
		policy:      InitiatorOffers{},
		ringTimeout: DefaultRingTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	var pp peer.Publisher
	if pub != nil {
		pp = pub
	}
	o.pool = peer.NewPool(f, sig, mgr, pp)
	o.unsink = mgr.AddSink(o.pool)
	return o, nil
}

// Self returns the local user id.
func (o *Orchestrator) Self() string { return o.self }

// Policy returns the offer policy in use.
func (o *Orchestrator) Policy() OfferPolicy { return o.policy }

// RingTimeout returns the ring timeout applied to the next call.
func (o *Orchestrator) RingTimeout() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ringTimeout
}

// SetRingTimeout changes the ring timeout of later calls.
func (o *Orchestrator) SetRingTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	o.mu.Lock()
	o.ringTimeout = d
	o.mu.Unlock()
}

// Close leaves the current call and detaches from the media manager.
func (o *Orchestrator) Close() {
	if err := o.EndCall(context.Background()); err != nil {
		log.Warnf("CALL: leave on close: %v", err)
	}
	o.unsink()
	o.media.Release()
}

// ── Lifecycle commands ───────────────────────────────────────────────────────

// InitiateCall creates a call in channelID with the local user as the only
// participant, acquires local media and starts ringing invited.
func (o *Orchestrator) InitiateCall(ctx context.Context, channelID string, invited []string, video bool) (*model.CallRecord, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.current() != nil {
		return nil, ErrCallInProgress
	}

	kind := model.MediaAudio
	if video {
		kind = model.MediaVideo
	}
	rec, err := o.sig.CreateCall(ctx, &model.CallRecord{
		ChannelID:    channelID,
		InitiatorID:  o.self,
		Participants: []string{o.self},
		Invited:      invitees(invited, o.self),
		State:        model.CallStateInitiating,
		MediaKind:    kind,
		CreatedAt:    o.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	o.publish(events.CallStateChanged{CallID: rec.ID, State: rec.State})

	if _, err := o.media.Acquire(ctx, video); err != nil {
		o.rollback(rec.ID)
		return nil, err
	}

	ringing, err := o.sig.UpdateCall(ctx, rec.ID, func(r *model.CallRecord) error {
		if r.State != model.CallStateInitiating {
			return store.ErrSkip
		}
		r.State = model.CallStateRinging
		return nil
	})
	if err == nil {
		err = o.begin(rec, true)
	}
	if err != nil {
		o.media.Release()
		o.rollback(rec.ID)
		return nil, o.mapErr(rec.ID, err)
	}

	log.Infof("CALL [%s]: ringing in %s (%s)", rec.ID, channelID, kind)
	return ringing, nil
}

// JoinCall adds the local user to an existing call.
func (o *Orchestrator) JoinCall(ctx context.Context, callID string) (*model.CallRecord, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if s := o.current(); s != nil {
		if s.callID == callID {
			return s.record(), nil
		}
		return nil, ErrCallInProgress
	}

	rec, err := o.sig.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrCallNotFound, callID, rec.State)
	}

	if _, err := o.media.Acquire(ctx, rec.Video()); err != nil {
		return nil, err
	}

	joined, err := o.sig.UpdateCall(ctx, callID, func(r *model.CallRecord) error {
		return join(r, o.self, o.clock.Now())
	})
	if err != nil {
		o.media.Release()
		return nil, o.mapErr(callID, err)
	}
	if err := o.begin(rec, false); err != nil {
		o.leaveQuietly(callID)
		o.media.Release()
		return nil, err
	}

	log.Infof("CALL [%s]: joined as %s", callID, o.self)
	return joined, nil
}

// DeclineCall turns down an invitation to callID.
func (o *Orchestrator) DeclineCall(ctx context.Context, callID string) (*model.CallRecord, error) {
	rec, err := o.sig.UpdateCall(ctx, callID, func(r *model.CallRecord) error {
		return decline(r, o.self, o.clock.Now())
	})
	if err != nil {
		return nil, o.mapErr(callID, err)
	}
	log.Infof("CALL [%s]: declined by %s", callID, o.self)
	return rec, nil
}

// EndCall leaves the current call. The last one out ends it for everybody.
// Local media and connections are always released. A no-op without a call.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	s := o.current()
	if s == nil {
		return nil
	}

	rec, err := o.sig.UpdateCall(ctx, s.callID, func(r *model.CallRecord) error {
		return leave(r, o.self, model.EndReasonHangup, o.clock.Now())
	})
	s.mu.Lock()
	o.teardownLocked(s, rec, model.EndReasonHangup)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, ErrCallNotFound) {
		return o.mapErr(s.callID, err)
	}
	return nil
}

// TerminateCall ends the current call for every participant with state
// Ended or Failed.
func (o *Orchestrator) TerminateCall(ctx context.Context, state model.CallState, reason string) error {
	switch state {
	case model.CallStateEnded:
		if reason == "" {
			reason = model.EndReasonHangup
		}
	case model.CallStateFailed:
		if reason == "" {
			reason = model.EndReasonFailed
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()
	s := o.current()
	if s == nil {
		return ErrNotInCall
	}

	rec, err := o.sig.UpdateCall(ctx, s.callID, func(r *model.CallRecord) error {
		return terminate(r, state, reason, o.clock.Now())
	})
	s.mu.Lock()
	o.teardownLocked(s, rec, reason)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, ErrCallNotFound) {
		return o.mapErr(s.callID, err)
	}
	return nil
}

// ── Media commands ───────────────────────────────────────────────────────────

// ToggleAudio mutes or unmutes the outgoing microphone track.
func (o *Orchestrator) ToggleAudio(enabled bool) { o.media.ToggleAudio(enabled) }

// ToggleVideo pauses or resumes the outgoing camera track.
func (o *Orchestrator) ToggleVideo(enabled bool) { o.media.ToggleVideo(enabled) }

// StartScreenShare replaces the outgoing video of every connection with a
// screen capture.
func (o *Orchestrator) StartScreenShare(ctx context.Context) (media.Track, error) {
	if o.current() == nil {
		return nil, ErrNotInCall
	}
	return o.media.StartScreenShare(ctx)
}

// StopScreenShare puts the camera back on every connection.
func (o *Orchestrator) StopScreenShare() { o.media.StopScreenShare() }

// SwitchDevice moves the kind track to deviceID on every connection.
func (o *Orchestrator) SwitchDevice(ctx context.Context, kind model.MediaKind, deviceID string) error {
	return o.media.SwitchDevice(ctx, kind, deviceID)
}

// MediaDevices lists capture and output devices.
func (o *Orchestrator) MediaDevices(ctx context.Context) (media.DeviceList, error) {
	return o.media.Devices(ctx)
}

// SendMessage broadcasts a message over the data channel of every open
// connection in the current call.
func (o *Orchestrator) SendMessage(ctx context.Context, kind, text string, payload []byte) error {
	if o.current() == nil {
		return ErrNotInCall
	}
	return o.pool.Broadcast(ctx, model.DataMessage{
		From:    o.self,
		Kind:    kind,
		Text:    text,
		Payload: payload,
		SentAt:  o.clock.Now(),
	})
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Current returns the last observed record of the active call.
func (o *Orchestrator) Current() (*model.CallRecord, bool) {
	s := o.current()
	if s == nil {
		return nil, false
	}
	return s.record(), true
}

// Connections returns a snapshot of every peer connection, by remote id.
func (o *Orchestrator) Connections() []peer.Info {
	var out []peer.Info
	for _, id := range o.pool.Peers() {
		if info, ok := o.pool.Get(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// State is everything a UI needs to redraw the call screen.
type State struct {
	Call        *model.CallRecord
	Audio       bool
	Video       bool
	Sharing     bool
	Tracks      []model.TrackInfo
	Connections []peer.Info
}

// State snapshots the call, local media and connections.
func (o *Orchestrator) State() State {
	st := State{
		Audio:       o.media.AudioEnabled(),
		Video:       o.media.VideoEnabled(),
		Sharing:     o.media.Sharing(),
		Connections: o.Connections(),
	}
	st.Call, _ = o.Current()
	sharing := st.Sharing
	for _, t := range o.media.Tracks() {
		st.Tracks = append(st.Tracks, media.Info(t, sharing && t.Kind() == model.MediaVideo))
	}
	return st
}

// ── Session ──────────────────────────────────────────────────────────────────

type session struct {
	callID string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	last   *model.CallRecord
	synced bool
	ring   *clock.Timer
	gaps   map[string]bool
	ended  bool
}

func (s *session) record() *model.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Clone()
}

func (s *session) stopRingLocked() {
	if s.ring != nil {
		s.ring.Stop()
		s.ring = nil
	}
}

func (o *Orchestrator) current() *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// begin makes last the active call and follows its record. Changes are
// diffed against last.
func (o *Orchestrator) begin(last *model.CallRecord, ring bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := o.sig.WatchCall(ctx, last.ID)
	if err != nil {
		cancel()
		return err
	}
	s := &session{
		callID: last.ID,
		ctx:    ctx,
		cancel: cancel,
		last:   last.Clone(),
		gaps:   make(map[string]bool),
	}

	o.mu.Lock()
	if ring {
		s.ring = o.clock.AfterFunc(o.ringTimeout, func() { o.ringExpired(s) })
	}
	o.active = s
	o.mu.Unlock()

	go o.watch(s, updates)
	return nil
}

func (o *Orchestrator) watch(s *session, updates <-chan signaling.CallUpdate) {
	for u := range updates {
		s.mu.Lock()
		if u.Deleted {
			log.Warnf("CALL [%s]: record deleted", s.callID)
			o.teardownLocked(s, nil, model.EndReasonFailed)
		} else {
			o.observeLocked(s, u.Record)
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return
		}
	}
}

// observeLocked reacts to one new version of the record.
func (o *Orchestrator) observeLocked(s *session, rec *model.CallRecord) {
	if s.ended || rec.Version < s.last.Version {
		return
	}
	// The first observation reconciles even at the seeded version, so a
	// client already listed in the record rebuilds its connections.
	if rec.Version == s.last.Version && s.synced {
		return
	}
	s.synced = true
	prev := s.last
	s.last = rec

	if rec.State != prev.State {
		log.Infof("CALL [%s]: %s → %s", rec.ID, prev.State, rec.State)
		o.publish(events.CallStateChanged{CallID: rec.ID, State: rec.State, Previous: prev.State})
	}
	if !sameMembers(prev.Participants, rec.Participants) {
		o.publish(events.ParticipantsUpdated{CallID: rec.ID, Participants: slices.Clone(rec.Participants)})
	}
	if rec.State == model.CallStateActive {
		s.stopRingLocked()
	}
	if rec.State.Terminal() {
		o.teardownLocked(s, rec, rec.EndReason)
		return
	}

	gone := make(map[string]bool)
	for _, id := range prev.Participants {
		if id != o.self && !rec.HasParticipant(id) {
			gone[id] = true
		}
	}
	for _, id := range o.pool.Peers() {
		if !rec.HasParticipant(id) {
			gone[id] = true
		}
	}
	for id := range gone {
		o.cleanupParticipant(s, id)
	}

	if !rec.HasParticipant(o.self) {
		return
	}
	for _, id := range rec.Participants {
		if id == o.self {
			continue
		}
		role := o.policy.Role(rec, o.self, id)
		if role == RoleNone {
			if !s.gaps[id] {
				s.gaps[id] = true
				log.Warnf("CALL [%s]: %s policy leaves %s and %s unconnected", rec.ID, o.policy.Name(), o.self, id)
			}
			continue
		}
		_, created, err := o.pool.Create(s.ctx, rec.ID, o.self, id, role == RoleOffer)
		if err != nil {
			log.Warnf("CALL [%s]: connect to %s: %v", rec.ID, id, err)
			continue
		}
		if created {
			log.Infof("CALL [%s]: %s %s", rec.ID, role, id)
		}
	}
}

// cleanupParticipant drops everything local that belongs to remoteID.
func (o *Orchestrator) cleanupParticipant(s *session, remoteID string) {
	o.pool.Close(remoteID)
	ctx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
	defer cancel()
	if err := o.sig.ClearPair(ctx, s.callID, o.self, remoteID); err != nil {
		log.Warnf("CALL [%s]: clear signaling with %s: %v", s.callID, remoteID, err)
	}
	delete(s.gaps, remoteID)
	log.Infof("CALL [%s]: %s left", s.callID, remoteID)
	o.publish(events.ParticipantLeft{CallID: s.callID, PeerID: remoteID})
}

// teardownLocked releases everything the session holds. rec is the last
// known record, nil when unknown; reason is used when rec is not terminal.
// Runs once per session.
func (o *Orchestrator) teardownLocked(s *session, rec *model.CallRecord, reason string) {
	if s.ended {
		return
	}
	s.ended = true
	s.cancel()
	s.stopRingLocked()
	if rec != nil && rec.Version > s.last.Version {
		s.last = rec
	}

	peers := o.pool.Peers()
	o.pool.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
	defer cancel()
	var errs error
	for _, id := range peers {
		errs = multierr.Append(errs, o.sig.ClearPair(ctx, s.callID, o.self, id))
	}
	terminal := rec != nil && rec.State.Terminal()
	if terminal {
		errs = multierr.Append(errs, o.sig.ClearCall(ctx, s.callID))
	}
	if errs != nil {
		log.Warnf("CALL [%s]: signaling cleanup: %v", s.callID, errs)
	}

	o.media.Release()

	o.mu.Lock()
	if o.active == s {
		o.active = nil
	}
	o.mu.Unlock()

	ended := events.CallEnded{CallID: s.callID, Reason: reason}
	if terminal {
		ended.Reason = rec.EndReason
		ended.DurationSeconds = rec.DurationSeconds
	}
	log.Infof("CALL [%s]: ended locally (%s)", s.callID, ended.Reason)
	o.publish(ended)
}

// ringExpired ends the call unless somebody joined in the meantime.
func (o *Orchestrator) ringExpired(s *session) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
	defer cancel()
	rec, err := o.sig.UpdateCall(ctx, s.callID, func(r *model.CallRecord) error {
		if r.State != model.CallStateRinging || len(r.Participants) > 1 {
			return store.ErrSkip
		}
		return terminate(r, model.CallStateEnded, model.EndReasonTimeout, o.clock.Now())
	})
	if err != nil {
		log.Warnf("CALL [%s]: ring timeout: %v", s.callID, err)
		return
	}
	if rec.State != model.CallStateEnded || rec.EndReason != model.EndReasonTimeout {
		return
	}

	log.Infof("CALL [%s]: unanswered, giving up", s.callID)
	s.mu.Lock()
	o.teardownLocked(s, rec, model.EndReasonTimeout)
	s.mu.Unlock()
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// rollback deletes a record that never got past setup.
func (o *Orchestrator) rollback(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
	defer cancel()
	if err := o.sig.DeleteCall(ctx, callID); err != nil {
		log.Warnf("CALL [%s]: roll back record: %v", callID, err)
	}
}

func (o *Orchestrator) leaveQuietly(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
	defer cancel()
	_, err := o.sig.UpdateCall(ctx, callID, func(r *model.CallRecord) error {
		return leave(r, o.self, model.EndReasonFailed, o.clock.Now())
	})
	if err != nil {
		log.Warnf("CALL [%s]: undo join: %v", callID, err)
	}
}

func (o *Orchestrator) mapErr(callID string, err error) error {
	switch {
	case errors.Is(err, errTerminal):
		return fmt.Errorf("%w: %s already ended", ErrCallNotFound, callID)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrWriteConflict, err)
	}
	return err
}

func (o *Orchestrator) publish(e events.Event) {
	if o.pub != nil {
		o.pub.Publish(e)
	}
}

// invitees drops self, blanks and repeats.
func invitees(ids []string, self string) []string {
	var out []string
	for _, id := range ids {
		if id == "" || id == self || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
