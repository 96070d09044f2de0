package call_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/peer/peertest"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/store"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

func (r *recorder) find(match func(events.Event) bool) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.evs {
		if match(e) {
			return e, true
		}
	}
	return nil, false
}

func (r *recorder) has(match func(events.Event) bool) bool {
	_, ok := r.find(match)
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	t   *testing.T
	st  *store.Memory
	sig *signaling.Channel
	net *peertest.Network
	clk *clock.Mock
}

func newHarness(t *testing.T) *harness {
	clk := clock.NewMock()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	return &harness{
		t:   t,
		st:  st,
		sig: signaling.New(st, signaling.WithClock(clk)),
		net: peertest.NewNetwork(),
		clk: clk,
	}
}

type client struct {
	id  string
	o   *call.Orchestrator
	cap *mediatest.Capturer
	ev  *recorder
}

func (h *harness) client(id string, opts ...call.Option) *client {
	h.t.Helper()
	c := &client{id: id, cap: mediatest.NewCapturer(), ev: &recorder{}}
	mgr := media.NewManager(c.cap, media.DefaultSettings(), c.ev)
	o, err := call.New(id, h.sig, mgr, h.net.Factory(), c.ev, append([]call.Option{call.WithClock(h.clk)}, opts...)...)
	if err != nil {
		h.t.Fatalf("new orchestrator %s: %v", id, err)
	}
	h.t.Cleanup(o.Close)
	c.o = o
	return c
}

func (h *harness) record(id string) *model.CallRecord {
	h.t.Helper()
	rec, err := h.sig.GetCall(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get call %s: %v", id, err)
	}
	return rec
}

func connected(c *client, remote string) func() bool {
	return func() bool {
		for _, info := range c.o.Connections() {
			if info.Key.RemoteID == remote && info.State == model.ConnectionConnected {
				return true
			}
		}
		return false
	}
}

func ended(c *client, reason string) func() bool {
	return func() bool {
		_, active := c.o.Current()
		return !active && c.ev.has(func(e events.Event) bool {
			ce, ok := e.(events.CallEnded)
			return ok && ce.Reason == reason
		})
	}
}

func TestCallLifecycle(t *testing.T) {
	h := newHarness(t)
	a, b := h.client("A"), h.client("B")
	ctx := context.Background()

	rec, err := a.o.InitiateCall(ctx, "channel1", []string{"A"}, true)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if rec.State != model.CallStateRinging {
		t.Fatalf("state = %s, want ringing", rec.State)
	}

	h.clk.Add(5 * time.Second)
	joined, err := b.o.JoinCall(ctx, rec.ID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.State != model.CallStateActive || joined.ActiveAt == nil {
		t.Fatalf("after join: %s activeAt=%v", joined.State, joined.ActiveAt)
	}

	waitFor(t, "A connected to B", connected(a, "B"))
	waitFor(t, "B connected to A", connected(b, "A"))
	if conns := a.o.Connections(); len(conns) != 1 || !conns[0].Offerer {
		t.Fatalf("A connections = %+v", conns)
	}
	if conns := b.o.Connections(); len(conns) != 1 || conns[0].Offerer {
		t.Fatalf("B connections = %+v", conns)
	}
	waitFor(t, "remote video on B", func() bool {
		return b.ev.has(func(e events.Event) bool {
			rs, ok := e.(events.RemoteStream)
			return ok && rs.PeerID == "A" && rs.Track.Kind() == model.MediaVideo
		})
	})

	h.clk.Add(60 * time.Second)
	if err := b.o.EndCall(ctx); err != nil {
		t.Fatalf("B end: %v", err)
	}
	after := h.record(rec.ID)
	if after.State != model.CallStateActive || !slices.Equal(after.Participants, []string{"A"}) {
		t.Fatalf("after B left: %s %v", after.State, after.Participants)
	}
	waitFor(t, "A notices B left", func() bool {
		return a.ev.has(func(e events.Event) bool {
			pl, ok := e.(events.ParticipantLeft)
			return ok && pl.PeerID == "B"
		}) && len(a.o.Connections()) == 0
	})
	if len(b.cap.Live()) != 0 {
		t.Fatalf("B still holds %d tracks", len(b.cap.Live()))
	}

	if err := a.o.EndCall(ctx); err != nil {
		t.Fatalf("A end: %v", err)
	}
	final := h.record(rec.ID)
	if final.State != model.CallStateEnded || len(final.Participants) != 0 {
		t.Fatalf("final: %s %v", final.State, final.Participants)
	}
	if final.DurationSeconds == nil || *final.DurationSeconds != 60 {
		t.Fatalf("duration = %v, want 60 (from activation)", final.DurationSeconds)
	}
	e, ok := a.ev.find(func(e events.Event) bool { _, ok := e.(events.CallEnded); return ok })
	if !ok {
		t.Fatal("no callEnded on A")
	}
	if d := e.(events.CallEnded).DurationSeconds; d == nil || *d != 60 {
		t.Fatalf("callEnded duration = %v", d)
	}
	if len(a.cap.Live()) != 0 {
		t.Fatalf("A still holds %d tracks", len(a.cap.Live()))
	}
}

func TestEndCallIdempotent(t *testing.T) {
	h := newHarness(t)
	a := h.client("A")
	ctx := context.Background()

	if err := a.o.EndCall(ctx); err != nil {
		t.Fatalf("end without call: %v", err)
	}

	rec, err := a.o.InitiateCall(ctx, "channel1", nil, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	for i := range 2 {
		if err := a.o.EndCall(ctx); err != nil {
			t.Fatalf("end #%d: %v", i+1, err)
		}
	}
	if n := len(a.o.Connections()); n != 0 {
		t.Fatalf("%d connections left open", n)
	}
	if _, ok := a.o.Current(); ok {
		t.Fatal("call still current")
	}
	if got := h.record(rec.ID); got.State != model.CallStateEnded {
		t.Fatalf("state = %s", got.State)
	}
	if len(a.cap.Live()) != 0 {
		t.Fatal("tracks not stopped")
	}
}

func TestConcurrentJoins(t *testing.T) {
	h := newHarness(t)
	a := h.client("A")
	joiners := []*client{h.client("B"), h.client("C"), h.client("D")}
	ctx := context.Background()

	rec, err := a.o.InitiateCall(ctx, "channel1", nil, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var wg sync.WaitGroup
	for _, c := range joiners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.o.JoinCall(ctx, rec.ID); err != nil {
				t.Errorf("%s join: %v", c.id, err)
			}
		}()
	}
	wg.Wait()

	got := h.record(rec.ID)
	for _, id := range []string{"A", "B", "C", "D"} {
		if !got.HasParticipant(id) {
			t.Fatalf("participants %v lost %s", got.Participants, id)
		}
	}
	if got.State != model.CallStateActive {
		t.Fatalf("state = %s", got.State)
	}
	for _, c := range joiners {
		waitFor(t, "A connected to "+c.id, connected(a, c.id))
	}
}

func TestRejoinListedParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A crashed while ringing and left itself in the record.
	rec, err := h.sig.CreateCall(ctx, &model.CallRecord{
		ChannelID:    "channel1",
		InitiatorID:  "A",
		Participants: []string{"A"},
		State:        model.CallStateRinging,
		MediaKind:    model.MediaAudio,
		CreatedAt:    h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b := h.client("B")
	if _, err := b.o.JoinCall(ctx, rec.ID); err != nil {
		t.Fatalf("B join: %v", err)
	}

	a := h.client("A")
	joined, err := a.o.JoinCall(ctx, rec.ID)
	if err != nil {
		t.Fatalf("A rejoin: %v", err)
	}
	if !slices.Equal(joined.Participants, []string{"A", "B"}) {
		t.Fatalf("participants = %v", joined.Participants)
	}
	waitFor(t, "restarted A connected to B", connected(a, "B"))
	waitFor(t, "B connected to A", connected(b, "A"))
	if conns := a.o.Connections(); len(conns) != 1 || !conns[0].Offerer {
		t.Fatalf("A connections = %+v", conns)
	}
}

func TestJoinEndedCall(t *testing.T) {
	h := newHarness(t)
	a, c := h.client("A"), h.client("C")
	ctx := context.Background()

	if _, err := c.o.JoinCall(ctx, "missing"); !errors.Is(err, call.ErrCallNotFound) {
		t.Fatalf("join unknown = %v", err)
	}

	rec, err := a.o.InitiateCall(ctx, "channel1", nil, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := a.o.EndCall(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, err := c.o.JoinCall(ctx, rec.ID); !errors.Is(err, call.ErrCallNotFound) {
		t.Fatalf("join ended = %v, want ErrCallNotFound", err)
	}
	if len(c.cap.Tracks()) != 0 {
		t.Fatal("media acquired for a dead call")
	}
	if got := h.record(rec.ID); got.HasParticipant("C") {
		t.Fatalf("ended record mutated: %v", got.Participants)
	}
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t)
	a := h.client("A")
	ctx := context.Background()

	rec, err := a.o.InitiateCall(ctx, "channel1", []string{"B"}, true)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.clk.Add(29 * time.Second)
	if got := h.record(rec.ID); got.State != model.CallStateRinging {
		t.Fatalf("ended early: %s", got.State)
	}

	h.clk.Add(2 * time.Second)
	waitFor(t, "timeout cleanup", ended(a, model.EndReasonTimeout))

	got := h.record(rec.ID)
	if got.State != model.CallStateEnded || got.EndReason != model.EndReasonTimeout {
		t.Fatalf("record = %s/%s", got.State, got.EndReason)
	}
	if len(got.Participants) != 0 {
		t.Fatalf("participants = %v", got.Participants)
	}
	if len(a.cap.Live()) != 0 {
		t.Fatal("tracks not stopped after timeout")
	}
}

func TestRingTimeoutAfterJoin(t *testing.T) {
	h := newHarness(t)
	a, b := h.client("A"), h.client("B")
	ctx := context.Background()

	rec, err := a.o.InitiateCall(ctx, "channel1", nil, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := b.o.JoinCall(ctx, rec.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "A connected", connected(a, "B"))

	h.clk.Add(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if got := h.record(rec.ID); got.State != model.CallStateActive {
		t.Fatalf("answered call timed out: %s", got.State)
	}
	if _, ok := a.o.Current(); !ok {
		t.Fatal("A dropped the call")
	}
}

func TestInitiateRollsBackOnMediaFailure(t *testing.T) {
	h := newHarness(t)
	a := h.client("A")
	a.cap.UserMediaErr = media.ErrPermissionDenied
	ctx := context.Background()

	_, err := a.o.InitiateCall(ctx, "channel1", nil, true)
	if !errors.Is(err, media.ErrAcquisition) || !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	docs, err := h.st.List(ctx, signaling.CollCalls, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("%d orphaned records", len(docs))
	}
	if _, ok := a.o.Current(); ok {
		t.Fatal("failed call is current")
	}

	// The failure does not wedge the orchestrator.
	a.cap.UserMediaErr = nil
	if _, err := a.o.InitiateCall(ctx, "channel1", nil, true); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestJoinMediaFailure(t *testing.T) {
	h := newHarness(t)
	a, b := h.client("A"), h.client("B")
	b.cap.UserMediaErr = media.ErrDeviceUnavailable
	ctx := context.Background()

	rec, err := a.o.InitiateCall(ctx, "channel1", nil, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := b.o.JoinCall(ctx, rec.ID); !errors.Is(err, media.ErrAcquisition) {
		t.Fatalf("join err = %v", err)
	}
	got := h.record(rec.ID)
	if !slices.Equal(got.Participants, []string{"A"}) || got.State != model.CallStateRinging {
		t.Fatalf("record mutated: %s %v", got.State, got.Participants)
	}
}

func TestOneCallAtATime(t *testing.T) {
	h := newHarness(t)
	a := h.client("A")
	ctx := context.Background()

	first, err := a.o.InitiateCall(ctx, "channel1", nil, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := a.o.InitiateCall(ctx, "channel2", nil, false); !errors.Is(err, call.ErrCallInProgress) {
		t.Fatalf("second initiate = %v", err)
	}
	again, err := a.o.JoinCall(ctx, first.ID)
	if err != nil || again.ID != first.ID {
		t.Fatalf("rejoin own call: %v", err)
	}
}

func TestDeclineEndsCall(t *testing.T) {
	h := newHarness(t)
	a, b := h.client("A"), h.client("B")
	ctx := context.Background()

	rec, err := a.o.InitiateCall(ctx, "dm", []string{"B"}, false)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	got, err := b.o.DeclineCall(ctx, rec.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.State != model.CallStateDeclined {
		t.Fatalf("state = %s", got.State)
	}
	waitFor(t, "A cleans up", ended(a, model.EndReasonDeclined))
	if len(a.cap.Live()) != 0 {
		t.Fatal("A still capturing")
	}
	if _, err := b.o.DeclineCall(ctx, rec.ID); !errors.Is(err, call.ErrCallNotFound) {
		t.Fatalf("decline ended = %v", err)
	}
}

func TestTerminateCall(t *testing.T) {
	h := newHarness(t)
	a, b := h.client("A"), h.client("B")
	ctx := context.Background()

	if err := a.o.TerminateCall(ctx, model.CallStateEnded, ""); !errors.Is(err, call.ErrNotInCall) {
		t.Fatalf("terminate without call = %v", err)
	}

	rec, _ := a.o.InitiateCall(ctx, "channel1", nil, false)
	if _, err := b.o.JoinCall(ctx, rec.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := a.o.TerminateCall(ctx, model.CallStateRinging, ""); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("terminate to ringing = %v", err)
	}
	if err := a.o.TerminateCall(ctx, model.CallStateFailed, ""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	got := h.record(rec.ID)
	if got.State != model.CallStateFailed || got.EndReason != model.EndReasonFailed || len(got.Participants) != 0 {
		t.Fatalf("record = %s/%s %v", got.State, got.EndReason, got.Participants)
	}
	waitFor(t, "B follows remote end", ended(b, model.EndReasonFailed))
	if len(b.o.Connections()) != 0 || len(b.cap.Live()) != 0 {
		t.Fatal("B kept resources")
	}
}

func TestOfferPolicies(t *testing.T) {
	run := func(t *testing.T, opts ...call.Option) (*harness, string) {
		h := newHarness(t)
		a, b, c := h.client("A", opts...), h.client("B", opts...), h.client("C", opts...)
		ctx := context.Background()
		rec, err := a.o.InitiateCall(ctx, "channel1", nil, false)
		if err != nil {
			t.Fatalf("initiate: %v", err)
		}
		for _, j := range []*client{b, c} {
			if _, err := j.o.JoinCall(ctx, rec.ID); err != nil {
				t.Fatalf("%s join: %v", j.id, err)
			}
		}
		waitFor(t, "A-B", connected(b, "A"))
		waitFor(t, "A-C", connected(c, "A"))
		return h, rec.ID
	}

	t.Run("initiator", func(t *testing.T) {
		h, id := run(t)
		time.Sleep(50 * time.Millisecond)
		if h.net.Conn(peer.Key{CallID: id, LocalID: "B", RemoteID: "C"}) != nil {
			t.Fatal("joiners connected under initiator policy")
		}
	})

	t.Run("ordered", func(t *testing.T) {
		h, id := run(t, call.WithPolicy(call.OrderedOffers{}))
		waitFor(t, "B-C mesh link", func() bool {
			bc := h.net.Conn(peer.Key{CallID: id, LocalID: "B", RemoteID: "C"})
			cb := h.net.Conn(peer.Key{CallID: id, LocalID: "C", RemoteID: "B"})
			return bc != nil && cb != nil &&
				bc.State() == model.ConnectionConnected && cb.State() == model.ConnectionConnected
		})
	})
}

func TestScreenShareReachesPeers(t *testing.T) {
	h := newHarness(t)
	a, b := h.client("A"), h.client("B")
	ctx := context.Background()

	if _, err := a.o.StartScreenShare(ctx); !errors.Is(err, call.ErrNotInCall) {
		t.Fatalf("share without call = %v", err)
	}

	rec, _ := a.o.InitiateCall(ctx, "channel1", nil, true)
	if _, err := b.o.JoinCall(ctx, rec.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "connected", connected(a, "B"))
	conn := h.net.Conn(peer.Key{CallID: rec.ID, LocalID: "A", RemoteID: "B"})
	camera := conn.Track(model.MediaVideo)
	if camera == nil {
		t.Fatal("no camera on connection")
	}

	screen, err := a.o.StartScreenShare(ctx)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if conn.Track(model.MediaVideo) != screen {
		t.Fatal("screen not sent")
	}
	if !a.o.State().Sharing {
		t.Fatal("state not sharing")
	}

	a.o.StopScreenShare()
	if conn.Track(model.MediaVideo) != camera {
		t.Fatal("camera not restored")
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	a, b := h.client("A"), h.client("B")
	ctx := context.Background()

	if err := a.o.SendMessage(ctx, "chat", "nobody", nil); !errors.Is(err, call.ErrNotInCall) {
		t.Fatalf("send without call = %v", err)
	}

	rec, _ := a.o.InitiateCall(ctx, "channel1", nil, false)
	if _, err := b.o.JoinCall(ctx, rec.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	open := func(c *client) func() bool {
		return func() bool {
			return c.ev.has(func(e events.Event) bool { _, ok := e.(events.DataChannelOpen); return ok })
		}
	}
	waitFor(t, "A channel", open(a))
	waitFor(t, "B channel", open(b))

	if err := a.o.SendMessage(ctx, "chat", "hello B", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "B receives", func() bool {
		return b.ev.has(func(e events.Event) bool {
			m, ok := e.(events.DataChannelMessage)
			return ok && m.PeerID == "A" && m.Message.From == "A" && m.Message.Text == "hello B"
		})
	})
}
