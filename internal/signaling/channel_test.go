package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/store"
)

func newChannel(t *testing.T) (*Channel, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestUpdateCallConcurrentJoin(t *testing.T) {
	ch, _ := newChannel(t)
	ctx := context.Background()

	rec, err := ch.CreateCall(ctx, &model.CallRecord{
		InitiatorID:  "A",
		Participants: []string{"A"},
		State:        model.CallStateRinging,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 2)
	for _, user := range []string{"B", "C"} {
		go func() {
			_, err := ch.UpdateCall(ctx, rec.ID, func(r *model.CallRecord) error {
				if !r.HasParticipant(user) {
					r.Participants = append(r.Participants, user)
				}
				return nil
			})
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	got, err := ch.GetCall(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Participants) != 3 || !got.HasParticipant("B") || !got.HasParticipant("C") {
		t.Fatalf("lost update: %v", got.Participants)
	}
}

func TestUpdateCallSkip(t *testing.T) {
	ch, _ := newChannel(t)
	ctx := context.Background()
	rec, _ := ch.CreateCall(ctx, &model.CallRecord{ID: "c1", State: model.CallStateEnded})

	got, err := ch.UpdateCall(ctx, rec.ID, func(r *model.CallRecord) error {
		return store.ErrSkip
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || got.State != model.CallStateEnded {
		t.Fatalf("expected untouched record, got %+v", got)
	}
}

func TestGetCallNotFound(t *testing.T) {
	ch, _ := newChannel(t)
	if _, err := ch.GetCall(context.Background(), "nope"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
	_, err := ch.UpdateCall(context.Background(), "nope", func(*model.CallRecord) error { return nil })
	if !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound from update, got %v", err)
	}
}

func TestWatchCallIgnoresSiblingIDs(t *testing.T) {
	ch, _ := newChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch.CreateCall(ctx, &model.CallRecord{ID: "c1", State: model.CallStateRinging})
	updates, err := ch.WatchCall(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	first := <-updates
	if first.Record == nil || first.Record.ID != "c1" {
		t.Fatalf("expected snapshot of c1, got %+v", first)
	}

	ch.CreateCall(ctx, &model.CallRecord{ID: "c10", State: model.CallStateRinging})
	ch.UpdateCall(ctx, "c1", func(r *model.CallRecord) error {
		r.State = model.CallStateActive
		return nil
	})
	next := <-updates
	if next.Record.ID != "c1" || next.Record.State != model.CallStateActive || next.Record.Version != 2 {
		t.Fatalf("unexpected update %+v", next.Record)
	}

	ch.DeleteCall(ctx, "c1")
	if del := <-updates; !del.Deleted {
		t.Fatalf("expected delete, got %+v", del)
	}
}

func TestCandidatesOrderedAndScoped(t *testing.T) {
	ch, _ := newChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, c := range []string{"c1", "c2"} {
		if _, err := ch.PublishCandidate(ctx, model.ICECandidate{CallID: "call", Sender: "A", Target: "B", Candidate: c}); err != nil {
			t.Fatal(err)
		}
	}
	// Opposite direction must not leak into A→B.
	ch.PublishCandidate(ctx, model.ICECandidate{CallID: "call", Sender: "B", Target: "A", Candidate: "x"})

	stream, err := ch.WatchCandidates(ctx, "call", "A", "B")
	if err != nil {
		t.Fatal(err)
	}
	ch.PublishCandidate(ctx, model.ICECandidate{CallID: "call", Sender: "A", Target: "B", Candidate: "c3"})

	var got []string
	for len(got) < 3 {
		select {
		case c := <-stream:
			got = append(got, c.Candidate)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != "c1" || got[1] != "c2" || got[2] != "c3" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	ch, _ := newChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offers, err := ch.WatchOffers(ctx, "call", "A", "B")
	if err != nil {
		t.Fatal(err)
	}
	err = ch.PublishOffer(ctx, model.SessionDescription{CallID: "call", Sender: "A", Target: "B", SDP: "v=0", Session: "s1", Revision: 1})
	if err != nil {
		t.Fatal(err)
	}
	o := <-offers
	if o.Type != model.SDPOffer || o.Session != "s1" || o.CreatedAt.IsZero() {
		t.Fatalf("unexpected offer %+v", o)
	}

	if err := ch.PublishOffer(ctx, model.SessionDescription{CallID: "call", Sender: "A/x", Target: "B"}); err == nil {
		t.Fatal("expected slash in sender to be rejected")
	}
}

func TestClearPairAndCall(t *testing.T) {
	ch, s := newChannel(t)
	ctx := context.Background()

	ch.PublishOffer(ctx, model.SessionDescription{CallID: "call", Sender: "A", Target: "B"})
	ch.PublishAnswer(ctx, model.SessionDescription{CallID: "call", Sender: "B", Target: "A"})
	ch.PublishCandidate(ctx, model.ICECandidate{CallID: "call", Sender: "A", Target: "B"})
	ch.PublishCandidate(ctx, model.ICECandidate{CallID: "call", Sender: "B", Target: "A"})
	ch.PublishOffer(ctx, model.SessionDescription{CallID: "call", Sender: "A", Target: "C"})

	if err := ch.ClearPair(ctx, "call", "A", "B"); err != nil {
		t.Fatal(err)
	}
	for _, coll := range []string{CollOffers, CollAnswers, CollCandidates} {
		docs, _ := s.List(ctx, coll, "call/")
		for _, d := range docs {
			if d.ID != "call/A/C" {
				t.Fatalf("stale artifact %s/%s", coll, d.ID)
			}
		}
	}

	if err := ch.ClearCall(ctx, "call"); err != nil {
		t.Fatal(err)
	}
	if docs, _ := s.List(ctx, CollOffers, "call/"); len(docs) != 0 {
		t.Fatalf("expected no offers, got %d", len(docs))
	}
}
