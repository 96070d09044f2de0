package call

import (
	"slices"
	"time"

	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/store"
)

// Record transitions. Each works on a private copy inside a CAS loop and may
// run more than once; store.ErrSkip means nothing to write.

func join(r *model.CallRecord, userID string, now time.Time) error {
	if r.State.Terminal() {
		return errTerminal
	}
	if r.HasParticipant(userID) {
		return store.ErrSkip
	}
	r.Participants = append(r.Participants, userID)
	r.Declined = slices.DeleteFunc(r.Declined, func(id string) bool { return id == userID })
	if len(r.Participants) >= 2 && r.State != model.CallStateActive {
		r.State = model.CallStateActive
		if r.ActiveAt == nil {
			t := now
			r.ActiveAt = &t
		}
	}
	return nil
}

func leave(r *model.CallRecord, userID, reason string, now time.Time) error {
	if r.State.Terminal() || !r.HasParticipant(userID) {
		return store.ErrSkip
	}
	r.Participants = slices.DeleteFunc(r.Participants, func(id string) bool { return id == userID })
	if len(r.Participants) == 0 {
		return terminate(r, model.CallStateEnded, reason, now)
	}
	return nil
}

func terminate(r *model.CallRecord, state model.CallState, reason string, now time.Time) error {
	if r.State.Terminal() {
		return store.ErrSkip
	}
	r.State = state
	r.Participants = []string{}
	t := now
	r.EndedAt = &t
	r.EndReason = reason
	d := duration(r, now)
	r.DurationSeconds = &d
	return nil
}

// decline records userID turning the call down. Once every invitee declined
// while nobody but the initiator is in, the call is over.
func decline(r *model.CallRecord, userID string, now time.Time) error {
	if r.State.Terminal() {
		return errTerminal
	}
	if r.HasParticipant(userID) || slices.Contains(r.Declined, userID) {
		return store.ErrSkip
	}
	r.Declined = append(r.Declined, userID)
	if len(r.Invited) == 0 || len(r.Participants) > 1 {
		return nil
	}
	for _, id := range r.Invited {
		if id != r.InitiatorID && !slices.Contains(r.Declined, id) {
			return nil
		}
	}
	return terminate(r, model.CallStateDeclined, model.EndReasonDeclined, now)
}

// duration counts whole seconds from activation, or from creation for a call
// nobody joined.
func duration(r *model.CallRecord, now time.Time) int64 {
	start := r.CreatedAt
	if r.ActiveAt != nil {
		start = *r.ActiveAt
	}
	d := int64(now.Sub(start) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}
