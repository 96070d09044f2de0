package events

import "github.com/petervdpas/goopcall/internal/util"

// History keeps recent events for replay to late subscribers. State events
// replace their previous value instead of accumulating, so the latest audio,
// video, stream and participant state survives any amount of churn.
type History struct {
	ring *util.RingBuffer[Event]
}

// NewHistory returns a history holding up to capacity events. A capacity
// below one keeps nothing.
func NewHistory(capacity int) *History {
	return &History{ring: util.NewRingBuffer[Event](capacity)}
}

func (h *History) push(e Event) {
	if !isState(e) {
		h.ring.Push(e)
		return
	}
	name := e.Name()
	h.ring.PushReplacing(e, func(old Event) bool { return old.Name() == name })
}

// Snapshot returns the stored events, oldest first.
func (h *History) Snapshot() []Event { return h.ring.Snapshot() }

// Len returns the number of stored events.
func (h *History) Len() int { return h.ring.Len() }

// isState reports events whose latest value supersedes earlier ones.
func isState(e Event) bool {
	switch e.(type) {
	case AudioStateChanged, VideoStateChanged, LocalStreamUpdated, ParticipantsUpdated:
		return true
	}
	return false
}
