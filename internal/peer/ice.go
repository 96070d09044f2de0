package peer

import (
	"sync"

	"github.com/petervdpas/goopcall/internal/model"
)

// iceBuffer holds remote candidates until the remote description they belong
// to is set, then applies them in arrival order, each id at most once.
//
// A candidate belongs to the negotiation named by its Session and Revision.
// Candidates of the current negotiation are applied, older revisions and
// retired sessions are dropped, and anything newer waits.
type iceBuffer struct {
	mu       sync.Mutex
	apply    func(model.ICECandidate) error
	pending  []model.ICECandidate
	seen     map[string]struct{}
	retired  map[string]struct{}
	ready    bool
	session  string
	revision int
}

func newICEBuffer(apply func(model.ICECandidate) error) *iceBuffer {
	return &iceBuffer{
		apply:   apply,
		seen:    make(map[string]struct{}),
		retired: make(map[string]struct{}),
	}
}

// Add applies c now if its remote description is set, else queues it.
func (b *iceBuffer) Add(c model.ICECandidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[c.ID]; dup {
		return
	}
	switch b.classify(c) {
	case candApply:
		b.applyLocked(c)
	case candWait:
		b.seen[c.ID] = struct{}{}
		b.pending = append(b.pending, c)
	case candDrop:
		b.seen[c.ID] = struct{}{}
	}
}

// SetRemote records that the remote description of (session, revision) is
// now set and flushes the queue.
func (b *iceBuffer) SetRemote(session string, revision int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != "" && b.session != session {
		b.retired[b.session] = struct{}{}
	}
	b.session = session
	b.revision = revision
	b.ready = true

	queue := b.pending
	b.pending = nil
	for _, c := range queue {
		switch b.classify(c) {
		case candApply:
			b.applyLocked(c)
		case candWait:
			b.pending = append(b.pending, c)
		}
	}
}

// Unready holds candidates again until the next SetRemote, as during an
// ICE restart.
func (b *iceBuffer) Unready() {
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
}

// Discard drops everything queued.
func (b *iceBuffer) Discard() {
	b.mu.Lock()
	b.pending = nil
	b.ready = false
	b.mu.Unlock()
}

// Pending returns the number of queued candidates.
func (b *iceBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

type candAction int

const (
	candApply candAction = iota
	candWait
	candDrop
)

func (b *iceBuffer) classify(c model.ICECandidate) candAction {
	if _, old := b.retired[c.Session]; old {
		return candDrop
	}
	if c.Session != b.session {
		return candWait
	}
	switch {
	case c.Revision < b.revision:
		return candDrop
	case c.Revision > b.revision || !b.ready:
		return candWait
	}
	return candApply
}

func (b *iceBuffer) applyLocked(c model.ICECandidate) {
	b.seen[c.ID] = struct{}{}
	if err := b.apply(c); err != nil {
		log.Warnf("PEER: apply candidate %s: %v", c.ID, err)
	}
}
