// Package signaling carries call records and per-pair negotiation artifacts
// over a document store.
//
// Layout in the store:
//
//	calls/<callID>
//	offers/<callID>/<sender>/<target>
//	answers/<callID>/<sender>/<target>
//	candidates/<callID>/<sender>/<target>/<candidateID>
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/store"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("signaling")

const (
	CollCalls      = "calls"
	CollOffers     = "offers"
	CollAnswers    = "answers"
	CollCandidates = "candidates"
)

// DefaultMaxAttempts bounds optimistic retries of UpdateCall.
const DefaultMaxAttempts = 8

var ErrCallNotFound = errors.New("call not found")

// Channel is the typed signaling surface over a store.Store.
type Channel struct {
	store    store.Store
	clock    clock.Clock
	attempts int
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock sets the clock used to stamp artifacts.
func WithClock(c clock.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

// WithMaxAttempts sets how many conflicting writes UpdateCall tolerates.
func WithMaxAttempts(n int) Option {
	return func(ch *Channel) {
		if n > 0 {
			ch.attempts = n
		}
	}
}

// New returns a Channel over s.
func New(s store.Store, opts ...Option) *Channel {
	ch := &Channel{store: s, clock: clock.New(), attempts: DefaultMaxAttempts}
	for _, o := range opts {
		o(ch)
	}
	return ch
}

// Store returns the underlying document store.
func (c *Channel) Store() store.Store {
	return c.store
}

// ── Call records ─────────────────────────────────────────────────────────────

// CreateCall stores a new record. An empty ID is replaced by a generated one.
func (c *Channel) CreateCall(ctx context.Context, rec *model.CallRecord) (*model.CallRecord, error) {
	out := rec.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	} else if _, err := util.ValidateUserID(out.ID); err != nil {
		return nil, fmt.Errorf("call id: %w", err)
	}
	if _, err := c.store.Create(ctx, CollCalls, out.ID, out); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	out.Version = 1
	return out, nil
}

// GetCall loads a record. A missing record returns ErrCallNotFound.
func (c *Channel) GetCall(ctx context.Context, id string) (*model.CallRecord, error) {
	doc, err := c.store.Get(ctx, CollCalls, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeCall(doc)
}

// UpdateCall applies fn to the current record under optimistic concurrency.
// fn works on a private copy and may be called more than once. Returning
// store.ErrSkip leaves the record untouched and UpdateCall returns the
// current record with a nil error.
func (c *Channel) UpdateCall(ctx context.Context, id string, fn func(rec *model.CallRecord) error) (*model.CallRecord, error) {
	var next *model.CallRecord
	doc, err := store.Mutate(ctx, c.store, CollCalls, id, c.attempts, func(cur *store.Doc) (any, error) {
		rec, err := decodeCall(cur)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		next = rec
		return rec, nil
	})
	switch {
	case errors.Is(err, store.ErrSkip):
		return decodeCall(doc)
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrCallNotFound
	case err != nil:
		return nil, err
	}
	next.Version = doc.Version
	return next, nil
}

// DeleteCall removes the record itself.
func (c *Channel) DeleteCall(ctx context.Context, id string) error {
	return c.store.Delete(ctx, CollCalls, id)
}

// CallUpdate is one observation of a call record.
type CallUpdate struct {
	Record  *model.CallRecord
	Deleted bool
}

// WatchCall streams the record's current value and every later write, in
// order. The channel closes when ctx ends.
func (c *Channel) WatchCall(ctx context.Context, id string) (<-chan CallUpdate, error) {
	changes, err := c.store.Subscribe(ctx, CollCalls, id)
	if err != nil {
		return nil, err
	}
	out := make(chan CallUpdate)
	go func() {
		defer close(out)
		for ch := range changes {
			if ch.ID != id {
				continue
			}
			var u CallUpdate
			if ch.Kind == store.ChangeDelete {
				u.Deleted = true
			} else {
				rec, err := decodeCall(ch.Doc)
				if err != nil {
					log.Warnf("SIGNALING: bad call record %s: %v", id, err)
					continue
				}
				u.Record = rec
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodeCall(doc *store.Doc) (*model.CallRecord, error) {
	var rec model.CallRecord
	if err := doc.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode call %s: %w", doc.ID, err)
	}
	rec.Version = doc.Version
	return &rec, nil
}

// ── Offers and answers ───────────────────────────────────────────────────────

func pairKey(callID, sender, target string) string {
	return callID + "/" + sender + "/" + target
}

// PublishOffer replaces the live offer for (sender, target).
func (c *Channel) PublishOffer(ctx context.Context, sd model.SessionDescription) error {
	sd.Type = model.SDPOffer
	return c.publishDescription(ctx, CollOffers, sd)
}

// PublishAnswer replaces the live answer for (sender, target).
func (c *Channel) PublishAnswer(ctx context.Context, sd model.SessionDescription) error {
	sd.Type = model.SDPAnswer
	return c.publishDescription(ctx, CollAnswers, sd)
}

func (c *Channel) publishDescription(ctx context.Context, coll string, sd model.SessionDescription) error {
	if err := validPair(sd.CallID, sd.Sender, sd.Target); err != nil {
		return err
	}
	if sd.CreatedAt.IsZero() {
		sd.CreatedAt = c.clock.Now()
	}
	if _, err := c.store.Put(ctx, coll, pairKey(sd.CallID, sd.Sender, sd.Target), sd); err != nil {
		return fmt.Errorf("publish %s: %w", sd.Type, err)
	}
	return nil
}

// WatchOffers streams offers from sender to target.
func (c *Channel) WatchOffers(ctx context.Context, callID, sender, target string) (<-chan model.SessionDescription, error) {
	return c.watchDescriptions(ctx, CollOffers, callID, sender, target)
}

// WatchAnswers streams answers from sender to target.
func (c *Channel) WatchAnswers(ctx context.Context, callID, sender, target string) (<-chan model.SessionDescription, error) {
	return c.watchDescriptions(ctx, CollAnswers, callID, sender, target)
}

func (c *Channel) watchDescriptions(ctx context.Context, coll, callID, sender, target string) (<-chan model.SessionDescription, error) {
	key := pairKey(callID, sender, target)
	changes, err := c.store.Subscribe(ctx, coll, key)
	if err != nil {
		return nil, err
	}
	out := make(chan model.SessionDescription)
	go func() {
		defer close(out)
		for ch := range changes {
			if ch.ID != key || ch.Kind != store.ChangePut {
				continue
			}
			var sd model.SessionDescription
			if err := ch.Doc.Decode(&sd); err != nil {
				log.Warnf("SIGNALING: bad %s %s: %v", coll, key, err)
				continue
			}
			select {
			case out <- sd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ── ICE candidates ───────────────────────────────────────────────────────────

// PublishCandidate appends a candidate to the (sender, target) stream and
// returns its id.
func (c *Channel) PublishCandidate(ctx context.Context, cand model.ICECandidate) (string, error) {
	if err := validPair(cand.CallID, cand.Sender, cand.Target); err != nil {
		return "", err
	}
	if cand.ID == "" {
		cand.ID = uuid.NewString()
	}
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = c.clock.Now()
	}
	key := pairKey(cand.CallID, cand.Sender, cand.Target) + "/" + cand.ID
	if _, err := c.store.Put(ctx, CollCandidates, key, cand); err != nil {
		return "", fmt.Errorf("publish candidate: %w", err)
	}
	return cand.ID, nil
}

// WatchCandidates streams candidates from sender to target in publish order.
// Each candidate id is delivered once.
func (c *Channel) WatchCandidates(ctx context.Context, callID, sender, target string) (<-chan model.ICECandidate, error) {
	prefix := pairKey(callID, sender, target) + "/"
	changes, err := c.store.Subscribe(ctx, CollCandidates, prefix)
	if err != nil {
		return nil, err
	}
	out := make(chan model.ICECandidate)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for ch := range changes {
			if ch.Kind != store.ChangePut {
				continue
			}
			if _, dup := seen[ch.ID]; dup {
				continue
			}
			seen[ch.ID] = struct{}{}
			var cand model.ICECandidate
			if err := ch.Doc.Decode(&cand); err != nil {
				log.Warnf("SIGNALING: bad candidate %s: %v", ch.ID, err)
				continue
			}
			select {
			case out <- cand:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ── Cleanup ──────────────────────────────────────────────────────────────────

// ClearPair deletes every offer, answer and candidate exchanged between a and
// b in either direction.
func (c *Channel) ClearPair(ctx context.Context, callID, a, b string) error {
	var errs error
	for _, dir := range [][2]string{{a, b}, {b, a}} {
		key := pairKey(callID, dir[0], dir[1])
		errs = multierr.Append(errs, c.store.Delete(ctx, CollOffers, key))
		errs = multierr.Append(errs, c.store.Delete(ctx, CollAnswers, key))
		errs = multierr.Append(errs, c.deletePrefix(ctx, CollCandidates, key+"/"))
	}
	return errs
}

// ClearCall deletes every negotiation artifact of the call. The call record
// is kept.
func (c *Channel) ClearCall(ctx context.Context, callID string) error {
	prefix := callID + "/"
	var errs error
	for _, coll := range []string{CollOffers, CollAnswers, CollCandidates} {
		errs = multierr.Append(errs, c.deletePrefix(ctx, coll, prefix))
	}
	return errs
}

func (c *Channel) deletePrefix(ctx context.Context, coll, prefix string) error {
	docs, err := c.store.List(ctx, coll, prefix)
	if err != nil {
		return err
	}
	var errs error
	for _, d := range docs {
		errs = multierr.Append(errs, c.store.Delete(ctx, coll, d.ID))
	}
	return errs
}

// Now returns the channel clock's current time.
func (c *Channel) Now() time.Time {
	return c.clock.Now()
}

func validPair(callID, sender, target string) error {
	for _, id := range []string{callID, sender, target} {
		if _, err := util.ValidateUserID(id); err != nil {
			return fmt.Errorf("signaling key %q: %w", id, err)
		}
	}
	return nil
}
