// Package store is the document store the call core signals through.
//
// A Store keeps JSON documents in named collections. Every write bumps the
// document's Version and appends to an ordered change log that subscribers
// read from, so all clients of one store observe the same sequence of writes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("store")

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
	// ErrConflict is returned by a conditional Update whose version no longer matches.
	ErrConflict = errors.New("write conflict")
	// ErrSkip aborts a Mutate without writing anything.
	ErrSkip   = errors.New("mutation skipped")
	ErrClosed = errors.New("store closed")
)

// Doc is one stored document.
type Doc struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Decode unmarshals the document body into v.
func (d *Doc) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// ChangeKind tells subscribers what happened to a document.
type ChangeKind string

const (
	ChangePut    ChangeKind = "put"
	ChangeDelete ChangeKind = "delete"
)

// Change is one entry of a subscription stream. Doc is nil for deletes.
type Change struct {
	Seq        int64
	Kind       ChangeKind
	Collection string
	ID         string
	Doc        *Doc
}

// Store is the narrow document store surface the call core consumes.
type Store interface {
	// Create stores a new document. An empty id gets a generated one.
	Create(ctx context.Context, collection, id string, data any) (string, error)
	Get(ctx context.Context, collection, id string) (*Doc, error)
	// Put writes a document unconditionally, creating it when missing.
	Put(ctx context.Context, collection, id string, data any) (int64, error)
	// Update replaces an existing document and returns its new version.
	Update(ctx context.Context, collection, id string, data any, opts ...UpdateOption) (int64, error)
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// List returns the documents whose id starts with prefix, oldest write first.
	List(ctx context.Context, collection, prefix string) ([]*Doc, error)
	// Subscribe streams the current matching documents as puts, then every
	// later change, in write order. The channel closes when ctx ends.
	Subscribe(ctx context.Context, collection, prefix string) (<-chan Change, error)
	Close() error
}

// UpdateOption tunes a single Update call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	ifVersion int64
	checked   bool
}

// IfVersion makes Update fail with ErrConflict unless the stored version is v.
func IfVersion(v int64) UpdateOption {
	return func(o *updateOptions) {
		o.ifVersion = v
		o.checked = true
	}
}

func applyUpdateOptions(opts []UpdateOption) updateOptions {
	var o updateOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Mutate runs a read-modify-write loop under optimistic concurrency.
// fn receives the current document and returns the replacement body; it may
// be invoked several times and must not have side effects. Mutate gives up
// after attempts conflicts and returns an error wrapping ErrConflict.
func Mutate(ctx context.Context, s Store, collection, id string, attempts int, fn func(cur *Doc) (any, error)) (*Doc, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		cur, err := s.Get(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		next, err := fn(cur)
		if err != nil {
			if errors.Is(err, ErrSkip) {
				return cur, err
			}
			return nil, err
		}
		v, err := s.Update(ctx, collection, id, next, IfVersion(cur.Version))
		if errors.Is(err, ErrConflict) {
			log.Debugf("STORE: conflict on %s/%s (attempt %d)", collection, id, i+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		return &Doc{Collection: collection, ID: id, Data: data, Version: v, UpdatedAt: time.Now()}, nil
	}
	return nil, fmt.Errorf("%s/%s after %d attempts: %w", collection, id, attempts, ErrConflict)
}

func marshal(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}
