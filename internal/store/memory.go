package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. All subscribers of one Memory share a
// single ordered change sequence, which makes it a faithful stand-in for a
// hosted store when several call clients run in one process.
type Memory struct {
	mu     sync.Mutex
	seq    int64
	docs   map[string]map[string]*memDoc
	subs   map[*subscriber]struct{}
	closed bool
}

type memDoc struct {
	doc Doc
	seq int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]*memDoc),
		subs: make(map[*subscriber]struct{}),
	}
}

func (m *Memory) Create(ctx context.Context, collection, id string, data any) (string, error) {
	raw, err := marshal(data)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if _, ok := m.coll(collection)[id]; ok {
		return "", ErrExists
	}
	m.write(collection, id, raw, 1)
	return id, nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (*Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	d, ok := m.coll(collection)[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(&d.doc), nil
}

func (m *Memory) Put(ctx context.Context, collection, id string, data any) (int64, error) {
	raw, err := marshal(data)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	version := int64(1)
	if d, ok := m.coll(collection)[id]; ok {
		version = d.doc.Version + 1
	}
	m.write(collection, id, raw, version)
	return version, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, data any, opts ...UpdateOption) (int64, error) {
	o := applyUpdateOptions(opts)
	raw, err := marshal(data)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	d, ok := m.coll(collection)[id]
	if !ok {
		return 0, ErrNotFound
	}
	if o.checked && d.doc.Version != o.ifVersion {
		return 0, ErrConflict
	}
	version := d.doc.Version + 1
	m.write(collection, id, raw, version)
	return version, nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c := m.coll(collection)
	if _, ok := c[id]; !ok {
		return nil
	}
	delete(c, id)
	m.seq++
	m.notify(Change{Seq: m.seq, Kind: ChangeDelete, Collection: collection, ID: id})
	return nil
}

func (m *Memory) List(ctx context.Context, collection, prefix string) ([]*Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*Doc, 0)
	for _, d := range m.sorted(collection, prefix) {
		out = append(out, copyDoc(&d.doc))
	}
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, collection, prefix string) (<-chan Change, error) {
	sub := newSubscriber(collection, prefix)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	// Snapshot and registration happen under one lock so no write falls
	// between the two.
	for _, d := range m.sorted(collection, prefix) {
		sub.push(Change{Seq: d.seq, Kind: ChangePut, Collection: collection, ID: d.doc.ID, Doc: copyDoc(&d.doc)})
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	out := make(chan Change)
	go func() {
		sub.pump(ctx, out)
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}()
	return out, nil
}

// Close stops every subscription. Further calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		sub.stop()
	}
	m.subs = nil
	return nil
}

// write must be called with m.mu held.
func (m *Memory) write(collection, id string, raw []byte, version int64) {
	m.seq++
	d := &memDoc{
		doc: Doc{
			Collection: collection,
			ID:         id,
			Data:       slices.Clone(raw),
			Version:    version,
			UpdatedAt:  time.Now(),
		},
		seq: m.seq,
	}
	m.coll(collection)[id] = d
	m.notify(Change{Seq: m.seq, Kind: ChangePut, Collection: collection, ID: id, Doc: copyDoc(&d.doc)})
}

func (m *Memory) notify(c Change) {
	for sub := range m.subs {
		if sub.matches(c.Collection, c.ID) {
			sub.push(c)
		}
	}
}

func (m *Memory) coll(name string) map[string]*memDoc {
	c, ok := m.docs[name]
	if !ok {
		c = make(map[string]*memDoc)
		m.docs[name] = c
	}
	return c
}

func (m *Memory) sorted(collection, prefix string) []*memDoc {
	var out []*memDoc
	for id, d := range m.coll(collection) {
		if strings.HasPrefix(id, prefix) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func copyDoc(d *Doc) *Doc {
	c := *d
	c.Data = slices.Clone(d.Data)
	return &c
}

// subscriber buffers changes without bound so writers never block on a
// slow reader and no change is ever dropped.
type subscriber struct {
	collection string
	prefix     string

	mu    sync.Mutex
	queue []Change
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(collection, prefix string) *subscriber {
	return &subscriber{
		collection: collection,
		prefix:     prefix,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (s *subscriber) matches(collection, id string) bool {
	return s.collection == collection && strings.HasPrefix(id, s.prefix)
}

func (s *subscriber) push(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) pump(ctx context.Context, out chan<- Change) {
	defer close(out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
