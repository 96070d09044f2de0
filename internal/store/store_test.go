package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

type counter struct {
	Names []string `json:"names"`
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemory()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"), 10*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func recv(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func TestCreateGetDelete(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.Create(ctx, "calls", "", counter{Names: []string{"a"}})
		if err != nil {
			t.Fatal(err)
		}
		if id == "" {
			t.Fatal("expected generated id")
		}
		if _, err := s.Create(ctx, "calls", id, counter{}); !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}

		doc, err := s.Get(ctx, "calls", id)
		if err != nil {
			t.Fatal(err)
		}
		if doc.Version != 1 {
			t.Fatalf("expected version 1, got %d", doc.Version)
		}
		var c counter
		if err := doc.Decode(&c); err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(c.Names, []string{"a"}) {
			t.Fatalf("unexpected body %v", c.Names)
		}

		if err := s.Delete(ctx, "calls", id); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, "calls", id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.Delete(ctx, "calls", id); err != nil {
			t.Fatalf("second delete should be a no-op, got %v", err)
		}
	})
}

func TestConditionalUpdate(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Create(ctx, "calls", "c1", counter{}); err != nil {
			t.Fatal(err)
		}

		v, err := s.Update(ctx, "calls", "c1", counter{Names: []string{"x"}}, IfVersion(1))
		if err != nil {
			t.Fatal(err)
		}
		if v != 2 {
			t.Fatalf("expected version 2, got %d", v)
		}
		if _, err := s.Update(ctx, "calls", "c1", counter{}, IfVersion(1)); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := s.Update(ctx, "calls", "missing", counter{}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMutateConcurrentUnion(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Create(ctx, "calls", "c1", counter{}); err != nil {
			t.Fatal(err)
		}

		const writers = 6
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			name := fmt.Sprintf("user-%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := Mutate(ctx, s, "calls", "c1", 50, func(cur *Doc) (any, error) {
					var c counter
					if err := cur.Decode(&c); err != nil {
						return nil, err
					}
					if !slices.Contains(c.Names, name) {
						c.Names = append(c.Names, name)
					}
					return c, nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}

		doc, err := s.Get(ctx, "calls", "c1")
		if err != nil {
			t.Fatal(err)
		}
		var c counter
		doc.Decode(&c)
		if len(c.Names) != writers {
			t.Fatalf("lost update: got %v", c.Names)
		}
	})
}

func TestMutateSkip(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Create(ctx, "calls", "c1", counter{})

		cur, err := Mutate(ctx, s, "calls", "c1", 3, func(*Doc) (any, error) {
			return nil, ErrSkip
		})
		if !errors.Is(err, ErrSkip) {
			t.Fatalf("expected ErrSkip, got %v", err)
		}
		if cur == nil || cur.Version != 1 {
			t.Fatalf("expected current doc at version 1, got %+v", cur)
		}
	})
}

func TestMutateGivesUp(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	ctx := context.Background()
	s.Create(ctx, "calls", "c1", counter{})

	attempts := 0
	_, err := Mutate(ctx, s, "calls", "c1", 3, func(cur *Doc) (any, error) {
		attempts++
		// A competing writer lands between our read and write every time.
		if _, err := s.Put(ctx, "calls", "c1", counter{Names: []string{"other"}}); err != nil {
			return nil, err
		}
		return counter{Names: []string{"mine"}}, nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestSubscribeSnapshotThenLive(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s.Put(ctx, "candidates", "call1/a/b/1", counter{Names: []string{"1"}})
		s.Put(ctx, "candidates", "call1/a/b/2", counter{Names: []string{"2"}})
		s.Put(ctx, "candidates", "call2/a/b/1", counter{})

		ch, err := s.Subscribe(ctx, "candidates", "call1/a/b/")
		if err != nil {
			t.Fatal(err)
		}

		if c := recv(t, ch); c.ID != "call1/a/b/1" || c.Kind != ChangePut {
			t.Fatalf("unexpected first change %+v", c)
		}
		if c := recv(t, ch); c.ID != "call1/a/b/2" {
			t.Fatalf("unexpected second change %+v", c)
		}

		s.Put(ctx, "candidates", "call2/a/b/2", counter{})
		s.Put(ctx, "candidates", "call1/a/b/3", counter{})
		s.Delete(ctx, "candidates", "call1/a/b/1")

		c := recv(t, ch)
		if c.ID != "call1/a/b/3" || c.Doc == nil {
			t.Fatalf("expected live put of 3, got %+v", c)
		}
		c = recv(t, ch)
		if c.ID != "call1/a/b/1" || c.Kind != ChangeDelete {
			t.Fatalf("expected delete of 1, got %+v", c)
		}
	})
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := s.Subscribe(ctx, "calls", "")
		if err != nil {
			t.Fatal(err)
		}
		cancel()
		select {
		case _, ok := <-ch:
			if ok {
				t.Fatal("expected closed channel")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscription did not close")
		}
	})
}

func TestListOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Put(ctx, "offers", "c/b", counter{})
		s.Put(ctx, "offers", "c/a", counter{})
		s.Put(ctx, "offers", "d/a", counter{})

		docs, err := s.List(ctx, "offers", "c/")
		if err != nil {
			t.Fatal(err)
		}
		var ids []string
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
		if !slices.Equal(ids, []string{"c/b", "c/a"}) {
			t.Fatalf("expected write order, got %v", ids)
		}
	})
}

func TestRawMessagePassthrough(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	ctx := context.Background()
	raw := json.RawMessage(`{"names":["r"]}`)
	s.Put(ctx, "calls", "r", raw)
	doc, _ := s.Get(ctx, "calls", "r")
	if string(doc.Data) != string(raw) {
		t.Fatalf("expected raw body, got %s", doc.Data)
	}
}

func TestSQLiteSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := OpenSQLite(path, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := OpenSQLite(path, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, "calls", "")
	if err != nil {
		t.Fatal(err)
	}

	// Written through a, observed by b's poller.
	if _, err := a.Create(ctx, "calls", "c1", counter{}); err != nil {
		t.Fatal(err)
	}
	if c := recv(t, ch); c.ID != "c1" {
		t.Fatalf("unexpected change %+v", c)
	}
}

func TestSQLiteCompact(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	s.Put(ctx, "calls", "a", counter{})
	s.Put(ctx, "calls", "a", counter{})

	n, err := s.Compact(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 compacted changes, got %d", n)
	}
	if _, err := s.Get(ctx, "calls", "a"); err != nil {
		t.Fatalf("compaction must keep documents: %v", err)
	}
}
