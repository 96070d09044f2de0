package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultPollInterval is how often subscriptions look for writes made by
// other processes sharing the database file.
const DefaultPollInterval = 250 * time.Millisecond

// SQLite is a Store backed by a SQLite file. Several processes may open the
// same file; each sees the others' writes through the shared change log.
type SQLite struct {
	db           *sql.DB
	path         string
	pollInterval time.Duration

	wakeMu sync.Mutex
	wake   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, pollInterval time.Duration) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL lets pollers in other processes read while we write.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _docs (
			collection TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			version    INTEGER NOT NULL,
			seq        INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create docs table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _changes (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			kind       TEXT    NOT NULL,
			data       TEXT,
			version    INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS _changes_coll_seq ON _changes (collection, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create changes table: %w", err)
	}

	return &SQLite{
		db:           db,
		path:         path,
		pollInterval: pollInterval,
		wake:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Create(ctx context.Context, collection, id string, data any) (string, error) {
	raw, err := marshal(data)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	err = s.tx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM _docs WHERE collection = ? AND id = ?`, collection, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		return writeDoc(ctx, tx, collection, id, raw, 1)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (*Doc, error) {
	d := &Doc{Collection: collection, ID: id}
	var data string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM _docs WHERE collection = ? AND id = ?`,
		collection, id).Scan(&data, &d.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	d.Data = []byte(data)
	d.UpdatedAt = time.UnixMilli(updated)
	return d, nil
}

func (s *SQLite) Put(ctx context.Context, collection, id string, data any) (int64, error) {
	raw, err := marshal(data)
	if err != nil {
		return 0, err
	}
	var version int64
	err = s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := currentVersion(ctx, tx, collection, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		version = cur + 1
		return writeDoc(ctx, tx, collection, id, raw, version)
	})
	return version, err
}

func (s *SQLite) Update(ctx context.Context, collection, id string, data any, opts ...UpdateOption) (int64, error) {
	o := applyUpdateOptions(opts)
	raw, err := marshal(data)
	if err != nil {
		return 0, err
	}
	var version int64
	err = s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := currentVersion(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if o.checked && cur != o.ifVersion {
			return ErrConflict
		}
		version = cur + 1
		return writeDoc(ctx, tx, collection, id, raw, version)
	})
	return version, err
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM _docs WHERE collection = ? AND id = ?`, collection, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO _changes (collection, id, kind, created_at) VALUES (?, ?, ?, ?)`,
			collection, id, string(ChangeDelete), time.Now().UnixMilli())
		return err
	})
}

func (s *SQLite) List(ctx context.Context, collection, prefix string) ([]*Doc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, version, updated_at FROM _docs
		WHERE collection = ? AND substr(id, 1, length(?)) = ?
		ORDER BY seq`, collection, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	out := make([]*Doc, 0)
	for rows.Next() {
		d := &Doc{Collection: collection}
		var data string
		var updated int64
		if err := rows.Scan(&d.ID, &data, &d.Version, &updated); err != nil {
			return nil, err
		}
		d.Data = []byte(data)
		d.UpdatedAt = time.UnixMilli(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Subscribe(ctx context.Context, collection, prefix string) (<-chan Change, error) {
	var (
		last     int64
		snapshot []Change
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM _changes`).Scan(&last); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT id, data, version, seq, updated_at FROM _docs
			WHERE collection = ? AND substr(id, 1, length(?)) = ?
			ORDER BY seq`, collection, prefix, prefix)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d := &Doc{Collection: collection}
			var data string
			var seq, updated int64
			if err := rows.Scan(&d.ID, &data, &d.Version, &seq, &updated); err != nil {
				return err
			}
			d.Data = []byte(data)
			d.UpdatedAt = time.UnixMilli(updated)
			snapshot = append(snapshot, Change{Seq: seq, Kind: ChangePut, Collection: collection, ID: d.ID, Doc: d})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	out := make(chan Change)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)

		send := func(c Change) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			case <-s.done:
				return false
			}
		}
		for _, c := range snapshot {
			if !send(c) {
				return
			}
		}

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			changes, err := s.changesSince(ctx, collection, prefix, last)
			if err != nil && ctx.Err() == nil {
				log.Warnf("STORE: poll %s: %v", collection, err)
			}
			for _, c := range changes {
				if !send(c) {
					return
				}
				last = c.Seq
			}

			wake := s.wakeChan()
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
			case <-wake:
			}
		}
	}()
	return out, nil
}

func (s *SQLite) changesSince(ctx context.Context, collection, prefix string, after int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, data, version, created_at FROM _changes
		WHERE collection = ? AND seq > ? AND substr(id, 1, length(?)) = ?
		ORDER BY seq`, collection, after, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c       Change
			kind    string
			data    sql.NullString
			version int64
			created int64
		)
		if err := rows.Scan(&c.Seq, &c.ID, &kind, &data, &version, &created); err != nil {
			return nil, err
		}
		c.Collection = collection
		c.Kind = ChangeKind(kind)
		if c.Kind == ChangePut {
			c.Doc = &Doc{
				Collection: collection,
				ID:         c.ID,
				Data:       []byte(data.String),
				Version:    version,
				UpdatedAt:  time.UnixMilli(created),
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Compact drops change log entries written before cutoff. Subscriptions
// opened afterwards still see current documents through their snapshot.
func (s *SQLite) Compact(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM _changes WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	return res.RowsAffected()
}

// Close stops subscriptions and closes the database.
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLite) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.broadcastWake()
	return nil
}

func (s *SQLite) wakeChan() <-chan struct{} {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	return s.wake
}

// broadcastWake nudges local pollers after a commit instead of waiting for
// their next tick.
func (s *SQLite) broadcastWake() {
	s.wakeMu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.wakeMu.Unlock()
}

func currentVersion(ctx context.Context, tx *sql.Tx, collection, id string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM _docs WHERE collection = ? AND id = ?`, collection, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return v, err
}

func writeDoc(ctx context.Context, tx *sql.Tx, collection, id string, raw []byte, version int64) error {
	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO _changes (collection, id, kind, data, version, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		collection, id, string(ChangePut), string(raw), version, now)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _docs (collection, id, data, version, seq, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data, version = excluded.version,
			seq = excluded.seq, updated_at = excluded.updated_at`,
		collection, id, string(raw), version, seq, now)
	if err != nil {
		return fmt.Errorf("write doc: %w", err)
	}
	return nil
}
