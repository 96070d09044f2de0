package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/store"
	"github.com/petervdpas/goopcall/internal/util"
)

// openStore opens the configured document store. Relative sqlite paths
// resolve against the config file's directory.
func openStore(cfgPath string, c config.Store) (store.Store, error) {
	switch c.Driver {
	case "memory":
		log.Warn("APP: memory store, calls only reach clients in this process")
		return store.NewMemory(), nil
	case "sqlite":
		path := util.ResolvePath(filepath.Dir(cfgPath), c.Path)
		db, err := store.OpenSQLite(path, c.PollInterval())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		log.Infof("APP: store %s", db.Path())
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

type compacter interface {
	Compact(ctx context.Context, cutoff time.Time) (int64, error)
}

// compactLoop trims the change log every interval until ctx ends.
func compactLoop(ctx context.Context, c compacter, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := c.Compact(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warnf("APP: compact: %v", err)
				continue
			}
			if n > 0 {
				log.Debugf("APP: compacted %d change log entries", n)
			}
		}
	}
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
