package app

import (
	"io"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/config"
)

var log = logging.Logger("app")

// applyLogLevels sets the global level, then the per-subsystem overrides.
// Pion and mediadevices log through their own loggers and are unaffected.
func applyLogLevels(c config.Log) {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		log.Warnf("APP: log level %q: %v", c.Level, err)
		return
	}
	logging.SetAllLoggers(lvl)
	for name, level := range c.Subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Warnf("APP: log level for %s: %v", name, err)
		}
	}
}

// teeLogs copies every log line into w until the returned stop is called.
func teeLogs(w io.Writer) (stop func()) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		_, _ = io.Copy(w, r)
	}()
	return func() { _ = r.Close() }
}
