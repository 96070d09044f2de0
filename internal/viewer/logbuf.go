package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one go-log line split into its plaintext columns. Lines that
// do not look like go-log output keep only Msg.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Msg       string    `json:"msg"`
}

// callTag matches the "CALL [id]: " prefix the call and peer layers use.
var callTag = regexp.MustCompile(`^[A-Z]+ \[([^\]]+)\]:`)

// parseLogLine reads "time\tLEVEL\tsubsystem\tcaller\tmessage".
func parseLogLine(line string, now time.Time) LogEntry {
	e := LogEntry{TS: now, Msg: line}
	cols := strings.SplitN(line, "\t", 5)
	if len(cols) >= 4 {
		if _, err := logging.LevelFromString(strings.ToLower(cols[1])); err == nil {
			if ts, err := time.Parse(time.RFC3339Nano, cols[0]); err == nil {
				e.TS = ts
			}
			e.Level = strings.ToLower(cols[1])
			e.Subsystem = cols[2]
			e.Msg = cols[len(cols)-1]
		}
	}
	if m := callTag.FindStringSubmatch(e.Msg); m != nil {
		e.CallID = m[1]
	}
	return e
}

// LogFilter selects entries by call, subsystem and minimum level. Zero
// fields match everything. Limit keeps the newest entries.
type LogFilter struct {
	CallID    string
	Subsystem string
	MinLevel  string
	Limit     int

	min logging.LogLevel
}

func parseLogFilter(r *http.Request) (LogFilter, error) {
	q := r.URL.Query()
	f := LogFilter{
		CallID:    q.Get("call"),
		Subsystem: q.Get("subsystem"),
		MinLevel:  strings.ToLower(q.Get("level")),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, fmt.Errorf("bad limit %q", s)
		}
		f.Limit = n
	}
	return f, f.compile()
}

func (f *LogFilter) compile() error {
	if f.MinLevel == "" {
		return nil
	}
	lvl, err := logging.LevelFromString(f.MinLevel)
	if err != nil {
		return fmt.Errorf("bad level %q", f.MinLevel)
	}
	f.min = lvl
	return nil
}

// Match reports whether e passes f. Entries without a level pass a level
// filter; they are raw writes, not go-log records.
func (f LogFilter) Match(e LogEntry) bool {
	if f.CallID != "" && e.CallID != f.CallID {
		return false
	}
	if f.Subsystem != "" && e.Subsystem != f.Subsystem {
		return false
	}
	if f.MinLevel != "" && e.Level != "" {
		if lvl, err := logging.LevelFromString(e.Level); err == nil && lvl < f.min {
			return false
		}
	}
	return true
}

// LogBuffer keeps the most recent log lines for /api/logs and fans new
// lines out to /api/logs/stream. It is an io.Writer fed by the log pipe.
type LogBuffer struct {
	entries *util.RingBuffer[LogEntry]

	mu      sync.Mutex
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](maxLines),
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

// Write splits p into lines. A trailing partial line waits for the next write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLogLine(line, b.now())
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// slow subscriber
			}
		}
	}
	return len(p), nil
}

// Snapshot returns the buffered lines, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Query returns the buffered lines matching f, oldest first.
func (b *LogBuffer) Query(f LogFilter) []LogEntry {
	out := make([]LogEntry, 0)
	for _, e := range b.entries.Snapshot() {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?call=&subsystem=&level=&limit=
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := parseLogFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Query(f))
}

// GET /api/logs/stream (Server-Sent Events), tail only, same filters.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := parseLogFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.Match(e) {
				continue
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
