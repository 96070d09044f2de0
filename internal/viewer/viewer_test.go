package viewer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/petervdpas/goopcall/internal/events"
)

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(3)
	ch, cancel := b.Subscribe()
	defer cancel()

	fmt.Fprint(b, "one\r\ntw")
	if got := b.Snapshot(); len(got) != 1 || got[0].Msg != "one" {
		t.Fatalf("partial line leaked: %+v", got)
	}
	fmt.Fprint(b, "o\n\n")
	if got := b.Snapshot(); len(got) != 2 || got[1].Msg != "two" {
		t.Fatalf("blank line kept: %+v", got)
	}
	fmt.Fprint(b, "three\nfour\nfive\n")

	got := b.Snapshot()
	if len(got) != 3 || got[0].Msg != "three" || got[2].Msg != "five" {
		t.Fatalf("snapshot = %+v", got)
	}
	if e := <-ch; e.Msg != "one" {
		t.Fatalf("first streamed = %q", e.Msg)
	}
}

func TestLogBufferParsesGoLogLines(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "2026-10-14T09:30:00.123Z\tINFO\tcall\tcall/orchestrator.go:233\tCALL [c1]: joined as alice\n")
	fmt.Fprint(b, "2026-10-14T09:30:01.000Z\tDEBUG\tpeer\tpeer/pool.go:90\tPEER [c1]: offer to bob\n")
	fmt.Fprint(b, "2026-10-14T09:30:02.000Z\tWARN\tapp\tapp/run.go:121\tAPP: config watch disabled\n")
	fmt.Fprint(b, "plain line\n")

	got := b.Snapshot()
	if len(got) != 4 {
		t.Fatalf("entries = %+v", got)
	}
	first := got[0]
	if first.Level != "info" || first.Subsystem != "call" || first.CallID != "c1" || first.Msg != "CALL [c1]: joined as alice" {
		t.Fatalf("parsed = %+v", first)
	}
	if first.TS.Second() != 0 || first.TS.Minute() != 30 {
		t.Fatalf("timestamp = %v", first.TS)
	}
	if raw := got[3]; raw.Level != "" || raw.Msg != "plain line" {
		t.Fatalf("raw line = %+v", raw)
	}

	cases := []struct {
		query string
		want  int
	}{
		{"", 4},
		{"?call=c1", 2},
		{"?subsystem=peer", 1},
		{"?level=info", 3},
		{"?level=warn&limit=1", 1},
		{"?call=c1&level=info", 1},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs"+tc.query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%q: status %d", tc.query, rec.Code)
		}
		var entries []LogEntry
		if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
			t.Fatalf("%q: %v", tc.query, err)
		}
		if len(entries) != tc.want {
			t.Errorf("%q: %d entries, want %d", tc.query, len(entries), tc.want)
		}
	}

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?level=loud", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad level status = %d", rec.Code)
	}
}

func TestHandlerCORS(t *testing.T) {
	h := Handler(Viewer{
		Bus:            events.NewBus(4),
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/call/state", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/call/state", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}
