package routes_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/auth"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

type fakeCalls struct {
	mu      sync.Mutex
	self    string
	audio   bool
	video   bool
	joinErr error
	invited []string
	sent    []string
}

func (f *fakeCalls) Self() string { return f.self }

func (f *fakeCalls) InitiateCall(ctx context.Context, channelID string, invited []string, video bool) (*model.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invited = invited
	return &model.CallRecord{ID: "c1", ChannelID: channelID, InitiatorID: f.self,
		Participants: []string{f.self}, State: model.CallStateRinging}, nil
}

func (f *fakeCalls) JoinCall(ctx context.Context, callID string) (*model.CallRecord, error) {
	f.mu.Lock()
	err := f.joinErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &model.CallRecord{ID: callID, State: model.CallStateActive}, nil
}

func (f *fakeCalls) DeclineCall(ctx context.Context, callID string) (*model.CallRecord, error) {
	return nil, call.ErrCallNotFound
}

func (f *fakeCalls) EndCall(ctx context.Context) error { return nil }

func (f *fakeCalls) TerminateCall(ctx context.Context, state model.CallState, reason string) error {
	if state != model.CallStateEnded && state != model.CallStateFailed {
		return fmt.Errorf("%w: %q", call.ErrInvalidState, state)
	}
	return call.ErrNotInCall
}

func (f *fakeCalls) ToggleAudio(enabled bool) {
	f.mu.Lock()
	f.audio = enabled
	f.mu.Unlock()
}

func (f *fakeCalls) ToggleVideo(enabled bool) {
	f.mu.Lock()
	f.video = enabled
	f.mu.Unlock()
}

func (f *fakeCalls) StartScreenShare(ctx context.Context) (media.Track, error) {
	return mediatest.NewTrack("screen-1", model.MediaVideo, "screen"), nil
}

func (f *fakeCalls) StopScreenShare() {}

func (f *fakeCalls) SwitchDevice(ctx context.Context, kind model.MediaKind, deviceID string) error {
	return &media.Error{Op: "switch", Kind: kind, Err: media.ErrDeviceUnavailable}
}

func (f *fakeCalls) MediaDevices(ctx context.Context) (media.DeviceList, error) {
	return media.DeviceList{AudioInputs: []media.DeviceInfo{{ID: "mic0", Kind: media.AudioInput, Label: "Mic"}}}, nil
}

func (f *fakeCalls) SendMessage(ctx context.Context, kind, text string, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, kind+":"+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) setJoinErr(err error) {
	f.mu.Lock()
	f.joinErr = err
	f.mu.Unlock()
}

func (f *fakeCalls) snapshot() (invited, sent []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invited...), append([]string(nil), f.sent...)
}

func (f *fakeCalls) State() call.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return call.State{Audio: f.audio, Video: f.video}
}

type server struct {
	*httptest.Server
	calls *fakeCalls
	bus   *events.Bus
	auth  *auth.Verifier
}

func newServer(t *testing.T, withAuth bool) *server {
	t.Helper()
	s := &server{
		calls: &fakeCalls{self: "alice", audio: true},
		bus:   events.NewBus(16),
	}
	d := routes.Deps{Calls: s.calls, Bus: s.bus}
	if withAuth {
		v, err := auth.NewVerifier("routes-test-secret-0123")
		if err != nil {
			t.Fatal(err)
		}
		s.auth = v
		d.Auth = v
	}
	mux := http.NewServeMux()
	routes.Register(mux, d)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *server) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := s.auth.Mint(user, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (s *server) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t, true)

	if resp, _ := s.do(t, http.MethodGet, "/api/call/state", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/call/state", "garbage", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", resp.StatusCode)
	}
	resp, body := s.do(t, http.MethodGet, "/api/call/state", s.token(t, "mallory"), "")
	if resp.StatusCode != http.StatusForbidden || body["code"] != "forbidden" {
		t.Fatalf("other user: %d %v", resp.StatusCode, body)
	}
	resp, body = s.do(t, http.MethodGet, "/api/call/state", s.token(t, "alice"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own token: %d", resp.StatusCode)
	}
	if body["self"] != "alice" || body["audio_enabled"] != true {
		t.Fatalf("state = %v", body)
	}
}

func TestLoopbackOnlyWithoutSecret(t *testing.T) {
	s := newServer(t, false)
	if resp, _ := s.do(t, http.MethodGet, "/api/call/state", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("loopback: %d", resp.StatusCode)
	}

	mux := http.NewServeMux()
	routes.Register(mux, routes.Deps{Calls: s.calls, Bus: s.bus})
	req := httptest.NewRequest(http.MethodGet, "/api/call/state", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("remote: %d", rec.Code)
	}
}

func TestCommands(t *testing.T) {
	s := newServer(t, true)
	tok := s.token(t, "alice")

	resp, body := s.do(t, http.MethodPost, "/api/call/initiate", tok, `{"channel_id":"general","invited":["bob"],"video":true}`)
	if resp.StatusCode != http.StatusOK || body["id"] != "c1" || body["state"] != "ringing" {
		t.Fatalf("initiate: %d %v", resp.StatusCode, body)
	}
	if invited, _ := s.calls.snapshot(); len(invited) != 1 || invited[0] != "bob" {
		t.Fatalf("invited = %v", invited)
	}

	if resp, _ := s.do(t, http.MethodPost, "/api/call/initiate", tok, `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing channel: %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodPost, "/api/call/initiate", tok, `{"channel":"x"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/call/initiate", tok, ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET initiate: %d", resp.StatusCode)
	}

	_, body = s.do(t, http.MethodPost, "/api/call/toggle-audio", tok, "")
	if body["audio_enabled"] != false {
		t.Fatalf("toggle flips: %v", body)
	}
	_, body = s.do(t, http.MethodPost, "/api/call/toggle-video", tok, `{"enabled":true}`)
	if body["video_enabled"] != true {
		t.Fatalf("toggle sets: %v", body)
	}

	_, body = s.do(t, http.MethodPost, "/api/call/screen-share/start", tok, "")
	if body["id"] != "screen-1" || body["screen"] != true {
		t.Fatalf("screen share: %v", body)
	}

	if resp, _ := s.do(t, http.MethodPost, "/api/call/message", tok, `{"text":"hi"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("message: %d", resp.StatusCode)
	}
	if _, sent := s.calls.snapshot(); len(sent) != 1 || sent[0] != "chat:hi" {
		t.Fatalf("sent = %v", sent)
	}

	_, body = s.do(t, http.MethodGet, "/api/call/devices", tok, "")
	if ins, ok := body["audio_inputs"].([]any); !ok || len(ins) != 1 {
		t.Fatalf("devices: %v", body)
	}
}

func TestErrorStatus(t *testing.T) {
	s := newServer(t, true)
	tok := s.token(t, "alice")

	cases := []struct {
		name    string
		joinErr error
		path    string
		body    string
		status  int
		code    string
	}{
		{"not found", fmt.Errorf("join: %w", call.ErrCallNotFound), "/api/call/join", `{"call_id":"x"}`, http.StatusNotFound, "call_not_found"},
		{"busy", call.ErrCallInProgress, "/api/call/join", `{"call_id":"x"}`, http.StatusConflict, "call_in_progress"},
		{"conflict", fmt.Errorf("%w: %w", call.ErrWriteConflict, context.DeadlineExceeded), "/api/call/join", `{"call_id":"x"}`, http.StatusConflict, "write_conflict"},
		{"permission", &media.Error{Op: "acquire", Err: media.ErrPermissionDenied}, "/api/call/join", `{"call_id":"x"}`, http.StatusForbidden, "permission_denied"},
		{"decline unknown", nil, "/api/call/decline", `{"call_id":"x"}`, http.StatusNotFound, "call_not_found"},
		{"device", nil, "/api/call/switch-device", `{"kind":"video","device_id":"cam9"}`, http.StatusUnprocessableEntity, "media_acquisition"},
		{"bad kind", nil, "/api/call/switch-device", `{"kind":"smell","device_id":"x"}`, http.StatusBadRequest, "bad_request"},
		{"terminate state", nil, "/api/call/terminate", `{"state":"ringing"}`, http.StatusBadRequest, "invalid_state"},
		{"terminate idle", nil, "/api/call/terminate", "", http.StatusConflict, "not_in_call"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s.calls.setJoinErr(tc.joinErr)
			resp, body := s.do(t, http.MethodPost, tc.path, tok, tc.body)
			if resp.StatusCode != tc.status || body["code"] != tc.code {
				t.Fatalf("got %d %v, want %d %s", resp.StatusCode, body, tc.status, tc.code)
			}
		})
	}
}

func TestEventStreamReplaysThenStreams(t *testing.T) {
	s := newServer(t, true)
	s.bus.Publish(events.CallStateChanged{CallID: "c1", State: model.CallStateRinging})

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/call/events?token=" + s.token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	type frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	read := func() frame {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		return f
	}

	if f := read(); f.Type != string(events.NameCallStateChanged) || !strings.Contains(string(f.Data), `"ringing"`) {
		t.Fatalf("replay = %s %s", f.Type, f.Data)
	}

	// The subscription is registered before the replay is written, so this
	// publish cannot be missed.
	s.bus.Publish(events.AudioStateChanged{Enabled: false})
	if f := read(); f.Type != string(events.NameAudioStateChanged) {
		t.Fatalf("live = %s", f.Type)
	}
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	s := newServer(t, true)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/call/events?token=" + s.token(t, "alice")
	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	if _, resp, err := websocket.DefaultDialer.Dial(url, h); err == nil {
		t.Fatal("foreign origin accepted")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
