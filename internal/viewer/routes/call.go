package routes

import (
	"net/http"
	"strings"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/model"
	"github.com/petervdpas/goopcall/internal/peer"
)

type stateView struct {
	Self        string            `json:"self"`
	Call        *model.CallRecord `json:"call"`
	Audio       bool              `json:"audio_enabled"`
	Video       bool              `json:"video_enabled"`
	Sharing     bool              `json:"screen_sharing"`
	Tracks      []model.TrackInfo `json:"tracks"`
	Connections []connView        `json:"connections"`
}

type connView struct {
	RemoteID string                `json:"remote_id"`
	Offerer  bool                  `json:"offerer"`
	Session  string                `json:"session,omitempty"`
	Revision int                   `json:"revision"`
	State    model.ConnectionState `json:"state"`
	Restarts int                   `json:"ice_restarts"`
	Pending  int                   `json:"pending_candidates"`
	Streams  []string              `json:"streams"`
}

func viewState(self string, st call.State) stateView {
	v := stateView{
		Self:        self,
		Call:        st.Call,
		Audio:       st.Audio,
		Video:       st.Video,
		Sharing:     st.Sharing,
		Tracks:      st.Tracks,
		Connections: make([]connView, 0, len(st.Connections)),
	}
	if v.Tracks == nil {
		v.Tracks = []model.TrackInfo{}
	}
	for _, c := range st.Connections {
		v.Connections = append(v.Connections, viewConn(c))
	}
	return v
}

func viewConn(c peer.Info) connView {
	streams := c.Streams
	if streams == nil {
		streams = []string{}
	}
	return connView{
		RemoteID: c.Key.RemoteID,
		Offerer:  c.Offerer,
		Session:  c.Session,
		Revision: c.Revision,
		State:    c.State,
		Restarts: c.Restarts,
		Pending:  c.Pending,
		Streams:  streams,
	}
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	calls := d.Calls

	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, viewState(calls.Self(), calls.State()))
	})

	// GET /api/call/devices
	handleGet(mux, "/api/call/devices", func(w http.ResponseWriter, r *http.Request) {
		list, err := calls.MediaDevices(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, list)
	})

	// POST /api/call/initiate
	handlePost(mux, "/api/call/initiate", func(w http.ResponseWriter, r *http.Request, req struct {
		ChannelID string   `json:"channel_id"`
		Invited   []string `json:"invited"`
		Video     bool     `json:"video"`
	}) {
		if strings.TrimSpace(req.ChannelID) == "" {
			writeError(w, badRequest("missing channel_id"))
			return
		}
		rec, err := calls.InitiateCall(r.Context(), req.ChannelID, req.Invited, req.Video)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	})

	// POST /api/call/join
	handlePost(mux, "/api/call/join", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			writeError(w, badRequest("missing call_id"))
			return
		}
		rec, err := calls.JoinCall(r.Context(), req.CallID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			writeError(w, badRequest("missing call_id"))
			return
		}
		rec, err := calls.DeclineCall(r.Context(), req.CallID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	})

	// POST /api/call/end: leave the current call, a no-op outside one.
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.EndCall(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/terminate ends the call for everyone.
	handlePost(mux, "/api/call/terminate", func(w http.ResponseWriter, r *http.Request, req struct {
		State  model.CallState `json:"state"`
		Reason string          `json:"reason"`
	}) {
		state := req.State
		if state == "" {
			state = model.CallStateEnded
		}
		if err := calls.TerminateCall(r.Context(), state, req.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": string(state)})
	})

	// POST /api/call/toggle-audio {"enabled": bool}. Omitting enabled flips it.
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled *bool `json:"enabled"`
	}) {
		on := !calls.State().Audio
		if req.Enabled != nil {
			on = *req.Enabled
		}
		calls.ToggleAudio(on)
		writeJSON(w, map[string]bool{"audio_enabled": on})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled *bool `json:"enabled"`
	}) {
		on := !calls.State().Video
		if req.Enabled != nil {
			on = *req.Enabled
		}
		calls.ToggleVideo(on)
		writeJSON(w, map[string]bool{"video_enabled": on})
	})

	// POST /api/call/screen-share/start
	handlePost(mux, "/api/call/screen-share/start", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		t, err := calls.StartScreenShare(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, media.Info(t, true))
	})

	// POST /api/call/screen-share/stop
	handlePost(mux, "/api/call/screen-share/stop", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		calls.StopScreenShare()
		writeJSON(w, map[string]string{"status": "stopped"})
	})

	// POST /api/call/switch-device
	handlePost(mux, "/api/call/switch-device", func(w http.ResponseWriter, r *http.Request, req struct {
		Kind     model.MediaKind `json:"kind"`
		DeviceID string          `json:"device_id"`
	}) {
		if req.Kind != model.MediaAudio && req.Kind != model.MediaVideo {
			writeError(w, badRequest("kind must be audio or video"))
			return
		}
		if req.DeviceID == "" {
			writeError(w, badRequest("missing device_id"))
			return
		}
		if err := calls.SwitchDevice(r.Context(), req.Kind, req.DeviceID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "switched", "device_id": req.DeviceID})
	})

	// POST /api/call/message broadcasts over every data channel.
	handlePost(mux, "/api/call/message", func(w http.ResponseWriter, r *http.Request, req struct {
		Kind    string `json:"kind"`
		Text    string `json:"text"`
		Payload []byte `json:"payload"`
	}) {
		if req.Kind == "" {
			req.Kind = "chat"
		}
		if req.Text == "" && len(req.Payload) == 0 {
			writeError(w, badRequest("empty message"))
			return
		}
		if err := calls.SendMessage(r.Context(), req.Kind, req.Text, req.Payload); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "sent"})
	})
}
