// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/model"
)

var log = logging.Logger("viewer")

// Calls is the slice of the call orchestrator the UI drives.
type Calls interface {
	Self() string
	InitiateCall(ctx context.Context, channelID string, invited []string, video bool) (*model.CallRecord, error)
	JoinCall(ctx context.Context, callID string) (*model.CallRecord, error)
	DeclineCall(ctx context.Context, callID string) (*model.CallRecord, error)
	EndCall(ctx context.Context) error
	TerminateCall(ctx context.Context, state model.CallState, reason string) error
	ToggleAudio(enabled bool)
	ToggleVideo(enabled bool)
	StartScreenShare(ctx context.Context) (media.Track, error)
	StopScreenShare()
	SwitchDevice(ctx context.Context, kind model.MediaKind, deviceID string) error
	MediaDevices(ctx context.Context) (media.DeviceList, error)
	SendMessage(ctx context.Context, kind, text string, payload []byte) error
	State() call.State
}

// Events is the event bus as seen by the websocket stream.
type Events interface {
	Subscribe(buf int) (<-chan events.Event, func())
	History() []events.Event
}

// Verifier turns a bearer token into a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls Calls
	Bus   Events
	// Auth may be nil, in which case only loopback clients are served.
	Auth Verifier
	Logs Logs
	// Origins allowed to open the event websocket besides the serving host.
	Origins []string
}

// Register mounts every API route on mux behind the auth check.
func Register(mux *http.ServeMux, d Deps) {
	api := http.NewServeMux()

	registerCallRoutes(api, d)
	registerEventRoutes(api, d)
	registerAPILogRoutes(api, d)

	mux.Handle("/api/", requireUser(d, api))
}

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
}
