// Package routes: swaggo annotation stubs.
// Each function below is a documentation stub only; the real handler logic lives
// in the closures passed to handlePost/handleGet. `swag init -g
// internal/viewer/routes/openapi_annotations.go` regenerates ./docs/.
package routes

//	@title			goopcall viewer API
//	@version		1.0
//	@description	Call lifecycle commands and the event stream of one local client.
//	@BasePath		/
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization

// ── Request / Response types ─────────────────────────────────────────────────

// callInitiateRequest is the body for POST /api/call/initiate.
type callInitiateRequest struct {
	ChannelID string   `json:"channel_id" example:"room-42"`
	Invited   []string `json:"invited"    example:"bob,carol"`
	Video     bool     `json:"video"`
}

// callIDRequest is the body for POST /api/call/join and /api/call/decline.
type callIDRequest struct {
	CallID string `json:"call_id" example:"7b0c2f1e-..."`
}

// callTerminateRequest is the body for POST /api/call/terminate.
type callTerminateRequest struct {
	State  string `json:"state"  example:"ended" enums:"ended,failed"`
	Reason string `json:"reason" example:"hangup"`
}

// callToggleRequest is the body for toggle-audio and toggle-video. Omitting
// enabled flips the current value.
type callToggleRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// callSwitchDeviceRequest is the body for POST /api/call/switch-device.
type callSwitchDeviceRequest struct {
	Kind     string `json:"kind"      example:"video" enums:"audio,video"`
	DeviceID string `json:"device_id" example:"/dev/video0"`
}

// callMessageRequest is the body for POST /api/call/message.
type callMessageRequest struct {
	Kind    string `json:"kind"    example:"chat"`
	Text    string `json:"text"    example:"hello"`
	Payload []byte `json:"payload,omitempty"`
}

// statusResponse is the body of commands that only report completion.
type statusResponse struct {
	Status string `json:"status" example:"ended"`
}

// ── Call ─────────────────────────────────────────────────────────────────────

// swagCallState is a documentation stub for GET /api/call/state.
//
//	@Summary	Current call, local media and peer connections
//	@Tags		call
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	stateView
//	@Failure	401	{object}	errorBody
//	@Router		/api/call/state [get]
func swagCallState() {}

// swagCallDevices is a documentation stub for GET /api/call/devices.
//
//	@Summary	Capture and output devices, grouped by kind
//	@Tags		call
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	media.DeviceList
//	@Router		/api/call/devices [get]
func swagCallDevices() {}

// swagCallInitiate is a documentation stub for POST /api/call/initiate.
//
//	@Summary	Start a call in a channel
//	@Description	Creates the call record with the local user as the only participant,\nacquires local media and starts ringing the invited users.
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		callInitiateRequest	true	"Initiate request"
//	@Success	200		{object}	model.CallRecord
//	@Failure	409		{object}	errorBody	"call_in_progress"
//	@Failure	403		{object}	errorBody	"permission_denied"
//	@Router		/api/call/initiate [post]
func swagCallInitiate() {}

// swagCallJoin is a documentation stub for POST /api/call/join.
//
//	@Summary	Join an existing call
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		callIDRequest	true	"Join request"
//	@Success	200		{object}	model.CallRecord
//	@Failure	404		{object}	errorBody	"call_not_found"
//	@Failure	409		{object}	errorBody	"call_in_progress or write_conflict"
//	@Router		/api/call/join [post]
func swagCallJoin() {}

// swagCallDecline is a documentation stub for POST /api/call/decline.
//
//	@Summary	Decline an invitation
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		callIDRequest	true	"Decline request"
//	@Success	200		{object}	model.CallRecord
//	@Failure	404		{object}	errorBody	"call_not_found"
//	@Router		/api/call/decline [post]
func swagCallDecline() {}

// swagCallEnd is a documentation stub for POST /api/call/end.
//
//	@Summary	Leave the current call
//	@Description	The last participant to leave ends the call. A no-op outside a call.
//	@Tags		call
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	statusResponse
//	@Router		/api/call/end [post]
func swagCallEnd() {}

// swagCallTerminate is a documentation stub for POST /api/call/terminate.
//
//	@Summary	End the current call for every participant
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		callTerminateRequest	false	"Terminal state and reason"
//	@Success	200		{object}	statusResponse
//	@Failure	400		{object}	errorBody	"invalid_state"
//	@Failure	409		{object}	errorBody	"not_in_call"
//	@Router		/api/call/terminate [post]
func swagCallTerminate() {}

// swagCallToggleAudio is a documentation stub for POST /api/call/toggle-audio.
//
//	@Summary	Mute or unmute the microphone
//	@Tags		media
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		callToggleRequest	false	"Omit to flip"
//	@Success	200		{object}	map[string]bool
//	@Router		/api/call/toggle-audio [post]
func swagCallToggleAudio() {}

// swagCallToggleVideo is a documentation stub for POST /api/call/toggle-video.
//
//	@Summary	Turn the camera on or off
//	@Tags		media
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		callToggleRequest	false	"Omit to flip"
//	@Success	200		{object}	map[string]bool
//	@Router		/api/call/toggle-video [post]
func swagCallToggleVideo() {}

// swagCallScreenShareStart is a documentation stub for POST /api/call/screen-share/start.
//
//	@Summary	Send the screen in place of the camera
//	@Tags		media
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	model.TrackInfo
//	@Failure	403	{object}	errorBody	"screen_share_denied"
//	@Failure	409	{object}	errorBody	"not_in_call"
//	@Router		/api/call/screen-share/start [post]
func swagCallScreenShareStart() {}

// swagCallScreenShareStop is a documentation stub for POST /api/call/screen-share/stop.
//
//	@Summary	Restore the camera
//	@Tags		media
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	statusResponse
//	@Router		/api/call/screen-share/stop [post]
func swagCallScreenShareStop() {}

// swagCallSwitchDevice is a documentation stub for POST /api/call/switch-device.
//
//	@Summary	Move the audio or video track to another device
//	@Tags		media
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		callSwitchDeviceRequest	true	"Device"
//	@Success	200		{object}	map[string]string
//	@Failure	422		{object}	errorBody	"media_acquisition"
//	@Router		/api/call/switch-device [post]
func swagCallSwitchDevice() {}

// swagCallMessage is a documentation stub for POST /api/call/message.
//
//	@Summary	Broadcast a message over every data channel
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		callMessageRequest	true	"Message"
//	@Success	200		{object}	statusResponse
//	@Failure	409		{object}	errorBody	"not_in_call"
//	@Router		/api/call/message [post]
func swagCallMessage() {}

// swagCallEvents is a documentation stub for GET /api/call/events.
//
//	@Summary	Event stream (WebSocket)
//	@Description	Upgrades to a WebSocket. Recent history is replayed first, then live events follow.\nBrowsers pass the token as ?token= since they cannot set headers on the upgrade.
//	@Tags		events
//	@Security	BearerAuth
//	@Param		token	query	string	false	"JWT when no Authorization header is sent"
//	@Success	101
//	@Router		/api/call/events [get]
func swagCallEvents() {}

// ── Logs ─────────────────────────────────────────────────────────────────────

// swagLogs is a documentation stub for GET /api/logs.
//
//	@Summary	Buffered log lines
//	@Tags		logs
//	@Produce	json
//	@Security	BearerAuth
//	@Param		call		query	string	false	"Only lines tagged with this call id"
//	@Param		subsystem	query	string	false	"Logger name, e.g. call or peer"
//	@Param		level		query	string	false	"Minimum level"
//	@Param		limit		query	int		false	"Newest N lines"
//	@Success	200	{array}	viewer.LogEntry
//	@Router		/api/logs [get]
func swagLogs() {}

// swagLogsStream is a documentation stub for GET /api/logs/stream.
//
//	@Summary	Live log tail (Server-Sent Events)
//	@Tags		logs
//	@Produce	text/event-stream
//	@Security	BearerAuth
//	@Param		call		query	string	false	"Only lines tagged with this call id"
//	@Param		subsystem	query	string	false	"Logger name"
//	@Param		level		query	string	false	"Minimum level"
//	@Router		/api/logs/stream [get]
func swagLogsStream() {}
