// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/petervdpas/goopcall/internal/auth"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
)

// maxBody caps request bodies. Data channel payloads are the largest thing
// a client posts.
const maxBody = 1 << 20

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into T before calling fn. An empty body
// leaves T at its zero value.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		writeError(w, badRequest("invalid json: %v", err))
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeStatus(w, http.StatusOK, v)
}

func writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("VIEWER: encode response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorf("VIEWER: %v", err)
	}
	writeStatus(w, status, errorBody{Error: err.Error(), Code: code})
}

// statusFor maps domain errors to an HTTP status and a stable code the UI
// can switch on.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, call.ErrCallNotFound):
		return http.StatusNotFound, "call_not_found"
	case errors.Is(err, call.ErrCallInProgress):
		return http.StatusConflict, "call_in_progress"
	case errors.Is(err, call.ErrNotInCall), errors.Is(err, media.ErrNotAcquired):
		return http.StatusConflict, "not_in_call"
	case errors.Is(err, call.ErrWriteConflict):
		return http.StatusConflict, "write_conflict"
	case errors.Is(err, call.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, media.ErrScreenShareDenied):
		return http.StatusForbidden, "screen_share_denied"
	case errors.Is(err, media.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, media.ErrAcquisition):
		return http.StatusUnprocessableEntity, "media_acquisition"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
