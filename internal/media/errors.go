package media

import (
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/model"
)

var (
	// ErrAcquisition matches every capture failure except screen-share denial.
	ErrAcquisition       = errors.New("media acquisition failed")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrScreenShareDenied = errors.New("screen share denied")
	ErrNotAcquired       = errors.New("no local media session")
)

// Error reports a failed capture operation.
type Error struct {
	Op      string
	Kind    model.MediaKind
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every Error an ErrAcquisition, unless it is a screen-share
// denial, which the UI reports separately.
func (e *Error) Is(target error) bool {
	return target == ErrAcquisition && !errors.Is(e.Err, ErrScreenShareDenied)
}

func newError(op string, kind model.MediaKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
