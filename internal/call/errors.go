package call

import (
	"errors"

	"github.com/petervdpas/goopcall/internal/signaling"
)

var (
	// ErrCallNotFound is returned for an unknown call id and for a call that
	// already reached a terminal state.
	ErrCallNotFound = signaling.ErrCallNotFound

	// ErrWriteConflict means the call record kept changing underneath a
	// participant update until retries ran out.
	ErrWriteConflict = errors.New("call record update kept conflicting")

	ErrCallInProgress = errors.New("another call is in progress")
	ErrNotInCall      = errors.New("not in a call")
	ErrInvalidState   = errors.New("invalid terminal state")
)

// errTerminal aborts a record transition on an ended call.
var errTerminal = errors.New("call already ended")
