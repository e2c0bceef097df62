package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mcdev12/clawplay/go/clients"
	"github.com/mcdev12/clawplay/go/clients/claw_api_client"
)

var (
	// ErrSessionActive is returned when starting while a session is running or ending.
	ErrSessionActive = errors.New("a game session is already active")
	// ErrAlreadyQueued is returned when starting while already waiting in the queue.
	ErrAlreadyQueued = errors.New("already waiting in queue")
	// ErrResultPending is returned when starting before the last result was acknowledged.
	ErrResultPending = errors.New("previous result not acknowledged")
	// ErrBusy is returned when a start is already in flight.
	ErrBusy = errors.New("start already in progress")
	// ErrNotActive is returned for session actions outside ACTIVE.
	ErrNotActive = errors.New("no active game session")
	// ErrNotQueued is returned when leaving a queue the user is not in.
	ErrNotQueued = errors.New("not in queue")
	// ErrNoResult is returned when acknowledging without a pending result.
	ErrNoResult = errors.New("no result to acknowledge")
	// ErrRemovedFromQueue is returned when the server dropped the queue entry.
	ErrRemovedFromQueue = errors.New("removed from queue")
	// ErrNoControls is returned when no control channel is attached.
	ErrNoControls = errors.New("control channel not available")
	// ErrDisposed is returned once the controller has been disposed.
	ErrDisposed = errors.New("controller disposed")
	// ErrMissingSessionID is returned when a start succeeded without a session ID.
	ErrMissingSessionID = claw_api_client.ErrMissingSessionID
)

// StartRejectedError is a start the server refused.
type StartRejectedError struct {
	Reason      string
	StillQueued bool
}

func (e *StartRejectedError) Error() string {
	return fmt.Sprintf("game start rejected: %s", e.Reason)
}

// SuppressedError marks a failure that is logged but intentionally kept
// away from the user, e.g. a failed poll or heartbeat. The UI keeps showing
// its previous state.
type SuppressedError struct {
	Op  string
	Err error
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("%s (suppressed): %v", e.Op, e.Err)
}

func (e *SuppressedError) Unwrap() error {
	return e.Err
}

// Suppressed wraps err as a suppressed failure of op.
func Suppressed(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SuppressedError{Op: op, Err: err}
}

// IsSuppressed reports whether err was marked as suppressed.
func IsSuppressed(err error) bool {
	var s *SuppressedError
	return errors.As(err, &s)
}

// userMessage turns an error into the short text shown to the user.
func userMessage(err error) string {
	var rejected *StartRejectedError
	var apiRejected *claw_api_client.RejectedError
	var apiErr *clients.APIError
	switch {
	case errors.As(err, &rejected):
		if rejected.Reason != "" {
			return rejected.Reason
		}
		return "game start rejected"
	case errors.As(err, &apiRejected):
		if apiRejected.Reason != "" {
			return apiRejected.Reason
		}
		return apiRejected.Error()
	case errors.Is(err, ErrMissingSessionID):
		return "game could not be started, please try again"
	case errors.Is(err, ErrRemovedFromQueue):
		return "you were removed from the queue"
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, clients.ErrMalformedResponse):
		return "unexpected response from server"
	default:
		return "connection problem, please try again"
	}
}
