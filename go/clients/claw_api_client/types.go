package claw_api_client

import (
	"errors"
	"fmt"
)

// ErrMissingSessionID is returned when a successful start carries no session ID.
var ErrMissingSessionID = errors.New("start response missing sessionId")

// QueueState is the server-reported state of a queue entry.
type QueueState string

const (
	QueueStateWaiting QueueState = "waiting"
	QueueStateReady   QueueState = "ready"
	QueueStatePlaying QueueState = "playing"
)

// QueueStatus is the reserved_check response. A nil Position means the user
// is not in the queue.
type QueueStatus struct {
	Position       *int       `json:"position"`
	State          QueueState `json:"state"`
	CanStart       bool       `json:"canStart"`
	StartToken     string     `json:"startToken"`
	ReadyExpiresAt *int64     `json:"readyExpiresAt"`
}

// Eligible reports whether a session may be started right now. All four
// conditions must hold at once.
func (s QueueStatus) Eligible() bool {
	return s.Position != nil &&
		*s.Position == 1 &&
		s.State == QueueStateReady &&
		s.CanStart &&
		s.StartToken != ""
}

// InQueue reports whether the server still holds a queue entry for the user.
func (s QueueStatus) InQueue() bool {
	return s.Position != nil
}

// Ahead returns how many users are in front of this one.
func (s QueueStatus) Ahead() int {
	if s.Position == nil || *s.Position < 1 {
		return 0
	}
	return *s.Position - 1
}

// EnterResult is the outcome of EnterQueue. AlreadyQueued is a normal outcome,
// not an error: the caller should fall through to a status check.
type EnterResult struct {
	Position      *int
	AlreadyQueued bool
	QueueEntryID  string
}

type enterResponse struct {
	Success      *bool       `json:"success"`
	Position     *int        `json:"position"`
	Message      string      `json:"message"`
	Error        string      `json:"error"`
	Code         string      `json:"code"`
	ErrorCode    string      `json:"errorCode"`
	QueueEntryID interface{} `json:"queueEntryId"`
}

// StartRequest is the body of /api/game/start.
type StartRequest struct {
	UserID     string `json:"userId"`
	MachineID  int64  `json:"machineId"`
	StartToken string `json:"startToken"`
}

type startResponse struct {
	Success        bool   `json:"success"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	RemainingCoins *int   `json:"remainingCoins"`
	DurationSec    *int   `json:"durationSec"`
	SessionID      *int64 `json:"sessionId"`
	GameStartTime  string `json:"gameStartTime"`
}

// GameSession is a server-issued play session.
type GameSession struct {
	SessionID      int64
	DurationSec    int
	RemainingCoins *int
	GameStartTime  string
}

// Rejection is a start refused by the server. RemainingCoins may be set even
// here since the refusal can be a balance check.
type Rejection struct {
	Reason         string
	RemainingCoins *int
	StillQueued    bool
}

// StartResult holds exactly one of Session or Rejection.
type StartResult struct {
	Session   *GameSession
	Rejection *Rejection
}

// GameResult is the adjudicated outcome of a session.
type GameResult string

const (
	GameResultSuccess GameResult = "SUCCESS"
	GameResultFail    GameResult = "FAIL"
)

// End reasons understood by the backend.
const (
	EndReasonUserEnd = "USER_END"
	EndReasonTimeout = "TIMEOUT"
)

// EndRequest is the body of /api/game/end.
type EndRequest struct {
	SessionID int64  `json:"sessionId"`
	Reason    string `json:"reason"`
}

type endResponse struct {
	SessionID      int64  `json:"sessionId"`
	MachineID      int64  `json:"machineId"`
	Result         string `json:"result"`
	EndedAt        int64  `json:"endedAt"`
	RemainingCoins *int   `json:"remainingCoins"`
}

// EndResult is the outcome of EndSession.
type EndResult struct {
	SessionID      int64
	MachineID      int64
	Result         GameResult
	EndedAt        int64
	RemainingCoins *int
}

// HeartbeatRequest is the body of /api/game/heartbeat.
type HeartbeatRequest struct {
	SessionID int64 `json:"sessionId"`
}

type heartbeatResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// RejectedError is a domain refusal delivered inside a 2xx body.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}
