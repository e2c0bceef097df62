package lifecycle

import (
	"time"

	"github.com/mcdev12/clawplay/go/clients/claw_api_client"
)

// State is the controller's position in the session lifecycle.
type State string

const (
	StateIdle   State = "IDLE"
	StateQueued State = "QUEUED"
	StateReady  State = "READY"
	StateActive State = "ACTIVE"
	StateEnding State = "ENDING"
	StateResult State = "RESULT"
)

// Result is the adjudicated outcome shown on the result screen.
type Result string

const (
	ResultNone    Result = ""
	ResultSuccess Result = Result(claw_api_client.GameResultSuccess)
	ResultFail    Result = Result(claw_api_client.GameResultFail)
)

// Snapshot is a read-only view of the controller for the presentation layer.
type Snapshot struct {
	State        State     `json:"state"`
	UserID       string    `json:"userId"`
	MachineID    int64     `json:"machineId"`
	Position     *int      `json:"position,omitempty"`
	Ahead        int       `json:"ahead"`
	SessionID    int64     `json:"sessionId,omitempty"`
	DurationSec  int       `json:"durationSec,omitempty"`
	RemainingSec int       `json:"remainingSec"`
	Balance      *int      `json:"balance,omitempty"`
	Result       Result    `json:"result,omitempty"`
	Message      string    `json:"message,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`

	ControlsConnected bool `json:"controlsConnected"`
}

type activeSession struct {
	id        int64
	duration  int
	startedAt time.Time
}
