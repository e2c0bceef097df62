package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventTypeQueueJoined          EventType = "queue.joined"
	EventTypeQueuePosition        EventType = "queue.position"
	EventTypeQueueRemoved         EventType = "queue.removed"
	EventTypeSessionStarted       EventType = "session.started"
	EventTypeSessionStartRejected EventType = "session.start_rejected"
	EventTypeSessionEnded         EventType = "session.ended"
)

// Envelope is the wire form of every published event.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType EventType       `json:"eventType"`
	UserID    string          `json:"userId"`
	MachineID int64           `json:"machineId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(eventType EventType, userID string, machineID int64, at time.Time, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		UserID:    userID,
		MachineID: machineID,
		Timestamp: at,
		Payload:   data,
	}, nil
}

// QueueJoinedPayload is the payload for a queue.joined event
type QueueJoinedPayload struct {
	Position      *int `json:"position,omitempty"`
	AlreadyQueued bool `json:"already_queued"`
}

// QueuePositionPayload is the payload for a queue.position event
type QueuePositionPayload struct {
	Position int `json:"position"`
	Ahead    int `json:"ahead"`
}

// QueueRemovedPayload is the payload for a queue.removed event
type QueueRemovedPayload struct {
	Reason string `json:"reason"`
}

// SessionStartedPayload is the payload for a session.started event
type SessionStartedPayload struct {
	SessionID      int64     `json:"session_id"`
	DurationSec    int       `json:"duration_sec"`
	RemainingCoins *int      `json:"remaining_coins,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// SessionStartRejectedPayload is the payload for a session.start_rejected event
type SessionStartRejectedPayload struct {
	Reason         string `json:"reason"`
	RemainingCoins *int   `json:"remaining_coins,omitempty"`
	StillQueued    bool   `json:"still_queued"`
}

// SessionEndedPayload is the payload for a session.ended event
type SessionEndedPayload struct {
	SessionID      int64     `json:"session_id"`
	Reason         string    `json:"reason"`
	Result         string    `json:"result"`
	EndFailed      bool      `json:"end_failed"`
	RemainingCoins *int      `json:"remaining_coins,omitempty"`
	EndedAt        time.Time `json:"ended_at"`
}

// RemainingCoins extracts the balance carried by an envelope, if any.
func RemainingCoins(env Envelope) (int, bool) {
	var probe struct {
		RemainingCoins *int `json:"remaining_coins"`
	}
	if err := json.Unmarshal(env.Payload, &probe); err != nil || probe.RemainingCoins == nil {
		return 0, false
	}
	return *probe.RemainingCoins, true
}
