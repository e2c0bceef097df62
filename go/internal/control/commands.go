package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDirection is returned for an unknown direction name.
var ErrInvalidDirection = errors.New("invalid direction")

// Direction is a claw movement direction.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionLeft     Direction = "left"
	DirectionRight    Direction = "right"
	DirectionUp       Direction = "up"
	DirectionDown     Direction = "down"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionForward, DirectionBackward, DirectionLeft, DirectionRight, DirectionUp, DirectionDown:
		return d, nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidDirection, s)
	}
}

// CommandType identifies an outgoing control frame.
type CommandType string

const (
	CommandMove CommandType = "game:move"
	CommandDrop CommandType = "game:drop"
	CommandGrab CommandType = "game:grab"
)

// Command is a frame sent to the machine control socket.
type Command struct {
	Type      CommandType `json:"type"`
	Direction Direction   `json:"direction,omitempty"`
}

// EventType identifies an incoming control frame.
type EventType string

const (
	EventGameState  EventType = "game:state"
	EventGameResult EventType = "game:result"
	EventError      EventType = "error"
)

// ServerEvent is a frame received from the control socket.
type ServerEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClawPosition mirrors the game:state payload.
type ClawPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// GameStatePayload is the data of a game:state event.
type GameStatePayload struct {
	Position  ClawPosition `json:"position"`
	ClawState string       `json:"clawState"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
