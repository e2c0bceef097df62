package profile

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no profile is stored for a user.
var ErrNotFound = errors.New("profile not found")

// Profile is the locally cached identity and coin balance of a player.
type Profile struct {
	UserID    string
	Username  string
	Provider  string
	Balance   *int
	UpdatedAt time.Time
}
