package guild

import (
	"fmt"
	"strings"
)

// Status is the lifecycle flag of a guild.
type Status string

const (
	// StatusActive is the initial status; active guilds are running.
	StatusActive Status = "active"

	// StatusStopped marks a guild whose runtime has been shut down.
	StatusStopped Status = "stopped"

	// StatusArchived marks a guild kept only for its record.
	StatusArchived Status = "archived"
)

// Statuses lists every valid status in declaration order.
var Statuses = []Status{StatusActive, StatusStopped, StatusArchived}

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusActive, StatusStopped, StatusArchived:
		return nil
	default:
		return fmt.Errorf("unknown guild status: %q", s)
	}
}

// ParseStatus converts a status string into a Status. Unknown values produce a
// ValidationError naming the accepted values.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if err := status.Validate(); err != nil {
		names := make([]string, len(Statuses))
		for i, st := range Statuses {
			names[i] = string(st)
		}
		return "", &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("invalid guild status: %s. Must be one of: %s", s, strings.Join(names, ", ")),
		}
	}
	return status, nil
}

// IsRunnable reports whether a guild with this status should have a live runtime.
func (s Status) IsRunnable() bool {
	return s == StatusActive
}
