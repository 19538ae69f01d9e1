package message

import (
	"fmt"
	"strings"
)

// Priority is the ordinal urgency of an envelope. Smaller values are delivered first.
type Priority uint8

const (
	PriorityUrgent Priority = iota
	PriorityImportant
	PriorityHigh
	PriorityAboveNormal
	PriorityNormal
	PriorityLow
	PriorityVeryLow
	PriorityLowest
)

var priorityNames = [...]string{
	PriorityUrgent:      "urgent",
	PriorityImportant:   "important",
	PriorityHigh:        "high",
	PriorityAboveNormal: "above_normal",
	PriorityNormal:      "normal",
	PriorityLow:         "low",
	PriorityVeryLow:     "very_low",
	PriorityLowest:      "lowest",
}

// String returns the lower-case name of the priority.
func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// Validate checks that the priority is a member of the closed set.
func (p Priority) Validate() error {
	if p > PriorityLowest {
		return fmt.Errorf("unknown priority: %d", uint8(p))
	}
	return nil
}

// Before reports whether p is delivered ahead of other.
func (p Priority) Before(other Priority) bool {
	return p < other
}

// ParsePriority converts a priority name (case-insensitive) into a Priority.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority: %q", s)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
