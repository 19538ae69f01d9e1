package guild

import (
	"errors"
	"fmt"

	"github.com/dyluth/guild/pkg/message"
)

// ValidationError reports malformed input. No mutation has been performed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown guild (or agent within a guild).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "guild"
	}
	return fmt.Sprintf("%s with ID %s not found", kind, e.ID)
}

// ConflictError reports a create with an id that already exists.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "guild"
	}
	return fmt.Sprintf("%s with ID %s already exists", kind, e.ID)
}

// CapabilityResolutionError reports a dependency that could not be resolved for one agent.
// It fails only that agent's initialization.
type CapabilityResolutionError struct {
	GuildID    string
	AgentID    string
	Capability string
	Err        error
}

func (e *CapabilityResolutionError) Error() string {
	return fmt.Sprintf("agent %s in guild %s: failed to resolve capability %q: %v", e.AgentID, e.GuildID, e.Capability, e.Err)
}

func (e *CapabilityResolutionError) Unwrap() error { return e.Err }

// HandlerExecutionError reports a failed or panicking agent handler. The engine catches it;
// the agent and the guild keep running.
type HandlerExecutionError struct {
	AgentID    string
	EnvelopeID message.ID
	Panic      bool
	Err        error
}

func (e *HandlerExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("agent %s panicked handling envelope %s: %v", e.AgentID, e.EnvelopeID, e.Err)
	}
	return fmt.Sprintf("agent %s failed handling envelope %s: %v", e.AgentID, e.EnvelopeID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// DeliveryError reports an envelope a backend could not hand to a subscriber.
type DeliveryError struct {
	Backend      string
	Topic        string
	SubscriberID string
	EnvelopeID   message.ID
	Attempts     int
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s backend: delivery of envelope %s on topic %q to %s failed after %d attempt(s): %v",
		e.Backend, e.EnvelopeID, e.Topic, e.SubscriberID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound returns true if err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict returns true if err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsCapabilityResolution returns true if err is or wraps a CapabilityResolutionError.
func IsCapabilityResolution(err error) bool {
	var target *CapabilityResolutionError
	return errors.As(err, &target)
}
