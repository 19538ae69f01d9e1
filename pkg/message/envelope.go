package message

import (
	"encoding/json"
	"fmt"
)

// AgentTag identifies an agent as a sender or direct recipient.
type AgentTag struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// String returns "name(id)" or just the id when no name is set.
func (t AgentTag) String() string {
	if t.Name == "" {
		return t.ID
	}
	return fmt.Sprintf("%s(%s)", t.Name, t.ID)
}

// Envelope is the addressed, ordered and causally linked unit of communication.
// Envelopes are treated as immutable once published.
type Envelope struct {
	ID              ID              `json:"id"`                          // Ordering identifier from a Generator
	Topics          []string        `json:"topics"`                      // Fan-out topics (ignored for delivery when RecipientList is set)
	Sender          AgentTag        `json:"sender"`                      // Producing agent
	Format          string          `json:"format"`                      // Stable payload type tag
	Payload         json.RawMessage `json:"payload"`                     // Opaque JSON payload
	Priority        Priority        `json:"priority"`                    // Mirrors the priority encoded in ID
	InResponseTo    ID              `json:"in_response_to,omitempty"`    // Immediate parent, zero for root envelopes
	CurrentThreadID ID              `json:"current_thread_id,omitempty"` // Thread anchor, inherited across replies
	RecipientList   []AgentTag      `json:"recipient_list"`              // Direct addressees, empty means all topic subscribers
	TimestampMs     int64           `json:"timestamp_ms"`                // Creation time in Unix milliseconds
}

// New builds a root envelope. The envelope anchors its own thread and takes its priority
// from the ID.
func New(id ID, sender AgentTag, format string, payload json.RawMessage, topics ...string) *Envelope {
	return &Envelope{
		ID:              id,
		Topics:          append([]string{}, topics...),
		Sender:          sender,
		Format:          format,
		Payload:         payload,
		Priority:        id.Priority(),
		CurrentThreadID: id,
		RecipientList:   []AgentTag{},
		TimestampMs:     id.TimestampMs(),
	}
}

// Reply builds an envelope caused by parent. InResponseTo is set to parent.ID and the
// thread is inherited unchanged. Topics default to the parent's topics.
func Reply(parent *Envelope, id ID, sender AgentTag, format string, payload json.RawMessage) *Envelope {
	env := New(id, sender, format, payload, parent.Topics...)
	env.InResponseTo = parent.ID
	env.CurrentThreadID = parent.ThreadID()
	return env
}

// ThreadID returns the thread this envelope belongs to. Envelopes that predate thread
// tracking anchor their own thread.
func (e *Envelope) ThreadID() ID {
	if e.CurrentThreadID.IsZero() {
		return e.ID
	}
	return e.CurrentThreadID
}

// IsDirect reports whether the envelope bypasses topic fan-out.
func (e *Envelope) IsDirect() bool {
	return len(e.RecipientList) > 0
}

// IsReply reports whether the envelope was caused by another envelope.
func (e *Envelope) IsReply() bool {
	return !e.InResponseTo.IsZero()
}

// Targets returns the topics the envelope is delivered on: each recipient's inbox for
// direct envelopes, otherwise the envelope topics.
func (e *Envelope) Targets() []string {
	if e.IsDirect() {
		targets := make([]string, 0, len(e.RecipientList))
		seen := make(map[string]bool, len(e.RecipientList))
		for _, r := range e.RecipientList {
			topic := InboxTopic(r.ID)
			if !seen[topic] {
				seen[topic] = true
				targets = append(targets, topic)
			}
		}
		return targets
	}
	return e.Topics
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has an empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Format, err)
	}
	return nil
}

// Validate checks the envelope has the fields every transport relies on.
func (e *Envelope) Validate() error {
	if e.ID.IsZero() {
		return fmt.Errorf("envelope id cannot be zero")
	}

	if err := e.Priority.Validate(); err != nil {
		return fmt.Errorf("invalid priority: %w", err)
	}

	if e.Sender.ID == "" {
		return fmt.Errorf("envelope sender id cannot be empty")
	}

	if e.Format == "" {
		return fmt.Errorf("envelope format cannot be empty")
	}

	if len(e.Topics) == 0 && len(e.RecipientList) == 0 {
		return fmt.Errorf("envelope must have at least one topic or recipient")
	}

	for i, topic := range e.Topics {
		if topic == "" {
			return fmt.Errorf("invalid topic at index %d: empty", i)
		}
	}

	for i, r := range e.RecipientList {
		if r.ID == "" {
			return fmt.Errorf("invalid recipient at index %d: empty id", i)
		}
	}

	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("envelope payload is not valid JSON")
	}

	return nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Topics = append([]string{}, e.Topics...)
	c.RecipientList = append([]AgentTag{}, e.RecipientList...)
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// Marshal encodes the envelope in its wire shape.
func Marshal(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes an envelope from its wire shape.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Topics == nil {
		env.Topics = []string{}
	}
	if env.RecipientList == nil {
		env.RecipientList = []AgentTag{}
	}
	return &env, nil
}
