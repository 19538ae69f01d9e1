package guild

import (
	"fmt"

	"github.com/dyluth/guild/pkg/message"
)

// RouteUnlimited as RouteTimes lets a rule fire any number of times per thread.
const RouteUnlimited = -1

// RoutingSlip redirects what agents publish. The first matching rule decides the
// destination of an envelope.
type RoutingSlip struct {
	Steps []RoutingRule `json:"steps" yaml:"steps"`
}

// RoutingRule matches envelopes an agent publishes and overrides their destination.
// Empty selectors match anything.
type RoutingRule struct {
	// Agent selects the publishing agent by id, or by name when no id is set.
	Agent         *message.AgentTag `json:"agent,omitempty" yaml:"agent,omitempty"`
	MessageFormat string            `json:"message_format,omitempty" yaml:"message_format,omitempty"`
	// OriginFilter matches the envelope the agent was handling.
	OriginFilter *RoutingOrigin     `json:"origin_filter,omitempty" yaml:"origin_filter,omitempty"`
	Destination  RoutingDestination `json:"destination" yaml:"destination"`
	// RouteTimes counts per thread. Zero means once.
	RouteTimes int `json:"route_times,omitempty" yaml:"route_times,omitempty"`
}

// RoutingOrigin matches the envelope an agent was handling when it published.
type RoutingOrigin struct {
	Sender *message.AgentTag `json:"origin_sender,omitempty" yaml:"origin_sender,omitempty"`
	Topic  string            `json:"origin_topic,omitempty" yaml:"origin_topic,omitempty"`
	Format string            `json:"origin_message_format,omitempty" yaml:"origin_message_format,omitempty"`
}

// RoutingDestination replaces the topics, recipients or priority of a routed envelope.
// Unset fields keep the agent's own choice.
type RoutingDestination struct {
	Topics        []string           `json:"topics,omitempty" yaml:"topics,omitempty"`
	RecipientList []message.AgentTag `json:"recipient_list,omitempty" yaml:"recipient_list,omitempty"`
	Priority      *message.Priority  `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// IsEmpty reports whether the slip has no rules.
func (s *RoutingSlip) IsEmpty() bool {
	return s == nil || len(s.Steps) == 0
}

// Times returns how often the rule may fire per thread, RouteUnlimited for no limit.
func (r *RoutingRule) Times() int {
	if r.RouteTimes == 0 {
		return 1
	}
	return r.RouteTimes
}

// Matches reports whether the rule applies to an envelope of format published by sender
// while handling origin. origin is nil for envelopes not caused by a delivery.
func (r *RoutingRule) Matches(sender message.AgentTag, format string, origin *message.Envelope) bool {
	if r.Agent != nil && !tagMatches(*r.Agent, sender) {
		return false
	}
	if r.MessageFormat != "" && r.MessageFormat != format {
		return false
	}
	f := r.OriginFilter
	if f == nil {
		return true
	}
	if origin == nil {
		return false
	}
	if f.Sender != nil && !tagMatches(*f.Sender, origin.Sender) {
		return false
	}
	if f.Format != "" && f.Format != origin.Format {
		return false
	}
	if f.Topic != "" && !contains(origin.Targets(), f.Topic) {
		return false
	}
	return true
}

// Route overrides a destination chosen by an agent. Routed topics clear the recipients;
// routed recipients make the envelope direct.
func (d *RoutingDestination) Route(topics []string, recipients []message.AgentTag, priority message.Priority) ([]string, []message.AgentTag, message.Priority) {
	if len(d.Topics) > 0 {
		topics = append([]string{}, d.Topics...)
		recipients = nil
	}
	if len(d.RecipientList) > 0 {
		recipients = append([]message.AgentTag{}, d.RecipientList...)
	}
	if d.Priority != nil {
		priority = *d.Priority
	}
	return topics, recipients, priority
}

// Validate checks every rule can fire and has somewhere to send to.
func (s *RoutingSlip) Validate() error {
	if s == nil {
		return nil
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return &ValidationError{Field: fmt.Sprintf("routes.steps[%d]", i), Reason: err.Error()}
		}
	}
	return nil
}

func (r *RoutingRule) validate() error {
	d := r.Destination
	if len(d.Topics) == 0 && len(d.RecipientList) == 0 && d.Priority == nil {
		return fmt.Errorf("destination needs topics, recipient_list or priority")
	}
	for i, t := range d.Topics {
		if t == "" {
			return fmt.Errorf("destination.topics[%d] is empty", i)
		}
	}
	for i, tag := range d.RecipientList {
		if tag.ID == "" {
			return fmt.Errorf("destination.recipient_list[%d] needs an id", i)
		}
	}
	if d.Priority != nil {
		if err := d.Priority.Validate(); err != nil {
			return fmt.Errorf("destination.priority: %w", err)
		}
	}
	if r.RouteTimes < RouteUnlimited {
		return fmt.Errorf("route_times must be positive or %d for unlimited", RouteUnlimited)
	}
	if r.Agent != nil && r.Agent.ID == "" && r.Agent.Name == "" {
		return fmt.Errorf("agent selector needs an id or a name")
	}
	return nil
}

// Clone returns a deep copy of the slip.
func (s *RoutingSlip) Clone() *RoutingSlip {
	if s == nil {
		return nil
	}
	out := &RoutingSlip{Steps: make([]RoutingRule, len(s.Steps))}
	for i, r := range s.Steps {
		c := r
		if r.Agent != nil {
			a := *r.Agent
			c.Agent = &a
		}
		if r.OriginFilter != nil {
			f := *r.OriginFilter
			if f.Sender != nil {
				sender := *f.Sender
				f.Sender = &sender
			}
			c.OriginFilter = &f
		}
		c.Destination.Topics = append([]string(nil), r.Destination.Topics...)
		c.Destination.RecipientList = append([]message.AgentTag(nil), r.Destination.RecipientList...)
		if r.Destination.Priority != nil {
			p := *r.Destination.Priority
			c.Destination.Priority = &p
		}
		out.Steps[i] = c
	}
	return out
}

// tagMatches compares by id when the selector has one, otherwise by name.
func tagMatches(selector, tag message.AgentTag) bool {
	if selector.ID != "" {
		return selector.ID == tag.ID
	}
	return selector.Name == tag.Name
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
