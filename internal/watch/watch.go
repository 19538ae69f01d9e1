// Package watch streams a guild's envelopes to a terminal or a JSON consumer.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/guild/internal/messaging"
	"github.com/dyluth/guild/pkg/message"
)

// OutputFormat selects how envelopes are printed.
type OutputFormat string

const (
	// OutputFormatDefault prints one human-readable line per envelope
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON prints each envelope as line-delimited JSON
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s (valid formats: default, json)", s)
}

// Printer writes envelopes once each, even when an envelope arrives on several watched
// topics. It is safe for concurrent use.
type Printer struct {
	w      io.Writer
	format OutputFormat

	mu   sync.Mutex
	seen map[message.ID]bool
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, format OutputFormat) *Printer {
	return &Printer{w: w, format: format, seen: make(map[message.ID]bool)}
}

// Print writes env unless it was printed before.
func (p *Printer) Print(env *message.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[env.ID] {
		return nil
	}
	p.seen[env.ID] = true

	if p.format == OutputFormatJSON {
		data, err := message.Marshal(env)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintln(p.w, FormatLine(env))
	return err
}

// FormatLine renders env as "[time] icon sender → targets format: summary".
func FormatLine(env *message.Envelope) string {
	ts := time.UnixMilli(env.TimestampMs).Format("15:04:05")
	line := fmt.Sprintf("[%s] %s %s → %s %s: %s",
		ts, icon(env), env.Sender, strings.Join(env.Targets(), ","), env.Format, Summary(env))
	if env.IsReply() {
		line += fmt.Sprintf(" (reply to %s)", ShortID(env.InResponseTo))
	}
	return line
}

func icon(env *message.Envelope) string {
	switch env.Format {
	case message.FormatError:
		return "❌"
	case message.FormatStatusChange:
		return "🔄"
	}
	if env.IsDirect() {
		return "📨"
	}
	return "💬"
}

// Summary returns a single-line view of the payload, at most 60 characters.
func Summary(env *message.Envelope) string {
	var text string
	switch env.Format {
	case message.FormatText:
		var t message.TextFormat
		if json.Unmarshal(env.Payload, &t) == nil {
			text = t.Text
		}
	case message.FormatError:
		var e message.ErrorFormat
		if json.Unmarshal(env.Payload, &e) == nil {
			text = fmt.Sprintf("%s: %s", e.AgentID, e.Error)
		}
	case message.FormatStatusChange:
		var s message.StatusChangeFormat
		if json.Unmarshal(env.Payload, &s) == nil {
			text = s.Status
		}
	}
	if text == "" {
		text = string(env.Payload)
	}

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "-"
	}
	if len(text) > 60 {
		return text[:57] + "..."
	}
	return text
}

// ShortID returns the last 8 hex digits of id, enough to tell envelopes apart on screen.
func ShortID(id message.ID) string {
	h := id.Hex()
	if len(h) > 8 {
		return h[len(h)-8:]
	}
	return h
}

// Stream subscribes observer to every topic and prints what arrives until ctx is
// cancelled.
func Stream(ctx context.Context, backend messaging.Backend, topics []string, observer message.AgentTag, p *Printer) error {
	subs := make([]messaging.Subscription, 0, len(topics))
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	for _, topic := range topics {
		sub, err := backend.Subscribe(ctx, topic, observer, func(_ context.Context, env *message.Envelope) error {
			return p.Print(env)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	<-ctx.Done()
	return nil
}

// WaitForReply waits for the first envelope on topic that answers parent. Subscribe
// must happen before parent is published, so the caller passes a publish function
// that runs once the subscription is in place.
func WaitForReply(ctx context.Context, backend messaging.Backend, topic string, observer message.AgentTag, timeout time.Duration, publish func() (message.ID, error)) (*message.Envelope, error) {
	replies := make(chan *message.Envelope, 16)
	sub, err := backend.Subscribe(ctx, topic, observer, func(_ context.Context, env *message.Envelope) error {
		if env.IsReply() {
			select {
			case replies <- env:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	defer sub.Close()

	parent, err := publish()
	if err != nil {
		return nil, err
	}

	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for a reply after %v", timeout)
		case env := <-replies:
			if env.InResponseTo == parent {
				return env, nil
			}
		}
	}
}
