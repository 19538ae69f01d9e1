package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

var (
	alice = message.AgentTag{ID: "alice", Name: "Alice"}
	bob   = message.AgentTag{ID: "bob", Name: "Bob"}
	carol = message.AgentTag{ID: "carol", Name: "Carol"}
)

var testGen = message.NewGenerator(1)

func envelope(t *testing.T, p message.Priority, topics ...string) *message.Envelope {
	t.Helper()
	payload, _ := json.Marshal(message.TextFormat{Text: "hello"})
	return message.New(testGen.Next(p), alice, message.FormatText, payload, topics...)
}

func testOptions(t *testing.T) Options {
	return Options{GuildID: "g1", Logger: zerolog.Nop()}
}

// deadLetterSink collects DeliveryErrors handed to Options.OnDeadLetter.
type deadLetterSink struct {
	mu   sync.Mutex
	errs []*guild.DeliveryError
}

func (s *deadLetterSink) add(err *guild.DeliveryError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *deadLetterSink) all() []*guild.DeliveryError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*guild.DeliveryError(nil), s.errs...)
}

func idsOf(envs []*message.Envelope) []message.ID {
	ids := make([]message.ID, len(envs))
	for i, e := range envs {
		ids[i] = e.ID
	}
	return ids
}

func noopHandler(context.Context, *message.Envelope) error { return nil }
