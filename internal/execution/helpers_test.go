package execution

import (
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
)

var testGen = message.NewGenerator(2)

func envelope(t *testing.T) *message.Envelope {
	t.Helper()
	payload, _ := json.Marshal(message.TextFormat{Text: "work"})
	return message.New(testGen.Next(message.PriorityNormal), alice, message.FormatText, payload, "jobs")
}

// failureSink collects errors handed to Options.OnHandlerError.
type failureSink struct {
	mu   sync.Mutex
	errs []*guild.HandlerExecutionError
}

func (s *failureSink) add(err *guild.HandlerExecutionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *failureSink) all() []*guild.HandlerExecutionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*guild.HandlerExecutionError(nil), s.errs...)
}

func testOptions(sink *failureSink) Options {
	opts := Options{GuildID: "g1", Logger: zerolog.Nop()}
	if sink != nil {
		opts.OnHandlerError = sink.add
	}
	return opts
}
