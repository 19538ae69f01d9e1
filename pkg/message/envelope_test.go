package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textPayload(t *testing.T, text string) json.RawMessage {
	t.Helper()
	payload, err := EncodePayload(TextFormat{Text: text})
	require.NoError(t, err)
	return payload
}

func TestNew_AnchorsOwnThread(t *testing.T) {
	g := NewGenerator(1)
	id := g.Next(PriorityHigh)

	env := New(id, AgentTag{ID: "user"}, FormatText, textPayload(t, "hi"), DefaultTopic)

	assert.Equal(t, id, env.CurrentThreadID)
	assert.Equal(t, id, env.ThreadID())
	assert.Equal(t, PriorityHigh, env.Priority)
	assert.False(t, env.IsReply())
	assert.NoError(t, env.Validate())
}

func TestReply_InheritsThread(t *testing.T) {
	g := NewGenerator(1)
	root := New(g.Next(PriorityNormal), AgentTag{ID: "user"}, FormatText, textPayload(t, "q"), "questions")

	first := Reply(root, g.Next(PriorityNormal), AgentTag{ID: "a1"}, FormatText, textPayload(t, "a"))
	second := Reply(first, g.Next(PriorityNormal), AgentTag{ID: "a2"}, FormatText, textPayload(t, "b"))

	assert.Equal(t, root.ID, first.InResponseTo)
	assert.Equal(t, first.ID, second.InResponseTo)
	assert.Equal(t, root.ID, first.CurrentThreadID)
	assert.Equal(t, root.ID, second.CurrentThreadID)
	assert.Equal(t, []string{"questions"}, second.Topics)
}

func TestEnvelope_Targets(t *testing.T) {
	env := &Envelope{Topics: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, env.Targets())

	env.RecipientList = []AgentTag{{ID: "x"}, {ID: "y"}, {ID: "x"}}
	assert.Equal(t, []string{InboxTopic("x"), InboxTopic("y")}, env.Targets())
}

func TestEnvelope_Validate(t *testing.T) {
	valid := func() *Envelope {
		return &Envelope{
			ID:       ID(1),
			Topics:   []string{"t"},
			Sender:   AgentTag{ID: "s"},
			Format:   FormatText,
			Payload:  json.RawMessage(`{"text":"x"}`),
			Priority: PriorityNormal,
		}
	}

	tests := []struct {
		name    string
		mutate  func(e *Envelope)
		wantErr string
	}{
		{"valid", func(e *Envelope) {}, ""},
		{"zero id", func(e *Envelope) { e.ID = 0 }, "id cannot be zero"},
		{"no sender", func(e *Envelope) { e.Sender.ID = "" }, "sender id"},
		{"no format", func(e *Envelope) { e.Format = "" }, "format cannot be empty"},
		{"no address", func(e *Envelope) { e.Topics = nil }, "at least one topic or recipient"},
		{"empty topic", func(e *Envelope) { e.Topics = []string{""} }, "invalid topic"},
		{"bad recipient", func(e *Envelope) { e.RecipientList = []AgentTag{{}} }, "invalid recipient"},
		{"bad priority", func(e *Envelope) { e.Priority = Priority(9) }, "invalid priority"},
		{"bad payload", func(e *Envelope) { e.Payload = json.RawMessage(`{`) }, "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid()
			tt.mutate(env)
			err := env.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMarshal_WireShape(t *testing.T) {
	g := NewGenerator(1)
	root := New(g.Next(PriorityNormal), AgentTag{ID: "u", Name: "User"}, FormatText, textPayload(t, "hi"), DefaultTopic)
	reply := Reply(root, g.Next(PriorityUrgent), AgentTag{ID: "a"}, FormatText, textPayload(t, "yo"))

	data, err := Marshal(reply)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, reply.ID.String(), wire["id"])
	assert.Equal(t, root.ID.String(), wire["in_response_to"])
	assert.Equal(t, root.ID.String(), wire["current_thread_id"])
	assert.Equal(t, "urgent", wire["priority"])
	assert.Contains(t, wire, "recipient_list")

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, decoded.ID)
	assert.Equal(t, reply.InResponseTo, decoded.InResponseTo)

	var text TextFormat
	require.NoError(t, decoded.Decode(&text))
	assert.Equal(t, "yo", text.Text)
}

func TestPriority_Parse(t *testing.T) {
	p, err := ParsePriority("Above_Normal")
	require.NoError(t, err)
	assert.Equal(t, PriorityAboveNormal, p)

	_, err = ParsePriority("whenever")
	assert.Error(t, err)

	assert.True(t, PriorityUrgent.Before(PriorityLowest))
	assert.Error(t, Priority(8).Validate())
}
