package message

import (
	"encoding/json"
	"fmt"
)

// Stable format tags for the payloads defined in this package.
const (
	FormatText         = "text"
	FormatError        = "error"
	FormatStatusChange = "guild_status_change"
)

// TextFormat is a plain text payload.
type TextFormat struct {
	Text  string `json:"text"`
	Title string `json:"title,omitempty"`
}

// ErrorFormat reports a failure that happened while handling an envelope.
type ErrorFormat struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

// StatusChangeFormat announces a guild lifecycle change on GuildStatusTopic.
type StatusChangeFormat struct {
	GuildID string `json:"guild_id"`
	Status  string `json:"status"`
}

// EncodePayload marshals v into a payload.
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
