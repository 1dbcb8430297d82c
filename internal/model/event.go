package model

import (
	"time"
)

// EventType identifies the kind of event carried on a conversation topic.
type EventType string

const (
	EventMessageCreated EventType = "messageCreated"
	EventMessageUpdated EventType = "messageUpdated"
)

// MessageEvent is the envelope published on a conversation topic when a
// message is appended or patched.
type MessageEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Message        Message   `json:"message"`
}

// StreamChunk is published on a stream topic while a completion is in
// flight. Text is the cumulative text produced so far, not a delta, so a
// late subscriber converges from any single chunk. Exactly one chunk per
// stream carries Complete=true, and it is the last one published.
// Chunks are never persisted.
type StreamChunk struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorEvent is a transport-level error payload.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps long-lived push connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
