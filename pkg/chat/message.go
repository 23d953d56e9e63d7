// Package chat maintains a single logical connection to the Camflow
// scheduling assistant and exposes a typed event stream to the UI layer.
// Two transport variants exist: a persistent WebSocket and a session-based
// REST fallback, selected by configuration.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SenderType identifies who authored a chat message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAI     SenderType = "ai"
	SenderSystem SenderType = "system"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

const (
	StatusSent       MessageStatus = "sent"
	StatusProcessing MessageStatus = "processing"
	StatusProcessed  MessageStatus = "processed"
	StatusFailed     MessageStatus = "failed"
)

// MessageMetadata carries optional assistant-side processing stats.
type MessageMetadata struct {
	ProcessingTimeMs int `json:"processing_time_ms,omitempty"`
	EntitiesCount    int `json:"entities_count,omitempty"`
	ActionsCount     int `json:"actions_count,omitempty"`
}

// Message is one entry in the conversation. Messages are appended to an
// insertion-ordered sequence and never mutated in place.
type Message struct {
	ID         string           `json:"id"`
	SenderType SenderType       `json:"sender_type"`
	Content    string           `json:"content"`
	Timestamp  string           `json:"timestamp"`
	Status     MessageStatus    `json:"status"`
	Metadata   *MessageMetadata `json:"metadata,omitempty"`
}

// FeedbackStatus is the outcome of an assistant-performed action.
type FeedbackStatus string

const (
	FeedbackCompleted           FeedbackStatus = "completed"
	FeedbackFailed              FeedbackStatus = "failed"
	FeedbackPendingConfirmation FeedbackStatus = "pending_confirmation"
)

// ActionFeedback reports an out-of-band side effect the assistant performed,
// such as creating a booking. Feedback entries live in their own ordered
// sequence and are never merged into the message history.
type ActionFeedback struct {
	ActionID string          `json:"action_id"`
	Status   FeedbackStatus  `json:"status"`
	Message  string          `json:"message"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// newUserMessage builds the optimistic local echo for an outbound message.
func newUserMessage(content string) Message {
	return Message{
		ID:         uuid.NewString(),
		SenderType: SenderUser,
		Content:    content,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Status:     StatusSent,
	}
}

// newSystemMessage wraps an error or notice as a visible conversation entry.
func newSystemMessage(content string, status MessageStatus) Message {
	return Message{
		ID:         uuid.NewString(),
		SenderType: SenderSystem,
		Content:    content,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Status:     status,
	}
}
