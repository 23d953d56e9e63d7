package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camflowhq/camflow/pkg/logging"
)

func startViewModel(t *testing.T, fa *fakeAssistant, wsURL string) *ViewModel {
	t.Helper()
	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())
	vm := NewViewModel(tr, logging.Nop())
	require.NoError(t, vm.Start(context.Background()))
	t.Cleanup(vm.Stop)
	require.Eventually(t, func() bool {
		return vm.State() == StateAuthenticated
	}, 2*time.Second, 5*time.Millisecond)
	return vm
}

func TestViewModel_HistoryReplacesMessages(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)
	fa.history = []Message{
		{ID: "m1", SenderType: SenderUser, Content: "hello", Status: StatusProcessed},
		{ID: "m2", SenderType: SenderAI, Content: "hi, how can I help?", Status: StatusProcessed},
	}

	vm := startViewModel(t, fa, wsURL)

	require.Eventually(t, func() bool {
		return len(vm.Messages()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	messages := vm.Messages()
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "m2", messages[1].ID)
}

func TestViewModel_OptimisticEcho(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)
	// The assistant never answers; the echo must appear regardless.
	vm := startViewModel(t, fa, wsURL)

	require.NoError(t, vm.SendMessage(context.Background(), "Book Camera A for John next Monday"))

	messages := vm.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, SenderUser, messages[0].SenderType)
	assert.Equal(t, StatusSent, messages[0].Status)
	assert.Equal(t, "Book Camera A for John next Monday", messages[0].Content)
}

func TestViewModel_ResponseClearsTyping(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)
	fa.onFrame = func(conn *gorillaws.Conn, frame map[string]any) {
		if frame["type"] == "chat.message" {
			_ = conn.WriteJSON(map[string]any{"type": "ai.typing", "typing": true})
			_ = conn.WriteJSON(map[string]any{
				"type": "chat.response",
				"message": Message{
					ID: "a1", SenderType: SenderAI, Content: "Booked.", Status: StatusProcessed,
					Metadata: &MessageMetadata{ProcessingTimeMs: 420, ActionsCount: 1},
				},
			})
		}
	}

	vm := startViewModel(t, fa, wsURL)
	require.NoError(t, vm.SendMessage(context.Background(), "book it"))

	require.Eventually(t, func() bool {
		return len(vm.Messages()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, vm.Typing(), "a response clears the typing indicator")
	last := vm.Messages()[1]
	assert.Equal(t, SenderAI, last.SenderType)
	require.NotNil(t, last.Metadata)
	assert.Equal(t, 420, last.Metadata.ProcessingTimeMs)
}

func TestViewModel_ActionFeedbackAppendsExactlyOne(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)
	fa.onFrame = func(conn *gorillaws.Conn, frame map[string]any) {
		if frame["type"] == "chat.message" {
			_ = conn.WriteJSON(map[string]any{
				"type":      "action.feedback",
				"action_id": "act-1",
				"status":    "completed",
				"content":   "Booking created",
				"result":    json.RawMessage(`{"booking_id":"b-42"}`),
			})
		}
	}

	vm := startViewModel(t, fa, wsURL)
	require.NoError(t, vm.SendMessage(context.Background(), "book camera A"))
	messagesBefore := len(vm.Messages())

	require.Eventually(t, func() bool {
		return len(vm.Feedback()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	feedback := vm.Feedback()[0]
	assert.Equal(t, "act-1", feedback.ActionID)
	assert.Equal(t, FeedbackCompleted, feedback.Status)
	assert.Equal(t, "Booking created", feedback.Message)
	assert.Equal(t, messagesBefore, len(vm.Messages()),
		"feedback must not be merged into the message history")
}

func TestViewModel_SendFailureAppendsFailedMessage(t *testing.T) {
	_, _, wsURL := newFakeAssistant(t)
	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())
	vm := NewViewModel(tr, logging.Nop())
	// Never started: the transport is disconnected.

	err := vm.SendMessage(context.Background(), "hello")
	require.Error(t, err)

	messages := vm.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, SenderSystem, messages[0].SenderType)
	assert.Equal(t, StatusFailed, messages[0].Status)
}
