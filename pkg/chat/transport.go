package chat

import (
	"context"
	"strings"

	"github.com/camflowhq/camflow/pkg/config"
	camerrors "github.com/camflowhq/camflow/pkg/errors"
	"github.com/camflowhq/camflow/pkg/logging"
	"github.com/camflowhq/camflow/pkg/telemetry"
)

// ConnectionState is the transport's single current state. It drives UI
// affordances such as disabling input or showing a retry button.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateAuthenticated ConnectionState = "authenticated"
	StateError         ConnectionState = "error"
)

var allStates = []ConnectionState{
	StateDisconnected, StateConnecting, StateConnected, StateAuthenticated, StateError,
}

// EventType names one inbound event from the assistant backend, plus the
// local state-change notification.
type EventType string

const (
	EventStateChanged          EventType = "state.changed"
	EventConnectionEstablished EventType = "connection.established"
	EventAuthenticationSuccess EventType = "authentication.success"
	EventHistory               EventType = "chat.history"
	EventResponse              EventType = "chat.response"
	EventTyping                EventType = "ai.typing"
	EventActionFeedback        EventType = "action.feedback"
	EventError                 EventType = "error"
)

// Event is one typed notification delivered to the view layer. Only the
// fields relevant to Type are populated.
type Event struct {
	Type     EventType
	State    ConnectionState
	Message  *Message
	Messages []Message
	Feedback *ActionFeedback
	Typing   bool
	Err      error
}

// TokenSource supplies the bearer token used to authenticate the transport.
type TokenSource interface {
	Token(ctx context.Context) string
}

// Transport is one logical connection to the assistant backend.
//
// Start is idempotent while a connection attempt is in flight or live.
// Stop is idempotent and cancels any pending reconnect. Events delivers
// inbound events in arrival order; the channel stays open across
// Stop/Start cycles, so consumers stop on their own signal.
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	SendMessage(ctx context.Context, text string) (Message, error)
	RequestHistory(ctx context.Context, limit int) error
	State() ConnectionState
	Events() <-chan Event
}

// New selects the transport variant from configuration.
func New(cfg config.ChatConfig, tokens TokenSource, logger *logging.Logger) (Transport, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case config.TransportWebSocket, "":
		return NewSocketTransport(cfg, tokens, logger), nil
	case config.TransportREST:
		return NewRESTTransport(cfg, tokens, logger), nil
	default:
		return nil, camerrors.New(camerrors.ErrCodeConfigInvalid, "unknown chat transport: "+cfg.Transport)
	}
}

// setStateGauge records the active connection state, one series per state.
func setStateGauge(state ConnectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		telemetry.MetricChatState.WithLabelValues(string(s)).Set(v)
	}
}
