package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/camflowhq/camflow/pkg/config"
	camerrors "github.com/camflowhq/camflow/pkg/errors"
	"github.com/camflowhq/camflow/pkg/logging"
	"github.com/camflowhq/camflow/pkg/telemetry"
)

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second

	maxFrameBytes = 1 << 20
)

// wsFrame is the flat JSON envelope exchanged with the assistant backend.
// Only the fields relevant to Type are populated on the wire.
type wsFrame struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Message   *Message        `json:"message,omitempty"`
	Messages  []Message       `json:"messages,omitempty"`
	Typing    bool            `json:"typing,omitempty"`
	ActionID  string          `json:"action_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SocketTransport is the persistent WebSocket variant of the chat transport.
//
// All inbound frames are read and dispatched by a single goroutine, so
// handlers run to completion in arrival order. An unexpected close schedules
// exactly one reconnect attempt; a pending timer is always cancelled before
// a new one is armed, so at most one is outstanding at any instant.
type SocketTransport struct {
	cfg     config.ChatConfig
	tokens  TokenSource
	logger  *logging.Logger
	limiter *rate.Limiter
	events  chan Event

	mu        sync.Mutex
	state     ConnectionState
	conn      *websocket.Conn
	reconnect *time.Timer
	runCtx    context.Context
	cancel    context.CancelFunc
	stopped   bool
}

// NewSocketTransport builds the WebSocket transport; it does not connect.
func NewSocketTransport(cfg config.ChatConfig, tokens TokenSource, logger *logging.Logger) *SocketTransport {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = config.DefaultReconnectDelay
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = config.DefaultHistoryLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.SendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1)
	}
	return &SocketTransport{
		cfg:     cfg,
		tokens:  tokens,
		logger:  logger,
		limiter: limiter,
		events:  make(chan Event, 64),
		state:   StateDisconnected,
	}
}

// Events delivers inbound events in arrival order. The channel stays open
// across Stop/Start cycles; consumers stop on their own signal.
func (t *SocketTransport) Events() <-chan Event { return t.events }

// State returns the current connection state.
func (t *SocketTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start establishes the connection. A second call while already connecting,
// connected, or authenticated is a no-op. Calling Start from the error or
// disconnected state begins a fresh attempt (the manual-retry affordance).
func (t *SocketTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateConnecting, StateConnected, StateAuthenticated:
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.runCtx = runCtx
	t.cancel = cancel
	t.stopped = false
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	go t.run(runCtx)
	return nil
}

// Stop releases the transport, cancels any pending reconnect timer, and
// moves to disconnected. Safe to call repeatedly or when not connected.
func (t *SocketTransport) Stop() {
	t.mu.Lock()
	if t.stopped && t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	t.conn = nil
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	t.logger.Info(logging.CategoryChat, "chat.stopped", "chat transport stopped", nil)
}

// SendMessage sends one user message and returns the local echo the caller
// should append before the assistant responds. Rejected locally, without
// touching the network, unless the transport is authenticated.
func (t *SocketTransport) SendMessage(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, camerrors.New(camerrors.ErrCodeInvalidInput, "empty chat message")
	}

	t.mu.Lock()
	state := t.state
	conn := t.conn
	t.mu.Unlock()
	if state != StateAuthenticated || conn == nil {
		return Message{}, camerrors.New(camerrors.ErrCodeTransportState,
			fmt.Sprintf("cannot send while %s", state)).
			WithUserMessage("The assistant is not connected yet.")
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return Message{}, camerrors.New(camerrors.ErrCodeInvalidInput, "message rate limit exceeded").
			WithRetryable(true).
			WithUserMessage("You are sending messages too quickly.")
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.send")
	defer span.End()
	span.SetAttributes(
		telemetry.AttrTransport.String("websocket"),
		telemetry.AttrEventType.String("chat.message"),
	)

	local := newUserMessage(text)
	if err := t.writeFrame(ctx, conn, wsFrame{
		Type:      "chat.message",
		MessageID: local.ID,
		Content:   text,
	}); err != nil {
		telemetry.RecordError(ctx, err)
		return Message{}, err
	}
	telemetry.MetricChatMessages.WithLabelValues("outbound").Inc()
	return local, nil
}

// RequestHistory asks for up to limit recent messages; the reply arrives as
// a chat.history event that replaces the local sequence.
func (t *SocketTransport) RequestHistory(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = t.cfg.HistoryLimit
	}
	t.mu.Lock()
	state := t.state
	conn := t.conn
	t.mu.Unlock()
	if state != StateAuthenticated || conn == nil {
		return camerrors.New(camerrors.ErrCodeTransportState,
			fmt.Sprintf("cannot request history while %s", state))
	}
	return t.writeFrame(ctx, conn, wsFrame{Type: "get_history", Limit: limit})
}

func (t *SocketTransport) run(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, t.cfg.URL, &websocket.DialOptions{})
	cancel()
	if err != nil {
		t.fail(formatDialError(resp, err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return
	}
	t.conn = conn
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	pingDone := make(chan struct{})
	go t.keepalive(ctx, conn, pingDone)

	t.readLoop(ctx, conn)
	close(pingDone)
	_ = conn.Close(websocket.StatusNormalClosure, "client closed")
}

// readLoop is the single dispatch goroutine for one connection.
func (t *SocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleDisconnect(err)
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Debug(logging.CategoryChat, "chat.frame_invalid", "dropping undecodable frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		t.handleFrame(ctx, conn, frame)
	}
}

func (t *SocketTransport) handleFrame(ctx context.Context, conn *websocket.Conn, frame wsFrame) {
	switch frame.Type {
	case "connection.established":
		t.emit(Event{Type: EventConnectionEstablished})
		token := t.tokens.Token(ctx)
		if token == "" {
			t.fail(camerrors.New(camerrors.ErrCodeAuthExpired, "no token available for chat authentication").
				WithUserMessage("Please sign in to use the assistant."))
			_ = conn.Close(websocket.StatusPolicyViolation, "no credentials")
			return
		}
		if err := t.writeFrame(ctx, conn, wsFrame{Type: "authenticate", Token: token}); err != nil {
			t.fail(err)
		}

	case "authentication.success":
		t.mu.Lock()
		t.setStateLocked(StateAuthenticated)
		t.mu.Unlock()
		t.emit(Event{Type: EventAuthenticationSuccess})
		if err := t.writeFrame(ctx, conn, wsFrame{Type: "get_history", Limit: t.cfg.HistoryLimit}); err != nil {
			t.logger.Warn(logging.CategoryChat, "chat.history_request_failed", "could not request history", map[string]any{
				"error": err.Error(),
			})
		}

	case "chat.history":
		t.emit(Event{Type: EventHistory, Messages: frame.Messages})

	case "chat.response":
		telemetry.MetricChatMessages.WithLabelValues("inbound").Inc()
		msg := frame.Message
		if msg == nil {
			msg = &Message{Content: frame.Content, SenderType: SenderAI, Status: StatusProcessed}
		}
		t.emit(Event{Type: EventResponse, Message: msg})

	case "ai.typing":
		t.emit(Event{Type: EventTyping, Typing: frame.Typing})

	case "action.feedback":
		t.emit(Event{Type: EventActionFeedback, Feedback: &ActionFeedback{
			ActionID: frame.ActionID,
			Status:   FeedbackStatus(frame.Status),
			Message:  frame.Content,
			Result:   frame.Result,
		}})

	case "error":
		// Application-level errors leave the connection state untouched.
		t.emit(Event{Type: EventError, Err: camerrors.New(camerrors.ErrCodeRemoteError, frame.Error)})

	case "pong":

	default:
		t.logger.Debug(logging.CategoryChat, "chat.frame_unknown", "ignoring unknown frame type", map[string]any{
			"type": frame.Type,
		})
	}
}

// handleDisconnect classifies a read failure. A clean close ends the
// transport; anything else schedules a single reconnect attempt.
func (t *SocketTransport) handleDisconnect(err error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.conn = nil

	// The error state is terminal for this attempt: only a manual Start
	// leaves it, never an automatic reconnect.
	if t.state == StateError {
		t.mu.Unlock()
		return
	}

	clean := websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		errors.Is(err, context.Canceled)
	if clean {
		t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		return
	}

	// Cancel-before-schedule: never more than one pending timer.
	if t.reconnect != nil {
		t.reconnect.Stop()
	}
	t.setStateLocked(StateConnecting)
	telemetry.MetricChatReconnects.Inc()
	delay := t.cfg.ReconnectDelay
	t.reconnect = time.AfterFunc(delay, t.redial)
	t.mu.Unlock()

	t.logger.Warn(logging.CategoryNetwork, "chat.disconnected", "unexpected disconnect, reconnect scheduled", map[string]any{
		"error": err.Error(),
		"delay": delay.String(),
	})
}

func (t *SocketTransport) redial() {
	t.mu.Lock()
	t.reconnect = nil
	if t.stopped || t.runCtx == nil || t.runCtx.Err() != nil {
		t.mu.Unlock()
		return
	}
	ctx := t.runCtx
	t.mu.Unlock()
	t.run(ctx)
}

func (t *SocketTransport) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// The read loop observes the broken connection and reconnects.
				return
			}
		}
	}
}

func (t *SocketTransport) writeFrame(ctx context.Context, conn *websocket.Conn, frame wsFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return camerrors.Wrap(err, camerrors.ErrCodeInvalidInput, "encoding chat frame")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return camerrors.Wrap(err, camerrors.ErrCodeTransportClosed, "writing chat frame").WithRetryable(true)
	}
	return nil
}

// fail moves to the error state, which is terminal for this attempt and
// surfaced to the UI with a manual-retry affordance.
func (t *SocketTransport) fail(err error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateError)
	t.mu.Unlock()

	t.emit(Event{Type: EventError, Err: err})
	t.logger.Error(logging.CategoryChat, "chat.failed", "chat transport failure", map[string]any{
		"error": err.Error(),
	})
}

// setStateLocked records a transition and notifies listeners. Callers hold mu.
func (t *SocketTransport) setStateLocked(state ConnectionState) {
	if t.state == state {
		return
	}
	t.state = state
	setStateGauge(state)
	t.emit(Event{Type: EventStateChanged, State: state})
}

// emit is non-blocking; a slow consumer drops events rather than stalling
// the read loop.
func (t *SocketTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn(logging.CategoryChat, "chat.event_dropped", "event buffer full", map[string]any{
			"type": string(ev.Type),
		})
	}
}

func formatDialError(resp *http.Response, err error) error {
	if resp != nil {
		return camerrors.Wrap(err, camerrors.ErrCodeTransportDial,
			fmt.Sprintf("websocket connection failed (%s)", resp.Status)).
			WithContext("status", resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500)
	}
	return camerrors.Wrap(err, camerrors.ErrCodeTransportDial, "websocket connection failed").
		WithRetryable(true)
}
