package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/camflowhq/camflow/pkg/config"
	camerrors "github.com/camflowhq/camflow/pkg/errors"
	"github.com/camflowhq/camflow/pkg/logging"
	"github.com/camflowhq/camflow/pkg/telemetry"
)

// RESTTransport is the session-based request/response fallback. There is no
// push channel: the assistant's reply to each send is delivered in the HTTP
// response and surfaced through the same event stream the socket variant
// uses, so the view layer cannot tell the variants apart.
type RESTTransport struct {
	cfg        config.ChatConfig
	tokens     TokenSource
	logger     *logging.Logger
	limiter    *rate.Limiter
	httpClient *http.Client
	events     chan Event

	mu        sync.Mutex
	state     ConnectionState
	sessionID string
	stopped   bool
}

// NewRESTTransport builds the fallback transport; it does not connect.
func NewRESTTransport(cfg config.ChatConfig, tokens TokenSource, logger *logging.Logger) *RESTTransport {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = config.DefaultHistoryLimit
	}
	var limiter *rate.Limiter
	if cfg.SendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1)
	}
	return &RESTTransport{
		cfg:        cfg,
		tokens:     tokens,
		logger:     logger,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		events:     make(chan Event, 64),
		state:      StateDisconnected,
	}
}

func (t *RESTTransport) Events() <-chan Event { return t.events }

func (t *RESTTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// chatSessionResponse is the body of POST chat/session/.
type chatSessionResponse struct {
	SessionID string `json:"session_id"`
}

// chatHistoryResponse is the body of GET chat/history/.
type chatHistoryResponse struct {
	Messages []Message `json:"messages"`
}

// chatSendResponse is the body of POST chat/send/.
type chatSendResponse struct {
	AIResponse *Message         `json:"ai_response"`
	Actions    []ActionFeedback `json:"actions,omitempty"`
}

// Start creates the chat session and loads the initial history. Idempotent
// while a session is live.
func (t *RESTTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateConnecting, StateConnected, StateAuthenticated:
		t.mu.Unlock()
		return nil
	}
	t.stopped = false
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	var created chatSessionResponse
	if err := t.doJSON(ctx, http.MethodPost, "chat/session/", nil, &created); err != nil {
		t.fail(err)
		return err
	}
	if created.SessionID == "" {
		created.SessionID = ulid.Make().String()
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.sessionID = created.SessionID
	// The bearer credential authenticates every request, so a created
	// session is already an authenticated one.
	t.setStateLocked(StateConnected)
	t.setStateLocked(StateAuthenticated)
	t.mu.Unlock()
	t.emit(Event{Type: EventConnectionEstablished})
	t.emit(Event{Type: EventAuthenticationSuccess})

	return t.RequestHistory(ctx, t.cfg.HistoryLimit)
}

// Stop discards the session. Safe to call repeatedly.
func (t *RESTTransport) Stop() {
	t.mu.Lock()
	if t.stopped && t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.sessionID = ""
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()
	t.logger.Info(logging.CategoryChat, "chat.stopped", "chat transport stopped", nil)
}

// SendMessage posts one message; the assistant's reply and any action
// feedback surface as events, mirroring the socket variant.
func (t *RESTTransport) SendMessage(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, camerrors.New(camerrors.ErrCodeInvalidInput, "empty chat message")
	}

	t.mu.Lock()
	state := t.state
	sessionID := t.sessionID
	t.mu.Unlock()
	if state != StateAuthenticated {
		return Message{}, camerrors.New(camerrors.ErrCodeTransportState,
			fmt.Sprintf("cannot send while %s", state)).
			WithUserMessage("The assistant is not connected yet.")
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return Message{}, camerrors.New(camerrors.ErrCodeInvalidInput, "message rate limit exceeded").
			WithRetryable(true).
			WithUserMessage("You are sending messages too quickly.")
	}

	local := newUserMessage(text)
	body := map[string]string{"message": text, "session_id": sessionID}
	telemetry.MetricChatMessages.WithLabelValues("outbound").Inc()

	sendCtx, span := telemetry.StartSpan(context.WithoutCancel(ctx), "chat.send")
	span.SetAttributes(
		telemetry.AttrTransport.String("rest"),
		telemetry.AttrEventType.String("chat.message"),
	)

	go func() {
		defer span.End()
		var reply chatSendResponse
		if err := t.doJSON(sendCtx, http.MethodPost, "chat/send/", body, &reply); err != nil {
			t.emit(Event{Type: EventError, Err: err})
			return
		}
		t.emit(Event{Type: EventTyping, Typing: false})
		if reply.AIResponse != nil {
			telemetry.MetricChatMessages.WithLabelValues("inbound").Inc()
			t.emit(Event{Type: EventResponse, Message: reply.AIResponse})
		}
		for i := range reply.Actions {
			feedback := reply.Actions[i]
			t.emit(Event{Type: EventActionFeedback, Feedback: &feedback})
		}
	}()

	return local, nil
}

// RequestHistory fetches up to limit recent messages and emits them as one
// bulk-replace event.
func (t *RESTTransport) RequestHistory(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = t.cfg.HistoryLimit
	}
	t.mu.Lock()
	state := t.state
	sessionID := t.sessionID
	t.mu.Unlock()
	if state != StateAuthenticated {
		return camerrors.New(camerrors.ErrCodeTransportState,
			fmt.Sprintf("cannot request history while %s", state))
	}

	endpoint := "chat/history/?" + url.Values{
		"limit":      {strconv.Itoa(limit)},
		"session_id": {sessionID},
	}.Encode()
	var history chatHistoryResponse
	if err := t.doJSON(ctx, http.MethodGet, endpoint, nil, &history); err != nil {
		return err
	}
	t.emit(Event{Type: EventHistory, Messages: history.Messages})
	return nil
}

func (t *RESTTransport) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return camerrors.Wrap(err, camerrors.ErrCodeInvalidInput, "encoding chat request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.endpointURL(endpoint), reader)
	if err != nil {
		return camerrors.Wrap(err, camerrors.ErrCodeTransportDial, "building chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token := t.tokens.Token(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return camerrors.Wrap(err, camerrors.ErrCodeTransportDial,
			fmt.Sprintf("%s %s", method, endpoint)).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return camerrors.New(camerrors.ErrCodeRemoteError,
			fmt.Sprintf("%s %s failed (%s): %s", method, endpoint, resp.Status, strings.TrimSpace(string(detail)))).
			WithRetryable(resp.StatusCode >= 500)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return camerrors.Wrap(err, camerrors.ErrCodeRemoteError, "decoding chat response")
		}
	}
	return nil
}

func (t *RESTTransport) endpointURL(endpoint string) string {
	base := strings.TrimSuffix(t.cfg.URL, "/")
	var query string
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint, query = endpoint[:i], endpoint[i:]
	}
	joined := base + path.Join("/", endpoint)
	if !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return joined + query
}

func (t *RESTTransport) fail(err error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateError)
	t.mu.Unlock()
	t.emit(Event{Type: EventError, Err: err})
}

func (t *RESTTransport) setStateLocked(state ConnectionState) {
	if t.state == state {
		return
	}
	t.state = state
	setStateGauge(state)
	t.emit(Event{Type: EventStateChanged, State: state})
}

func (t *RESTTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn(logging.CategoryChat, "chat.event_dropped", "event buffer full", map[string]any{
			"type": string(ev.Type),
		})
	}
}
