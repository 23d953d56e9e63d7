package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camflowhq/camflow/pkg/config"
	camerrors "github.com/camflowhq/camflow/pkg/errors"
	"github.com/camflowhq/camflow/pkg/logging"
)

type staticTokens string

func (s staticTokens) Token(ctx context.Context) string { return string(s) }

// fakeAssistant is a scripted assistant backend. On upgrade it greets with
// connection.established, acknowledges authenticate frames, and answers
// get_history with canned messages. Tests hook extra behavior via onFrame.
type fakeAssistant struct {
	t        *testing.T
	upgrader gorillaws.Upgrader

	dials   int32
	history []Message
	onFrame func(conn *gorillaws.Conn, frame map[string]any)

	mu     sync.Mutex
	conns  []*gorillaws.Conn
	frames []map[string]any
}

func newFakeAssistant(t *testing.T) (*fakeAssistant, *httptest.Server, string) {
	t.Helper()
	fa := &fakeAssistant{t: t}
	server := httptest.NewServer(http.HandlerFunc(fa.handle))
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return fa, server, wsURL
}

func (fa *fakeAssistant) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fa.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	atomic.AddInt32(&fa.dials, 1)
	fa.mu.Lock()
	fa.conns = append(fa.conns, conn)
	fa.mu.Unlock()

	_ = conn.WriteJSON(map[string]any{"type": "connection.established"})

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		fa.mu.Lock()
		fa.frames = append(fa.frames, frame)
		fa.mu.Unlock()

		switch frame["type"] {
		case "authenticate":
			_ = conn.WriteJSON(map[string]any{"type": "authentication.success"})
		case "get_history":
			if fa.history != nil {
				_ = conn.WriteJSON(map[string]any{"type": "chat.history", "messages": fa.history})
			}
		}
		if fa.onFrame != nil {
			fa.onFrame(conn, frame)
		}
	}
}

func (fa *fakeAssistant) received(frameType string) []map[string]any {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	var out []map[string]any
	for _, f := range fa.frames {
		if f["type"] == frameType {
			out = append(out, f)
		}
	}
	return out
}

// dropConnections closes every accepted socket without a close handshake,
// simulating a network-level drop.
func (fa *fakeAssistant) dropConnections() {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	for _, c := range fa.conns {
		_ = c.Close()
	}
	fa.conns = nil
}

// closeCleanly performs the normal-closure handshake on every socket.
func (fa *fakeAssistant) closeCleanly() {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	for _, c := range fa.conns {
		msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "done")
		_ = c.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.Close()
	}
	fa.conns = nil
}

func socketConfig(wsURL string) config.ChatConfig {
	return config.ChatConfig{
		Transport:      config.TransportWebSocket,
		URL:            wsURL,
		ReconnectDelay: 50 * time.Millisecond,
		HistoryLimit:   50,
		PingInterval:   time.Minute,
	}
}

func waitForState(t *testing.T, tr Transport, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.State() == want
	}, 2*time.Second, 5*time.Millisecond, "transport never reached %s", want)
}

func TestSocket_ConnectAuthenticateAndAutoHistory(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)
	fa.history = []Message{
		{ID: "m1", SenderType: SenderUser, Content: "Is Camera A free?", Status: StatusProcessed},
		{ID: "m2", SenderType: SenderAI, Content: "Camera A is available.", Status: StatusProcessed},
	}

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok-chat"), logging.Nop())
	defer tr.Stop()
	require.NoError(t, tr.Start(context.Background()))
	waitForState(t, tr, StateAuthenticated)

	require.Eventually(t, func() bool {
		return len(fa.received("get_history")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	auths := fa.received("authenticate")
	require.Len(t, auths, 1)
	assert.Equal(t, "tok-chat", auths[0]["token"])

	histories := fa.received("get_history")
	assert.EqualValues(t, 50, histories[0]["limit"],
		"history is requested automatically with the configured limit")
}

func TestSocket_StartIsIdempotent(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())
	defer tr.Stop()

	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	require.NoError(t, tr.Start(ctx))
	waitForState(t, tr, StateAuthenticated)
	require.NoError(t, tr.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fa.dials), "repeated Start must not open extra connections")
}

func TestSocket_StopIsIdempotent(t *testing.T) {
	_, _, wsURL := newFakeAssistant(t)

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())
	require.NoError(t, tr.Start(context.Background()))
	waitForState(t, tr, StateAuthenticated)

	tr.Stop()
	assert.Equal(t, StateDisconnected, tr.State())
	tr.Stop()
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestSocket_SendRequiresAuthentication(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())

	_, err := tr.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, camerrors.IsCode(err, camerrors.ErrCodeTransportState))
	assert.Empty(t, fa.received("chat.message"), "a local rejection must not touch the network")
}

func TestSocket_SendDeliversFrame(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())
	defer tr.Stop()
	require.NoError(t, tr.Start(context.Background()))
	waitForState(t, tr, StateAuthenticated)

	local, err := tr.SendMessage(context.Background(), "Book Camera A for John next Monday")
	require.NoError(t, err)
	assert.Equal(t, SenderUser, local.SenderType)
	assert.Equal(t, StatusSent, local.Status)
	assert.NotEmpty(t, local.ID)

	require.Eventually(t, func() bool {
		return len(fa.received("chat.message")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	sent := fa.received("chat.message")[0]
	assert.Equal(t, "Book Camera A for John next Monday", sent["content"])
	assert.Equal(t, local.ID, sent["message_id"])
}

func TestSocket_UnexpectedDropSchedulesOneReconnect(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())
	defer tr.Stop()
	require.NoError(t, tr.Start(context.Background()))
	waitForState(t, tr, StateAuthenticated)

	fa.dropConnections()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fa.dials) >= 2
	}, 2*time.Second, 5*time.Millisecond, "transport never redialed after the drop")
	waitForState(t, tr, StateAuthenticated)
	assert.EqualValues(t, 2, atomic.LoadInt32(&fa.dials),
		"one drop schedules exactly one reconnect attempt")

	// A second drop gets its own single retry.
	fa.dropConnections()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fa.dials) >= 3
	}, 2*time.Second, 5*time.Millisecond, "transport never redialed after the drop")
	waitForState(t, tr, StateAuthenticated)
	assert.EqualValues(t, 3, atomic.LoadInt32(&fa.dials))
}

func TestSocket_CleanCloseDoesNotReconnect(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())
	defer tr.Stop()
	require.NoError(t, tr.Start(context.Background()))
	waitForState(t, tr, StateAuthenticated)

	fa.closeCleanly()
	waitForState(t, tr, StateDisconnected)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateDisconnected, tr.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&fa.dials), "a clean close must not trigger a reconnect")
}

func TestSocket_StopCancelsPendingReconnect(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)

	cfg := socketConfig(wsURL)
	cfg.ReconnectDelay = 100 * time.Millisecond
	tr := NewSocketTransport(cfg, staticTokens("tok"), logging.Nop())
	require.NoError(t, tr.Start(context.Background()))
	waitForState(t, tr, StateAuthenticated)

	fa.dropConnections()
	waitForState(t, tr, StateConnecting)
	tr.Stop()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, StateDisconnected, tr.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&fa.dials), "Stop must cancel the pending reconnect timer")
}

func TestSocket_MissingTokenIsTerminalError(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens(""), logging.Nop())
	defer tr.Stop()
	require.NoError(t, tr.Start(context.Background()))
	waitForState(t, tr, StateError)

	// The error state is terminal for this attempt: no silent retry loop.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateError, tr.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&fa.dials),
		"a failed attempt must wait for a manual retry, not redial")

	var authErr Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-tr.Events():
				if ev.Type == EventError {
					authErr = ev
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, camerrors.IsCode(authErr.Err, camerrors.ErrCodeAuthExpired))

	// Start from the error state is the manual-retry affordance.
	require.NoError(t, tr.Start(context.Background()))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fa.dials) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSocket_RemoteErrorKeepsConnection(t *testing.T) {
	fa, _, wsURL := newFakeAssistant(t)
	fa.onFrame = func(conn *gorillaws.Conn, frame map[string]any) {
		if frame["type"] == "chat.message" {
			_ = conn.WriteJSON(map[string]any{"type": "error", "error": "I could not find that camera"})
		}
	}

	tr := NewSocketTransport(socketConfig(wsURL), staticTokens("tok"), logging.Nop())
	defer tr.Stop()
	require.NoError(t, tr.Start(context.Background()))
	waitForState(t, tr, StateAuthenticated)

	_, err := tr.SendMessage(context.Background(), "book the phantom camera")
	require.NoError(t, err)

	var remoteErr Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-tr.Events():
				if ev.Type == EventError {
					remoteErr = ev
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, camerrors.IsCode(remoteErr.Err, camerrors.ErrCodeRemoteError))
	assert.Equal(t, StateAuthenticated, tr.State(),
		"an application-level error must not change the connection state")
}
