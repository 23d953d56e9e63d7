package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MetricTokenRefreshes counts session refresh attempts by outcome.
	MetricTokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camflow",
		Name:      "token_refreshes_total",
		Help:      "Session refresh attempts against the auth backend.",
	}, []string{"outcome"})

	// MetricUnauthorized counts 401 responses seen by the request gateway.
	MetricUnauthorized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camflow",
		Name:      "unauthorized_responses_total",
		Help:      "Authorization failures (HTTP 401) received from the backend API.",
	})

	// MetricForcedSignOuts counts forced sign-outs triggered by the gateway.
	MetricForcedSignOuts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camflow",
		Name:      "forced_sign_outs_total",
		Help:      "Forced sign-out redirects following an authorization failure.",
	})

	// MetricChatReconnects counts scheduled chat transport reconnect attempts.
	MetricChatReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camflow",
		Name:      "chat_reconnects_total",
		Help:      "Reconnect attempts scheduled after unexpected chat disconnects.",
	})

	// MetricChatMessages counts chat messages by direction.
	MetricChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camflow",
		Name:      "chat_messages_total",
		Help:      "Chat messages exchanged with the assistant backend.",
	}, []string{"direction"})

	// MetricChatState tracks the current chat connection state as a gauge
	// (one series per state, 1 for the active state).
	MetricChatState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camflow",
		Name:      "chat_connection_state",
		Help:      "Current chat transport connection state.",
	}, []string{"state"})
)
