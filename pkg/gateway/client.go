// Package gateway is the outbound HTTP client for the Camflow backend API.
// It attaches the current bearer token to every request except the
// token-verification endpoint, and treats a 401 as fatal to the session:
// the cached session is cleared and the caller is redirected to sign-in.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	camerrors "github.com/camflowhq/camflow/pkg/errors"
	"github.com/camflowhq/camflow/pkg/logging"
	"github.com/camflowhq/camflow/pkg/telemetry"
)

// verifyTokenPath is the single endpoint that never carries a bearer
// credential; it exists to bootstrap trust before a token is validatable.
const verifyTokenPath = "/auth/verify-token/"

const maxErrorBodyBytes int64 = 64 << 10

// SessionAuthority is the slice of the session manager the gateway needs:
// a token source plus the forced sign-out side effect.
type SessionAuthority interface {
	Token(ctx context.Context) string
	ForceSignOut()
}

// RedirectFunc navigates the user to a route; the composition root supplies
// the real navigation, tests supply a recorder.
type RedirectFunc func(route string)

// Client wraps every outbound request with the gateway policy.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	sessions   SessionAuthority
	redirect   RedirectFunc
	logger     *logging.Logger
}

// Options configures a gateway Client.
type Options struct {
	Timeout  time.Duration
	Redirect RedirectFunc
	Logger   *logging.Logger
}

// NewClient creates a gateway for the given base URL (including /api/v1).
func NewClient(rawURL string, sessions SessionAuthority, opts Options) (*Client, error) {
	raw := strings.TrimSpace(rawURL)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, camerrors.Wrap(err, camerrors.ErrCodeConfigInvalid, "invalid gateway base url")
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Redirect == nil {
		opts.Redirect = func(string) {}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		sessions: sessions,
		redirect: opts.Redirect,
		logger:   opts.Logger,
	}, nil
}

func (c *Client) apiURL(p string) string {
	u := *c.baseURL
	u.Path = path.Join(strings.TrimSuffix(u.Path, "/"), p)
	// Preserve the backend's trailing-slash convention; path.Join strips it.
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}

// apiErrorEnvelope is the backend's structured error body.
type apiErrorEnvelope struct {
	Error       string   `json:"error"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
	Retryable   bool     `json:"retryable,omitempty"`
}

func readBodyLimited(r io.Reader, maxBytes int64) []byte {
	if r == nil || maxBytes <= 0 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(r, maxBytes))
	return data
}

func formatErrorBody(data []byte) string {
	if len(bytes.TrimSpace(data)) == 0 {
		return ""
	}
	var payload apiErrorEnvelope
	if err := json.Unmarshal(data, &payload); err == nil {
		msg := strings.TrimSpace(payload.Message)
		if msg == "" {
			msg = strings.TrimSpace(payload.Error)
		}
		if msg != "" {
			out := msg
			if code := strings.TrimSpace(payload.Code); code != "" {
				out = fmt.Sprintf("%s (%s)", out, code)
			}
			if len(payload.Remediation) > 0 {
				if hint := strings.TrimSpace(payload.Remediation[0]); hint != "" {
					out = fmt.Sprintf("%s: %s", out, hint)
				}
			}
			return out
		}
	}
	return strings.TrimSpace(string(data))
}

// do issues one request under the gateway policy and decodes the JSON
// response into out (when out is non-nil).
func (c *Client) do(ctx context.Context, method, p string, body any, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "gateway.request")
	defer span.End()
	span.SetAttributes(telemetry.AttrMethod.String(method), telemetry.AttrEndpoint.String(p))

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return camerrors.Wrap(err, camerrors.ErrCodeGatewayRequest, "encoding request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(p), reader)
	if err != nil {
		return camerrors.Wrap(err, camerrors.ErrCodeGatewayRequest, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	if p != verifyTokenPath {
		// Proceed without a credential when the provider degrades to empty;
		// the server rejects if one was required.
		if token := c.sessions.Token(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return camerrors.Wrap(err, camerrors.ErrCodeGatewayRequest, fmt.Sprintf("%s %s", method, p)).
			WithRetryable(true)
	}
	defer resp.Body.Close()
	span.SetAttributes(telemetry.AttrStatusCode.Int(resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		return c.handleUnauthorized(p)
	}

	if resp.StatusCode >= 400 {
		detail := formatErrorBody(readBodyLimited(resp.Body, maxErrorBodyBytes))
		if detail == "" {
			detail = resp.Status
		}
		span.SetStatus(codes.Error, detail)
		return camerrors.New(camerrors.ErrCodeGatewayStatus, fmt.Sprintf("%s %s failed (%s): %s", method, p, resp.Status, detail)).
			WithContext("status", resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return camerrors.Wrap(err, camerrors.ErrCodeGatewayDecode, fmt.Sprintf("decoding %s response", p))
		}
	}
	return nil
}

// handleUnauthorized implements the fatal-session policy: clear the cached
// session and redirect to sign-in, exactly once per failing response.
// A permanently invalid token is never retried.
func (c *Client) handleUnauthorized(endpoint string) error {
	telemetry.MetricUnauthorized.Inc()
	telemetry.MetricForcedSignOuts.Inc()

	c.sessions.ForceSignOut()
	c.redirect("/login")

	c.logger.Warn(logging.CategoryGateway, "gateway.unauthorized", "server rejected the session", map[string]any{
		"endpoint": endpoint,
	})

	return camerrors.New(camerrors.ErrCodeAuthRejected, fmt.Sprintf("unauthorized on %s", endpoint)).
		WithUserMessage("Your session has expired. Please sign in again.")
}
