package auth

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

	camerrors "github.com/camflowhq/camflow/pkg/errors"
)

// Backend is the hosted auth provider as the client sees it: a handful of
// black-box remote calls returning sessions or errors. The wire format is
// owned by the provider.
type Backend interface {
	// CurrentSession returns the session the backend currently holds for
	// this client, or nil when signed out.
	CurrentSession(ctx context.Context) (*Session, error)

	// RefreshSession exchanges the refresh token for a new session.
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)

	// SignIn authenticates with email and password.
	SignIn(ctx context.Context, email, password string) (*Session, error)

	// SignOut revokes the session server-side.
	SignOut(ctx context.Context, accessToken string) error

	// ResetPassword requests a password-reset email.
	ResetPassword(ctx context.Context, email string) error
}

const maxAuthErrorBodyBytes int64 = 64 << 10

// HTTPBackend talks to the hosted auth provider over JSON/HTTP.
type HTTPBackend struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewHTTPBackend creates a backend client for the given base URL.
func NewHTTPBackend(rawURL string) (*HTTPBackend, error) {
	raw := strings.TrimSpace(rawURL)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, camerrors.Wrap(err, camerrors.ErrCodeConfigInvalid, "invalid auth backend url")
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	return &HTTPBackend{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (b *HTTPBackend) endpoint(p string) string {
	u := *b.baseURL
	u.Path = path.Join(strings.TrimSuffix(u.Path, "/"), "/auth/v1", p)
	return u.String()
}

func (b *HTTPBackend) do(ctx context.Context, method, p, bearer string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.endpoint(p), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return b.httpClient.Do(req)
}

// decodeSession reads a session payload, normalizing the provider's
// occasionally absent expires_at.
func decodeSession(r io.Reader) (*Session, error) {
	var session Session
	if err := json.NewDecoder(r).Decode(&session); err != nil {
		return nil, camerrors.Wrap(err, camerrors.ErrCodeAuthRefresh, "decoding session payload")
	}
	if session.AccessToken == "" {
		return nil, camerrors.New(camerrors.ErrCodeAuthRefresh, "session payload missing access token")
	}
	return &session, nil
}

func authError(resp *http.Response, op string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxAuthErrorBodyBytes))
	detail := strings.TrimSpace(string(data))
	if detail == "" {
		detail = resp.Status
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return camerrors.New(camerrors.ErrCodeAuthRejected, fmt.Sprintf("%s rejected (%s): %s", op, resp.Status, detail))
	}
	// 5xx and timeouts are worth retrying; 4xx are not.
	retryable := resp.StatusCode >= 500
	return camerrors.New(camerrors.ErrCodeAuthRefresh, fmt.Sprintf("%s failed (%s): %s", op, resp.Status, detail)).
		WithRetryable(retryable)
}

func (b *HTTPBackend) CurrentSession(ctx context.Context) (*Session, error) {
	resp, err := b.do(ctx, http.MethodGet, "/session", "", nil)
	if err != nil {
		return nil, camerrors.Wrap(err, camerrors.ErrCodeAuthRefresh, "fetching current session").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, nil // signed out
	}
	if resp.StatusCode != http.StatusOK {
		return nil, authError(resp, "session fetch")
	}
	return decodeSession(resp.Body)
}

func (b *HTTPBackend) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	payload := map[string]string{"refresh_token": refreshToken}
	resp, err := b.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", payload)
	if err != nil {
		return nil, camerrors.Wrap(err, camerrors.ErrCodeAuthRefresh, "refreshing session").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, authError(resp, "session refresh")
	}
	return decodeSession(resp.Body)
}

func (b *HTTPBackend) SignIn(ctx context.Context, email, password string) (*Session, error) {
	payload := map[string]string{"email": email, "password": password}
	resp, err := b.do(ctx, http.MethodPost, "/token?grant_type=password", "", payload)
	if err != nil {
		return nil, camerrors.Wrap(err, camerrors.ErrCodeAuthSignIn, "signing in").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxAuthErrorBodyBytes))
		detail := strings.TrimSpace(string(data))
		if detail == "" {
			detail = resp.Status
		}
		return nil, camerrors.New(camerrors.ErrCodeAuthSignIn, fmt.Sprintf("sign-in failed (%s): %s", resp.Status, detail)).
			WithUserMessage("Sign-in failed. Check your email and password.")
	}
	return decodeSession(resp.Body)
}

func (b *HTTPBackend) SignOut(ctx context.Context, accessToken string) error {
	resp, err := b.do(ctx, http.MethodPost, "/logout", accessToken, nil)
	if err != nil {
		return camerrors.Wrap(err, camerrors.ErrCodeAuthSignIn, "signing out")
	}
	defer resp.Body.Close()

	// A rejected sign-out still means the session is gone client-side.
	if resp.StatusCode >= 500 {
		return authError(resp, "sign-out")
	}
	return nil
}

func (b *HTTPBackend) ResetPassword(ctx context.Context, email string) error {
	payload := map[string]string{"email": email}
	resp, err := b.do(ctx, http.MethodPost, "/recover", "", payload)
	if err != nil {
		return camerrors.Wrap(err, camerrors.ErrCodeAuthSignIn, "requesting password reset")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return authError(resp, "password reset")
	}
	return nil
}
