package auth

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	camerrors "github.com/camflowhq/camflow/pkg/errors"
	"github.com/camflowhq/camflow/pkg/logging"
	"github.com/camflowhq/camflow/pkg/reliability"
	"github.com/camflowhq/camflow/pkg/telemetry"
)

// TokenProvider returns a valid bearer token, refreshing the underlying
// session when absent or near expiry. Refresh failures degrade to an empty
// token, meaning "treat the caller as unauthenticated"; they are never
// surfaced as errors.
type TokenProvider struct {
	cache   *Cache
	backend Backend
	hub     *Hub
	logger  *logging.Logger
	retry   reliability.RetryStrategy
	window  time.Duration
	group   singleflight.Group
}

// ProviderOptions configures a TokenProvider.
type ProviderOptions struct {
	// RefreshWindow is the look-ahead before expiry that triggers refresh.
	RefreshWindow time.Duration
	Retry         reliability.RetryStrategy
	Logger        *logging.Logger
	// Hub receives refreshed / signed-out events; optional.
	Hub *Hub
}

// NewTokenProvider wires a provider over the given cache and backend.
func NewTokenProvider(cache *Cache, backend Backend, opts ProviderOptions) *TokenProvider {
	if opts.RefreshWindow <= 0 {
		opts.RefreshWindow = 5 * time.Minute
	}
	if opts.Retry.Multiplier == 0 {
		opts.Retry = reliability.RetryStrategy{
			MaxRetries: 2,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Multiplier: 2.0,
		}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &TokenProvider{
		cache:   cache,
		backend: backend,
		hub:     opts.Hub,
		logger:  opts.Logger,
		retry:   opts.Retry,
		window:  opts.RefreshWindow,
	}
}

// Token returns the current bearer token, or "" when the caller must be
// treated as unauthenticated. A fresh cached session away from expiry is
// served without any network call.
func (p *TokenProvider) Token(ctx context.Context) string {
	if session, fresh := p.cache.Read(); fresh && session != nil && !session.ExpiresWithin(p.window) {
		return session.AccessToken
	}

	session, err := p.refresh(ctx)
	if err != nil || session == nil {
		return ""
	}
	return session.AccessToken
}

// refresh runs one retry chain against the auth backend, de-duplicating
// concurrent callers onto a single in-flight refresh.
func (p *TokenProvider) refresh(ctx context.Context) (*Session, error) {
	v, err, _ := p.group.Do("session-refresh", func() (any, error) {
		return p.refreshLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (p *TokenProvider) refreshLocked(ctx context.Context) (*Session, error) {
	var refreshed *Session

	refreshToken := ""
	if session, _ := p.cache.Read(); session != nil {
		refreshToken = session.RefreshToken
	}

	err := p.retry.Execute(ctx, func() error {
		telemetry.MetricTokenRefreshes.WithLabelValues("attempt").Inc()
		session, err := p.backend.RefreshSession(ctx, refreshToken)
		if err != nil {
			// Never serve a stale or failed session.
			p.cache.Invalidate()
			p.logger.Warn(logging.CategoryAuth, "auth.refresh_failed", "session refresh attempt failed", map[string]any{
				"error": err.Error(),
			})
			return err
		}
		if session == nil {
			p.cache.Invalidate()
			return camerrors.New(camerrors.ErrCodeAuthRefresh, "backend returned no session").WithRetryable(true)
		}
		refreshed = session
		return nil
	})
	if err != nil {
		telemetry.MetricTokenRefreshes.WithLabelValues("failure").Inc()
		p.cache.Invalidate()
		p.logger.Error(logging.CategoryAuth, "auth.refresh_exhausted", "session refresh gave up", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}

	telemetry.MetricTokenRefreshes.WithLabelValues("success").Inc()
	p.cache.Write(refreshed)
	if p.hub != nil {
		p.hub.Publish(Event{Type: EventRefreshed, Session: refreshed})
	}
	return refreshed, nil
}
