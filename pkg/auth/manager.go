package auth

import (
	"context"
	"time"

	"github.com/camflowhq/camflow/pkg/logging"
	"github.com/camflowhq/camflow/pkg/reliability"
)

// Manager is the injectable session manager owned by the application's
// composition root. Every component that needs session or token state holds
// a reference to it; there is no ambient global.
type Manager struct {
	cache    *Cache
	backend  Backend
	provider *TokenProvider
	hub      *Hub
	logger   *logging.Logger
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	SessionTTL    time.Duration
	RefreshWindow time.Duration
	Retry         reliability.RetryStrategy
	Logger        *logging.Logger
}

// NewManager builds the session manager over the given auth backend.
func NewManager(backend Backend, opts ManagerOptions) *Manager {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	cache := NewCache(opts.SessionTTL)
	hub := NewHub()
	provider := NewTokenProvider(cache, backend, ProviderOptions{
		RefreshWindow: opts.RefreshWindow,
		Retry:         opts.Retry,
		Logger:        opts.Logger,
		Hub:           hub,
	})
	return &Manager{
		cache:    cache,
		backend:  backend,
		provider: provider,
		hub:      hub,
		logger:   opts.Logger,
	}
}

// Token returns the current bearer token, refreshing if needed. Empty means
// unauthenticated.
func (m *Manager) Token(ctx context.Context) string {
	return m.provider.Token(ctx)
}

// SignIn authenticates and primes the session cache.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*Session, error) {
	session, err := m.backend.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	m.cache.Write(session)
	m.hub.Publish(Event{Type: EventSignedIn, Session: session})
	m.logger.Info(logging.CategoryAuth, "auth.signed_in", "user signed in", map[string]any{
		"user_id": session.User.ID,
	})
	return session, nil
}

// SignOut revokes the session server-side and clears the cache. The cache
// is cleared even when the remote call fails; the client must never keep a
// session it asked to end.
func (m *Manager) SignOut(ctx context.Context) error {
	token := ""
	if session, _ := m.cache.Read(); session != nil {
		token = session.AccessToken
	}

	err := m.backend.SignOut(ctx, token)
	m.cache.Invalidate()
	m.hub.Publish(Event{Type: EventSignedOut})
	m.logger.Info(logging.CategoryAuth, "auth.signed_out", "user signed out", nil)
	return err
}

// ForceSignOut clears the cached session without a backend round trip.
// Called by the request gateway when the server rejects the token.
func (m *Manager) ForceSignOut() {
	m.cache.Invalidate()
	m.hub.Publish(Event{Type: EventSignedOut})
	m.logger.Warn(logging.CategoryAuth, "auth.forced_sign_out", "session rejected by server", nil)
}

// ResetPassword requests a password-reset email.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	return m.backend.ResetPassword(ctx, email)
}

// CurrentSession returns the cached session when fresh, otherwise asks the
// backend and re-primes the cache.
func (m *Manager) CurrentSession(ctx context.Context) (*Session, error) {
	if session, fresh := m.cache.Read(); fresh {
		return session, nil
	}
	session, err := m.backend.CurrentSession(ctx)
	if err != nil {
		m.cache.Invalidate()
		return nil, err
	}
	m.cache.Write(session)
	return session, nil
}

// CurrentUser returns the signed-in user, or nil.
func (m *Manager) CurrentUser(ctx context.Context) (*User, error) {
	session, err := m.CurrentSession(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	return &session.User, nil
}

// Subscribe registers for auth state change events.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.hub.Subscribe()
}

// Close releases the event hub.
func (m *Manager) Close() {
	m.hub.Close()
}
