package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	camerrors "github.com/camflowhq/camflow/pkg/errors"
	"github.com/camflowhq/camflow/pkg/reliability"
)

// fakeBackend counts calls and returns scripted results.
type fakeBackend struct {
	mu            sync.Mutex
	refreshCalls  int32
	refreshTokens []string
	refreshFn     func() (*Session, error)
	signInFn      func(email, password string) (*Session, error)
	signOutCalls  int32
	resetCalls    int32
}

func (f *fakeBackend) CurrentSession(ctx context.Context) (*Session, error) {
	return nil, nil
}

func (f *fakeBackend) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	f.mu.Lock()
	f.refreshTokens = append(f.refreshTokens, refreshToken)
	fn := f.refreshFn
	f.mu.Unlock()
	if fn == nil {
		return nil, camerrors.New(camerrors.ErrCodeAuthRefresh, "no script")
	}
	return fn()
}

func (f *fakeBackend) SignIn(ctx context.Context, email, password string) (*Session, error) {
	if f.signInFn == nil {
		return nil, camerrors.New(camerrors.ErrCodeAuthSignIn, "no script")
	}
	return f.signInFn(email, password)
}

func (f *fakeBackend) SignOut(ctx context.Context, accessToken string) error {
	atomic.AddInt32(&f.signOutCalls, 1)
	return nil
}

func (f *fakeBackend) ResetPassword(ctx context.Context, email string) error {
	atomic.AddInt32(&f.resetCalls, 1)
	return nil
}

func fastRetry() reliability.RetryStrategy {
	return reliability.RetryStrategy{
		MaxRetries: 2, // 3 total attempts
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestToken_FreshCacheSkipsNetwork(t *testing.T) {
	backend := &fakeBackend{}
	cache := NewCache(5 * time.Minute)
	provider := NewTokenProvider(cache, backend, ProviderOptions{Retry: fastRetry()})

	cache.Write(&Session{
		AccessToken: "cached-token",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	token := provider.Token(context.Background())

	assert.Equal(t, "cached-token", token)
	assert.EqualValues(t, 0, atomic.LoadInt32(&backend.refreshCalls),
		"a fresh session away from expiry must not trigger a refresh")
}

func TestToken_ExpiringSoonTriggersRefresh(t *testing.T) {
	backend := &fakeBackend{}
	backend.refreshFn = func() (*Session, error) {
		return &Session{
			AccessToken: "refreshed-token",
			ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		}, nil
	}
	cache := NewCache(5 * time.Minute)
	provider := NewTokenProvider(cache, backend, ProviderOptions{Retry: fastRetry()})

	// Fresh cache entry, but the session expires inside the 5 minute window.
	cache.Write(&Session{
		AccessToken: "old-token",
		ExpiresAt:   time.Now().Add(2 * time.Minute).Unix(),
	})

	token := provider.Token(context.Background())

	assert.Equal(t, "refreshed-token", token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.refreshCalls))

	// The refreshed session is written back to the cache.
	session, fresh := cache.Read()
	require.True(t, fresh)
	assert.Equal(t, "refreshed-token", session.AccessToken)
}

func TestToken_StaleCacheRefreshesWithStoredToken(t *testing.T) {
	backend := &fakeBackend{}
	backend.refreshFn = func() (*Session, error) {
		return &Session{
			AccessToken:  "new-token",
			RefreshToken: "r2",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		}, nil
	}
	cache := NewCache(10 * time.Millisecond)
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }
	provider := NewTokenProvider(cache, backend, ProviderOptions{Retry: fastRetry()})

	cache.Write(&Session{
		AccessToken:  "old-token",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	})

	// Let the entry sit idle well past its TTL before the next read.
	now = now.Add(20 * time.Millisecond)

	token := provider.Token(context.Background())

	assert.Equal(t, "new-token", token)
	require.EqualValues(t, 1, atomic.LoadInt32(&backend.refreshCalls))
	backend.mu.Lock()
	sentToken := backend.refreshTokens[0]
	backend.mu.Unlock()
	assert.Equal(t, "r1", sentToken,
		"a TTL lapse must not lose the stored refresh token")
}

func TestToken_EmptyCacheTriggersRefresh(t *testing.T) {
	backend := &fakeBackend{}
	backend.refreshFn = func() (*Session, error) {
		return &Session{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}, nil
	}
	provider := NewTokenProvider(NewCache(5*time.Minute), backend, ProviderOptions{Retry: fastRetry()})

	token := provider.Token(context.Background())

	assert.Equal(t, "tok", token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.refreshCalls))
}

func TestToken_RefreshFailureDegradesToEmpty(t *testing.T) {
	backend := &fakeBackend{}
	backend.refreshFn = func() (*Session, error) {
		return nil, camerrors.New(camerrors.ErrCodeAuthRefresh, "backend down").WithRetryable(true)
	}
	cache := NewCache(5 * time.Minute)
	provider := NewTokenProvider(cache, backend, ProviderOptions{Retry: fastRetry()})

	token := provider.Token(context.Background())

	assert.Empty(t, token, "refresh exhaustion degrades to an unauthenticated token")
	assert.EqualValues(t, 3, atomic.LoadInt32(&backend.refreshCalls),
		"exactly one retry chain of 3 total attempts")

	// The failed session must never be served.
	session, fresh := cache.Read()
	assert.Nil(t, session)
	assert.False(t, fresh)
}

func TestToken_RejectionIsNotRetried(t *testing.T) {
	backend := &fakeBackend{}
	backend.refreshFn = func() (*Session, error) {
		return nil, camerrors.New(camerrors.ErrCodeAuthRejected, "refresh token revoked")
	}
	provider := NewTokenProvider(NewCache(5*time.Minute), backend, ProviderOptions{Retry: fastRetry()})

	token := provider.Token(context.Background())

	assert.Empty(t, token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.refreshCalls),
		"a definitive rejection must not be retried")
}

func TestToken_ConcurrentCallsShareOneRefresh(t *testing.T) {
	backend := &fakeBackend{}
	release := make(chan struct{})
	backend.refreshFn = func() (*Session, error) {
		<-release
		return &Session{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}, nil
	}
	provider := NewTokenProvider(NewCache(5*time.Minute), backend, ProviderOptions{Retry: fastRetry()})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i] = provider.Token(context.Background())
		}(i)
	}

	// Give all callers time to pile onto the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.refreshCalls),
		"concurrent callers must share a single in-flight refresh")
	for _, tok := range tokens {
		assert.Equal(t, "tok", tok)
	}
}

func TestToken_PublishesRefreshEvent(t *testing.T) {
	backend := &fakeBackend{}
	backend.refreshFn = func() (*Session, error) {
		return &Session{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}, nil
	}
	hub := NewHub()
	defer hub.Close()
	events, cancel := hub.Subscribe()
	defer cancel()

	provider := NewTokenProvider(NewCache(5*time.Minute), backend, ProviderOptions{
		Retry: fastRetry(),
		Hub:   hub,
	})

	provider.Token(context.Background())

	select {
	case event := <-events:
		assert.Equal(t, EventRefreshed, event.Type)
		require.NotNil(t, event.Session)
		assert.Equal(t, "tok", event.Session.AccessToken)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for refresh event")
	}
}
