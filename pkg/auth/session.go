package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User identifies the authenticated account holder.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the client's cached copy of the auth backend's session record.
// The backend owns the durable state; this struct is only ever replaced
// wholesale by sign-in or refresh, never mutated field by field.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is epoch seconds.
	ExpiresAt int64 `json:"expires_at"`
	User      User  `json:"user"`
}

// expiryTime resolves the session expiry. When the backend omitted
// expires_at, fall back to the unverified exp claim of the access token.
// Verification is the server's job; the client only needs the timestamp.
func (s *Session) expiryTime() (time.Time, bool) {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0), true
	}
	if s.AccessToken == "" {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(s.AccessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ExpiresWithin reports whether the session expires inside the given
// look-ahead window. Sessions without a resolvable expiry are treated as
// not expiring, matching the backend's long-lived-token behavior.
func (s *Session) ExpiresWithin(window time.Duration) bool {
	exp, ok := s.expiryTime()
	if !ok {
		return false
	}
	return time.Until(exp) < window
}
