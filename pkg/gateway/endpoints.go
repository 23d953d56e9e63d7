package gateway

import (
	"context"
	"net/http"
)

// Profile is the business owner's account profile.
type Profile struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	BusinessName string `json:"business_name"`
	BusinessType string `json:"business_type"`
	Phone        string `json:"phone,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	Onboarded    bool   `json:"onboarded"`
}

// OnboardingRequest carries the initial business setup answers.
type OnboardingRequest struct {
	BusinessName string `json:"business_name"`
	BusinessType string `json:"business_type"`
	Phone        string `json:"phone,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// BusinessType is one selectable business category.
type BusinessType struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// SubscriptionStatus describes the account's plan and trial state.
type SubscriptionStatus struct {
	Plan          string `json:"plan"`
	Status        string `json:"status"`
	TrialEndsAt   string `json:"trial_ends_at,omitempty"`
	TrialExtended bool   `json:"trial_extended"`
}

// SubscriptionUsage reports consumption against plan limits.
type SubscriptionUsage struct {
	Bookings      int `json:"bookings"`
	BookingsLimit int `json:"bookings_limit"`
	Customers     int `json:"customers"`
	CustomerLimit int `json:"customers_limit"`
}

// SecurityReport summarizes recent account security activity.
type SecurityReport struct {
	LastSignInAt    string `json:"last_sign_in_at"`
	FailedAttempts  int    `json:"failed_attempts"`
	SuspiciousCount int    `json:"suspicious_count"`
}

// SecuritySession is one active device session.
type SecuritySession struct {
	ID        string `json:"id"`
	UserAgent string `json:"user_agent"`
	IP        string `json:"ip"`
	CreatedAt string `json:"created_at"`
	Current   bool   `json:"current"`
}

// VerifyTokenResult is the response of the bootstrap verification endpoint.
type VerifyTokenResult struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id,omitempty"`
}

// VerifyToken checks a candidate token with the backend. This is the one
// request that never carries an Authorization header.
func (c *Client) VerifyToken(ctx context.Context, token string) (*VerifyTokenResult, error) {
	var result VerifyTokenResult
	body := map[string]string{"token": token}
	if err := c.do(ctx, http.MethodPost, verifyTokenPath, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Profile fetches the current user's profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var profile Profile
	if err := c.do(ctx, http.MethodGet, "/users/profile/", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpdateProfile replaces the current user's profile.
func (c *Client) UpdateProfile(ctx context.Context, profile Profile) error {
	return c.do(ctx, http.MethodPut, "/users/profile/", profile, nil)
}

// SubmitOnboarding posts the initial business setup answers.
func (c *Client) SubmitOnboarding(ctx context.Context, req OnboardingRequest) error {
	return c.do(ctx, http.MethodPost, "/users/onboarding/", req, nil)
}

// BusinessTypes lists the selectable business categories.
func (c *Client) BusinessTypes(ctx context.Context) ([]BusinessType, error) {
	var payload struct {
		BusinessTypes []BusinessType `json:"business_types"`
	}
	if err := c.do(ctx, http.MethodGet, "/business-types/", nil, &payload); err != nil {
		return nil, err
	}
	return payload.BusinessTypes, nil
}

// SubscriptionStatus fetches the plan and trial state.
func (c *Client) SubscriptionStatus(ctx context.Context) (*SubscriptionStatus, error) {
	var status SubscriptionStatus
	if err := c.do(ctx, http.MethodGet, "/subscription/status/", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SubscriptionUsage fetches consumption against plan limits.
func (c *Client) SubscriptionUsage(ctx context.Context) (*SubscriptionUsage, error) {
	var usage SubscriptionUsage
	if err := c.do(ctx, http.MethodGet, "/subscription/usage/", nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// ExtendTrial requests a one-time trial extension.
func (c *Client) ExtendTrial(ctx context.Context) (*SubscriptionStatus, error) {
	var status SubscriptionStatus
	if err := c.do(ctx, http.MethodPost, "/subscription/trial/extend/", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SecurityReport fetches the account security summary.
func (c *Client) SecurityReport(ctx context.Context) (*SecurityReport, error) {
	var report SecurityReport
	if err := c.do(ctx, http.MethodGet, "/security/report/", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SecuritySessions lists active device sessions.
func (c *Client) SecuritySessions(ctx context.Context) ([]SecuritySession, error) {
	var payload struct {
		Sessions []SecuritySession `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/security/sessions/", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Sessions, nil
}
