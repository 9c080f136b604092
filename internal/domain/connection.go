package domain

import (
	"strings"
	"time"
)

// ConnectionKey identifies the single connection a user holds with a provider.
type ConnectionKey struct {
	UserID   string
	Provider string
}

func (k ConnectionKey) String() string { return k.UserID + "/" + k.Provider }

// UserConnection is an authorized link between a backend user and a provider account.
// Token fields are tagged for log redaction.
type UserConnection struct {
	UserID         string
	Provider       string
	ProviderUserID string
	AccessToken    string `masq:"secret"`
	RefreshToken   string `masq:"secret"`
	TokenType      string
	ExpiresAt      time.Time
	Scopes         []string
	UpdatedAt      time.Time
}

func (c UserConnection) Key() ConnectionKey {
	return ConnectionKey{UserID: c.UserID, Provider: c.Provider}
}

// ExpiresWithin reports whether the access token is expired or will expire within margin of now.
// A zero ExpiresAt means the provider did not report an expiry and the token is treated as valid.
func (c UserConnection) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// Credential returns the bearer credential for provider calls.
func (c UserConnection) Credential() Credential {
	tt := c.TokenType
	if tt == "" {
		tt = "Bearer"
	}
	return Credential{AccessToken: c.AccessToken, TokenType: tt, ExpiresAt: c.ExpiresAt}
}

// Clone returns a copy that shares no mutable state with c.
func (c UserConnection) Clone() UserConnection {
	out := c
	if c.Scopes != nil {
		out.Scopes = append([]string(nil), c.Scopes...)
	}
	return out
}

// ScopeString joins scopes the way OAuth token endpoints report them.
func (c UserConnection) ScopeString() string { return strings.Join(c.Scopes, " ") }

// Credential is an access token ready to be sent to the provider.
type Credential struct {
	AccessToken string `masq:"secret"`
	TokenType   string
	ExpiresAt   time.Time
}

// AuthorizationHeader renders the Authorization header value.
func (c Credential) AuthorizationHeader() string {
	tt := c.TokenType
	if tt == "" || strings.EqualFold(tt, "bearer") {
		tt = "Bearer"
	}
	return tt + " " + c.AccessToken
}

// Profile is the provider-side identity of a connected user.
type Profile struct {
	UserID   string
	Username string
	Email    string
}
