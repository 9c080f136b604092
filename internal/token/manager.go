// Package token owns the OAuth token lifecycle of provider connections.
package token

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"wearable-sync/internal/domain"
	"wearable-sync/internal/observability"
	"wearable-sync/internal/ports"
)

const (
	DefaultMargin  = 60 * time.Second
	DefaultTimeout = 30 * time.Second
)

// OAuthConfig is the registered client and the provider's OAuth endpoints.
type OAuthConfig struct {
	Provider     string
	ClientID     string
	ClientSecret string `masq:"secret"`
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// Option configures optional behaviour for the Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithMargin sets how long before expiry a credential is refreshed.
func WithMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager hands out valid credentials and refreshes them at most once in flight per connection.
type Manager struct {
	provider string
	oauth    *oauth2.Config
	store    ports.ConnectionStore
	client   *http.Client
	margin   time.Duration
	now      func() time.Time
	log      *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[domain.ConnectionKey]domain.UserConnection
}

func NewManager(cfg OAuthConfig, store ports.ConnectionStore, opts ...Option) *Manager {
	m := &Manager{
		provider: cfg.Provider,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:  store,
		client: &http.Client{Timeout: DefaultTimeout},
		margin: DefaultMargin,
		now:    time.Now,
		log:    slog.Default(),
		cache:  make(map[domain.ConnectionKey]domain.UserConnection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AuthCodeURL builds the consent URL the user is redirected to.
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for the user's first token pair and stores the connection.
func (m *Manager) Exchange(ctx context.Context, userID, code string) (domain.UserConnection, error) {
	if userID == "" || code == "" {
		return domain.UserConnection{}, goerr.New("user id and code are required")
	}
	tctx, cancel := context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, m.client), m.timeout())
	defer cancel()

	tok, err := m.oauth.Exchange(tctx, code)
	if err != nil {
		return domain.UserConnection{}, goerr.Wrap(classify(err), "exchange authorization code", goerr.V("user_id", userID), goerr.V("cause", err.Error()))
	}

	conn := m.apply(domain.UserConnection{UserID: userID, Provider: m.provider, Scopes: m.oauth.Scopes}, tok)
	m.put(conn)
	if err := m.store.SaveConnection(ctx, conn); err != nil {
		return conn, goerr.Wrap(err, "save connection", goerr.V("user_id", userID))
	}
	m.log.Info("connection authorized", slog.String("connection", conn.Key().String()), slog.Time("expires_at", conn.ExpiresAt))
	return conn, nil
}

// Link records the provider-side user id on the connection, keeping the cached copy in step.
func (m *Manager) Link(ctx context.Context, conn domain.UserConnection, providerUserID string) (domain.UserConnection, error) {
	cur := m.current(conn)
	cur.ProviderUserID = providerUserID
	cur.UpdatedAt = m.now()
	m.put(cur)
	if err := m.store.SaveConnection(ctx, cur); err != nil {
		return cur, goerr.Wrap(err, "save connection", goerr.V("connection", cur.Key().String()))
	}
	return cur, nil
}

// ValidCredential returns a credential that stays valid for at least the safety margin,
// refreshing first when needed.
func (m *Manager) ValidCredential(ctx context.Context, conn domain.UserConnection) (domain.Credential, error) {
	cur := m.current(conn)
	if !cur.ExpiresWithin(m.now(), m.margin) {
		return cur.Credential(), nil
	}
	return m.refresh(ctx, conn, domain.Credential{})
}

// Refresh replaces a credential the provider rejected. If a concurrent caller already replaced it,
// the replacement is returned without another token call.
func (m *Manager) Refresh(ctx context.Context, conn domain.UserConnection, rejected domain.Credential) (domain.Credential, error) {
	return m.refresh(ctx, conn, rejected)
}

// Connection returns the latest known state of conn.
func (m *Manager) Connection(conn domain.UserConnection) domain.UserConnection {
	return m.current(conn)
}

// refresh runs at most one token call per connection at a time. conn is the caller's view of the
// connection; a token that replaced the one the caller started from is reused while it has not expired,
// even when its lifetime is shorter than the margin.
func (m *Manager) refresh(ctx context.Context, conn domain.UserConnection, rejected domain.Credential) (domain.Credential, error) {
	key := conn.Key()
	seen := rejected.AccessToken
	if seen == "" {
		seen = conn.AccessToken
	}
	ch := m.group.DoChan(key.String(), func() (any, error) {
		// Re-check inside the flight: a flight that finished just before this one started
		// may already have replaced the credential.
		latest := m.current(conn)
		now := m.now()
		if latest.AccessToken != seen && !latest.ExpiresWithin(now, 0) {
			return latest, nil
		}
		if rejected.AccessToken == "" && !latest.ExpiresWithin(now, m.margin) {
			return latest, nil
		}
		return m.doRefresh(ctx, latest)
	})

	select {
	case <-ctx.Done():
		return domain.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		return res.Val.(domain.UserConnection).Credential(), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, conn domain.UserConnection) (domain.UserConnection, error) {
	key := conn.Key()
	if conn.RefreshToken == "" {
		observability.RecordTokenRefresh(m.provider, "auth")
		return conn, goerr.Wrap(domain.ErrAuth, "connection has no refresh token", goerr.V("connection", key.String()))
	}

	// The flight is shared, so one caller's cancellation must not fail the others.
	base := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, m.client)
	tctx, cancel := context.WithTimeout(base, m.timeout())
	defer cancel()

	tok, err := m.oauth.TokenSource(tctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		kind := classify(err)
		observability.RecordTokenRefresh(m.provider, domain.KindOf(kind))
		m.log.Warn("token refresh failed", slog.String("connection", key.String()), slog.String("error", err.Error()))
		return conn, goerr.Wrap(kind, "refresh token", goerr.V("connection", key.String()), goerr.V("cause", err.Error()))
	}
	observability.RecordTokenRefresh(m.provider, "ok")

	updated := m.apply(conn, tok)
	m.put(updated)
	m.log.Info("token refreshed", slog.String("connection", key.String()), slog.Time("expires_at", updated.ExpiresAt))

	if err := m.store.SaveConnection(base, updated); err != nil {
		return updated, goerr.Wrap(domain.ErrPersistence, "save refreshed connection", goerr.V("connection", key.String()), goerr.V("cause", err.Error()))
	}
	return updated, nil
}

func (m *Manager) apply(conn domain.UserConnection, tok *oauth2.Token) domain.UserConnection {
	out := conn.Clone()
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	out.TokenType = tok.Type()
	out.ExpiresAt = tok.Expiry
	if scope, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(scope) != "" {
		out.Scopes = strings.Fields(scope)
	}
	out.UpdatedAt = m.now()
	return out
}

// current prefers the cached connection, which is newer than anything a caller holds.
func (m *Manager) current(conn domain.UserConnection) domain.UserConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cache[conn.Key()]; ok {
		return c.Clone()
	}
	return conn.Clone()
}

func (m *Manager) put(conn domain.UserConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[conn.Key()] = conn.Clone()
}

func (m *Manager) timeout() time.Duration {
	if m.client != nil && m.client.Timeout > 0 {
		return m.client.Timeout
	}
	return DefaultTimeout
}

// classify maps token endpoint failures onto the error taxonomy.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant", re.ErrorCode == "invalid_client", re.ErrorCode == "unauthorized_client":
			return domain.ErrAuth
		case status == http.StatusTooManyRequests, status >= 500:
			return domain.ErrTransient
		case status >= 400:
			return domain.ErrAuth
		}
		return domain.ErrProtocol
	}
	var ue *url.Error
	if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTransient
	}
	return domain.ErrProtocol
}
