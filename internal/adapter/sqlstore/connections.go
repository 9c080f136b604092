package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/domain"
)

var connectionCols = []string{
	"user_id", "provider", "provider_user_id", "access_token", "refresh_token",
	"token_type", "expires_at", "scopes", "updated_at",
}

// GetConnection loads the single connection of (user, provider).
func (s *Store) GetConnection(ctx context.Context, key domain.ConnectionKey) (domain.UserConnection, error) {
	q := s.dialect.Rebind(`SELECT provider_user_id, access_token, refresh_token, token_type, expires_at, scopes, updated_at
FROM user_connections WHERE user_id = ? AND provider = ?`)

	c := domain.UserConnection{UserID: key.UserID, Provider: key.Provider}
	var (
		expires, updated int64
		scopes           string
	)
	err := s.db.QueryRowContext(ctx, q, key.UserID, key.Provider).Scan(
		&c.ProviderUserID, &c.AccessToken, &c.RefreshToken, &c.TokenType, &expires, &scopes, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserConnection{}, goerr.Wrap(domain.ErrConnectionNotFound, "get connection", goerr.V("connection", key.String()))
	}
	if err != nil {
		return domain.UserConnection{}, goerr.Wrap(domain.ErrPersistence, "get connection", goerr.V("connection", key.String()), goerr.V("cause", err.Error()))
	}
	c.ExpiresAt = fromUnix(expires)
	c.UpdatedAt = fromUnix(updated)
	c.Scopes = strings.Fields(scopes)
	return c, nil
}

// SaveConnection upserts the connection keyed by (user, provider).
func (s *Store) SaveConnection(ctx context.Context, conn domain.UserConnection) error {
	q := s.dialect.Upsert("user_connections", connectionCols, []string{"user_id", "provider"})
	updated := conn.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, q,
		conn.UserID,
		conn.Provider,
		conn.ProviderUserID,
		conn.AccessToken,
		conn.RefreshToken,
		conn.TokenType,
		toUnix(conn.ExpiresAt),
		conn.ScopeString(),
		toUnix(updated),
	); err != nil {
		return goerr.Wrap(domain.ErrPersistence, "save connection", goerr.V("connection", conn.Key().String()), goerr.V("cause", err.Error()))
	}
	return nil
}

// toUnix stores the zero time as 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
