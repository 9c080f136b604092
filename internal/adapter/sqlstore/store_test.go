package sqlstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wearable-sync/internal/adapter/storetest"
	"wearable-sync/internal/migrate"
	"wearable-sync/internal/ports"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dsn := "file:" + filepath.Join(t.TempDir(), "wearable.db")

	s, err := Open(context.Background(), "sqlite", dsn, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, migrate.Run(context.Background(), s.DB(), s.Dialect().Name, log))
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.Gateway { return newSQLiteStore(t) })
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "dsn", nil)
	require.Error(t, err)

	_, err = Open(context.Background(), "mysql", "", nil)
	require.Error(t, err)
}

func TestUpsertStatements(t *testing.T) {
	cols := []string{"user_id", "provider", "metric", "sampled_at", "metric_value"}
	keys := []string{"user_id", "provider", "metric", "sampled_at"}

	my, err := DialectFor("mysql")
	require.NoError(t, err)
	require.Equal(t,
		"INSERT INTO activity_samples (user_id, provider, metric, sampled_at, metric_value) VALUES (?, ?, ?, ?, ?)"+
			" ON DUPLICATE KEY UPDATE metric_value=VALUES(metric_value)",
		my.Upsert("activity_samples", cols, keys))

	pg, err := DialectFor("postgres")
	require.NoError(t, err)
	require.Equal(t, "pgx", pg.Driver)
	require.Equal(t,
		"INSERT INTO activity_samples (user_id, provider, metric, sampled_at, metric_value) VALUES ($1, $2, $3, $4, $5)"+
			" ON CONFLICT (user_id, provider, metric, sampled_at) DO UPDATE SET metric_value=excluded.metric_value",
		pg.Upsert("activity_samples", cols, keys))

	lite, err := DialectFor("SQLite")
	require.NoError(t, err)
	require.Equal(t,
		"INSERT INTO t (a, b) VALUES (?, ?) ON CONFLICT (a, b) DO NOTHING",
		lite.Upsert("t", []string{"a", "b"}, []string{"a", "b"}))
}
