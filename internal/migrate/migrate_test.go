package migrate

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestRunIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	require.NoError(t, Run(ctx, db, "sqlite", log))
	require.NoError(t, Run(ctx, db, "sqlite", log))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	require.Equal(t, 2, n)

	_, err = db.Exec("SELECT is_nap FROM sleep_sessions")
	require.NoError(t, err)

	for _, table := range []string{"user_connections", "sleep_sessions", "recovery_records", "activity_samples", "unmapped_records"} {
		_, err := db.Exec("SELECT COUNT(*) FROM " + table)
		require.NoError(t, err, table)
	}
}

func TestRunUnknownDialect(t *testing.T) {
	require.Error(t, Run(context.Background(), nil, "oracle", slog.Default()))
}

func TestEveryDialectShipsTheSameVersions(t *testing.T) {
	for _, d := range []string{"mysql", "postgres", "sqlite"} {
		files, err := migrationsFS.ReadDir("sql/" + d)
		require.NoError(t, err)
		require.Len(t, files, 2, d)
		for i, f := range files {
			v, err := parseVersion(f.Name())
			require.NoError(t, err)
			require.Equal(t, i+1, v, d)
		}
	}
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("0007_add_index.sql")
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = parseVersion("init.sql")
	require.Error(t, err)
	_, err = parseVersion("abc_init.sql")
	require.Error(t, err)
}

func TestSplitStatements(t *testing.T) {
	src := `-- leading comment
CREATE TABLE a (
    id INT
);

-- only a comment;
INSERT INTO a VALUES (1);
SELECT 1`
	got := splitStatements(src)
	require.Len(t, got, 3)
	require.Contains(t, got[0], "CREATE TABLE a")
	require.Equal(t, "INSERT INTO a VALUES (1);", got[1])
	require.Equal(t, "SELECT 1", got[2])
}
