//go:build e2e

package e2e

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"wearable-sync/internal/adapter/sqlstore"
	"wearable-sync/internal/adapter/storetest"
	"wearable-sync/internal/domain"
	"wearable-sync/internal/migrate"
	"wearable-sync/internal/normalize"
	"wearable-sync/internal/ports"
	"wearable-sync/internal/usecase"
)

type fakeUltrahuman struct{}

func (fakeUltrahuman) FetchDailyMetrics(ctx context.Context, cred domain.Credential, day time.Time) (json.RawMessage, error) {
	if day.Format(domain.DayLayout) != "2024-01-15" {
		return nil, domain.ErrNoData
	}
	return json.RawMessage(`{"data":{"metric_data":[
		{"type":"Sleep","object":{"bedtime_start":1705278600,"bedtime_end":1705306500,
			"quick_metrics":[{"type":"sleep_efic","value":85}],
			"sleep_stages":[{"type":"deep_sleep","stage_time":6000},{"type":"rem_sleep","stage_time":5400}]}},
		{"type":"hr","object":{"values":[{"timestamp":1705280000,"value":58},{"timestamp":1705280300,"value":57},{"timestamp":1705280300,"value":59}]}},
		{"type":"recovery_index","object":{"recovery_index":{"value":78}}},
		{"type":"spo2","object":{"values":[]}}
	]}}`), nil
}

func (fakeUltrahuman) FetchUserProfile(ctx context.Context, cred domain.Credential) (domain.Profile, error) {
	return domain.Profile{UserID: "uh-1"}, nil
}

type staticCredentials struct{}

func (staticCredentials) ValidCredential(context.Context, domain.UserConnection) (domain.Credential, error) {
	return domain.Credential{AccessToken: "access-1"}, nil
}

func (staticCredentials) Refresh(context.Context, domain.UserConnection, domain.Credential) (domain.Credential, error) {
	return domain.Credential{AccessToken: "access-1"}, nil
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func startMySQL(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_DATABASE":      "testdb",
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_USER":          "test",
			"MYSQL_PASSWORD":      "pass",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(90 * time.Second),
	}
	mysqlC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start mysql container")
	t.Cleanup(func() { _ = mysqlC.Terminate(context.Background()) })

	host, err := mysqlC.Host(ctx)
	require.NoError(t, err)
	port, err := mysqlC.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s", "test", "pass", host, port.Port(), "testdb")
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("wearable"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

// openStore retries while the database finishes starting up.
func openStore(t *testing.T, driver, dsn string) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()
	var (
		s   *sqlstore.Store
		err error
	)
	for i := 0; i < 30; i++ {
		if s, err = sqlstore.Open(ctx, driver, dsn, logger()); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err, "open %s store", driver)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, migrate.Run(ctx, s.DB(), s.Dialect().Name, logger()))
	return s
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range []string{"user_connections", "sleep_sessions", "recovery_records", "activity_samples", "unmapped_records"} {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
}

func runSuite(t *testing.T, driver, dsn string) {
	s := openStore(t, driver, dsn)

	// migrations are idempotent
	require.NoError(t, migrate.Run(context.Background(), s.DB(), s.Dialect().Name, logger()))

	t.Run("gateway contract", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) ports.Gateway {
			truncate(t, s.DB())
			return s
		})
	})

	t.Run("sync twice is idempotent", func(t *testing.T) {
		truncate(t, s.DB())
		ctx := context.Background()
		conn := domain.UserConnection{UserID: "u1", Provider: "ultrahuman", AccessToken: "access-1", RefreshToken: "refresh-1"}
		require.NoError(t, s.SaveConnection(ctx, conn))

		uc := &usecase.SyncUseCase{
			Log:        logger(),
			Tokens:     staticCredentials{},
			Provider:   fakeUltrahuman{},
			Normalizer: normalize.New("ultrahuman"),
			Store:      s,
		}
		rng, err := domain.NewDateRange(time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), time.UTC)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			run, err := uc.Run(ctx, conn, rng)
			require.NoError(t, err)
			require.Equal(t, domain.RunCompleted, run.State)
			require.Equal(t, 1, run.Totals.SleepSessions)
			require.Equal(t, 3, run.Totals.ActivitySamples)
			require.Equal(t, 2, run.Totals.NoDataDays)

			var count int
			require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM activity_samples").Scan(&count))
			require.Equal(t, 2, count)
			require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM sleep_sessions").Scan(&count))
			require.Equal(t, 1, count)
			require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM recovery_records").Scan(&count))
			require.Equal(t, 1, count)
			require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM unmapped_records").Scan(&count))
			require.Equal(t, 1, count)
		}

		recs, err := s.Query(ctx, conn.Key(), rng, domain.KindSleep)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.Equal(t, 7*time.Hour+45*time.Minute, recs[0].(domain.SleepSession).Duration())
	})
}

func TestSyncToMySQL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	runSuite(t, "mysql", startMySQL(t))
}

func TestSyncToPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	runSuite(t, "postgres", startPostgres(t))
}
