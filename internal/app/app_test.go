package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wearable-sync/internal/config"
	"wearable-sync/internal/domain"
)

const dailyPayload = `{"data":{"metric_data":[
 {"type":"Sleep","object":{"bedtime_start":1705278600,"bedtime_end":1705306500,
   "quick_metrics":[{"type":"sleep_efic","value":85}],
   "sleep_stages":[{"type":"deep_sleep","stage_time":6000}]}},
 {"type":"hr","object":{"values":[{"timestamp":1705280000,"value":58},{"timestamp":1705280300,"value":57}]}},
 {"type":"recovery_index","object":{"recovery_index":{"value":78,"unit":"score"}}}
]}}`

type fakeUltrahuman struct {
	*httptest.Server
	tokenCalls atomic.Int32
}

func newFakeUltrahuman(t *testing.T) *fakeUltrahuman {
	t.Helper()
	f := &fakeUltrahuman{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"access-1","refresh_token":"refresh-1","expires_in":3600,"token_type":"Bearer"}`)
	})
	mux.HandleFunc("/v1/user_data/user_info", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"user_id":"uh-9","email":"ring@example.com"}}`)
	})
	mux.HandleFunc("/v1/user_data/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("date") != "2024-01-15" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, dailyPayload)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestApp(t *testing.T, f *fakeUltrahuman) *App {
	t.Helper()
	t.Setenv("ULTRAHUMAN_CLIENT_ID", "client-1")
	t.Setenv("ULTRAHUMAN_CLIENT_SECRET", "secret-1")
	t.Setenv("ULTRAHUMAN_REDIRECT_URI", "https://app.example.com/callback")
	t.Setenv("ULTRAHUMAN_API_BASE_URL", f.URL+"/v1")
	t.Setenv("ULTRAHUMAN_TOKEN_URL", f.URL+"/oauth/token")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("HTTP_BACKOFF_BASE", "1ms")
	t.Setenv("HTTP_BACKOFF_MAX", "5ms")
	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := New(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestConnectStoresLinkedConnection(t *testing.T) {
	f := newFakeUltrahuman(t)
	a := newTestApp(t, f)
	ctx := context.Background()

	conn, err := a.Connect(ctx, "u1", "code-1")
	require.NoError(t, err)
	require.Equal(t, "uh-9", conn.ProviderUserID)

	stored, err := a.gateway.GetConnection(ctx, domain.ConnectionKey{UserID: "u1", Provider: Provider})
	require.NoError(t, err)
	require.Equal(t, "access-1", stored.AccessToken)
	require.Equal(t, "refresh-1", stored.RefreshToken)
	require.Equal(t, "uh-9", stored.ProviderUserID)

	p, err := a.Profile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "ring@example.com", p.Username)
	require.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestAuthCodeURL(t *testing.T) {
	a := newTestApp(t, newFakeUltrahuman(t))

	raw, state := a.AuthCodeURL("")
	require.NotEmpty(t, state)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, config.DefaultAuthURL, u.Scheme+"://"+u.Host+u.Path)
	require.Equal(t, state, u.Query().Get("state"))
	require.Equal(t, "client-1", u.Query().Get("client_id"))
	require.Equal(t, "https://app.example.com/callback", u.Query().Get("redirect_uri"))
}

func TestParseRange(t *testing.T) {
	a := newTestApp(t, newFakeUltrahuman(t))
	a.now = func() time.Time { return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC) }

	rng, err := a.ParseRange("", "")
	require.NoError(t, err)
	require.Equal(t, "2024-01-02..2024-01-31", rng.String())

	rng, err = a.ParseRange("2024-01-13", "2024-01-16")
	require.NoError(t, err)
	require.Len(t, rng.Days(), 4)

	rng, err = a.ParseRange("", "2024-01-16")
	require.NoError(t, err)
	require.Equal(t, "2023-12-18", rng.From.Format(domain.DayLayout))

	_, err = a.ParseRange("2024-01-16", "2024-01-13")
	require.ErrorIs(t, err, domain.ErrInvalidRange)
	_, err = a.ParseRange("yesterday", "")
	require.ErrorIs(t, err, domain.ErrInvalidRange)
}

func TestSyncEndpoint(t *testing.T) {
	f := newFakeUltrahuman(t)
	a := newTestApp(t, f)
	_, err := a.Connect(context.Background(), "u1", "code-1")
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/sync?user=u1&from=2024-01-14&to=2024-01-16", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string          `json:"status"`
		Run    *domain.SyncRun `json:"run"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, domain.RunCompleted, body.Run.State)
	require.Equal(t, 1, body.Run.Totals.SleepSessions)
	require.Equal(t, 2, body.Run.Totals.ActivitySamples)
	require.Equal(t, 1, body.Run.Totals.RecoveryRecords)
	require.Equal(t, 2, body.Run.Totals.NoDataDays)
	require.Zero(t, body.Run.Totals.FailedDays)

	rng, err := a.ParseRange("2024-01-14", "2024-01-16")
	require.NoError(t, err)
	recs, err := a.gateway.Query(context.Background(), domain.ConnectionKey{UserID: "u1", Provider: Provider}, rng, domain.KindSleep)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 7*time.Hour+45*time.Minute, recs[0].(domain.SleepSession).Duration())
}

func TestSyncEndpointErrors(t *testing.T) {
	a := newTestApp(t, newFakeUltrahuman(t))
	_, err := a.Connect(context.Background(), "u1", "code-1")
	require.NoError(t, err)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusBadRequest, get("/sync"))
	require.Equal(t, http.StatusBadRequest, get("/sync?user=u1&from=2024-01-16&to=2024-01-13"))
	require.Equal(t, http.StatusNotFound, get("/sync?user=nobody&from=2024-01-13&to=2024-01-13"))

	a.running.Store(domain.ConnectionKey{UserID: "u1", Provider: Provider}, struct{}{})
	require.Equal(t, http.StatusConflict, get("/sync?user=u1&from=2024-01-13&to=2024-01-13"))
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t, newFakeUltrahuman(t))
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(b))

	_, err = a.Connect(context.Background(), "u1", "code-1")
	require.NoError(t, err)
	rng, err := a.ParseRange("2024-01-15", "2024-01-15")
	require.NoError(t, err)
	_, err = a.Sync(context.Background(), "u1", rng)
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	b, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(b), "wearable_sync_"))
}
