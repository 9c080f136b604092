package ultrahuman

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wearable-sync/internal/domain"
)

var (
	day  = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	cred = domain.Credential{AccessToken: "tok", TokenType: "Bearer"}
)

type recorder struct {
	waits []time.Duration
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *recorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, Options{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		rec.waits = append(rec.waits, d)
		return nil
	}
	return c, rec
}

func TestFetchDailyMetrics(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/user_data/metrics", r.URL.Path)
		require.Equal(t, "2024-01-15", r.URL.Query().Get("date"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, ` {"data":{"metric_data":[]}} `)
	})

	body, err := c.FetchDailyMetrics(context.Background(), cred, day)
	require.NoError(t, err)
	require.JSONEq(t, `{"data":{"metric_data":[]}}`, string(body))
}

func TestFetchDailyMetricsClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		want     error
		attempts int32
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, domain.ErrAuth, 1},
		{"forbidden", http.StatusForbidden, `{}`, domain.ErrPermission, 1},
		{"not found", http.StatusNotFound, ``, domain.ErrNoData, 1},
		{"empty body", http.StatusOK, "  ", domain.ErrNoData, 1},
		{"server error", http.StatusInternalServerError, `oops`, domain.ErrTransient, 3},
		{"rate limited", http.StatusTooManyRequests, ``, domain.ErrTransient, 3},
		{"bad request", http.StatusBadRequest, `{}`, domain.ErrProtocol, 1},
		{"malformed", http.StatusOK, `{"data":`, domain.ErrProtocol, 1},
		{"scalar", http.StatusOK, `"ok"`, domain.ErrProtocol, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := c.FetchDailyMetrics(context.Background(), cred, day)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, tc.attempts, calls.Load())
		})
	}
}

func TestTransientRecovers(t *testing.T) {
	var calls atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})

	body, err := c.FetchDailyMetrics(context.Background(), cred, day)
	require.NoError(t, err)
	require.Equal(t, "[]", string(body))
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.waits)
}

func TestRetryAfterIsHonoredAndCapped(t *testing.T) {
	var calls atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = io.WriteString(w, `{}`)
		}
	})

	_, err := c.FetchDailyMetrics(context.Background(), cred, day)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second}, rec.waits)
}

func TestBackoffCap(t *testing.T) {
	c := NewClient("", Options{BackoffBase: time.Second, BackoffMax: 5 * time.Second}, nil)
	require.Equal(t, time.Second, c.backoff(1))
	require.Equal(t, 4*time.Second, c.backoff(3))
	require.Equal(t, 5*time.Second, c.backoff(4))
	require.Equal(t, 5*time.Second, c.backoff(60))
	require.Equal(t, DefaultBaseURL, c.baseURL)
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.FetchDailyMetrics(ctx, cred, day)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchUserProfile(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/user_data/user_info", r.URL.Path)
		_, _ = io.WriteString(w, `{"user_id":"ultrahuman_user_12345","username":"test_user","email":"test@example.com"}`)
	})

	p, err := c.FetchUserProfile(context.Background(), cred)
	require.NoError(t, err)
	require.Equal(t, domain.Profile{UserID: "ultrahuman_user_12345", Username: "test_user", Email: "test@example.com"}, p)
}

func TestFetchUserProfileFallsBackToEmail(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":42,"email":"a@example.com"}}`)
	})

	p, err := c.FetchUserProfile(context.Background(), cred)
	require.NoError(t, err)
	require.Equal(t, "42", p.UserID)
	require.Equal(t, "a@example.com", p.Username)
}
