package ultrahuman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/domain"
	"wearable-sync/internal/observability"
)

const (
	DefaultBaseURL = "https://partner.ultrahuman.com/api/partners/v1"

	endpointMetrics  = "metrics"
	endpointUserInfo = "user_info"
)

// Options bounds every call the client makes.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Second
	}
	return o
}

// Client implements ports.ProviderClient against the Ultrahuman partner API.
type Client struct {
	baseURL string
	http    *http.Client
	opts    Options
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(baseURL string, opts Options, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	opts = opts.withDefaults()
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		http: &http.Client{
			Timeout: opts.Timeout,
		},
		log:   log,
		sleep: sleepCtx,
	}
}

// FetchDailyMetrics returns the raw payload for one day.
// GET {base}/user_data/metrics?date=YYYY-MM-DD
func (c *Client) FetchDailyMetrics(ctx context.Context, cred domain.Credential, day time.Time) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("date", day.Format(domain.DayLayout))
	body, err := c.get(ctx, cred, endpointMetrics, "/user_data/metrics", q)
	if err != nil {
		return nil, goerr.Wrap(err, "fetch daily metrics", goerr.V("date", day.Format(domain.DayLayout)))
	}
	return body, nil
}

// FetchUserProfile returns the provider identity of the connected user.
// GET {base}/user_data/user_info
func (c *Client) FetchUserProfile(ctx context.Context, cred domain.Credential) (domain.Profile, error) {
	body, err := c.get(ctx, cred, endpointUserInfo, "/user_data/user_info", nil)
	if err != nil {
		return domain.Profile{}, goerr.Wrap(err, "fetch user profile")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return domain.Profile{}, goerr.Wrap(domain.ErrProtocol, "decode user info", goerr.V("cause", err.Error()))
	}
	if data, ok := top["data"]; ok && len(data) > 0 && data[0] == '{' {
		body = data
	}
	var raw rawUserInfo
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Profile{}, goerr.Wrap(domain.ErrProtocol, "decode user info", goerr.V("cause", err.Error()))
	}

	p := domain.Profile{
		UserID:   raw.userID(),
		Username: raw.Username,
		Email:    raw.Email,
	}
	if p.Username == "" {
		p.Username = p.Email
	}
	return p, nil
}

// get performs the request with retries on transient outcomes and returns the body of a 2xx answer.
func (c *Client) get(ctx context.Context, cred domain.Credential, endpoint, path string, q url.Values) ([]byte, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, goerr.Wrap(err, "parse url")
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		body, hint, err := c.do(ctx, cred, endpoint, u.String())
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrTransient) || attempt == c.opts.MaxAttempts {
			break
		}
		wait := c.backoff(attempt)
		if hint > 0 {
			wait = min(hint, c.opts.BackoffMax)
		}
		if c.log != nil {
			c.log.Debug("retrying provider call",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, goerr.Wrap(lastErr, "provider call failed", goerr.V("endpoint", endpoint), goerr.V("attempts", c.opts.MaxAttempts))
}

func (c *Client) do(ctx context.Context, cred domain.Credential, endpoint, rawURL string) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, goerr.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", cred.AuthorizationHeader())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordProviderRequest(endpoint, "error")
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, goerr.Wrap(domain.ErrTransient, "transport", goerr.V("cause", err.Error()))
	}
	defer resp.Body.Close()
	observability.RecordProviderRequest(endpoint, strconv.Itoa(resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, goerr.Wrap(domain.ErrTransient, "read body", goerr.V("cause", err.Error()))
		}
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 {
			return nil, 0, goerr.Wrap(domain.ErrNoData, "empty body", goerr.V("status", resp.StatusCode))
		}
		if !json.Valid(trimmed) || (trimmed[0] != '{' && trimmed[0] != '[') {
			return nil, 0, goerr.Wrap(domain.ErrProtocol, "response is not a json object or array", goerr.V("status", resp.StatusCode))
		}
		return trimmed, 0, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var (
		kind error
		wait time.Duration
	)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		kind = domain.ErrAuth
	case resp.StatusCode == http.StatusForbidden:
		kind = domain.ErrPermission
	case resp.StatusCode == http.StatusNotFound:
		kind = domain.ErrNoData
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		kind = domain.ErrTransient
		wait = retryAfter(resp.Header.Get("Retry-After"))
	default:
		kind = domain.ErrProtocol
	}
	return nil, wait, goerr.Wrap(kind, "unexpected status", goerr.V("status", resp.StatusCode), goerr.V("body", string(snippet)))
}

// backoff is base * 2^(attempt-1), capped.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase << (attempt - 1)
	if d <= 0 || d > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return d
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// rawUserInfo mirrors the JSON from /user_data/user_info.
type rawUserInfo struct {
	UserID   json.RawMessage `json:"user_id"`
	ID       json.RawMessage `json:"id"`
	Username string          `json:"username"`
	Email    string          `json:"email"`
}

func (r rawUserInfo) userID() string {
	for _, raw := range []json.RawMessage{r.UserID, r.ID} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	return ""
}
