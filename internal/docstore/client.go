// Package docstore is a client for a Firebase Realtime Database style REST
// document store, addressed as {base_url}/{path}.json.
//
// Every call applies a per-attempt timeout and retries transient failures
// (network errors, timeouts, 5xx, 429) with exponential backoff up to a fixed
// attempt ceiling. Non-retryable refusals (other 4xx) fail immediately. Failed
// calls return an [*Error] that unwraps to [model.ErrRemoteRejected] or
// [model.ErrRemoteWriteFailed].
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAttempts is the number of tries before a call gives up.
	DefaultMaxAttempts = 3

	// defaultBaseDelay is the starting backoff interval (before jitter).
	defaultBaseDelay = 500 * time.Millisecond

	// defaultMaxDelay caps the backoff interval.
	defaultMaxDelay = 5 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 32 << 20

	userAgent = "rowsync/1.0"
)

// AuthMode selects how the token is presented.
type AuthMode string

const (
	// AuthQuery appends the token as ?auth=<token> (database secret or ID token).
	AuthQuery AuthMode = "query"
	// AuthBearer sends "Authorization: Bearer <token>" (OAuth2 access token).
	AuthBearer AuthMode = "bearer"
)

// Options configures a [Client].
type Options struct {
	BaseURL  string
	Token    string
	AuthMode AuthMode

	// Timeout bounds each attempt. Defaults to [DefaultTimeout].
	Timeout time.Duration

	// MaxAttempts is the retry ceiling. Defaults to [DefaultMaxAttempts].
	MaxAttempts int

	// RequestsPerSecond limits the request rate process-wide. 0 means unlimited.
	RequestsPerSecond float64

	// BaseDelay and MaxDelay shape the exponential backoff. Zero values use
	// 500ms and 5s.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// HTTPClient overrides the underlying client. Its Timeout should be zero;
	// the per-attempt timeout is applied through the request context.
	HTTPClient *http.Client
}

// Client talks to the document store. It is safe for concurrent use; one
// Client (and its connection pool and rate limiter) is shared by the process.
type Client struct {
	baseURL     string
	token       string
	authMode    AuthMode
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	limiter     *rate.Limiter
	hc          *http.Client
	log         *slog.Logger
}

// New creates a Client from opts.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	u, err := url.ParseRequestURI(opts.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("base URL %q must be a valid http or https URL", opts.BaseURL)
	}

	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		authMode:    opts.AuthMode,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		hc:          opts.HTTPClient,
		log:         logger,
	}
	if c.authMode == "" {
		c.authMode = AuthQuery
	}
	if c.authMode != AuthQuery && c.authMode != AuthBearer {
		return nil, fmt.Errorf("unknown auth mode %q", c.authMode)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = defaultMaxDelay
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	if opts.RequestsPerSecond > 0 {
		burst := max(1, int(opts.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

// Read fetches the document at path. found is false when nothing is stored
// there (the store answers with JSON null).
func (c *Client) Read(ctx context.Context, path string) (doc json.RawMessage, found bool, err error) {
	body, err := c.do(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return nil, false, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}
	return json.RawMessage(trimmed), true, nil
}

// Write replaces the document at path with payload (PUT).
func (c *Client) Write(ctx context.Context, path string, payload any) error {
	_, err := c.do(ctx, http.MethodPut, path, payload, true)
	return err
}

// Update merges payload's top-level keys into the document at path (PATCH).
func (c *Client) Update(ctx context.Context, path string, payload any) error {
	_, err := c.do(ctx, http.MethodPatch, path, payload, true)
	return err
}

// Push appends payload under path with a store-generated key (POST) and
// returns that key.
func (c *Client) Push(ctx context.Context, path string, payload any) (string, error) {
	body, err := c.do(ctx, http.MethodPost, path, payload, false)
	if err != nil {
		return "", err
	}
	name := gjson.GetBytes(body, "name").String()
	if name == "" {
		return "", fmt.Errorf("POST %s: response has no generated key: %s", path, truncate(body))
	}
	return name, nil
}

// Delete removes the document at path. Deleting an absent path succeeds.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, true)
	return err
}

// --- request plumbing --------------------------------------------------------

// do runs one logical call with retries and classifies the outcome.
func (c *Client) do(ctx context.Context, method, path string, payload any, silent bool) ([]byte, error) {
	endpoint := c.endpoint(path, silent)

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, &Error{Method: method, Path: path, Rejected: true,
				Message: "encoding payload: " + err.Error(), cause: err}
		}
	}

	var (
		attempts   int
		lastStatus int
		lastMsg    string
		rejected   bool
	)

	operation := func() ([]byte, error) {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		respBody, status, err := c.attempt(ctx, method, endpoint, body)
		lastStatus = status
		if err == nil {
			return respBody, nil
		}
		lastMsg = err.Error()

		var se *statusError
		if errors.As(err, &se) {
			lastMsg = se.message
			switch {
			case se.code == http.StatusTooManyRequests:
				if se.retryAfter > 0 {
					return nil, backoff.RetryAfter(se.retryAfter)
				}
				return nil, err
			case se.code >= 400 && se.code < 500:
				rejected = true
				return nil, backoff.Permanent(err)
			}
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("document store request failed, retrying",
				"method", method,
				"path", path,
				"attempt", attempts,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err == nil {
		return res, nil
	}

	return nil, &Error{
		Method:     method,
		Path:       path,
		StatusCode: lastStatus,
		Attempts:   attempts,
		Message:    lastMsg,
		Rejected:   rejected,
		cause:      err,
	}
}

// attempt performs a single HTTP exchange bounded by the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, method, endpoint string, body []byte) ([]byte, int, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, endpoint, reader)
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authMode == AuthBearer && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, resp.StatusCode, nil
	}

	se := &statusError{code: resp.StatusCode, message: errorMessage(resp.StatusCode, data)}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
			se.retryAfter = secs
		}
	}
	return nil, resp.StatusCode, se
}

// endpoint builds {base}/{escaped path}.json with auth and print parameters.
func (c *Client) endpoint(path string, silent bool) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	q := url.Values{}
	if c.authMode == AuthQuery && c.token != "" {
		q.Set("auth", c.token)
	}
	if silent {
		q.Set("print", "silent")
	}

	u := c.baseURL + "/" + strings.Join(segs, "/") + ".json"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// errorMessage extracts the store's {"error": "..."} text, falling back to
// the status text.
func errorMessage(status int, body []byte) string {
	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return msg
	}
	if len(bytes.TrimSpace(body)) > 0 && !gjson.ValidBytes(body) {
		return truncate(body)
	}
	return http.StatusText(status)
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "…"
	}
	return string(b)
}
