package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ierr "github.com/mark3labs/taskloop/internal/errors"
	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/ratelimit"
	"github.com/mark3labs/taskloop/internal/retry"
)

const (
	defaultAPIEndpoint   = "https://api.github.com"
	maxProbeResponseSize = 1 << 20
	maxReadResponseSize  = 8 << 20
)

// errRateLimited signals that the computed rate-limit wait exceeds the
// caller's patience budget. The backend falls back to cache on it.
var errRateLimited = errors.New("rate limit wait exceeds patience budget")

// HTTPClient is the transport seam; tests inject an httptest-backed one.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// apiClient issues authenticated GitHub API requests, observing the
// rate-limit headers on every response and waiting out computed delays
// before each call.
type apiClient struct {
	endpoint string
	token    string
	http     HTTPClient
	limiter  *ratelimit.Limiter
	budget   retry.Budget
	patience time.Duration
	now      func() time.Time
}

// response is a fully-read API response.
type response struct {
	status int
	body   []byte
	header http.Header
}

// do issues one request. Before sending it consults the limiter: a delay
// within the patience budget is waited out, a longer one aborts with
// errRateLimited so the caller can fall back to cache.
func (c *apiClient) do(ctx context.Context, method, path string, payload any, maxBody int64, extraHeader http.Header) (*response, error) {
	if delay := c.limiter.Delay(c.now()); delay > 0 {
		if delay > c.patience {
			logger.Warn("Rate limit delay %s exceeds patience %s, skipping network", delay, c.patience)
			return nil, fmt.Errorf("%s %s: %w", method, path, errRateLimited)
		}
		logger.Debug("Rate limit delay %s before %s %s", delay, method, path)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	requestURL := strings.TrimRight(c.endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range extraHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ierr.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &ierr.NetworkError{Op: method + " " + path, Err: fmt.Errorf("reading response: %w", err)}
	}

	c.observeRateHeaders(resp)

	if isRateLimitRejection(resp) {
		c.limiter.ObserveRejection(resetTime(resp.Header))
		return nil, &ierr.NetworkError{
			Op:         method + " " + path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("rate limited: %s", firstAPIError(body)),
		}
	}

	return &response{status: resp.StatusCode, body: body, header: resp.Header}, nil
}

// doRetry wraps do with the retry budget for idempotent requests.
func (c *apiClient) doRetry(ctx context.Context, method, path string, payload any, maxBody int64, extraHeader http.Header) (*response, error) {
	var resp *response
	err := retry.Do(ctx, c.budget, func(err error) bool {
		if errors.Is(err, errRateLimited) {
			return false
		}
		return retry.Transient(err)
	}, func() error {
		var err error
		resp, err = c.do(ctx, method, path, payload, maxBody, extraHeader)
		return err
	})
	return resp, err
}

// observeRateHeaders feeds the X-RateLimit-Remaining/Reset signals into
// the limiter. Responses without the headers leave the state unchanged.
func (c *apiClient) observeRateHeaders(resp *http.Response) {
	rawRemaining := resp.Header.Get("X-RateLimit-Remaining")
	if rawRemaining == "" {
		return
	}
	remaining, err := strconv.Atoi(rawRemaining)
	if err != nil {
		return
	}
	c.limiter.Observe(remaining, resetTime(resp.Header))
}

// resetTime parses the X-RateLimit-Reset unix-seconds header.
func resetTime(h http.Header) time.Time {
	raw := h.Get("X-RateLimit-Reset")
	if raw == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// isRateLimitRejection reports whether the response is a hard rate-limit
// rejection rather than an ordinary client error. GitHub uses 429 and
// also 403 with an exhausted quota.
func isRateLimitRejection(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}

// firstAPIError extracts the API's message field, falling back to the
// raw body.
func firstAPIError(body []byte) string {
	bodyText := strings.TrimSpace(string(body))
	if bodyText == "" {
		return "unknown error"
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.Message) != "" {
		return strings.TrimSpace(payload.Message)
	}
	return bodyText
}
