package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const (
	cliAuthHeader = "X-API-Token"
	maxRetryDelay = 30 * time.Second
)

// permanentError stops retryWithBackoff; the server rejected the request
// itself, so repeating it cannot succeed.
type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

type apiClient struct {
	base     string
	token    string
	attempts int
	backoff  time.Duration
	http     *http.Client
}

func newAPIClient(base, token string, attempts int, backoff, timeout time.Duration) *apiClient {
	if attempts < 1 {
		attempts = 1
	}
	return &apiClient{
		base:     base,
		token:    token,
		attempts: attempts,
		backoff:  backoff,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) postJSON(ctx context.Context, path string, headers map[string]string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, headers, raw, out)
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, nil, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, headers map[string]string, body []byte, out any) error {
	return retryWithBackoff(ctx, c.backoff, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
		if err != nil {
			return permanentError{err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(cliAuthHeader, c.token)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			err := fmt.Errorf("%s %s: status=%s body=%s", method, path, resp.Status, readLimitedBody(resp.Body))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return permanentError{err}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return permanentError{fmt.Errorf("invalid response: %w", err)}
		}
		return nil
	}, c.attempts)
}

func retryWithBackoff(ctx context.Context, base time.Duration, fn func() error, attempts int) error {
	delay := base
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitterDuration(delay)):
			delay = nextBackoff(delay, maxRetryDelay)
		}
	}
	return nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d/5) + 1))
	return d + jitter
}

func readLimitedBody(r io.Reader) string {
	const limit = 512
	buf := make([]byte, limit)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}
