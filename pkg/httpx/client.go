package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// RequestJSON performs a JSON request against the gateway or a webhook
// sink and returns the response status and body. Transport errors, 5xx
// responses and 429s are retried; a 429 with a Retry-After header waits
// that long before the next attempt so a rate-limited caller does not
// hammer the window. Other 4xx responses return immediately since a
// malformed request never improves on retry.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, bearer string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Accept", "application/json")
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < retries && wait(ctx, retryDelay) {
				continue
			}
			return 0, nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries && wait(ctx, retryDelay) {
				continue
			}
			return 0, nil, readErr
		}
		if attempt < retries {
			if resp.StatusCode >= 500 {
				if wait(ctx, retryDelay) {
					continue
				}
				return resp.StatusCode, respBody, nil
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				if wait(ctx, retryAfter(resp, retryDelay)) {
					continue
				}
				return resp.StatusCode, respBody, nil
			}
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

// retryAfter reads the server's Retry-After hint, falling back to the
// caller's delay when absent or unparseable.
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// wait sleeps without outliving the request context. Returns false when
// the context ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
