package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	maxErrorBody  = 8 * 1024 * 1024
	maxRetryAfter = 2 * time.Minute
)

// openStream performs a request and returns the response once a 2xx status is
// seen. Only connection setup is retried; once a body is handed out, read
// errors belong to the caller.
func openStream(ctx context.Context, client *http.Client, maxRetries int, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			if attempt >= maxRetries || !retryableErr(err) {
				return nil, fmt.Errorf("stream request failed: %w", err)
			}
			if err := sleep(ctx, backoff(attempt, 0)); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		if attempt >= maxRetries || !retryableStatus(resp.StatusCode) {
			return nil, httpError(resp.StatusCode, body)
		}
		wait := retryAfter(resp.Header)
		if wait <= 0 {
			wait = backoff(attempt, resp.StatusCode)
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func httpError(status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	pe := &ProviderError{Status: status, Message: strings.TrimSpace(string(body))}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		pe.Message = parsed.Error.Message
		switch code := parsed.Error.Code.(type) {
		case string:
			pe.Code = code
		case float64:
			pe.Code = fmt.Sprintf("%d", int(code))
		}
		if pe.Code == "" {
			pe.Code = parsed.Error.Type
		}
	}
	if status == http.StatusTooManyRequests && pe.Code == "" {
		pe.Code = "rate_limited"
	}
	return pe
}

// retryableErr reports transport failures worth another attempt. Context
// errors mean the caller gave up.
func retryableErr(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// backoff grows linearly with the attempt, with a step and cap per status.
func backoff(attempt, status int) time.Duration {
	step, limit := 300*time.Millisecond, 5*time.Second
	switch status {
	case http.StatusTooManyRequests:
		step, limit = 2*time.Second, 20*time.Second
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		step, limit = time.Second, 10*time.Second
	}
	return min(time.Duration(attempt+1)*step, limit)
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date,
// capped at maxRetryAfter. Zero means absent or unusable.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	var d time.Duration
	if sec, err := strconv.Atoi(v); err == nil {
		d = time.Duration(sec) * time.Second
	} else if ts, err := http.ParseTime(v); err == nil {
		d = time.Until(ts)
	}
	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if headerTimeout > 0 {
		tr.ResponseHeaderTimeout = headerTimeout
	}
	return &http.Client{Transport: tr}
}
