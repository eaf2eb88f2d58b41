package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxResponseBytes = 32 << 20

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 500 {
		body = body[:500] + "..."
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type poster struct {
	provider   string
	client     *http.Client
	maxRetries int
	retryBase  time.Duration
}

func newPoster(provider string, opts Options) poster {
	base := opts.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return poster{
		provider:   provider,
		client:     opts.httpClient(),
		maxRetries: opts.MaxRetries,
		retryBase:  base,
	}
}

// postJSON sends payload and decodes the 2xx reply into out. Network errors,
// 429 and 5xx are retried with exponential backoff up to maxRetries times;
// ctx cancellation stops retrying immediately.
func (p poster) postJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Debug("llm request failed", "provider", p.provider, "attempt", attempt, "error", err)
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &StatusError{Provider: p.provider, Status: resp.StatusCode, Body: string(data)}
			if se.Retryable() {
				slog.Debug("llm request retryable status", "provider", p.provider, "attempt", attempt, "status", resp.StatusCode)
				return se
			}
			return backoff.Permanent(se)
		}

		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.retryBase
	eb.MaxElapsedTime = 0
	retries := p.maxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	err = backoff.Retry(op, b)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
