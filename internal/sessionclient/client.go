// Package sessionclient fetches ChatKit client secrets from the session
// issuer. Each call makes up to MaxAttempts requests, each bounded by its own
// timeout, with exponential backoff and jitter between failures. A response
// only counts as success if it is 2xx JSON with a non-empty client_secret.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/whisper/chatkit-session/internal/protocol"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 8 * time.Second
	DefaultBaseDelay      = 600 * time.Millisecond
	DefaultMaxJitter      = 200 * time.Millisecond
)

// Options configures a Client. Only Endpoint is required.
type Options struct {
	Endpoint       string // issuer URL, e.g. https://example.com/api/create-session
	User           string // optional user override sent in the body
	HTTPClient     *http.Client
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxJitter      time.Duration  // zero means DefaultMaxJitter, negative disables jitter
	Rand           func() float64 // jitter source; defaults to math/rand/v2
	HostToken      *HostTokenSlot
	Logger         *slog.Logger

	// OnRetry, if set, is called after a failed attempt that will be retried,
	// with the delay before the next one.
	OnRetry func(err *AttemptError, delay time.Duration)
}

// Client requests session credentials from the issuer.
type Client struct {
	opts Options
}

// New validates opts, fills defaults and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("sessionclient: endpoint is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	switch {
	case opts.MaxJitter == 0:
		opts.MaxJitter = DefaultMaxJitter
	case opts.MaxJitter < 0:
		opts.MaxJitter = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts}, nil
}

// GetCredential returns a client secret or, once every attempt failed, an
// *ExhaustedError carrying the last failure. Cancelling ctx stops the loop
// and returns ctx's error.
func (c *Client) GetCredential(ctx context.Context) (string, error) {
	var (
		attempt int
		last    *AttemptError
	)

	operation := func() (string, error) {
		attempt++
		secret, err := c.attempt(ctx, attempt)
		if err == nil {
			return secret, nil
		}
		last = err
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return "", err
	}

	notify := func(err error, delay time.Duration) {
		c.opts.Logger.Warn("session credential attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", c.opts.MaxAttempts,
			"retry_delay_ms", delay.Milliseconds(),
			"error", err)
		if c.opts.OnRetry != nil && last != nil {
			c.opts.OnRetry(last, delay)
		}
	}

	secret, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&Backoff{
			BaseDelay: c.opts.BaseDelay,
			MaxJitter: c.opts.MaxJitter,
			Rand:      c.opts.Rand,
		}),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err == nil {
		if attempt > 1 {
			c.opts.Logger.Info("session credential obtained after retry", "attempt", attempt)
		}
		return secret, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("sessionclient: %w", ctxErr)
	}

	exhausted := &ExhaustedError{Attempts: attempt, Last: last}
	c.opts.Logger.Error("session credential retries exhausted",
		"attempts", attempt,
		"error", exhausted.Last)
	return "", exhausted
}

// attempt performs one bounded request.
func (c *Client) attempt(ctx context.Context, n int) (string, *AttemptError) {
	actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	req, err := c.newRequest(actx)
	if err != nil {
		return "", &AttemptError{Attempt: n, Err: err}
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", &AttemptError{Attempt: n, Err: c.transportError(ctx, actx, err)}
	}
	defer resp.Body.Close()

	body, err := protocol.ReadBody(resp.Body)
	if err != nil {
		return "", &AttemptError{Attempt: n, Status: resp.StatusCode, Err: c.transportError(ctx, actx, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &AttemptError{Attempt: n, Status: resp.StatusCode, Body: body, Err: ErrHTTPStatus}
	}

	var sr protocol.SessionResponse
	if err := body.Decode(&sr); err != nil || sr.ClientSecret == "" {
		return "", &AttemptError{Attempt: n, Status: resp.StatusCode, Body: body, Err: ErrMalformedResponse}
	}
	return sr.ClientSecret, nil
}

func (c *Client) newRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if c.opts.User != "" {
		data, err := json.Marshal(protocol.SessionRequest{User: c.opts.User})
		if err != nil {
			return nil, fmt.Errorf("sessionclient: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("sessionclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok, ok := c.opts.HostToken.Get(); ok {
		req.Header.Set(HostTokenHeader, tok)
	}
	return req, nil
}

// transportError wraps err, naming the per-attempt timeout when that, and
// not the caller's context, is what aborted the request.
func (c *Client) transportError(ctx, actx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: aborted after %s: %w", ErrTransport, c.opts.AttemptTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
