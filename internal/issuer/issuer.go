// Package issuer implements the session-issuing HTTP handler. Each POST
// reads the ChatKit secrets, derives an anonymous user id, makes exactly one
// session-creation call to the provider and returns the client secret. The
// handler keeps no state between invocations and never retries; retrying is
// the client's job.
package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chatkit-session/internal/config"
	"github.com/whisper/chatkit-session/internal/identity"
	"github.com/whisper/chatkit-session/internal/metrics"
	"github.com/whisper/chatkit-session/internal/protocol"
	"github.com/whisper/chatkit-session/internal/provider"
	"github.com/whisper/chatkit-session/internal/ratelimit"
)

const (
	// maxRequestBytes bounds the optional request body.
	maxRequestBytes = 64 << 10

	// maxUserLen bounds a caller-supplied user override.
	maxUserLen = 256

	requestIDHeader = "X-Request-ID"

	// maxCorrelationLen bounds the caller's X-Request-ID kept for
	// correlation.
	maxCorrelationLen = 128

	remainingHeader = "X-RateLimit-Remaining"
)

// SessionProvider is the subset of provider.Client the handler uses.
type SessionProvider interface {
	CreateSession(ctx context.Context, apiKey, workflowID, user string) (*provider.Session, error)
	SendStarterMessage(ctx context.Context, apiKey, sessionID, text string) error
	SetTitle(ctx context.Context, apiKey, sessionID, title string) error
}

// EventPublisher receives one event per invocation.
type EventPublisher interface {
	PublishSessionEvent(ev protocol.SessionEvent) error
}

// Options configures a Handler. Provider is required; everything else is
// optional.
type Options struct {
	Provider        SessionProvider
	Lookup          config.LookupFunc // defaults to os.LookupEnv
	Limiter         ratelimit.Allower // nil disables rate limiting
	Rule            ratelimit.Rule    // defaults to ratelimit.RuleSession
	Events          EventPublisher    // nil disables events
	Logger          *slog.Logger
	SideCallTimeout time.Duration // defaults to 10s
}

// Handler is the Session Issuer.
type Handler struct {
	provider        SessionProvider
	lookup          config.LookupFunc
	limiter         ratelimit.Allower
	rule            ratelimit.Rule
	events          EventPublisher
	logger          *slog.Logger
	sideCallTimeout time.Duration
	sideCalls       sync.WaitGroup
}

// Outcome is the result of one invocation. User is set whenever it could be
// derived, including on failure. RateKey is the derived identity the
// limiter counts against; a caller-supplied user never replaces it.
// Remaining is -1 when the limiter cannot report it.
type Outcome struct {
	User           string
	RateKey        string
	Remaining      int
	Credential     string
	SessionID      string
	UpstreamStatus int
}

// New creates a Handler.
func New(opts Options) *Handler {
	h := &Handler{
		provider:        opts.Provider,
		lookup:          opts.Lookup,
		limiter:         opts.Limiter,
		rule:            opts.Rule,
		events:          opts.Events,
		logger:          opts.Logger,
		sideCallTimeout: opts.SideCallTimeout,
	}
	if h.rule.Key == "" {
		h.rule = ratelimit.RuleSession
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.sideCallTimeout <= 0 {
		h.sideCallTimeout = 10 * time.Second
	}
	return h
}

// ServeHTTP handles OPTIONS pre-flight and POST session issuance.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writePreflight(w)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", allowedMethods)
		writeJSON(w, http.StatusMethodNotAllowed, protocol.NewErrorResponse("method not allowed", protocol.Body{}))
		return
	}

	start := time.Now()
	metrics.InflightRequests.Inc()
	defer metrics.InflightRequests.Dec()

	requestID := uuid.NewString()
	correlationID := correlationFrom(r)
	w.Header().Set(requestIDHeader, requestID)
	logger := h.logger.With("request_id", requestID)
	if correlationID != "" {
		logger = logger.With("correlation_id", correlationID)
	}

	var (
		out     = Outcome{Remaining: -1}
		written bool
	)
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		err := fmt.Errorf("panic: %v", rec)
		if written {
			metrics.SessionsTotal.WithLabelValues(protocol.OutcomeInternal).Inc()
			logger.Error("session issuance panicked after response was sent", "error", err)
			return
		}
		logger.Error("session issuance panicked", "error", err)
		h.fail(w, logger, requestID, correlationID, start, out, err)
	}()

	out, err := h.issue(r.Context(), r, logger)
	if err != nil {
		h.fail(w, logger, requestID, correlationID, start, out, err)
		return
	}

	setRemaining(w, out.Remaining)
	writeJSON(w, http.StatusOK, protocol.SessionResponse{
		ClientSecret: out.Credential,
		User:         out.User,
	})
	written = true

	latency := time.Since(start)
	metrics.SessionsTotal.WithLabelValues(protocol.OutcomeIssued).Inc()
	logger.Info("session issued",
		"user", out.User,
		"session_id", out.SessionID,
		"latency_ms", latency.Milliseconds())
	h.publish(logger, protocol.SessionEvent{
		RequestID:      requestID,
		CorrelationID:  correlationID,
		User:           out.User,
		Outcome:        protocol.OutcomeIssued,
		Status:         http.StatusOK,
		UpstreamStatus: out.UpstreamStatus,
		LatencyMs:      latency.Milliseconds(),
		Ts:             time.Now().Unix(),
	})
}

// issue runs steps 2 through 6 of an invocation.
func (h *Handler) issue(ctx context.Context, r *http.Request, logger *slog.Logger) (Outcome, error) {
	out := Outcome{Remaining: -1}

	secrets, err := config.ReadSecrets(h.lookup)
	if err != nil {
		return out, err
	}

	out.RateKey = identity.ForRequest(r)
	out.User = requestedUser(r, logger)
	if out.User == "" {
		out.User = out.RateKey
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, out.RateKey, h.rule)
		if err != nil {
			metrics.RateLimiterErrors.Inc()
		}
		if !allowed {
			out.Remaining = 0
			return out, ErrRateLimited
		}
		out.Remaining = h.remaining(ctx, out.RateKey)
	}

	callStart := time.Now()
	sess, err := h.provider.CreateSession(ctx, secrets.APIKey, secrets.WorkflowID, out.User)
	metrics.ProviderLatency.Observe(time.Since(callStart).Seconds())
	if err != nil {
		var upstream *provider.UpstreamError
		if errors.As(err, &upstream) {
			out.UpstreamStatus = upstream.Status
		}
		return out, err
	}

	out.Credential = sess.ClientSecret
	out.SessionID = sess.ID
	out.UpstreamStatus = http.StatusOK

	if sc := config.ReadSideCalls(h.lookup); sc.Enabled() {
		if sess.ID == "" {
			logger.Warn("side calls configured but provider returned no session id")
		} else {
			h.launchSideCalls(ctx, logger, secrets.APIKey, sess.ID, sc)
		}
	}

	return out, nil
}

func (h *Handler) fail(w http.ResponseWriter, logger *slog.Logger, requestID, correlationID string, start time.Time, out Outcome, err error) {
	status, resp, outcome := mapError(err)

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", h.retryAfter(out.RateKey))
	}
	setRemaining(w, out.Remaining)
	writeJSON(w, status, resp)

	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	attrs := []interface{}{"user", out.User, "status", status, "outcome", outcome, "error", err}
	if out.UpstreamStatus != 0 {
		attrs = append(attrs, "upstream_status", out.UpstreamStatus, "details", resp.Details)
	}
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		logger.Error("session issuance failed", attrs...)
	} else {
		logger.Warn("session issuance failed", attrs...)
	}

	h.publish(logger, protocol.SessionEvent{
		RequestID:      requestID,
		CorrelationID:  correlationID,
		User:           out.User,
		Outcome:        outcome,
		Status:         status,
		UpstreamStatus: out.UpstreamStatus,
		LatencyMs:      time.Since(start).Milliseconds(),
		Ts:             time.Now().Unix(),
	})
}

// remaining asks the limiter how many issuances key has left, or -1.
func (h *Handler) remaining(ctx context.Context, key string) int {
	rr, ok := h.limiter.(interface {
		Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
	})
	if !ok {
		return -1
	}
	n, err := rr.Remaining(ctx, key, h.rule)
	if err != nil {
		return -1
	}
	return n
}

func setRemaining(w http.ResponseWriter, n int) {
	if n >= 0 {
		w.Header().Set(remainingHeader, strconv.Itoa(n))
	}
}

// correlationFrom returns the caller's X-Request-ID, trimmed and capped. It
// is recorded alongside the server-generated request id, never in its place.
func correlationFrom(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if len(id) > maxCorrelationLen {
		id = id[:maxCorrelationLen]
	}
	return strings.Map(func(c rune) rune {
		if c < 0x20 || c == 0x7f {
			return -1
		}
		return c
	}, id)
}

func (h *Handler) retryAfter(key string) string {
	wait := h.rule.Window
	if ra, ok := h.limiter.(interface {
		RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
	}); ok {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if d := ra.RetryAfter(ctx, key, h.rule); d > 0 {
			wait = d
		}
	}
	return strconv.Itoa(max(int(wait.Round(time.Second).Seconds()), 1))
}

func (h *Handler) publish(logger *slog.Logger, ev protocol.SessionEvent) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishSessionEvent(ev); err != nil {
		logger.Warn("publish session event failed", "error", err)
	}
}

// requestedUser returns the optional "user" override from a JSON body.
// The body is optional, so anything unreadable is ignored.
func requestedUser(r *http.Request, logger *slog.Logger) string {
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil || len(data) == 0 {
		return ""
	}

	var req protocol.SessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Debug("ignoring undecodable request body", "error", err)
		return ""
	}

	user := strings.TrimSpace(req.User)
	if len(user) > maxUserLen {
		logger.Warn("ignoring oversized user override", "length", len(user))
		return ""
	}
	return user
}

// Wait blocks until all launched side calls finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sideCalls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
