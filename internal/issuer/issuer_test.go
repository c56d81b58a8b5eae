package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatkit-session/internal/config"
	"github.com/whisper/chatkit-session/internal/identity"
	"github.com/whisper/chatkit-session/internal/logging"
	"github.com/whisper/chatkit-session/internal/metrics"
	"github.com/whisper/chatkit-session/internal/protocol"
	"github.com/whisper/chatkit-session/internal/provider"
	"github.com/whisper/chatkit-session/internal/ratelimit"
)

func fullEnv() map[string]string {
	return map[string]string{
		config.EnvAPIKey:     "sk-test",
		config.EnvWorkflowID: "wf_123",
	}
}

func lookupFrom(env map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// fakeProvider is an httptest ChatKit endpoint that counts calls.
type fakeProvider struct {
	calls  atomic.Int32
	status int
	body   string
	last   atomic.Value // map[string]interface{}
}

func newFakeProvider(t *testing.T, status int, body string) (*fakeProvider, *provider.Client) {
	t.Helper()
	fp := &fakeProvider{status: status, body: body}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.calls.Add(1)
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		fp.last.Store(req)
		w.WriteHeader(fp.status)
		io.WriteString(w, fp.body)
	}))
	t.Cleanup(server.Close)
	return fp, provider.NewClient(provider.Config{BaseURL: server.URL, Timeout: 5 * time.Second})
}

func newHandler(p SessionProvider, env map[string]string) *Handler {
	return New(Options{
		Provider: p,
		Lookup:   lookupFrom(env),
		Logger:   logging.Discard(),
	})
}

func postSession(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/create-session", r)
	req.Header.Set("User-Agent", "Mozilla/5.0 test")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPreflight(t *testing.T) {
	fp, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	// No secrets configured: OPTIONS must not even look.
	h := newHandler(client, map[string]string{})

	before := testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues(protocol.OutcomeMisconfigured))

	req := httptest.NewRequest(http.MethodOptions, "/api/create-session", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, int32(0), fp.calls.Load())
	assert.Equal(t, before, testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues(protocol.OutcomeMisconfigured)))
}

func TestMissingSecrets_NoOutboundCall(t *testing.T) {
	cases := map[string]map[string]string{
		"no api key":     {config.EnvWorkflowID: "wf_123"},
		"no workflow id": {config.EnvAPIKey: "sk-test"},
		"neither":        {},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			fp, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
			h := newHandler(client, env)

			rec := postSession(t, h, "", nil)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.JSONEq(t, `{"error":"Server misconfiguration"}`, rec.Body.String())
			assert.Equal(t, int32(0), fp.calls.Load())
		})
	}
}

func TestSuccess(t *testing.T) {
	fp, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := newHandler(client, fullEnv())

	rec := postSession(t, h, "", map[string]string{"X-Forwarded-For": "198.51.100.4"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	wantUser := identity.Derive(identity.Signals{IP: "198.51.100.4", UserAgent: "Mozilla/5.0 test"})
	assert.JSONEq(t, `{"client_secret":"abc123","user":"`+wantUser+`"}`, rec.Body.String())

	assert.Equal(t, int32(1), fp.calls.Load())
	sent := fp.last.Load().(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"id": "wf_123"}, sent["workflow"])
	assert.Equal(t, wantUser, sent["user"])
}

func TestSuccess_UserOverride(t *testing.T) {
	fp, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := newHandler(client, fullEnv())

	rec := postSession(t, h, `{"user":"teams:42"}`, map[string]string{"Content-Type": "application/json"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"client_secret":"abc123","user":"teams:42"}`, rec.Body.String())
	assert.Equal(t, "teams:42", fp.last.Load().(map[string]interface{})["user"])
}

func TestSuccess_MalformedBodyIgnored(t *testing.T) {
	_, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := newHandler(client, fullEnv())

	rec := postSession(t, h, `not json`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp protocol.SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.User, identity.Prefix))
}

func TestUpstreamFailure_StructuredDetails(t *testing.T) {
	fp, client := newFakeProvider(t, http.StatusTooManyRequests, `{"error":"rate_limited"}`)
	h := newHandler(client, fullEnv())

	rec := postSession(t, h, "", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"OpenAI session creation failed","details":{"error":"rate_limited"}}`, rec.Body.String())
	assert.Equal(t, int32(1), fp.calls.Load(), "issuer must not retry")
}

func TestUpstreamFailure_TextDetails(t *testing.T) {
	_, client := newFakeProvider(t, http.StatusServiceUnavailable, "upstream overloaded")
	h := newHandler(client, fullEnv())

	rec := postSession(t, h, "", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"OpenAI session creation failed","details":"upstream overloaded"}`, rec.Body.String())
}

func TestMalformedProviderResponse(t *testing.T) {
	_, client := newFakeProvider(t, http.StatusOK, `{"id":"cksess_1"}`)
	h := newHandler(client, fullEnv())

	rec := postSession(t, h, "", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"OpenAI session response missing client_secret"}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	fp, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := newHandler(client, fullEnv())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/create-session", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Allow"))
	assert.Equal(t, int32(0), fp.calls.Load())
}

// stubProvider lets tests control each provider call directly.
type stubProvider struct {
	create  func(ctx context.Context, user string) (*provider.Session, error)
	starter func(ctx context.Context, sessionID, text string) error
	title   func(ctx context.Context, sessionID, title string) error
}

func (s *stubProvider) CreateSession(ctx context.Context, apiKey, workflowID, user string) (*provider.Session, error) {
	return s.create(ctx, user)
}

func (s *stubProvider) SendStarterMessage(ctx context.Context, apiKey, sessionID, text string) error {
	if s.starter == nil {
		return nil
	}
	return s.starter(ctx, sessionID, text)
}

func (s *stubProvider) SetTitle(ctx context.Context, apiKey, sessionID, title string) error {
	if s.title == nil {
		return nil
	}
	return s.title(ctx, sessionID, title)
}

func TestPanicMapsToInternalError(t *testing.T) {
	p := &stubProvider{create: func(context.Context, string) (*provider.Session, error) {
		panic("nil map write")
	}}
	h := newHandler(p, fullEnv())

	rec := postSession(t, h, "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal error", resp.Error)
	require.NotNil(t, resp.Details)
	assert.Contains(t, resp.Details.Text, "nil map write")
	assert.NotContains(t, rec.Body.String(), "sk-test")
}

func TestUnexpectedErrorMapsToInternalError(t *testing.T) {
	p := &stubProvider{create: func(context.Context, string) (*provider.Session, error) {
		return nil, errors.New("boom")
	}}
	h := newHandler(p, fullEnv())

	rec := postSession(t, h, "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error","details":"boom"}`, rec.Body.String())
}

func TestTransportErrorMapsToBadGateway(t *testing.T) {
	p := &stubProvider{create: func(context.Context, string) (*provider.Session, error) {
		return nil, provider.ErrTransport
	}}
	h := newHandler(p, fullEnv())

	rec := postSession(t, h, "", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSideCalls_NotAwaited(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var calls []string

	p := &stubProvider{
		create: func(context.Context, string) (*provider.Session, error) {
			return &provider.Session{ID: "cksess_1", ClientSecret: "abc123"}, nil
		},
		starter: func(ctx context.Context, sessionID, text string) error {
			<-release
			mu.Lock()
			calls = append(calls, "starter:"+sessionID+":"+text)
			mu.Unlock()
			return nil
		},
		title: func(ctx context.Context, sessionID, title string) error {
			<-release
			mu.Lock()
			calls = append(calls, "title:"+title)
			mu.Unlock()
			return errors.New("title endpoint not supported")
		},
	}
	env := fullEnv()
	env[config.EnvStarterMessage] = "Hi there"
	env[config.EnvChatTitle] = "Support"
	h := newHandler(p, env)

	rec := postSession(t, h, "", nil)

	// Response is complete while both side calls are still blocked.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"client_secret":"abc123","user":"`+mustUser(t, rec)+`"}`, rec.Body.String())
	mu.Lock()
	assert.Empty(t, calls)
	mu.Unlock()

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"starter:cksess_1:Hi there", "title:Support"}, calls)
}

func TestSideCalls_SkippedWithoutSessionID(t *testing.T) {
	var called atomic.Bool
	p := &stubProvider{
		create: func(context.Context, string) (*provider.Session, error) {
			return &provider.Session{ClientSecret: "abc123"}, nil
		},
		starter: func(context.Context, string, string) error {
			called.Store(true)
			return nil
		},
	}
	env := fullEnv()
	env[config.EnvStarterMessage] = "Hi there"
	h := newHandler(p, env)

	rec := postSession(t, h, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, h.Wait(context.Background()))
	assert.False(t, called.Load())
}

func TestRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fp, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := New(Options{
		Provider: client,
		Lookup:   lookupFrom(fullEnv()),
		Limiter:  ratelimit.NewLimiter(rdb, logging.Discard()),
		Rule:     ratelimit.Rule{Key: "rl:test:", Limit: 2, Window: 30 * time.Second},
		Logger:   logging.Discard(),
	})

	for i := 0; i < 2; i++ {
		rec := postSession(t, h, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := postSession(t, h, "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestRateLimit_UserOverrideDoesNotBypass(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fp, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := New(Options{
		Provider: client,
		Lookup:   lookupFrom(fullEnv()),
		Limiter:  ratelimit.NewLimiter(rdb, logging.Discard()),
		Rule:     ratelimit.Rule{Key: "rl:test:", Limit: 2, Window: 30 * time.Second},
		Logger:   logging.Discard(),
	})

	headers := map[string]string{"X-Forwarded-For": "203.0.113.9"}
	var codes []int
	for i := 0; i < 5; i++ {
		rec := postSession(t, h, fmt.Sprintf(`{"user":"u%d"}`, i), headers)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{200, 200, 429, 429, 429}, codes)
	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestRateLimit_RemainingHeader(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	_, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := New(Options{
		Provider: client,
		Lookup:   lookupFrom(fullEnv()),
		Limiter:  ratelimit.NewLimiter(rdb, logging.Discard()),
		Rule:     ratelimit.Rule{Key: "rl:test:", Limit: 2, Window: 30 * time.Second},
		Logger:   logging.Discard(),
	})

	assert.Equal(t, "1", postSession(t, h, "", nil).Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "0", postSession(t, h, "", nil).Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "0", postSession(t, h, "", nil).Header().Get("X-RateLimit-Remaining"))

	// Without a limiter the header is absent.
	_, plain := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	rec := postSession(t, newHandler(plain, fullEnv()), "", nil)
	_, present := rec.Header()["X-Ratelimit-Remaining"]
	assert.False(t, present)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.SessionEvent
}

func (p *recordingPublisher) PublishSessionEvent(ev protocol.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestEventsPublished(t *testing.T) {
	_, client := newFakeProvider(t, http.StatusTooManyRequests, `{"error":"rate_limited"}`)
	pub := &recordingPublisher{}
	h := New(Options{
		Provider: client,
		Lookup:   lookupFrom(fullEnv()),
		Events:   pub,
		Logger:   logging.Discard(),
	})

	rec := postSession(t, h, "", map[string]string{"X-Request-ID": "req-abc"})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, rec.Header().Get("X-Request-ID"), ev.RequestID)
	assert.NotEqual(t, "req-abc", ev.RequestID)
	assert.Equal(t, "req-abc", ev.CorrelationID)
	assert.Equal(t, protocol.OutcomeUpstreamFailed, ev.Outcome)
	assert.Equal(t, http.StatusBadGateway, ev.Status)
	assert.Equal(t, http.StatusTooManyRequests, ev.UpstreamStatus)
	assert.NoError(t, ev.Validate())
}

func TestRequestID_ServerGeneratedPerInvocation(t *testing.T) {
	_, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	pub := &recordingPublisher{}
	h := New(Options{
		Provider: client,
		Lookup:   lookupFrom(fullEnv()),
		Events:   pub,
		Logger:   logging.Discard(),
	})

	postSession(t, h, "", map[string]string{"X-Request-ID": "fixed"})
	postSession(t, h, "", map[string]string{"X-Request-ID": "fixed"})
	postSession(t, h, "", map[string]string{"X-Request-ID": strings.Repeat("x", 1000)})

	require.Len(t, pub.events, 3)
	assert.NotEqual(t, pub.events[0].RequestID, pub.events[1].RequestID)
	assert.Equal(t, "fixed", pub.events[0].CorrelationID)
	assert.Equal(t, "fixed", pub.events[1].CorrelationID)
	assert.Len(t, pub.events[2].CorrelationID, maxCorrelationLen)
	for _, ev := range pub.events {
		assert.NoError(t, ev.Validate())
	}
}

type panickingPublisher struct{}

func (panickingPublisher) PublishSessionEvent(protocol.SessionEvent) error {
	panic("publisher exploded")
}

func TestPanicAfterResponseKeepsSingleBody(t *testing.T) {
	_, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := New(Options{
		Provider: client,
		Lookup:   lookupFrom(fullEnv()),
		Events:   panickingPublisher{},
		Logger:   logging.Discard(),
	})

	before := testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues(protocol.OutcomeInternal))
	rec := postSession(t, h, "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	dec := json.NewDecoder(rec.Body)
	var resp protocol.SessionResponse
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, "abc123", resp.ClientSecret)
	assert.ErrorIs(t, dec.Decode(&json.RawMessage{}), io.EOF, "response must hold exactly one JSON document")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues(protocol.OutcomeInternal)))
}

func TestMetricsCountOutcomes(t *testing.T) {
	_, client := newFakeProvider(t, http.StatusOK, `{"client_secret":"abc123"}`)
	h := newHandler(client, fullEnv())

	before := testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues(protocol.OutcomeIssued))
	postSession(t, h, "", nil)
	after := testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues(protocol.OutcomeIssued))

	assert.Equal(t, before+1, after)
}

func mustUser(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp protocol.SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.User
}
