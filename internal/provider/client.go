// Package provider is a small REST client for the OpenAI ChatKit sessions
// API. It issues exactly the calls it is asked to make; retry policy belongs
// to callers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/whisper/chatkit-session/internal/protocol"
)

const (
	// DefaultBaseURL is the public OpenAI API.
	DefaultBaseURL = "https://api.openai.com"

	// SessionsPath is the session-creation endpoint.
	SessionsPath = "/v1/chatkit/sessions"

	// BetaHeader and BetaValue must accompany every ChatKit call; the API
	// rejects session creation without them.
	BetaHeader = "OpenAI-Beta"
	BetaValue  = "chatkit_beta=v1"
)

// Provider errors.
var (
	ErrTransport         = errors.New("provider: transport failure")
	ErrMalformedResponse = errors.New("provider: session response missing client_secret")
)

// UpstreamError is a non-2xx response from the provider. Body holds the
// response as JSON when it parsed, raw text otherwise.
type UpstreamError struct {
	Op     string
	Status int
	Body   protocol.Body
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider: %s returned status %d", e.Op, e.Status)
}

// Config holds client settings.
type Config struct {
	BaseURL    string        // defaults to DefaultBaseURL
	Timeout    time.Duration // per-call timeout; 0 means none
	HTTPClient *http.Client  // optional; overrides Timeout
}

// Client talks to the ChatKit API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Session is a created ChatKit session.
type Session struct {
	ID           string
	ClientSecret string
	ExpiresAt    int64
}

// NewClient creates a Client with a pooled transport.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// CreateSession creates a ChatKit session for workflowID on behalf of user.
// A 2xx response without a credential yields ErrMalformedResponse.
func (c *Client) CreateSession(ctx context.Context, apiKey, workflowID, user string) (*Session, error) {
	req := protocol.ProviderSessionRequest{
		Workflow: protocol.WorkflowRef{ID: workflowID},
		User:     user,
	}

	body, err := c.post(ctx, "create session", apiKey, SessionsPath, req)
	if err != nil {
		return nil, err
	}

	var ps protocol.ProviderSession
	if err := body.Decode(&ps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	secret := ps.Credential()
	if secret == "" {
		return nil, ErrMalformedResponse
	}

	expiresAt := ps.ExpiresAt
	if expiresAt == 0 && ps.Session != nil {
		expiresAt = ps.Session.ExpiresAt
	}

	return &Session{
		ID:           ps.SessionID(),
		ClientSecret: secret,
		ExpiresAt:    expiresAt,
	}, nil
}

// SendStarterMessage posts an assistant message into a new session. The
// provider does not document this endpoint; callers must treat failure as
// expected and non-fatal.
func (c *Client) SendStarterMessage(ctx context.Context, apiKey, sessionID, text string) error {
	path := SessionsPath + "/" + url.PathEscape(sessionID) + "/messages"
	_, err := c.post(ctx, "send starter message", apiKey, path, protocol.ProviderMessageRequest{
		Role:    "assistant",
		Content: text,
	})
	return err
}

// SetTitle forces the conversation title. Same caveats as
// SendStarterMessage.
func (c *Client) SetTitle(ctx context.Context, apiKey, sessionID, title string) error {
	path := SessionsPath + "/" + url.PathEscape(sessionID) + "/title"
	_, err := c.post(ctx, "set title", apiKey, path, protocol.ProviderTitleRequest{Title: title})
	return err
}

func (c *Client) post(ctx context.Context, op, apiKey, path string, payload interface{}) (protocol.Body, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return protocol.Body{}, fmt.Errorf("provider: %s: marshal: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return protocol.Body{}, fmt.Errorf("provider: %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BetaHeader, BetaValue)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return protocol.Body{}, fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	}
	defer resp.Body.Close()

	body, readErr := protocol.ReadBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if readErr != nil {
			body = protocol.TextBody(readErr.Error())
		}
		return body, &UpstreamError{Op: op, Status: resp.StatusCode, Body: body}
	}
	if readErr != nil {
		return protocol.Body{}, fmt.Errorf("%w: %s: %w", ErrTransport, op, readErr)
	}
	return body, nil
}
