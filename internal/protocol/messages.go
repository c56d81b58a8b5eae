// Package protocol defines the JSON documents exchanged between the browser
// client, the session issuer and the ChatKit provider, plus the session
// outcome events published for auditing. Credentials only ever appear in
// SessionResponse and ProviderSession; events never carry them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Outcome constants
// ---------------------------------------------------------------------------

// Outcomes of a single issuer invocation, used for metrics labels, event
// subjects and the audit table.
const (
	OutcomeIssued         = "issued"
	OutcomeMisconfigured  = "misconfigured"
	OutcomeUpstreamFailed = "upstream_failed"
	OutcomeMalformed      = "malformed"
	OutcomeRateLimited    = "rate_limited"
	OutcomeInternal       = "internal_error"
)

// Outcomes lists every outcome constant.
var Outcomes = []string{
	OutcomeIssued,
	OutcomeMisconfigured,
	OutcomeUpstreamFailed,
	OutcomeMalformed,
	OutcomeRateLimited,
	OutcomeInternal,
}

// ---------------------------------------------------------------------------
// Client <-> Issuer
// ---------------------------------------------------------------------------

// SessionRequest is the optional POST body accepted by the issuer.
type SessionRequest struct {
	User string `json:"user,omitempty"`
}

// SessionResponse is returned with 200 when a credential was issued.
type SessionResponse struct {
	ClientSecret string `json:"client_secret"`
	User         string `json:"user"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details *Body  `json:"details,omitempty"`
}

// NewErrorResponse builds an ErrorResponse, omitting empty details.
func NewErrorResponse(msg string, details Body) ErrorResponse {
	resp := ErrorResponse{Error: msg}
	if !details.IsEmpty() {
		resp.Details = &details
	}
	return resp
}

// ---------------------------------------------------------------------------
// Issuer <-> Provider
// ---------------------------------------------------------------------------

// WorkflowRef references a provider-side workflow by id.
type WorkflowRef struct {
	ID string `json:"id"`
}

// ProviderSessionRequest is the body of POST /v1/chatkit/sessions.
type ProviderSessionRequest struct {
	Workflow WorkflowRef `json:"workflow"`
	User     string      `json:"user"`
}

// ProviderSession holds the fields the issuer reads from a session-creation
// response. Providers have returned the secret as a top-level string, as an
// object with a value, and nested under "session" or "data"; Credential
// resolves all of them.
type ProviderSession struct {
	ID           string           `json:"id"`
	ExpiresAt    int64            `json:"expires_at"`
	ClientSecret json.RawMessage  `json:"client_secret"`
	Session      *ProviderSession `json:"session,omitempty"`
	Data         *ProviderSession `json:"data,omitempty"`
}

// Credential returns the client secret, or "" if none is present.
func (p *ProviderSession) Credential() string {
	if p == nil {
		return ""
	}
	if secret := secretValue(p.ClientSecret); secret != "" {
		return secret
	}
	if secret := p.Session.Credential(); secret != "" {
		return secret
	}
	return p.Data.Credential()
}

// SessionID returns the provider session id, looking through nesting.
func (p *ProviderSession) SessionID() string {
	if p == nil {
		return ""
	}
	if p.ID != "" {
		return p.ID
	}
	if id := p.Session.SessionID(); id != "" {
		return id
	}
	return p.Data.SessionID()
}

func secretValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value
	}
	return ""
}

// ProviderMessageRequest is the body of the best-effort starter-message call.
type ProviderMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderTitleRequest is the body of the best-effort title call.
type ProviderTitleRequest struct {
	Title string `json:"title"`
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// SessionEvent describes the outcome of one issuer invocation. It is
// published to NATS and persisted by the audit service.
type SessionEvent struct {
	RequestID      string `json:"request_id"`               // generated by the issuer, unique
	CorrelationID  string `json:"correlation_id,omitempty"` // caller's X-Request-ID, if any
	User           string `json:"user"`
	Outcome        string `json:"outcome"`
	Status         int    `json:"status"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	LatencyMs      int64  `json:"latency_ms"`
	Ts             int64  `json:"ts"`
}

// Validate checks the fields the audit table requires.
func (e SessionEvent) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("protocol: session event missing request_id")
	}
	switch e.Outcome {
	case OutcomeIssued, OutcomeMisconfigured, OutcomeUpstreamFailed,
		OutcomeMalformed, OutcomeRateLimited, OutcomeInternal:
	default:
		return fmt.Errorf("protocol: unknown session outcome %q", e.Outcome)
	}
	return nil
}
