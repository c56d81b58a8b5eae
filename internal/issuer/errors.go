package issuer

import (
	"errors"
	"net/http"

	"github.com/whisper/chatkit-session/internal/config"
	"github.com/whisper/chatkit-session/internal/protocol"
	"github.com/whisper/chatkit-session/internal/provider"
)

// ErrRateLimited is returned when the user exceeded the issuance rule.
var ErrRateLimited = errors.New("issuer: rate limit exceeded")

// Client-facing error messages.
const (
	msgMisconfigured  = "Server misconfiguration"
	msgUpstreamFailed = "OpenAI session creation failed"
	msgMalformed      = "OpenAI session response missing client_secret"
	msgRateLimited    = "rate limit exceeded"
	msgInternal       = "internal error"
)

// mapError converts an invocation error into the HTTP status, response body
// and outcome label. Configuration errors never carry details so secret
// names and values stay server-side.
func mapError(err error) (int, protocol.ErrorResponse, string) {
	var upstream *provider.UpstreamError

	switch {
	case errors.Is(err, config.ErrMissingConfig):
		return http.StatusInternalServerError,
			protocol.NewErrorResponse(msgMisconfigured, protocol.Body{}),
			protocol.OutcomeMisconfigured

	case errors.As(err, &upstream):
		return http.StatusBadGateway,
			protocol.NewErrorResponse(msgUpstreamFailed, upstream.Body),
			protocol.OutcomeUpstreamFailed

	case errors.Is(err, provider.ErrMalformedResponse):
		return http.StatusBadGateway,
			protocol.NewErrorResponse(msgMalformed, protocol.Body{}),
			protocol.OutcomeMalformed

	case errors.Is(err, provider.ErrTransport):
		return http.StatusBadGateway,
			protocol.NewErrorResponse(msgUpstreamFailed, protocol.TextBody(err.Error())),
			protocol.OutcomeUpstreamFailed

	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests,
			protocol.NewErrorResponse(msgRateLimited, protocol.Body{}),
			protocol.OutcomeRateLimited

	default:
		return http.StatusInternalServerError,
			protocol.NewErrorResponse(msgInternal, protocol.TextBody(err.Error())),
			protocol.OutcomeInternal
	}
}
