package sessionclient

import (
	"errors"
	"fmt"

	"github.com/whisper/chatkit-session/internal/protocol"
)

// Attempt failure classes. Every one of them is retried the same way.
var (
	ErrTransport         = errors.New("sessionclient: transport failure")
	ErrHTTPStatus        = errors.New("sessionclient: unexpected HTTP status")
	ErrMalformedResponse = errors.New("sessionclient: response has no client_secret")
)

// ErrExhausted is matched by every *ExhaustedError.
var ErrExhausted = errors.New("sessionclient: retries exhausted")

// AttemptError describes one failed attempt. Status is zero when no response
// was received.
type AttemptError struct {
	Attempt int
	Status  int
	Body    protocol.Body
	Err     error
}

func (e *AttemptError) Error() string {
	msg := fmt.Sprintf("attempt %d", e.Attempt)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if !e.Body.IsEmpty() {
		msg += ": " + truncate(e.Body.String(), 512)
	}
	return msg + ": " + e.Err.Error()
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ExhaustedError is returned once every attempt failed. Last is the final
// attempt's failure.
type ExhaustedError struct {
	Attempts int
	Last     *AttemptError
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("sessionclient: session create failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes both ErrExhausted and the last attempt's cause.
func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrExhausted}
	}
	return []error{ErrExhausted, e.Last}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
