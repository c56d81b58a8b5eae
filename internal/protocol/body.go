package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxBodyBytes caps how much of a response body is read into a Body.
const MaxBodyBytes = 1 << 20

// ErrNotJSON is returned by Body.Decode when the body did not parse as JSON.
var ErrNotJSON = errors.New("protocol: body is not JSON")

// Kind discriminates the variants of a Body.
type Kind int

const (
	KindEmpty Kind = iota
	KindJSON
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	default:
		return "empty"
	}
}

// Body is an HTTP body that was either structured JSON or raw text. It is the
// one place where "try JSON, fall back to text" happens, so error details from
// the provider and from the issuer are captured the same way.
type Body struct {
	Kind Kind
	JSON json.RawMessage // set when Kind == KindJSON
	Text string          // set when Kind == KindText
}

// ParseBody classifies data. Whitespace-only input is KindEmpty.
func ParseBody(data []byte) Body {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Body{Kind: KindEmpty}
	}
	if json.Valid(trimmed) {
		raw := make(json.RawMessage, len(trimmed))
		copy(raw, trimmed)
		return Body{Kind: KindJSON, JSON: raw}
	}
	return Body{Kind: KindText, Text: string(data)}
}

// ReadBody reads at most MaxBodyBytes from r and parses the result.
func ReadBody(r io.Reader) (Body, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBodyBytes))
	if err != nil {
		return Body{}, fmt.Errorf("protocol: read body: %w", err)
	}
	return ParseBody(data), nil
}

// TextBody wraps a plain message, e.g. a transport error, as a Body.
func TextBody(s string) Body {
	if s == "" {
		return Body{Kind: KindEmpty}
	}
	return Body{Kind: KindText, Text: s}
}

// IsEmpty reports whether the body carried nothing.
func (b Body) IsEmpty() bool {
	return b.Kind == KindEmpty
}

// Decode unmarshals a JSON body into v.
func (b Body) Decode(v interface{}) error {
	if b.Kind != KindJSON {
		return ErrNotJSON
	}
	return json.Unmarshal(b.JSON, v)
}

// String returns the body as it appeared on the wire.
func (b Body) String() string {
	switch b.Kind {
	case KindJSON:
		return string(b.JSON)
	case KindText:
		return b.Text
	default:
		return ""
	}
}

// MarshalJSON embeds JSON bodies verbatim and text bodies as a JSON string.
func (b Body) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case KindJSON:
		return b.JSON, nil
	case KindText:
		return json.Marshal(b.Text)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON: a JSON string becomes a text
// body, null becomes empty and anything else is kept as raw JSON.
func (b *Body) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*b = Body{Kind: KindEmpty}
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("protocol: decode text body: %w", err)
		}
		*b = TextBody(s)
	default:
		*b = ParseBody(trimmed)
	}
	return nil
}
