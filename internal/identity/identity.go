// Package identity derives the anonymous user identifier attached to every
// ChatKit session. The identifier correlates requests from the same client
// without knowing who the client is; it is advisory and trivially spoofable,
// so it must never be used for authorization.
package identity

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// Prefix tags every derived identifier.
	Prefix = "anon_"

	// HexLen is the number of hex characters kept from the digest.
	HexLen = 32

	// PrincipalHeader carries the upstream principal id set by Azure App
	// Service / Static Web Apps authentication.
	PrincipalHeader = "X-MS-CLIENT-PRINCIPAL-ID"
)

// separator keeps ("ab","c") and ("a","bc") apart.
const separator = "\x1f"

// Signals are the request attributes an identifier is derived from.
type Signals struct {
	IP        string
	UserAgent string
	Principal string
}

// FromRequest collects Signals from r. The client IP is the first
// X-Forwarded-For hop, then X-Real-IP, then the host part of RemoteAddr.
func FromRequest(r *http.Request) Signals {
	return Signals{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Principal: strings.TrimSpace(r.Header.Get(PrincipalHeader)),
	}
}

// Derive returns Prefix followed by HexLen hex characters of the BLAKE3
// digest of the signals. Equal signals always give equal identifiers.
func Derive(s Signals) string {
	sum := blake3.Sum256([]byte(s.IP + separator + s.UserAgent + separator + s.Principal))
	return Prefix + hex.EncodeToString(sum[:])[:HexLen]
}

// ForRequest is Derive(FromRequest(r)).
func ForRequest(r *http.Request) string {
	return Derive(FromRequest(r))
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return stripPort(ip)
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return stripPort(ip)
	}
	return stripPort(r.RemoteAddr)
}

// stripPort drops a trailing :port. Azure front ends append one to
// forwarded addresses.
func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
