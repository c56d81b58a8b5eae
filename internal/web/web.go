// Package web serves the browser bootstrap script for the chat widget.
package web

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
)

// ScriptPath is where sessiond serves the bootstrap script.
const ScriptPath = "/init-chatkit.js"

const sessionPathPlaceholder = "__SESSION_PATH__"

//go:embed init-chatkit.js
var initScript string

// Script returns the bootstrap script with sessionPath as the issuer
// endpoint it calls.
func Script(sessionPath string) []byte {
	quoted, _ := json.Marshal(sessionPath)
	return []byte(strings.Replace(initScript, sessionPathPlaceholder, string(quoted), 1))
}

// Handler serves Script(sessionPath) to GET and HEAD requests.
func Handler(sessionPath string) http.Handler {
	body := Script(sessionPath)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	})
}
