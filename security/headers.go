package security

import "net/http"

// SetSecureHeaders applies the standard security headers for OAuth
// responses. Token and error bodies must never be cached or sniffed.
func SetSecureHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
}
