// Package middleware provides HTTP middleware for the shellgate server.
//
// CSP is deliberately not set here: spec.md §1 lists CSP/security-header
// middleware as an external collaborator out of the core's scope, since the
// appropriate policy depends on the static client bundle this core doesn't
// own.
package middleware

import (
	"net/http"
)

// SecurityHeaders wraps an http.Handler and adds security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent clickjacking - deny all framing
		w.Header().Set("X-Frame-Options", "DENY")

		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Permissions Policy - disable unnecessary browser features
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}

// SecureHeadersFunc wraps an http.HandlerFunc and adds security headers.
func SecureHeadersFunc(next http.HandlerFunc) http.HandlerFunc {
	return SecurityHeaders(next).ServeHTTP
}
