// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
)

// BodyLimit caps request bodies at maxBytes. Reads past the cap fail inside
// the handler with *http.MaxBytesError, which the handlers map to a 413.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
