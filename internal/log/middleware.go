// SPDX-License-Identifier: MIT

package log

import (
	"net/http"
	"time"
)

// Middleware emits one structured line per request and attaches a
// correlation-aware logger to the request context so handlers can pick it up
// via FromContext.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			l := WithContext(r.Context(), WithComponent("http"))
			ctx := l.WithContext(r.Context())

			aw := &accessWriter{ResponseWriter: w}
			next.ServeHTTP(aw, r.WithContext(ctx))

			status := aw.statusCode
			if status == 0 {
				// Handler never wrote; net/http sends 200 on return.
				status = http.StatusOK
			}

			evt := l.Info()
			if status >= http.StatusInternalServerError {
				evt = l.Error()
			}
			evt.
				Str("event", "http.request").
				Str("method", r.Method).
				Str(FieldPath, r.URL.Path).
				Int(FieldStatus, status).
				Int("bytes", aw.bytesWritten).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request completed")
		})
	}
}

// accessWriter wraps http.ResponseWriter to capture status and body size for
// the access log line.
type accessWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (aw *accessWriter) WriteHeader(statusCode int) {
	if aw.statusCode == 0 {
		aw.statusCode = statusCode
	}
	aw.ResponseWriter.WriteHeader(statusCode)
}

func (aw *accessWriter) Write(b []byte) (int, error) {
	if aw.statusCode == 0 {
		aw.statusCode = http.StatusOK
	}
	n, err := aw.ResponseWriter.Write(b)
	aw.bytesWritten += n
	return n, err
}
