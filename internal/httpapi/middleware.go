package httpapi

import (
	"net/http"

	"github.com/felixge/httpsnoop"
)

// WithAccessLog logs one line per request once the handler has returned.
func WithAccessLog(next http.Handler, logger Logger) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		logger.Printf("%s %s status=%d bytes=%d duration=%s", r.Method, r.URL.Path, m.Code, m.Written, m.Duration)
	})
}
