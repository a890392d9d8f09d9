package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// statusRecorder remembers the status a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware answers preflights and records request metrics.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next(rw, r)

		// Route patterns keep session IDs out of label values
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// chargeSheets bills n sheets to client. A nil limiter admits everything.
func (s *Server) chargeSheets(client string, n int) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Charge(client, n); err != nil {
		window := "minute"
		var quotaErr *QuotaExceededError
		if errors.As(err, &quotaErr) {
			window = "day"
		}
		rateLimitHits.WithLabelValues(window).Inc()
		slog.Warn("Extraction refused by sheet limiter", "client", client, "sheets", n, "error", err)
		return err
	}
	sheetsCharged.Add(float64(n))
	return nil
}

// writeLimitError answers a refused extraction with 429 and the limiter's
// headers.
func (s *Server) writeLimitError(w http.ResponseWriter, err error) {
	var rateErr *RateLimitError
	var quotaErr *QuotaExceededError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateErr.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rateErr.Remaining))
		if rateErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", rateErr.RetryAfter.Seconds()))
		}
	case errors.As(err, &quotaErr):
		w.Header().Set("X-Quota-Limit", strconv.Itoa(quotaErr.Limit))
		w.Header().Set("X-Quota-Used", strconv.Itoa(quotaErr.Used))
		w.Header().Set("X-Quota-Resets", quotaErr.Resets.UTC().Format(http.TimeFormat))
	}
	status, errType := statusForError(err)
	s.writeErrorResponse(w, err.Error(), status, errType)
}

// clientKey identifies the caller for metering.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
