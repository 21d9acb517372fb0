package admin

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-Id"

func isMutating(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead
}

// writeLimiter bounds mutating requests. The API listens on the node only,
// so one limiter covers all clients.
type writeLimiter struct {
	limiter *rate.Limiter
}

func newWriteLimiter(rps float64, burst int) *writeLimiter {
	return &writeLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *writeLimiter) wrap(next http.Handler, log logr.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutating(r) && !l.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			log.Info("admin API rate limit exceeded", "method", r.Method, "path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditMiddleware tags every request with an id and logs mutating requests.
func auditMiddleware(log logr.Logger, next http.Handler) http.Handler {
	auditLog := log.WithName("audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		if !isMutating(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		auditLog.Info("admin API request",
			"requestID", requestID,
			"remoteAddr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.statusCode,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}
