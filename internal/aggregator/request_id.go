package aggregator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"edge-node-agent/internal/observability/logging"
)

// requestIDGenerator produces a correlation id for an inbound request that
// didn't carry its own X-Request-Id. Exposed so tests can stub it.
type requestIDGenerator func() string

// RequestIDMiddleware stamps every request with a correlation id (preserving
// one supplied via X-Request-Id), attaches it to the request context so
// handler-level log lines can be correlated back to the HTTP call that
// triggered them, and echoes it on the response. This is distinct from the
// upload protocol's Event-ID header: that one identifies an
// Event/PendingUpload row across retries, this one identifies a single
// aggregator HTTP call.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator requestIDGenerator) func(http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" {
				requestID = generator()
			}

			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			if logger != nil {
				ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
			}

			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newRequestID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
