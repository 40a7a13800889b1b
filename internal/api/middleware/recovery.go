package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from handler panics, logs the
// stack and answers 500 with an RFC 7807 body.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				if err := recover(); err != nil {
					correlationID := GetCorrelationID(ctx)

					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", correlationID),
						slog.Any("panic", err),
						slog.String("stack_trace", string(debug.Stack())),
					)

					writeErr := writeRFC7807Error(w, r, http.StatusInternalServerError,
						"An unexpected error occurred while processing the request", correlationID)
					if writeErr != nil {
						logger.Error("failed to encode panic response",
							slog.String("correlation_id", correlationID),
							slog.String("error", writeErr.Error()),
						)
					}
				}
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}
