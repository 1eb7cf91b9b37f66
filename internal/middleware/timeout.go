package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"engram-backend/pkg/api"
)

// Timeout wraps requests with a timeout context. Batch writes can legally
// take a while (sequential items plus drain caps), so the limit should be
// generous.
func Timeout(timeout time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			r = r.WithContext(ctx)
			done := make(chan struct{})

			go func() {
				defer func() {
					if err := recover(); err != nil {
						logger.Error("panic in timed handler",
							zap.String("request_id", GetRequestIDFromRequest(r)),
							zap.Any("panic", err),
						)
					}
				}()
				next.ServeHTTP(w, r)
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn("request timed out",
					zap.String("request_id", GetRequestIDFromRequest(r)),
					zap.String("path", r.URL.Path),
				)
				if w.Header().Get("Content-Type") == "" {
					api.Error(w, http.StatusRequestTimeout, "Request timeout")
				}
			}
		})
	}
}
