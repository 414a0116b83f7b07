package main

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/John-Rood/MemoryRouter-sub003/internal/observability"
)

func buildMiddlewareStack(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		handler := recoverMiddleware(logger, next)
		handler = observability.RequestIDMiddleware(handler)
		return handler
	}
}

// recoverMiddleware turns a handler panic into a 500 so one bad request
// does not take the server down.
func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					"request_id", observability.RequestIDFromContext(r.Context()),
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"message":"internal error","type":"internal_error"}}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
