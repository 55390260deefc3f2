// Package middleware holds the HTTP middlewares of the gateway API.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/service"
)

type contextKey string

const cashboxKey contextKey = "cashboxID"

// AuthMiddleware requires a bearer token issued for a cashbox and stores its id in the request context
func AuthMiddleware(cfg *config.Config, log *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header is required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			cashboxID, err := service.ParseToken(cfg.JWTSecret, parts[1])
			if err != nil {
				log.WithError(err).Warn("Invalid token")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCashboxID(r.Context(), cashboxID)))
		})
	}
}

// RateLimit limits requests per client IP to requests a minute
func RateLimit(requests int) mux.MiddlewareFunc {
	return httprate.LimitByIP(requests, 1*time.Minute)
}

// WithCashboxID returns a context carrying the authenticated cashbox
func WithCashboxID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, cashboxKey, id)
}

// CashboxID returns the authenticated cashbox of a request context
func CashboxID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(cashboxKey).(int64)
	return id, ok
}
