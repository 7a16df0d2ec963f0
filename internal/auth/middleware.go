package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/alexjbarnes/token-relay/internal/models"
	"github.com/alexjbarnes/token-relay/internal/respond"
)

type contextKey int

const (
	ctxRemoteIP contextKey = iota
)

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithRemoteIP returns a copy of ctx carrying ip.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxRemoteIP, ip)
}

// ClientIP returns the IP stored by Middleware, falling back to the
// request's RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip := RequestRemoteIP(r.Context()); ip != "" {
		return ip
	}

	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// Middleware returns HTTP middleware that validates the TOKEN-RELAY-AUTH
// header against store. Rejected requests get a 401 with a JSON error
// body. Accepted requests carry the client IP in their context.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			token := r.Header.Get(models.HeaderAuth)

			if token == "" {
				logger.Debug("middleware: no relay token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				respond.Error(w, http.StatusUnauthorized, "unauthorized", "missing "+models.HeaderAuth+" header")

				return
			}

			if !store.Valid(token) {
				logger.Warn("middleware: invalid relay token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				respond.Error(w, http.StatusUnauthorized, "unauthorized", "invalid "+models.HeaderAuth+" header")

				return
			}

			next.ServeHTTP(w, r.WithContext(WithRemoteIP(r.Context(), ip)))
		})
	}
}
