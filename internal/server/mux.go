// Package server provides HTTP server construction for token-relay.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/token-relay/internal/auth"
	"github.com/alexjbarnes/token-relay/internal/models"
	"github.com/alexjbarnes/token-relay/internal/respond"
)

// TokenCache is the OAuth2 cache surface exposed over HTTP.
type TokenCache interface {
	Stats() models.TokenCacheStats
	Clear(name string)
	ClearAll()
}

// SignerStats reports OAuth1 signing counters.
type SignerStats interface {
	Stats() models.SignerStats
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Auth   *auth.Store
	Proxy  http.Handler
	Tokens TokenCache
	Signer SignerStats
	Mode   string
	Logger *slog.Logger
}

// NewMux builds the HTTP mux. Everything except /health requires a valid
// TOKEN-RELAY-AUTH header.
func NewMux(cfg MuxConfig) *http.ServeMux {
	authMiddleware := auth.Middleware(cfg.Auth, cfg.Logger)

	mux := http.NewServeMux()
	mux.Handle("/proxy/{path...}", authMiddleware(cfg.Proxy))
	mux.HandleFunc("GET /health", handleHealth(cfg.Mode))
	mux.Handle("GET /stats", authMiddleware(handleStats(cfg)))
	mux.Handle("DELETE /tokens/{target}", authMiddleware(handleClearToken(cfg.Tokens, cfg.Logger)))
	mux.Handle("DELETE /tokens", authMiddleware(handleClearAll(cfg.Tokens)))

	return mux
}

func handleHealth(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"mode":   mode,
		})
	}
}

// statsResponse is the body of GET /stats.
type statsResponse struct {
	Mode   string                 `json:"mode"`
	OAuth2 models.TokenCacheStats `json:"oauth2"`
	OAuth1 models.SignerStats     `json:"oauth1"`
}

func handleStats(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, statsResponse{
			Mode:   cfg.Mode,
			OAuth2: cfg.Tokens.Stats(),
			OAuth1: cfg.Signer.Stats(),
		})
	}
}

func handleClearToken(tokens TokenCache, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		tokens.Clear(target)

		logger.Info("cached token cleared via api",
			slog.String("target", target),
			slog.String("ip", auth.RequestRemoteIP(r.Context())),
		)

		respond.JSON(w, http.StatusOK, map[string]string{"cleared": target})
	}
}

func handleClearAll(tokens TokenCache) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		tokens.ClearAll()
		respond.JSON(w, http.StatusOK, map[string]string{"cleared": "all"})
	}
}
