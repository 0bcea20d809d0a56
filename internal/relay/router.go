package relay

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/wfounders/clubwallet/internal/config"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/metrics"
	"github.com/wfounders/clubwallet/internal/middleware"
)

// NewRouter wires the REST endpoints, metrics and the channel endpoint.
// A nil limiter disables rate limiting.
func NewRouter(hub *Hub, api *APIHandlers, logger *logging.Logger, limiter *middleware.RateLimiter) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware (order matters)
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", api.Health).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api").Subrouter()
	if limiter != nil {
		apiRouter.Use(middleware.RateLimitMiddleware(limiter))
	}
	apiRouter.HandleFunc("/is-approved", api.IsApproved).Methods("GET")
	apiRouter.HandleFunc("/new-users", api.NewUsers).Methods("GET")

	router.HandleFunc("/ws/", hub.ServeWS).Methods("GET")
	router.HandleFunc("/ws", hub.ServeWS).Methods("GET")

	return router
}

// WithCORS wraps the router at the handler level so preflight requests get
// answered even for GET-only routes. WebSocket upgrades bypass it.
func WithCORS(cfg config.CORSConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		allowed := false
		allowAll := false

		for _, allowedOrigin := range cfg.AllowedOrigins {
			if allowedOrigin == "*" {
				allowAll = true
				allowed = true
				break
			} else if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			} else if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))

		// Preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
