package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/service"
	"coliving-admin-auth/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// FingerprintHeader lets a client supply its own device fingerprint.
const FingerprintHeader = "X-Client-Fingerprint"

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// requireHTTPS rejects any request that wasn’t made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg *config.Config, adminHandler *AdminHandler, gatherer prometheus.Gatherer, health map[string]HealthCheck, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.Server.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(RequestMetaMiddleware)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigin,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", FingerprintHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(health))
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	if adminHandler != nil {
		router.Route("/api/v1", func(r chi.Router) {
			adminHandler.RegisterRoutes(r)
		})
	}

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := `{"status":"healthy","service":"coliving-admin-auth"}`
		for name, check := range checks {
			if err := check(ctx); err != nil {
				util.Warn("Health check failed", util.String("dependency", name), util.ErrorField(err))
				status = http.StatusServiceUnavailable
				body = `{"status":"unhealthy","service":"coliving-admin-auth"}`
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

// RequestMetaMiddleware attaches the client fingerprint and request id that
// audit entries carry. Without a supplied fingerprint one is derived from the
// user agent and address.
func RequestMetaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fingerprint := strings.TrimSpace(r.Header.Get(FingerprintHeader))
		if fingerprint == "" {
			sum := sha256.Sum256([]byte(r.UserAgent() + "|" + clientIP(r)))
			fingerprint = hex.EncodeToString(sum[:16])
		}
		if len(fingerprint) > 128 {
			fingerprint = fingerprint[:128]
		}
		ctx := service.WithRequestMeta(r.Context(), service.RequestMeta{
			ClientFingerprint: fingerprint,
			RequestID:         middleware.GetReqID(r.Context()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", redactPath(r.URL.Path)),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// redactPath hides invitation tokens, which grant account creation.
func redactPath(path string) string {
	const marker = "/admin/invitations/"
	i := strings.Index(path, marker)
	if i < 0 {
		return path
	}
	rest := path[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return path[:i+len(marker)] + "[redacted]" + rest[j:]
	}
	return path[:i+len(marker)] + "[redacted]"
}
