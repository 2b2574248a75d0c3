// Package httpapi assembles the HTTP surface of the library: middleware,
// the /api/v1 routes of every service, health and metrics.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"locallibrary/internal/auth"
	"locallibrary/internal/catalog"
	"locallibrary/internal/circulation"
	"locallibrary/internal/web"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router dispatches to. Metrics and
// Registerer are optional.
type Deps struct {
	Auth        auth.Service
	Catalog     catalog.Service
	Circulation circulation.Service
	Store       Pinger
	Logger      *slog.Logger
	Metrics     http.Handler
	Registerer  prometheus.Registerer
}

// NewRouter returns the root handler of the server.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if d.Registerer != nil {
		r.Use(newRequestMetrics(d.Registerer).middleware)
	}

	r.Get("/healthz", handleHealth(d.Store, logger))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	idx := &indexHandler{catalog: d.Catalog, circulation: d.Circulation, logger: logger}
	r.Route(web.BasePath, func(r chi.Router) {
		r.Use(authenticate(d.Auth, logger))
		r.Get("/", idx.HandleIndex)
		auth.NewHandler(d.Auth, logger).Routes(r)
		catalog.NewHandler(d.Catalog, logger).Routes(r)
		circulation.NewHandler(d.Circulation, logger).Routes(r)
	})

	return otelhttp.NewHandler(r, "locallibrary",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// authenticate resolves a bearer token to a principal. Missing or invalid
// tokens leave the request anonymous; the services decide whether that is
// allowed.
func authenticate(svc auth.Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			p, err := svc.Authenticate(r.Context(), token)
			if err != nil {
				logger.Debug("ignoring invalid token", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func handleHealth(store Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			if err := store.Ping(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				web.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
