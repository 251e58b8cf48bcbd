// Package webui serves the MedLens page and its JSON API.
package webui

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medlens/internal/device"
	"medlens/internal/modelcache"
	"medlens/internal/pipeline"
	"medlens/internal/session"
	"medlens/internal/store"
	"medlens/pkg/types"
)

// Analyzer answers questions about images. *pipeline.Pipeline implements it.
type Analyzer interface {
	Infer(ctx context.Context, req pipeline.Request) pipeline.Result
	Ready() bool
	ModelName() string
	CacheDir() string
	Handle() *modelcache.Handle
}

// Recorder persists answered questions. *store.Store implements it.
type Recorder interface {
	RecordAnalysis(ctx context.Context, patientID string, c store.Case, a store.Analysis) (store.Analysis, error)
}

// ModelLister lists the local model cache.
type ModelLister interface {
	Scan(dir string) ([]types.CachedModel, error)
}

// AppState is everything the handlers share.
type AppState struct {
	Analyzer Analyzer
	Sessions *session.Registry
	// Recorder is nil when analyses are not recorded.
	Recorder          Recorder
	Models            ModelLister
	ModelsDir         string
	UploadsDir        string
	AllowedExtensions []string
	Device            device.Tag
	Started           time.Time
}

var (
	_ Analyzer = (*pipeline.Pipeline)(nil)
	_ Recorder = (*store.Store)(nil)
)

// NewMux builds the router for app.
func NewMux(app *AppState) http.Handler {
	if app.Started.IsZero() {
		app.Started = time.Now()
	}
	if app.Sessions == nil {
		app.Sessions = session.NewRegistry(false)
	}
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Accept", "Content-Type", "X-Log-Level"}),
			MaxAge:         300,
		}))
	}

	r.Get("/", app.handlePage)
	r.Post("/analyze", app.handleAnalyzeForm)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Post("/analyze", app.handleAnalyzeAPI)
		r.Get("/history", app.handleHistory)
	})
	r.With(middleware.Compress(5)).Get("/models", app.handleModels)
	r.With(middleware.Compress(5)).Get("/status", app.handleStatus)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if app.Analyzer != nil && app.Analyzer.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func orDefault(v, d []string) []string {
	if len(v) == 0 {
		return d
	}
	return v
}
