package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/orderdesk/posgate/internal/api/handlers"
	"github.com/orderdesk/posgate/internal/api/middleware"
	"github.com/orderdesk/posgate/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/ingest-pos-text", h.IngestPOSText)
		r.Post("/stores/{storeId}/ingest-pos-text", h.IngestPOSTextForStore)

		r.Route("/review", func(r chi.Router) {
			r.Get("/", h.ListReview)
			r.Get("/details", h.ReviewDetails)
			r.Post("/decision", h.ReviewDecision)
			r.Post("/clear-test-data", h.ClearTestData)
			r.Get("/{orderId}", h.GetReview)
			r.Delete("/{orderId}", h.DeleteReview)
		})

		r.Get("/pipeline-config", h.GetPipelineConfig)
		r.Put("/pipeline-config", h.PutPipelineConfig)
		r.Get("/llm-config", h.GetLLMConfig)
		r.Put("/llm-config", h.PutLLMConfig)

		r.Get("/ingest-engine/status", h.EngineStatus)
		r.Get("/ingest-fixtures", h.ListFixtures)
		r.Post("/ingest-test-suite", h.RunTestSuite)
		r.Post("/legacy/pull", h.LegacyPull)

		r.Get("/events", h.StreamEvents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "posgate",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "posgate",
		})
	}
}
