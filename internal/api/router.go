package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey must be sent as X-API-Key or Authorization: Bearer <key>.
	// Empty disables auth (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list; empty allows all.
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		// Projects and storyboards
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Delete("/projects/{id}", h.DeleteProject)
		r.Put("/projects/{id}/storyboard", h.PutStoryboard)

		// Scene videos
		r.Get("/projects/{id}/scene-videos", h.ListSceneVideos)

		// Final film
		r.Post("/projects/{id}/final-film", h.CreateFinalFilm)
		r.Get("/projects/{id}/final-film", h.GetFinalFilm)

		// Per-beat: render jobs, prompt layers, traces
		r.Route("/projects/{id}/scenes/{beatId}", func(r chi.Router) {
			r.Post("/video", h.CreateSceneVideo)
			r.Get("/video", h.GetSceneVideo)
			r.Get("/prompt-layer", h.GetPromptLayer)
			r.Put("/prompt-layer", h.PutPromptLayer)
			r.Get("/prompt-layer/history", h.GetPromptLayerHistory)
			r.Post("/prompt-layer/restore", h.RestorePromptLayer)
			r.Post("/prompt-layer/seed", h.SeedPromptLayer)
			r.Get("/prompt-trace", h.GetPromptTraces)
			r.Get("/prompt-trace/diff", h.GetPromptTraceDiff)
		})
	})

	return r
}

func allowedOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
