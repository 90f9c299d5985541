package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig collects the handlers mounted by NewRouter
type RouterConfig struct {
	Hub           *Hub
	Streams       *StreamHandler
	Cameras       *CameraHandler
	Monitor       *MonitorHandler
	Notifications *NotificationHandler
	System        *SystemHandler

	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates the HTTP router with all routes
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// The upgrade is long lived and must stay outside the request timeout
	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.HandleWebSocket)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		if cfg.System != nil {
			r.Get("/health", cfg.System.Health)
		}

		r.Route("/api", func(r chi.Router) {
			if cfg.Streams != nil {
				r.Mount("/stream", cfg.Streams.Routes())
				r.Get("/streams", cfg.Streams.List)
			}
			if cfg.Cameras != nil {
				r.Mount("/cameras", cfg.Cameras.Routes())
			}
			if cfg.Monitor != nil {
				r.Mount("/monitor", cfg.Monitor.Routes())
			}
			if cfg.Notifications != nil {
				r.Mount("/notifications", cfg.Notifications.Routes())
			}
			if cfg.System != nil {
				r.Get("/system/logs", cfg.System.Logs)
				r.Get("/system/metrics", cfg.System.Metrics)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "Route not found")
	})

	return r
}
