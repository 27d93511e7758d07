package middleware

import (
	"net/http"

	"github.com/go-chi/cors"

	"github.com/zhouzirui/koder/backend/internal/config"
)

// CORS allows browser front ends on the configured origins to call the API.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		// Credentials cannot be combined with a wildcard origin.
		AllowCredentials: false,
		MaxAge:           300,
	})
}
