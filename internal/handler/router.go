package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/koder/backend/internal/config"
	"github.com/zhouzirui/koder/backend/internal/handler/chat"
	"github.com/zhouzirui/koder/backend/internal/handler/health"
	"github.com/zhouzirui/koder/backend/internal/handler/provider"
	"github.com/zhouzirui/koder/backend/internal/handler/session"
	"github.com/zhouzirui/koder/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/koder/backend/internal/middleware"
	providerModel "github.com/zhouzirui/koder/backend/internal/model/provider"
	"github.com/zhouzirui/koder/backend/internal/monitoring"
	chatService "github.com/zhouzirui/koder/backend/internal/service/chat"
)

// Dependencies are the services the router exposes. Metrics may be nil.
type Dependencies struct {
	Chat      *chatService.Service
	Providers providerModel.Store
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(cfg *config.Config, deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.CORS))
	if deps.Metrics != nil {
		r.Use(monitoring.Middleware(deps.Metrics))
	}

	if cfg.Metrics.Enabled && deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		health.New(deps.Chat).RegisterRoutes(api)
		provider.New(deps.Providers).RegisterRoutes(api)

		api.Group(func(limited chi.Router) {
			if cfg.RateLimit.Enabled {
				limited.Use(middlewarePkg.NewRateLimiter(cfg.RateLimit, deps.Metrics).Handler)
			}
			chat.New(deps.Chat, logger).RegisterRoutes(limited)
			session.New(deps.Chat).RegisterRoutes(limited)
			ws.New(deps.Chat, logger).RegisterRoutes(limited)
		})
	})

	return r
}
