package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/presence"
	"github.com/fearless-family/relay/internal/ws"
	"github.com/fearless-family/relay/pkg/protocol"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized.
type RouterConfig struct {
	Hub      *ws.Hub
	Presence *presence.Manager
	Registry *prometheus.Registry
	Logger   *zap.Logger

	// AllowedOrigin restricts cross-origin REST calls to the configured
	// front-end origin. Empty allows any origin (local development).
	AllowedOrigin string
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	allowed := []string{cfg.AllowedOrigin}
	if cfg.AllowedOrigin == "" {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))

	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)
	presenceHandler := NewPresenceHandler(cfg.Presence, cfg.Logger)

	r.Get("/ws", wsHandler.ServeWS)
	r.Get("/healthz", healthHandler(cfg.Hub))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/families/{familyID}/members", presenceHandler.Members)
	})

	return r
}

// healthHandler reports liveness plus the connected-client count.
func healthHandler(hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Ok(w, map[string]any{
			"status":      "ok",
			"connections": hub.ConnectedCount(),
		})
	}
}

// PresenceHandler serves read-only online-presence snapshots over REST so
// the Next.js side can render online badges without holding a socket.
type PresenceHandler struct {
	presence *presence.Manager
	logger   *zap.Logger
}

// NewPresenceHandler creates a PresenceHandler.
func NewPresenceHandler(p *presence.Manager, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence: p,
		logger:   logger.Named("presence_handler"),
	}
}

// Members handles GET /api/v1/families/{familyID}/members.
// An unknown family is not an error — it simply has no one online.
func (h *PresenceHandler) Members(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	if familyID == "" {
		ErrBadRequest(w, "familyID is required")
		return
	}

	users := h.presence.Members(familyID)
	Ok(w, protocol.FamilyMembers{
		FamilyID:    familyID,
		OnlineUsers: users,
		Count:       len(users),
	})
}
