package relay

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Service is the relay: a hub plus its HTTP surface.
type Service struct {
	hub       *Hub
	wsHandler *WebSocketHandler
}

// NewService creates a relay service.
func NewService(clock clockwork.Clock, config Config) *Service {
	hub := NewHub(clock, config)
	return &Service{
		hub:       hub,
		wsHandler: NewWebSocketHandler(hub),
	}
}

// Start runs the hub until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("starting relay service")
	s.hub.Run(ctx)
	log.Info().Msg("relay service stopped")
}

// Handler returns the relay's routes wrapped in CORS handling.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.wsHandler.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:         86400,
	})
	return c.Handler(mux)
}

// Stats returns hub statistics.
func (s *Service) Stats() map[string]interface{} {
	stats := s.hub.Stats()
	stats["service"] = "relay"
	return stats
}

// Hub returns the underlying hub.
func (s *Service) Hub() *Hub {
	return s.hub
}
