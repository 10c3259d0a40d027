package tradeapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/champfutures/marketd/pkg/marketstore"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port           int
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the HTTP API server in front of the pool store.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewRouter builds the API routes with logging and rate-limit middleware.
// Split out from NewServer so tests can drive the handlers directly.
func NewRouter(cfg Config, store *marketstore.Store, logger zerolog.Logger) http.Handler {
	h := NewHandler(store, logger)

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/pools", h.ListPools).Methods(http.MethodGet)
	api.HandleFunc("/pools", h.CreatePool).Methods(http.MethodPost)
	api.HandleFunc("/pools/{id}", h.GetPool).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}/quote", h.Quote).Methods(http.MethodPost)
	api.HandleFunc("/pools/{id}/trades", h.ListTrades).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}/trades", h.PlaceTrade).Methods(http.MethodPost)
	api.HandleFunc("/pools/{id}/conclude", h.ConcludePool).Methods(http.MethodPost)
	api.HandleFunc("/pools/{id}/resolve", h.ResolvePool).Methods(http.MethodPost)
	api.HandleFunc("/users/{username}/positions", h.GetPositions).Methods(http.MethodGet)
	api.HandleFunc("/users/{username}/balance", h.GetBalance).Methods(http.MethodGet)

	var handler http.Handler = r
	if cfg.RateLimitRPS > 0 {
		handler = rateLimit(newIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))(handler)
	}
	handler = requestLogger(logger)(handler)
	handler = cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(handler)
	return handler
}

func NewServer(cfg Config, store *marketstore.Store, logger zerolog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(cfg, store, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http-server-listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
