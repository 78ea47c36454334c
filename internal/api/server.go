package api

import (
	"context"
	"net/http"
	"time"

	"github.com/lox/quakeassoc/internal/engine"
	"github.com/lox/quakeassoc/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// maxBody caps POSTed message batches.
const maxBody = 8 << 20

type Server struct {
	engine *engine.Engine
	store  *store.Store // optional
	hub    *Hub
	addr   string
	logger zerolog.Logger
}

func NewServer(eng *engine.Engine, st *store.Store, hub *Hub, addr string, logger zerolog.Logger) *Server {
	return &Server{
		engine: eng,
		store:  st,
		hub:    hub,
		addr:   addr,
		logger: logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/messages", s.handleAPIMessages)
	mux.HandleFunc("GET /api/hypos", s.handleAPIHypos)
	mux.HandleFunc("GET /api/hypos/{id}", s.handleAPIHypo)
	mux.HandleFunc("GET /api/events", s.handleAPIEvents)
	mux.HandleFunc("GET /api/sites", s.handleAPISites)
	mux.HandleFunc("GET /api/webs", s.handleAPIWebs)
	if s.hub != nil {
		mux.HandleFunc("GET /ws/events", s.hub.ServeWS)
	}
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("http server listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
