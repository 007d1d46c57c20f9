// Package server assembles the REST and websocket surface.
package server

import (
	"log/slog"
	"net/http"

	"github.com/galaxtel/audiobridge/pkg/bridge/config"
	"github.com/galaxtel/audiobridge/pkg/gateway/handlers"
	"github.com/galaxtel/audiobridge/pkg/gateway/lifecycle"
	"github.com/galaxtel/audiobridge/pkg/gateway/mw"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	life  *lifecycle.Lifecycle
	store handlers.CallReader
	hub   handlers.ChunkHub
}

func New(cfg config.Config, st handlers.CallReader, h handlers.ChunkHub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		life:   &lifecycle.Lifecycle{},
		store:  st,
		hub:    h,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.life})

	s.mux.Handle("GET /v1/calls", handlers.CallsHandler{Store: s.store, Logger: s.logger})
	s.mux.Handle("GET /v1/calls/{id}", handlers.CallHandler{Store: s.store, Logger: s.logger})
	s.mux.Handle("GET /v1/calls/{id}/chunks", handlers.ChunksHandler{Store: s.store, Logger: s.logger})
	s.mux.Handle("GET /v1/live/{callID}", handlers.LiveHandler{
		Config:    s.cfg,
		Hub:       s.hub,
		Logger:    s.logger,
		Lifecycle: s.life,
	})
}

// SetDraining flips readiness for graceful shutdown; /readyz starts failing
// and new live subscriptions are refused while existing work drains.
func (s *Server) SetDraining(draining bool) {
	s.life.SetDraining(draining)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
