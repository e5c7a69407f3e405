// Package server hosts the relay agent's HTTP/WebSocket endpoint: the
// Message Router (C7) dispatching to the Upload State Machine (C3), the
// Auth Gate (C4), and the Download Engine (C6).
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lobinuxsoft/filerelay/internal/auth"
	"github.com/lobinuxsoft/filerelay/internal/config"
	"github.com/lobinuxsoft/filerelay/internal/download"
	"github.com/lobinuxsoft/filerelay/internal/forwarder"
	"github.com/lobinuxsoft/filerelay/pkg/transfer"
)

// Server owns the session store and the components that act on it, and
// hosts the HTTP server that exposes them over a WebSocket.
type Server struct {
	cfg       config.Config
	store     *transfer.Store
	gate      *auth.Gate
	forwarder *forwarder.Forwarder
	downloads *download.Engine
	ws        *WSServer
	httpSrv   *http.Server
}

// New wires the session store, auth gate, forwarder, and download engine
// from cfg and the given user store.
func New(cfg config.Config, users auth.Store) (*Server, error) {
	store, err := transfer.NewStore(cfg.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		store: store,
		gate:  auth.NewGate(users, store),
		forwarder: forwarder.New(forwarder.Config{
			UploadURL:  cfg.RemoteUploadURL,
			AgentToken: cfg.RemoteToken,
		}),
		downloads: download.New(nil),
	}
	s.ws = NewWSServer(s)
	return s, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.ws.HandleWS)

	s.httpSrv = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     mux,
		IdleTimeout: 2 * time.Minute,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("listening on %s", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return s.shutdown()
	})

	return group.Wait()
}

func (s *Server) shutdown() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
