package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/malbeclabs/sweepstake/api/handlers"
	"github.com/malbeclabs/sweepstake/api/metrics"
	"github.com/malbeclabs/sweepstake/keeper/pkg/keeper"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	keeper  *keeper.Keeper
	hub     *handlers.Hub
	limiter *handlers.RateLimiter
	router  chi.Router
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.KeeperConfig.Logger,
		cfg:     cfg,
		limiter: handlers.NewRateLimiter(handlers.DefaultDistributeRate, handlers.DefaultDistributeBurst),
	}

	keeperCfg := cfg.KeeperConfig
	if cfg.WebSocket {
		hub, err := handlers.NewHub(cfg.HubConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create websocket hub: %w", err)
		}
		s.hub = hub
		keeperCfg.Sinks = append(append(keeperCfg.Sinks[:0:0], keeperCfg.Sinks...), hub)
	}

	k, err := keeper.New(keeperCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create keeper: %w", err)
	}
	s.keeper = k
	if s.hub != nil {
		s.hub.SetSnapshot(k.Snapshot)
	}

	api, err := handlers.New(handlers.Config{
		Logger:            s.log,
		Pool:              k,
		Hub:               s.hub,
		DistributeLimiter: s.limiter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create api: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(corsOptions(cfg.CORSOrigins)))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)
	api.Routes(r)
	s.router = r

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		// Distribution requests wait for confirmation.
		WriteTimeout:   3 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return s, nil
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Keeper() *keeper.Keeper { return s.keeper }

// Run starts the keeper and serves HTTP until ctx is done or the listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.keeper.Wait()
		s.limiter.Close()
	}()

	s.keeper.Start(ctx)
	if s.hub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.hub.Start(ctx)
		}()
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.keeper.Ready() {
		s.log.Debug("readyz: keeper not ready")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("keeper not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	if s.keeper.Stale() {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("stale\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.cfg.VersionInfo); err != nil {
		s.log.Error("failed to write version response", "error", err)
	}
}
