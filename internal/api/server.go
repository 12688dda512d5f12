// Package api exposes the HTTP control surface: task commands, settings,
// account administration, the working set, and the websocket live feed.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/broadcast"
	"github.com/artai8/la/internal/executor"
	"github.com/artai8/la/internal/monitor"
	"github.com/artai8/la/internal/pool"
	"github.com/artai8/la/internal/scheduler"
	"github.com/artai8/la/internal/storage"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server wires the schedulers and pools behind the HTTP boundary.
type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server

	scheduler *scheduler.Scheduler
	store     *storage.Store
	pool      *pool.Pool
	engine    *executor.Engine
	caster    *broadcast.Broadcaster
	hub       *broadcast.Hub
	monitor   *monitor.Monitor
}

// SetMonitor attaches the optional host metrics sampler behind /api/system.
func (s *Server) SetMonitor(m *monitor.Monitor) { s.monitor = m }

// NewServer creates the API server and registers all routes.
func NewServer(logger *zap.Logger, cfg Config, sched *scheduler.Scheduler,
	store *storage.Store, p *pool.Pool, engine *executor.Engine,
	caster *broadcast.Broadcaster, hub *broadcast.Hub) *Server {

	s := &Server{
		logger:    logger.Named("api"),
		router:    mux.NewRouter(),
		scheduler: sched,
		store:     store,
		pool:      p,
		engine:    engine,
		caster:    caster,
		hub:       hub,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.hub.ServeWS)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/tasks", s.handleSubmitTask).Methods("POST")
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods("DELETE")
	api.HandleFunc("/tasks/{id}/stop", s.handleStopTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/log", s.handleTaskLog).Methods("GET")

	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/system", s.handleSystem).Methods("GET")

	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods("POST")

	api.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	api.HandleFunc("/accounts", s.handleAddAccount).Methods("POST")
	api.HandleFunc("/accounts/{phone}", s.handleRemoveAccount).Methods("DELETE")
	api.HandleFunc("/accounts/{phone}/clear-banned", s.handleClearBanned).Methods("POST")
	api.HandleFunc("/keepalive", s.handleKeepalive).Methods("POST")

	api.HandleFunc("/working", s.handleWorkingStatus).Methods("GET")
	api.HandleFunc("/working/load", s.handleWorkingLoad).Methods("POST")
	api.HandleFunc("/working", s.handleWorkingClear).Methods("DELETE")

	api.HandleFunc("/lists/{type}", s.handleGetList).Methods("GET")
	api.HandleFunc("/lists/{type}", s.handleAddListValue).Methods("POST")
	api.HandleFunc("/lists/{type}/{value}", s.handleRemoveListValue).Methods("DELETE")
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondJSON(w, http.StatusOK, monitor.Sample{})
		return
	}
	respondJSON(w, http.StatusOK, s.monitor.Current())
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
