// Package api exposes the operator control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/manager"
	"github.com/marketgrid/trading-engine/internal/metrics"
)

// stopTimeout bounds engine stops requested over the API.
const stopTimeout = 10 * time.Second

// Server routes operator requests to the engine manager.
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	manager    *manager.Manager
	router     *mux.Router
	httpServer *http.Server
}

// NewServer creates the operator API server.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, mgr *manager.Manager) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		manager: mgr,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	// Engine status and lifecycle. Symbols sit in the terminal position so
	// pairs like BTC/USDT keep their slash.
	s.router.HandleFunc("/api/v1/engines", s.handleStatusAll).Methods("GET")
	s.router.HandleFunc("/api/v1/engines/start/{symbol:.+}", s.handleStart).Methods("POST")
	s.router.HandleFunc("/api/v1/engines/stop/{symbol:.+}", s.handleStop).Methods("POST")
	s.router.HandleFunc("/api/v1/engines/restart/{symbol:.+}", s.handleRestart).Methods("POST")
	s.router.HandleFunc("/api/v1/engines/{symbol:.+}", s.handleStatusOne).Methods("GET")

	// Kill-switch.
	s.router.HandleFunc("/api/v1/killswitch", s.handleKillStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/killswitch/engage", s.handleKillOn).Methods("POST")
	s.router.HandleFunc("/api/v1/killswitch/disengage", s.handleKillOff).Methods("POST")

	// Risk book.
	s.router.HandleFunc("/api/v1/risk", s.handleRiskSummary).Methods("GET")
	s.router.HandleFunc("/api/v1/risk/reset-day", s.handleRiskResetDay).Methods("POST")

	// Prometheus scrape endpoint.
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.logger.Info("Starting operator API", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleStatusOne(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	health, ok := s.manager.EngineHealth(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown symbol %q", symbol))
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.manager.StartEngine(symbol); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "symbol": symbol, "status": "started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.manager.StopEngine(symbol, stopTimeout); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "symbol": symbol, "status": "stopped",
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.manager.RestartEngine(symbol); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.RecordEngineRestart(symbol, "operator")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "symbol": symbol, "status": "restarted",
	})
}

func (s *Server) handleKillStatus(w http.ResponseWriter, r *http.Request) {
	engaged, reason := s.manager.Executor().KillSwitch()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kill_switch": engaged, "reason": reason,
	})
}

func (s *Server) handleKillOn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		body.Reason = "kill_switch"
	}
	s.manager.Executor().EngageKillSwitch(body.Reason)
	_, reason := s.manager.Executor().KillSwitch()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kill_switch": true, "reason": reason,
	})
}

func (s *Server) handleKillOff(w http.ResponseWriter, r *http.Request) {
	s.manager.Executor().DisengageKillSwitch()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kill_switch": false,
	})
}

func (s *Server) handleRiskSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Risk().Summary())
}

func (s *Server) handleRiskResetDay(w http.ResponseWriter, r *http.Request) {
	s.manager.Risk().ResetDay()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "status": "day_reset",
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]interface{}{"error": msg})
}
