package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/switchr/internal/config"
	"github.com/bryanchriswhite/switchr/internal/host"
	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint
var Version = "dev"

// View is the window list the server exposes
type View interface {
	Snapshot() []window.Item
	Find(key window.Key) (window.Item, error)
	Activate(ctx context.Context, item window.Item) error
	Providers() []host.ProviderStatus
	Subscribe() (<-chan []window.Item, func())
	SetExclusions(names []string)
	WorkerFailures() int
}

var _ View = (*host.View)(nil)

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	view      View
	configMgr *config.Manager
	upgrader  websocket.Upgrader
	log       *zerolog.Logger
}

// NewServer creates a new API server
func NewServer(view View, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		view:      view,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tool, any origin
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Window list
	api.HandleFunc("/windows", s.handleGetWindows).Methods("GET")
	api.HandleFunc("/windows/activate", s.handleActivate).Methods("POST")
	api.HandleFunc("/windows/stream", s.handleWindowStream)

	// Providers
	api.HandleFunc("/providers", s.handleGetProviders).Methods("GET")

	// Exclusions
	api.HandleFunc("/exclusions", s.handleGetExclusions).Methods("GET")
	api.HandleFunc("/exclusions", s.handleAddExclusion).Methods("POST")
	api.HandleFunc("/exclusions/{name}", s.handleRemoveExclusion).Methods("DELETE")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx ends
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", "http://localhost"+srv.Addr).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

// HTTP Handlers

func (s *Server) handleGetWindows(w http.ResponseWriter, r *http.Request) {
	items := s.view.Snapshot()
	if items == nil {
		items = []window.Item{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle window.Handle `json:"handle"`
		Source string        `json:"source"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}

	item, err := s.view.Find(window.Key{Handle: req.Handle, Source: req.Source})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if err := s.view.Activate(r.Context(), item); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, host.ErrUnknownProvider) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "item": item})
}

func (s *Server) handleWindowStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := s.view.Subscribe()
	defer cancel()

	// the client never sends; reading detects when it goes away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(items []window.Item) error {
		if items == nil {
			items = []window.Item{}
		}
		return conn.WriteJSON(items)
	}

	if err := send(s.view.Snapshot()); err != nil {
		s.log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case items := <-updates:
			if err := send(items); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleGetProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.view.Providers())
}

func (s *Server) handleGetExclusions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.configMgr.Get().ExcludedProcesses)
}

func (s *Server) handleAddExclusion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Process string `json:"process"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	added, err := s.configMgr.AddExcludedProcess(req.Process)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.view.SetExclusions(s.configMgr.Get().ExcludedProcesses)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "added": added})
}

func (s *Server) handleRemoveExclusion(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	removed, err := s.configMgr.RemoveExcludedProcess(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, fmt.Sprintf("process %q is not excluded", name), http.StatusNotFound)
		return
	}
	s.view.SetExclusions(s.configMgr.Get().ExcludedProcesses)

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"version":         Version,
		"windows":         len(s.view.Snapshot()),
		"worker_failures": s.view.WorkerFailures(),
	})
}
