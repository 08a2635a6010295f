package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"filippo.io/age"

	"github.com/multiagents/conclave/internal/gateway/ws"
	"github.com/multiagents/conclave/internal/runner"
)

// Server is the conclave gateway's HTTP + WebSocket front door: one chi
// router exposing a small REST surface for session/card bookkeeping plus
// the /api/ws upgrade endpoint the room's live traffic flows over.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	runner     *runner.SessionRunner
	store      ws.Store
	host       string
	port       int
}

// NewServer wires a gateway to a session runner and its backing store.
func NewServer(r *runner.SessionRunner, store ws.Store, host string, port int) *Server {
	hub := ws.NewHub(r, store)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RealIP)

	s := &Server{
		hub:    hub,
		runner: r,
		store:  store,
		host:   host,
		port:   port,
	}

	router.Get("/api/health", s.handleHealth)
	router.Get("/api/ws", hub.ServeWS)
	router.Get("/api/sessions/{session_id}", s.handleGetSession)
	router.Get("/api/sessions/{session_id}/messages", s.handleGetMessages)
	router.Get("/api/sessions/{session_id}/cards", s.handleGetCards)
	router.Delete("/api/sessions/{session_id}", s.handleDeleteSession)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: router,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("conclave gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// SetSecretEncryptor enables age encryption of secret-looking config fields
// on session creation.
func (s *Server) SetSecretEncryptor(r *age.X25519Recipient) {
	s.hub.SetSecretEncryptor(r)
}

// Broadcaster returns the hub as a runner.Broadcaster. The runner needs a
// broadcaster before the hub (which wraps the runner) can be built, so
// callers construct the runner against a forwarding stand-in and splice the
// real hub in once NewServer returns it.
func (s *Server) Broadcaster() runner.Broadcaster {
	return s.hub
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	data, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	msgs, err := s.store.GetMessages(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

func (s *Server) handleGetCards(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	cards, err := s.store.GetCards(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cards)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	s.runner.CleanupSession(sessionID)
	if err := s.runner.DeleteSession(r.Context(), sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
