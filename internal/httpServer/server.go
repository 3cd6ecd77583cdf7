package httpServer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/e2openplugins/webgrab/internal/grab"
	"github.com/e2openplugins/webgrab/internal/logging"
	"github.com/e2openplugins/webgrab/internal/status"
	"github.com/e2openplugins/webgrab/internal/websocket"
)

// Server serves captures, the session listing and the status socket.
type Server struct {
	grabber *grab.Grabber
	hub     *websocket.Hub
	srv     *http.Server
}

func New(port int, grabber *grab.Grabber, hub *websocket.Hub) *Server {
	s := &Server{grabber: grabber, hub: hub}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown does not cancel request contexts, so parked capture
	// handlers are released by aborting their sessions.
	s.srv.RegisterOnShutdown(s.abortCaptures)
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/grab", s.handleGrab).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/grab/sessions", s.handleSessions).Methods(http.MethodGet)
	router.HandleFunc("/api/pipstatus", s.handlePipStatus).Methods(http.MethodGet)
	router.Handle("/ws", s.hub)
	router.PathPrefix("/").Handler(http.FileServer(getFileSystem()))
	return router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	logging.InfoLogger.Printf("Starting HTTP server on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		logging.ErrorLogger.Printf("Server forced to shutdown: %v", err)
	}
	logging.InfoLogger.Println("Server stopped")
}

func (s *Server) abortCaptures() {
	if n := s.grabber.Registry().AbortAll(); n > 0 {
		logging.InfoLogger.Printf("Aborted %d running captures", n)
	}
}

// handleGrab hands the response to a capture session and waits for it to
// finish with it.
func (s *Server) handleGrab(w http.ResponseWriter, r *http.Request) {
	session, err := s.grabber.Render(r, grab.NewHTTPSink(w))
	switch {
	case errors.Is(err, grab.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, grab.ErrStagingBusy):
		s.hub.Send(status.Message{Code: status.Busy, Text: err.Error()})
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		logging.ErrorLogger.Printf("Capture request failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-session.Done()
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.grabber.Registry().Sessions())
}

type pipStatus struct {
	Pip int `json:"pip"`
}

func (s *Server) handlePipStatus(w http.ResponseWriter, _ *http.Request) {
	st := pipStatus{}
	if s.grabber.PipShown() {
		st.Pip = 1
	}
	writeJSON(w, st)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ErrorLogger.Printf("Failed to encode response: %v", err)
	}
}
