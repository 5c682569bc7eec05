package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/optix2000/sotdfix/fix"
	"github.com/sirupsen/logrus"
)

// Hook describes one installed hook.
type Hook struct {
	Name       string `json:"name"`
	Target     string `json:"target"`
	Trampoline string `json:"trampoline,omitempty"`
}

// Session is the state of one attached host process.
type Session struct {
	PID      uint32       `json:"pid"`
	Exe      string       `json:"exe"`
	Base     string       `json:"base"`
	Attached time.Time    `json:"attached"`
	Report   *fix.Report  `json:"report,omitempty"`
	Hooks    []Hook       `json:"hooks"`
	Metrics  *fix.Metrics `json:"-"`
}

type statusResponse struct {
	Version string   `json:"version"`
	Session *Session `json:"session"`
}

// Server serves the patcher's state on a local address.
type Server struct {
	Server  *http.Server
	version string
	log     logrus.FieldLogger
	session atomic.Pointer[Session]
}

func New(listen string, version string, log *logrus.Logger) *Server {
	s := &Server{
		Server:  &http.Server{Addr: listen, ReadHeaderTimeout: 10 * time.Second},
		version: version,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.HandleStatus)
		r.Get("/metrics", s.HandleMetrics)
	})

	s.Server.Handler = r
	return s
}

// Attach publishes the state of a newly patched process.
func (s *Server) Attach(session *Session) {
	s.session.Store(session)
}

// Detach clears the state once the process is gone.
func (s *Server) Detach() {
	s.session.Store(nil)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("Could not write status response.")
	}
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, statusResponse{Version: s.version, Session: s.session.Load()})
}

// HandleMetrics returns the current resolution dependent values.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	session := s.session.Load()
	if session == nil || session.Metrics == nil {
		http.Error(w, "not attached", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, session.Metrics.Load())
}

func (s *Server) ListenAndServe() error {
	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown() {
	s.log.Info("Shutting down status server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Server.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("Could not shut down status server.")
	}
}
