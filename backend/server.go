// Package backend is a reference chat server speaking the streaming wire
// protocol. The serve command runs it for local demos and the integration
// tests run the client against it.
package backend

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/williamcory/chatstream/logging"
	"github.com/williamcory/chatstream/stream"
)

// Server answers chat requests with a Responder.
type Server struct {
	responder    Responder
	sessionDelay time.Duration
	token        string
	now          func() time.Time
	log          *logging.Logger

	mu       sync.Mutex
	sessions map[string]time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithResponder sets the responder. The default is NewScriptedResponder.
func WithResponder(r Responder) Option {
	return func(s *Server) {
		s.responder = r
	}
}

// WithSessionDelay sets how long a new session takes to become usable.
// Until then the stream endpoint answers 404.
func WithSessionDelay(d time.Duration) Option {
	return func(s *Server) {
		s.sessionDelay = d
	}
}

// WithToken requires `Authorization: Bearer <token>` on every request.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer returns a server with no sessions.
func NewServer(opts ...Option) *Server {
	s := &Server{
		responder: NewScriptedResponder(),
		now:       time.Now,
		log:       logging.Nop(),
		sessions:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /sessions", s.auth(s.sessionsHandler))
	mux.HandleFunc("POST "+stream.DefaultPath, s.auth(s.streamHandler))
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("backend listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// CreateSession registers a new session and returns its id.
func (s *Server) CreateSession() string {
	id := uuid.NewString()
	s.register(id)
	return id
}

// register makes id usable after the session delay. Known ids keep their
// original ready time.
func (s *Server) register(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ready, ok := s.sessions[id]; ok {
		return ready
	}
	ready := s.now().Add(s.sessionDelay)
	s.sessions[id] = ready
	return ready
}

func (s *Server) ready(id string) bool {
	return !s.now().Before(s.register(id))
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": n,
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	id := s.CreateSession()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"session_id": id})
}

type chatRequest struct {
	SessionID     string `json:"session_id"`
	Query         string `json:"query"`
	ExplicitAgent string `json:"explicit_agent"`
	Stream        bool   `json:"stream"`
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Query) == "" {
		http.Error(w, "session_id and query are required", http.StatusBadRequest)
		return
	}
	log := s.log.With("session", req.SessionID)

	if !s.ready(req.SessionID) {
		log.Debug("session not persisted yet")
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ew := newSSEWriter(w)
	err := s.responder.Respond(r.Context(), Query{
		SessionID: req.SessionID,
		Text:      req.Query,
		Agent:     req.ExplicitAgent,
	}, ew)
	switch {
	case err == nil:
		log.Debug("stream complete")
	case r.Context().Err() != nil:
		log.Debug("client went away", "error", err)
	default:
		log.Warn("responder failed", "error", err)
		_ = ew.Error("The assistant failed to answer.")
	}
}
