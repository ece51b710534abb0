// Package devserver is a self-contained implementation of the messaging
// gateway and live channel, backed by SQLite. It serves local development
// and end-to-end tests.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Prismer-AI/directmsg"
)

// DefaultRateLimit allows five requests to one receiver per hour.
var DefaultRateLimit = RateLimit{Max: 5, Window: time.Hour}

// Server serves the gateway API under /api/messages and the channel at /ws.
type Server struct {
	store  *Store
	hub    *Hub
	secret string
	limit  RateLimit
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Server)

func WithRateLimit(l RateLimit) Option {
	return func(s *Server) { s.limit = l }
}

// WithNow overrides the clock used for timestamps and rate limiting.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server over store. Tokens must be signed with secret.
func New(store *Store, secret string, opts ...Option) *Server {
	s := &Server{
		store:  store,
		secret: secret,
		limit:  DefaultRateLimit,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(store, s.logger)
	return s
}

// Hub returns the channel hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		s.RegisterRoutes(r)
		r.Get("/ws", s.hub.ServeHTTP)
	})
	return r
}

// RegisterRoutes registers the gateway routes.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/messages", func(r chi.Router) {
		r.Post("/requests", s.createRequest)
		r.Get("/requests", s.listRequests)
		r.Get("/requests/status/{receiverID}", s.requestStatus)
		r.Put("/requests/{requestID}", s.respondRequest)
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{conversationID}/messages", s.listMessages)
		r.Post("/conversations/{conversationID}/messages", s.postMessage)
	})
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
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

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
	}
	if !decode(w, r, &body) {
		return
	}
	content := strings.TrimSpace(body.Content)
	if body.ReceiverID == "" || content == "" {
		writeFailure(w, fail(http.StatusBadRequest, directmsg.CodeValidation, "receiverId and content are required"))
		return
	}
	req, err := s.store.CreateRequest(r.Context(), UserIDFromContext(r.Context()), body.ReceiverID, content, s.now(), s.limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, req)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.store.ListPendingRequests(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, reqs)
}

func (s *Server) requestStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.RequestStatus(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "receiverID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (s *Server) respondRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action directmsg.RequestAction `json:"action"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Action != directmsg.ActionAccept && body.Action != directmsg.ActionDecline {
		writeFailure(w, fail(http.StatusBadRequest, directmsg.CodeValidation, "action must be accept or decline"))
		return
	}
	res, err := s.store.RespondRequest(r.Context(), chi.URLParam(r, "requestID"), UserIDFromContext(r.Context()), body.Action, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, convs)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.Context(), chi.URLParam(r, "conversationID"), UserIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, msgs)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &body) {
		return
	}
	content := strings.TrimSpace(body.Content)
	if content == "" {
		writeFailure(w, fail(http.StatusBadRequest, directmsg.CodeValidation, "content is required"))
		return
	}
	msg, err := s.store.PostMessage(r.Context(), chi.URLParam(r, "conversationID"), UserIDFromContext(r.Context()), content, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, msg)
}

// health reports 503 while the database is unreachable.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeFailure(w, fail(http.StatusServiceUnavailable, directmsg.CodeInternal, "database unavailable"))
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// Response helpers
// ============================================================================

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFailure(w, fail(http.StatusBadRequest, directmsg.CodeValidation, "invalid JSON body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeFailure(w, fail(http.StatusInternalServerError, directmsg.CodeInternal, "encode response"))
		return
	}
	writeJSON(w, status, directmsg.Result{OK: true, Data: data})
}

func writeFailure(w http.ResponseWriter, f *Failure) {
	body := f.Body
	writeJSON(w, f.Status, directmsg.Result{OK: false, Error: &body})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var f *Failure
	if errors.As(err, &f) {
		writeFailure(w, f)
		return
	}
	s.logger.Error("request failed", "error", err)
	writeFailure(w, fail(http.StatusInternalServerError, directmsg.CodeInternal, "internal error"))
}
