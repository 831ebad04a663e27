// Package server exposes MentatSync's Storage Facade over HTTP: a thin
// collaborator under /0.1/{userid} whose only job is request parsing,
// error-kind-to-status-code mapping, and response encoding. All domain
// logic lives in pkg/mentatsync; nothing here touches BadgerDB directly.
//
// Example Usage:
//
//	svc := mentatsync.New(db, cfg.Database.MaxConcurrentOps, cfg.Database.MaxBacklog)
//	srv, err := server.New(svc, cfg.Server, cfg.Database.DefaultTransactionsLimit)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	srv.Stop(ctx)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/orneryd/mentatsync/pkg/chunkstore"
	"github.com/orneryd/mentatsync/pkg/config"
	"github.com/orneryd/mentatsync/pkg/ids"
	"github.com/orneryd/mentatsync/pkg/mentatsync"
	"github.com/orneryd/mentatsync/pkg/pool"
	"github.com/orneryd/mentatsync/pkg/txgraph"
)

var (
	// ErrServerClosed is returned by Start after Stop has been called.
	ErrServerClosed = errors.New("server: already closed")
	// ErrInternalError backs the generic 500 response body.
	ErrInternalError = errors.New("server: internal error")
)

// Server is the HTTP collaborator wrapping a *mentatsync.Service.
type Server struct {
	svc    *mentatsync.Service
	config config.ServerConfig

	defaultTransactionsLimit int

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// New wires an HTTP server in front of svc. defaultTransactionsLimit is
// used by GET /transactions when the caller omits ?limit=.
func New(svc *mentatsync.Service, cfg config.ServerConfig, defaultTransactionsLimit int) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("server: storage facade required")
	}
	if defaultTransactionsLimit <= 0 {
		defaultTransactionsLimit = 100
	}
	return &Server{
		svc:                      svc,
		config:                   cfg,
		defaultTransactionsLimit: defaultTransactionsLimit,
	}, nil
}

// Start binds the configured listen address and serves until Stop is called.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpServer.Serve(listener)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ---------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------

// buildRouter wires every endpoint in spec.md §6.2's table under
// /0.1/{userid}, plus an unauthenticated health check.
func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/0.1/", s.handleUserScoped)

	return s.recoveryMiddleware(s.loggingMiddleware(s.metricsMiddleware(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUserScoped parses /0.1/{userid}/{resource}[/{id}] and dispatches
// to the matching handler. The teacher's router does its own manual
// path-splitting rather than reaching for a routing library; MentatSync
// has few enough routes that the same approach reads cleanly here.
func (s *Server) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/0.1/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "unknown route", nil)
		return
	}

	userid := ids.UserID(parts[0])
	if err := ids.ValidateUserID(userid); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid userid", err)
		return
	}
	resource := parts[1]
	var id string
	if len(parts) == 3 {
		id = parts[2]
	}

	switch {
	case resource == "head" && id == "":
		s.handleHead(w, r, userid)
	case resource == "transactions" && id == "":
		s.handleTransactionsCollection(w, r, userid)
	case resource == "transactions" && id != "":
		s.handleTransactionByID(w, r, userid, ids.TrnID(id))
	case resource == "chunks" && id != "":
		s.handleChunkByID(w, r, userid, ids.ChunkID(id))
	default:
		s.writeError(w, http.StatusNotFound, "unknown route", nil)
	}
}

// ---------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request, userid ids.UserID) {
	switch r.Method {
	case http.MethodGet:
		head, err := s.svc.GetHead(r.Context(), userid)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]ids.TrnID{"head": head})

	case http.MethodPut:
		var body struct {
			Head ids.TrnID `json:"head"`
		}
		if err := s.readJSON(r, &body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
		if err := s.svc.SetHead(r.Context(), userid, body.Head); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "GET or PUT required", nil)
	}
}

func (s *Server) handleTransactionsCollection(w http.ResponseWriter, r *http.Request, userid ids.UserID) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required", nil)
		return
	}

	from := ids.TrnID(r.URL.Query().Get("from"))
	if from == "" {
		from = ids.Root
	}
	limit := s.defaultTransactionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = n
	}

	trns, err := s.svc.GetTransactions(r.Context(), userid, from, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":         from,
		"limit":        limit,
		"transactions": trns,
	})
}

func (s *Server) handleTransactionByID(w http.ResponseWriter, r *http.Request, userid ids.UserID, trnid ids.TrnID) {
	switch r.Method {
	case http.MethodGet:
		view, err := s.svc.GetTransaction(r.Context(), userid, trnid)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":     view.ID,
			"seq":    view.Seq,
			"parent": view.Parent,
			"chunks": view.Chunks,
		})

	case http.MethodPut:
		var body struct {
			Parent ids.TrnID      `json:"parent"`
			Chunks []ids.ChunkID `json:"chunks"`
		}
		if err := s.readJSON(r, &body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
		if err := s.svc.CreateTransaction(r.Context(), userid, trnid, body.Parent, body.Chunks); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "GET or PUT required", nil)
	}
}

func (s *Server) handleChunkByID(w http.ResponseWriter, r *http.Request, userid ids.UserID, chunkid ids.ChunkID) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.svc.GetChunk(r.Context(), userid, chunkid)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)

	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read body", err)
			return
		}
		if err := s.svc.CreateChunk(r.Context(), userid, chunkid, body); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "GET or PUT required", nil)
	}
}

// ---------------------------------------------------------------------
// Error-kind mapping (spec.md §7's closing policy paragraph)
// ---------------------------------------------------------------------

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, txgraph.ErrTransactionNotFound), errors.Is(err, chunkstore.ErrChunkNotFound):
		s.writeError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, txgraph.ErrChunkNotFound):
		s.writeError(w, http.StatusNotFound, "chunk not found", err)
	case errors.Is(err, txgraph.ErrConflict):
		s.writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, txgraph.ErrProgramming):
		s.writeError(w, http.StatusInternalServerError, "programming error", err)
	case errors.Is(err, chunkstore.ErrInvalidChunk), errors.Is(err, ids.ErrInvalidUserID), errors.Is(err, ids.ErrInvalidTrnID), errors.Is(err, ids.ErrInvalidChunkID):
		s.writeError(w, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, pool.ErrBacklogFull):
		s.writeError(w, http.StatusServiceUnavailable, "too many in-flight requests", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "internal server error", err)
	}
}

// ---------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if r.URL.Path != "/health" {
			s.logRequest(r, wrapped.status, time.Since(start))
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				fmt.Printf("[PANIC] %v\n%s\n", err, buf[:n])
				s.errorCount.Add(1)
				s.writeError(w, http.StatusInternalServerError, "internal server error", ErrInternalError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ---------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	body := io.LimitReader(r.Body, 1<<20)
	return json.NewDecoder(body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.errorCount.Add(1)
	response := map[string]interface{}{
		"error":   true,
		"message": message,
	}
	if err != nil {
		response["detail"] = err.Error()
	}
	s.writeJSON(w, status, response)
}

func (s *Server) logRequest(r *http.Request, status int, duration time.Duration) {
	fmt.Printf("[HTTP] %s %s %d %v\n", r.Method, r.URL.Path, status, duration)
}
