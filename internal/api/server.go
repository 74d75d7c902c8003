// Package api serves the cfbot REST surface consumed by the web UI and the
// ticking cron.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/patchburner/patchburner/internal/pipeline"
	"github.com/patchburner/patchburner/internal/storage"
)

// Server is the HTTP API server.
type Server struct {
	addr           string
	store          storage.Storage
	engine         *pipeline.Engine
	logger         *slog.Logger
	requestTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener

	mu        sync.Mutex
	readyChan chan struct{}
	doneChan  chan struct{}

	// Per-branch serialization: engine ticks for one branch never overlap.
	branchLocks sync.Map // patch id -> *sync.Mutex
}

// NewServer creates an API server. requestTimeout bounds each request's
// context; zero means 30s.
func NewServer(addr string, store storage.Storage, engine *pipeline.Engine, requestTimeout time.Duration, logger *slog.Logger) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:           addr,
		store:          store,
		engine:         engine,
		logger:         logger,
		requestTimeout: requestTimeout,
		readyChan:      make(chan struct{}),
		doneChan:       make(chan struct{}),
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.readyChan }

// Addr returns the bound address, valid after Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start listens and serves until Stop is called. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	close(s.readyChan)
	s.logger.Info("api listening", "addr", ln.Addr().String())

	err = s.httpServer.Serve(ln)
	close(s.doneChan)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-s.doneChan:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/cfbot/get_and_move", s.handleGetAndMove)
	mux.HandleFunc("GET /api/v1/cfbot/get_queue", s.handleGetQueue)
	mux.HandleFunc("GET /api/v1/cfbot/peek", s.handlePeek)
	mux.HandleFunc("GET /api/v1/cfbot/branches", s.handleBranches)
	mux.HandleFunc("GET /api/v1/cfbot/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/v1/cfbot/branches/{patch_id}/process_branch", s.handleProcessBranch)
	mux.HandleFunc("GET /api/v1/cfbot/branch_history", s.handleBranchHistory)
	mux.HandleFunc("POST /api/v1/cfbot/enqueue_patch", s.handleEnqueuePatch)
	mux.HandleFunc("POST /api/v1/cfbot/tasks/{task_id}/update_status", s.handleUpdateTaskStatus)
	return s.withTimeout(mux)
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// branchLock serializes engine ticks per branch.
func (s *Server) branchLock(patchID int64) *sync.Mutex {
	lock, _ := s.branchLocks.LoadOrStore(patchID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
