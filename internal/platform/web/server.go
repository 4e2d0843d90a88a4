// Package web is the orchestrator's HTTP surface: job submission, the live event stream
// and a health probe.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/hub"
)

// ShutdownTimeout bounds the graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

const (
	writeWait      = 10 * time.Second
	maxRequestBody = 1 << 20

	healthBody       = "SysCore Backend: ONLINE"
	subscribePrefix  = "subscribe:"
	jobNotFoundReply = "ERROR: Job not found"
)

// Jobs runs a job to completion. The worker pool satisfies it.
type Jobs interface {
	Submit(ctx context.Context, job domain.Job) (domain.Result, error)
}

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ExecuteResponse carries the job id on success, an error message otherwise.
type ExecuteResponse struct {
	Status string `json:"status"`
	Output string `json:"output"`
	Stage  string `json:"stage,omitempty"`
}

// Server wires the handlers onto a mux.
type Server struct {
	addr     string
	jobs     Jobs
	registry *hub.Registry
	limiter  *RateLimiter
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer returns a server listening on addr. limiter may be nil to disable rate limiting.
func NewServer(addr string, jobs Jobs, registry *hub.Registry, limiter *RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		jobs:     jobs,
		registry: registry,
		limiter:  limiter,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the full route table wrapped in CORS.
func (s *Server) Handler() http.Handler {
	execute := s.handleExecute
	if s.limiter != nil {
		execute = s.limiter.Middleware(execute)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/execute", execute)
	mux.HandleFunc("GET /ws/stream", s.handleStream)
	mux.HandleFunc("GET /health", handleHealth)

	return enableCORS(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(healthBody))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ExecuteResponse{Status: "error", Output: "Invalid request body"})
		return
	}
	// Empty code is not rejected: it runs, produces no events and is not uploaded.
	lang, err := domain.ParseLanguage(req.Language)
	if err != nil {
		writeJSON(w, http.StatusOK, ExecuteResponse{Status: "error", Output: "Unsupported language"})
		return
	}

	job := domain.NewJob(lang, req.Code)
	s.logger.Info("Received submission", "jobID", job.ID, "language", lang)

	// The job runs to completion even if the client goes away.
	res, err := s.jobs.Submit(context.WithoutCancel(r.Context()), job)
	if err != nil {
		s.logger.Error("Execution failed", "jobID", job.ID, "error", err)
		resp := ExecuteResponse{Status: "error", Output: err.Error()}
		var execErr *domain.ExecError
		if errors.As(err, &execErr) {
			resp.Stage = string(execErr.Stage)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{Status: "success", Output: res.JobID})
}

// handleStream upgrades to a websocket. The client sends "subscribe:<jobId>"; messages of that
// job are forwarded until the job's channel closes or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Debug("Client connected via WebSocket", "remoteAddr", conn.RemoteAddr())

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		jobID, ok := strings.CutPrefix(string(data), subscribePrefix)
		if !ok {
			continue
		}
		jobID = strings.TrimSpace(jobID)

		sub, found := s.registry.Subscribe(jobID)
		if !found {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(jobNotFoundReply)); err != nil {
				return
			}
			continue
		}

		s.forward(conn, sub, jobID)
		return
	}
}

func (s *Server) forward(conn *websocket.Conn, sub *hub.Subscription, jobID string) {
	defer sub.Close()

	// Reading is the only way to notice the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-gone
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				s.logger.Warn("Failed to write to websocket", "jobID", jobID, "error", err)
				return
			}
		case <-gone:
			s.logger.Debug("Client disconnected", "jobID", jobID)
			return
		}
	}
}

// enableCORS allows any origin, method and header, and answers preflights directly.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
