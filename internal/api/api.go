// Package api exposes the gateway's HTTP surface: the filesystem
// endpoints, the signed proxy, the job API, and the scheduled-task admin
// API. Responses use the JSON envelope {code, message, data, success}.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/filegate/filegate/internal/config"
	"github.com/filegate/filegate/internal/fs"
	"github.com/filegate/filegate/internal/job"
	"github.com/filegate/filegate/internal/metrics"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/internal/schedule"
	"github.com/filegate/filegate/pkg/fgerr"
)

// Authenticator resolves the request principal. Identity providers are
// outside the core; the wiring layer supplies an implementation.
type Authenticator interface {
	Authenticate(r *http.Request) (model.Principal, error)
}

// Server is the HTTP front of the gateway.
type Server struct {
	httpServer *http.Server
	router     *mux.Router

	fs         *fs.FileSystem
	jobs       *job.Engine
	dispatcher *schedule.Dispatcher
	registry   *schedule.Registry
	store      *repo.Store
	auth       Authenticator
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// Options wires a Server.
type Options struct {
	Config     config.ServerConfig
	FileSystem *fs.FileSystem
	Jobs       *job.Engine
	Dispatcher *schedule.Dispatcher
	Registry   *schedule.Registry
	Store      *repo.Store
	Auth       Authenticator
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// NewServer builds the router and the underlying http.Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:     mux.NewRouter(),
		fs:         opts.FileSystem,
		jobs:       opts.Jobs,
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		store:      opts.Store,
		auth:       opts.Auth,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "api"),
	}
	s.routes(opts.Metrics)

	s.httpServer = &http.Server{
		Addr:         opts.Config.Address,
		Handler:      s.loggingMiddleware(s.router),
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
	}
	return s
}

func (s *Server) routes(mc *metrics.Collector) {
	r := s.router

	fsRouter := r.PathPrefix("/api/fs").Subrouter()
	fsRouter.HandleFunc("/list", s.authed(s.handleList)).Methods(http.MethodGet)
	fsRouter.HandleFunc("/get", s.authed(s.handleGet)).Methods(http.MethodGet)
	fsRouter.HandleFunc("/download", s.authed(s.handleDownload)).Methods(http.MethodGet)
	fsRouter.HandleFunc("/file-link", s.authed(s.handleFileLink)).Methods(http.MethodGet)
	fsRouter.HandleFunc("/upload", s.authed(s.handleUpload)).Methods(http.MethodPut)
	fsRouter.HandleFunc("/mkdir", s.authed(s.handleMkdir)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/rename", s.authed(s.handleRename)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/batch-remove", s.authed(s.handleBatchRemove)).Methods(http.MethodDelete, http.MethodPost)
	fsRouter.HandleFunc("/batch-copy", s.authed(s.handleBatchCopy)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/batch-copy-commit", s.authed(s.handleBatchCopyCommit)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/search", s.authed(s.handleSearch)).Methods(http.MethodGet)

	fsRouter.HandleFunc("/multipart/init", s.authed(s.handleMultipartInit)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/multipart/complete", s.authed(s.handleMultipartComplete)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/multipart/abort", s.authed(s.handleMultipartAbort)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/multipart/parts", s.authed(s.handleMultipartParts)).Methods(http.MethodGet)
	fsRouter.HandleFunc("/multipart/refresh-urls", s.authed(s.handleMultipartRefresh)).Methods(http.MethodPost)

	fsRouter.HandleFunc("/jobs", s.authed(s.handleJobCreate)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/jobs", s.authed(s.handleJobList)).Methods(http.MethodGet)
	fsRouter.HandleFunc("/jobs/{jobId}", s.authed(s.handleJobGet)).Methods(http.MethodGet)
	fsRouter.HandleFunc("/jobs/{jobId}/cancel", s.authed(s.handleJobCancel)).Methods(http.MethodPost)
	fsRouter.HandleFunc("/jobs/{jobId}", s.authed(s.handleJobDelete)).Methods(http.MethodDelete)

	// The proxy is public: the signature is the authorization.
	r.PathPrefix("/api/p/").HandlerFunc(s.handleProxy).Methods(http.MethodGet, http.MethodHead)

	admin := r.PathPrefix("/api/admin/scheduled").Subrouter()
	admin.HandleFunc("/types", s.adminOnly(s.handleScheduledTypes)).Methods(http.MethodGet)
	admin.HandleFunc("/jobs", s.adminOnly(s.handleScheduledList)).Methods(http.MethodGet)
	admin.HandleFunc("/jobs", s.adminOnly(s.handleScheduledCreate)).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{taskId}", s.adminOnly(s.handleScheduledGet)).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{taskId}", s.adminOnly(s.handleScheduledUpdate)).Methods(http.MethodPut)
	admin.HandleFunc("/jobs/{taskId}", s.adminOnly(s.handleScheduledDelete)).Methods(http.MethodDelete)
	admin.HandleFunc("/jobs/{taskId}/runs", s.adminOnly(s.handleScheduledRuns)).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{taskId}/run", s.adminOnly(s.handleScheduledTrigger)).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{taskId}/preview", s.adminOnly(s.handleScheduledPreview)).Methods(http.MethodGet)
	admin.HandleFunc("/analytics", s.adminOnly(s.handleScheduledAnalytics)).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respondData(w, map[string]interface{}{"alive": true, "timestamp": time.Now()})
	}).Methods(http.MethodGet)
	if mc != nil {
		r.Handle("/metrics", mc.Handler()).Methods(http.MethodGet)
	}
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "address", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

type principalHandler func(w http.ResponseWriter, r *http.Request, principal model.Principal)

func (s *Server) authed(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			s.respondError(w, fgerr.Wrap(fgerr.KindForbidden, "authentication failed", err))
			return
		}
		next(w, r, principal)
	}
}

func (s *Server) adminOnly(next principalHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, principal model.Principal) {
		if !principal.IsAdmin {
			s.respondError(w, fgerr.New(fgerr.KindForbidden, "admin access required"))
			return
		}
		next(w, r, principal)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served", "method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// envelope is the uniform JSON response shape.
type envelope struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Success bool        `json:"success"`
}

func (s *Server) respondData(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, envelope{Code: "OK", Message: "ok", Data: data, Success: true})
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	fe := fgerr.AsError(err)
	status := fe.HTTPStatus
	if status == 0 {
		status = fgerr.DefaultHTTPStatus(fe.Kind)
	}
	if status >= 500 {
		s.logger.Error("request failed", "kind", fe.Kind, "error", err)
	}
	body := envelope{Code: string(fe.Kind), Message: fe.ClientMessage(), Success: false}
	if fe.Reason != "" {
		body.Data = map[string]string{"reason": fe.Reason}
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) decodeBody(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fgerr.Wrap(fgerr.KindValidation, "malformed request body", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}
