package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	jobservice "github.com/ssuji15/kmerq/internal/service/job_service"
	"github.com/ssuji15/kmerq/internal/service/logger"
	kmw "github.com/ssuji15/kmerq/internal/web/middleware"
	"github.com/ssuji15/kmerq/model"
)

const (
	HeaderQueueCurrent = "X-Queue-Current"
	HeaderQueueLimit   = "X-Queue-Limit"
)

type Options struct {
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	MaxInflight    int
	MaxQueued      int
}

type Server struct {
	router     chi.Router
	jobService *jobservice.JobService
	limiter    *kmw.Limiter
	opts       Options
}

func NewServer(js *jobservice.JobService, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 64
	}
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = 256
	}
	s := &Server{
		router:     chi.NewRouter(),
		jobService: js,
		limiter:    kmw.NewLimiter(opts.MaxQueued, opts.MaxInflight),
		opts:       opts,
	}

	s.routes()
	return s
}

// Handler is the traced router for http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "kmerq_server")
}

// Close releases the request limiter.
func (s *Server) Close() {
	s.limiter.Close()
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(kmw.AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Use(s.queueHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		kmw.WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no route for %s", r.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		kmw.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path), nil)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Limit)
		r.Use(kmw.Decompress)

		r.Post("/search", s.handleSearch)
		r.Post("/status", s.handleStatus)
		r.Post("/result", s.handleResult)
		r.Post("/cancel", s.handleCancel)
	})
	r.Get("/metadata", s.handleMetadata)
}

// queueHeaders stamps every response with the running job count and the
// admission limit.
func (s *Server) queueHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur, limit, err := s.jobService.QueueDepth(r.Context())
		if err != nil {
			log := logger.FromContext(r.Context())
			log.Warn().Err(err).Msg("failed to read queue depth")
		} else {
			w.Header().Set(HeaderQueueCurrent, strconv.Itoa(cur))
			w.Header().Set(HeaderQueueLimit, strconv.Itoa(limit))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	var body io.Reader = r.Body
	if s.opts.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			kmw.WriteError(w, http.StatusBadRequest, jobservice.CodeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), nil)
			return false
		}
		kmw.WriteError(w, http.StatusBadRequest, jobservice.CodeInvalidRequest, "invalid JSON: "+err.Error(), nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var e *jobservice.Error
	if !errors.As(err, &e) {
		e = &jobservice.Error{Kind: jobservice.KindInternal, Code: jobservice.CodeInternal, Message: "internal error"}
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case jobservice.KindValidation:
		status = http.StatusBadRequest
	case jobservice.KindAdmission:
		status = http.StatusServiceUnavailable
	case jobservice.KindNotFound:
		status = http.StatusNotFound
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	kmw.WriteError(w, status, e.Code, e.Message, e.Details)
}

type jobIDResponse struct {
	JobID string `json:"job_id"`
}

type jobStatusResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req model.SearchRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, err := s.jobService.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, jobIDResponse{JobID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req model.JobIDRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.jobService.Status(r.Context(), req.JobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req model.JobIDRequest
	if !s.decode(w, r, &req) {
		return
	}

	out, err := s.jobService.Result(r.Context(), req.JobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if out.Payload == nil {
		writeJSON(w, jobStatusResponse{JobID: req.JobID, Status: out.Status})
		return
	}
	// stored payloads are already JSON
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Payload)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req model.JobIDRequest
	if !s.decode(w, r, &req) {
		return
	}

	status, err := s.jobService.Cancel(r.Context(), req.JobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, jobStatusResponse{JobID: req.JobID, Status: status})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.jobService.Metadata(r.Context()))
}
