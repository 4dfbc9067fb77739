// Package api serves stored content over HTTP under the local URL prefix.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/content"
	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// Version is reported by the health endpoint.
var Version = "dev"

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server serves objects through the content service.
type Server struct {
	content *content.Service
	prefix  string
}

// NewServer creates a Server that answers under prefix (for example "/media").
func NewServer(svc *content.Service, prefix string) *Server {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = storage.DefaultLocalPrefix
	}
	return &Server{content: svc, prefix: prefix}
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(metrics.Middleware)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Range", "X-Request-ID"},
		ExposedHeaders: []string{"Accept-Ranges", "Content-Length", "Content-Range", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get(s.prefix+"/*", s.handleContent)
	r.Head(s.prefix+"/*", s.handleContent)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"backend": s.content.Backend().Type(),
		"version": Version,
	})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		// chi matched against the escaped path, so the wildcard is still escaped.
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid object key")
			return
		}
		key = unescaped
	}
	if key == "" {
		s.sendError(w, http.StatusBadRequest, "object key required")
		return
	}

	obj, err := s.content.Read(r.Context(), key, r.Header.Get("Range"))
	if err != nil {
		metrics.RecordContentDownload(0, false, false)
		s.sendStorageError(w, r, key, err)
		return
	}
	defer obj.Body.Close()

	h := w.Header()
	h.Set("Content-Type", obj.ContentType)
	h.Set("Accept-Ranges", obj.AcceptRanges)
	h.Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	if !obj.LastModified.IsZero() {
		h.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}

	status := http.StatusOK
	if obj.Partial() {
		h.Set("Content-Range", obj.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	n, err := io.Copy(w, obj.Body)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error",
			zap.String("key", obj.Key),
			zap.Int64("written", n),
			zap.Error(err))
	}
	metrics.RecordContentDownload(n, obj.Partial(), err == nil)
}

// sendStorageError maps the storage error taxonomy to HTTP status codes.
// Backend details are logged, never returned to the client.
func (s *Server) sendStorageError(w http.ResponseWriter, r *http.Request, key string, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidKey):
		s.sendError(w, http.StatusBadRequest, "invalid object key")
	case errors.Is(err, storage.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not found")
	default:
		logging.WithContext(r.Context()).Error("content read failed",
			zap.String("key", key),
			zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "storage unavailable")
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}
