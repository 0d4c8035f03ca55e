// Package web exposes the processing pipeline over HTTP.
package web

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/knakayama/ledgerscan/internal/extract"
	"github.com/knakayama/ledgerscan/internal/handle"
	"github.com/knakayama/ledgerscan/internal/ingest"
	"github.com/knakayama/ledgerscan/internal/record"
	"github.com/knakayama/ledgerscan/internal/session"
)

// BasicAuth holds basic authentication credentials. Empty credentials
// disable authentication.
type BasicAuth struct {
	Username string
	Password string
}

// Server handles HTTP requests for document records.
type Server struct {
	service   *record.Service
	ingestor  *ingest.Ingestor
	pipeline  *extract.Pipeline
	tracker   *handle.Tracker
	cache     *session.Cache
	groupSize int
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// NewServer creates a Server with a default mux.
func NewServer(service *record.Service, ingestor *ingest.Ingestor, pipeline *extract.Pipeline,
	tracker *handle.Tracker, cache *session.Cache, groupSize int, basicAuth BasicAuth) *Server {
	s := &Server{
		service:   service,
		ingestor:  ingestor,
		pipeline:  pipeline,
		tracker:   tracker,
		cache:     cache,
		groupSize: groupSize,
		basicAuth: basicAuth,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials.
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}
	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}
	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="ledgerscan"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all API routes, most specific first.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/records/{id}/thumbnail", s.requireAuth(s.handleRecordThumbnail))
	s.mux.HandleFunc("GET /api/records/{id}/file", s.requireAuth(s.handleRecordFile))
	s.mux.HandleFunc("POST /api/records/{id}/split", s.requireAuth(s.handleSplitRecord))
	s.mux.HandleFunc("POST /api/records/{id}/export", s.requireAuth(s.handleExportRecord))
	s.mux.HandleFunc("POST /api/records/merge", s.requireAuth(s.handleMergeRecords))
	s.mux.HandleFunc("POST /api/records/extract", s.requireAuth(s.handleExtractRecords))
	s.mux.HandleFunc("GET /api/records/{id}", s.requireAuth(s.handleGetRecord))
	s.mux.HandleFunc("DELETE /api/records/{id}", s.requireAuth(s.handleDeleteRecord))
	s.mux.HandleFunc("GET /api/records", s.requireAuth(s.handleListRecords))
	s.mux.HandleFunc("POST /api/records", s.requireAuth(s.handleUploadRecords))
	s.mux.HandleFunc("DELETE /api/records", s.requireAuth(s.handleClearSession))

	s.mux.HandleFunc("GET /api/exports/{id}/file", s.requireAuth(s.handleExportedFile))
	s.mux.HandleFunc("DELETE /api/exports/{id}", s.requireAuth(s.handleDeleteExported))
	s.mux.HandleFunc("GET /api/exports", s.requireAuth(s.handleListExported))
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.corsMiddleware(s.mux))
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
