package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"virtualfit/pkg/catalog"
	"virtualfit/pkg/logging"
	"virtualfit/pkg/metrics"
	"virtualfit/pkg/report"
	"virtualfit/pkg/store"
	"virtualfit/pkg/worker"
)

// ProductSource lists the catalog served at /products/
type ProductSource interface {
	FetchProducts(ctx context.Context) ([]catalog.Product, error)
}

// Server exposes the submission and polling API over HTTP.
type Server struct {
	store      store.Store
	dispatcher worker.Dispatcher
	products   ProductSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
	report     report.Config
	maxUpload  int64
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithReportConfig(c report.Config) Option { return func(s *Server) { s.report = c } }

// WithMaxUploadBytes limits the size of an upload request body.
func WithMaxUploadBytes(n int64) Option { return func(s *Server) { s.maxUpload = n } }

func New(st store.Store, d worker.Dispatcher, products ProductSource, opts ...Option) *Server {
	s := &Server{
		store:      st,
		dispatcher: d,
		products:   products,
		logger:     slog.Default(),
		report:     report.DefaultConfig(),
		maxUpload:  32 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.logRequests)

	r.HandleFunc("/upload/", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/status/{job_id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/download/{job_id}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/report/{job_id}", s.handleReport).Methods(http.MethodGet)
	r.HandleFunc("/products/", s.handleProducts).Methods(http.MethodGet)
	r.HandleFunc("/products", s.handleProducts).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "route not found"})
	})
	return r
}

const requestIDHeader = "X-Request-Id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		s.metrics.RecordRequest(r.Method, route, rec.status, elapsed)
		s.logger.Info("http request",
			"method", r.Method,
			"path", route,
			"status", rec.status,
			"elapsed", elapsed,
			"request_id", logging.RequestID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
