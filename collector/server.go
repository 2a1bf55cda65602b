// Package collector is a development stand-in for the analytics servers. It
// accepts the batches the analytics uploader posts, keeps them in SQLite and
// serves the privacy dashboard.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flurry-plugin/analytics"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const (
	privacyPagePrefix = "/privacy/"
	maxBatchBodySize  = 8 << 20
	shutdownTimeout   = 5 * time.Second
)

// Config configures a Server
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8990"
	Addr string
	// DBPath is the SQLite database, ":memory:" for a throwaway collector
	DBPath string
	// BaseURL is used to build privacy dashboard links. Defaults to
	// http://<Addr>.
	BaseURL string
	// Registerer receives the collector metrics. Nil uses a private
	// registry, which /metrics then serves.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *log.Logger
}

// Server is the collector HTTP server
type Server struct {
	cfg       Config
	store     *Store
	validator *batchValidator
	handler   http.Handler
	logger    *log.Logger

	ingested *prometheus.CounterVec
	rejected prometheus.Counter
}

// New opens the collector store and builds the HTTP handler
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ":memory:"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Registerer == nil {
		reg := prometheus.NewRegistry()
		cfg.Registerer = reg
		cfg.Gatherer = reg
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://" + cfg.Addr
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	validator, err := newBatchValidator()
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		validator: validator,
		logger:    cfg.Logger,
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_records_ingested_total",
			Help: "Records accepted by the collector, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_batches_rejected_total",
			Help: "Batches rejected by validation.",
		}),
	}
	// a collector restarted in the same process keeps counting on the
	// metrics it registered before
	if s.ingested, err = register(cfg.Registerer, s.ingested); err == nil {
		s.rejected, err = register(cfg.Registerer, s.rejected)
	}
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	health := healthcheck.NewHandler()
	health.AddReadinessCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return store.Ping(ctx)
	})

	// Setup router
	mux := http.NewServeMux()
	mux.HandleFunc(analytics.RecordsPath, s.handleRecords)
	mux.HandleFunc(analytics.PrivacyDashboardPath, s.handlePrivacyDashboard)
	mux.HandleFunc(privacyPagePrefix, s.handlePrivacyPage)
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	// Setup CORS
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"}, // Allow any origin
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(mux)

	return s, nil
}

// Handler returns the collector's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store returns the collector's record store
func (s *Server) Store() *Store {
	return s.store
}

// Run serves on cfg.Addr until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("[collector] Listening on http://%s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("collector shutdown failed: %w", err)
	}
	s.logger.Printf("[collector] Stopped")
	return nil
}

// Close closes the store
func (s *Server) Close() error {
	return s.store.Close()
}

type ingestBatch struct {
	APIKey  string             `json:"apiKey"`
	Records []analytics.Record `json:"records"`
}

// handleRecords accepts batches (POST) and lists stored records (GET)
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleListRecords(w, r)
	default:
		http.Error(w, "Only GET and POST methods are allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	// one byte past the limit tells an oversized body from a full one
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBodySize+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBatchBodySize {
		s.rejected.Inc()
		http.Error(w, fmt.Sprintf("Batch exceeds %d bytes", maxBatchBodySize), http.StatusRequestEntityTooLarge)
		return
	}

	problems, err := s.validator.Validate(body)
	if err != nil {
		s.rejected.Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(problems) > 0 {
		s.rejected.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": problems})
		return
	}

	var batch ingestBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		s.rejected.Inc()
		http.Error(w, "Failed to decode batch", http.StatusBadRequest)
		return
	}

	if header := r.Header.Get(analytics.APIKeyHeader); header != "" && header != batch.APIKey {
		s.rejected.Inc()
		http.Error(w, "API key header does not match batch", http.StatusUnauthorized)
		return
	}

	if err := s.store.Insert(batch.APIKey, batch.Records); err != nil {
		s.logger.Printf("[collector] Failed to store batch: %v", err)
		http.Error(w, "Failed to store batch", http.StatusInternalServerError)
		return
	}

	for _, rec := range batch.Records {
		s.ingested.WithLabelValues(string(rec.Kind)).Inc()
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(batch.Records)})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		http.Error(w, "apiKey is required", http.StatusBadRequest)
		return
	}

	records, err := s.store.List(apiKey, r.URL.Query().Get("session"))
	if err != nil {
		s.logger.Printf("[collector] Failed to list records: %v", err)
		http.Error(w, "Failed to query database", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handlePrivacyDashboard returns the dashboard link for an API key
func (s *Server) handlePrivacyDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}

	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		http.Error(w, "apiKey is required", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url": s.cfg.BaseURL + privacyPagePrefix + url.PathEscape(apiKey),
	})
}

var privacyPage = template.Must(template.New("privacy").Parse(`<!DOCTYPE html>
<html>
<head><title>Privacy Dashboard</title></head>
<body>
<h1>Data collected for {{.APIKey}}</h1>
{{if .Counts}}<table>
<tr><th>Kind</th><th>Records</th></tr>
{{range .Counts}}<tr><td>{{.Kind}}</td><td>{{.Count}}</td></tr>
{{end}}</table>{{else}}<p>No data has been collected.</p>{{end}}
</body>
</html>
`))

// handlePrivacyPage renders the summary for /privacy/<apiKey>
func (s *Server) handlePrivacyPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}

	apiKey, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, privacyPagePrefix))
	if err != nil || apiKey == "" || strings.Contains(apiKey, "/") {
		http.NotFound(w, r)
		return
	}

	counts, err := s.store.CountByKind(apiKey)
	if err != nil {
		s.logger.Printf("[collector] Failed to summarize records: %v", err)
		http.Error(w, "Failed to query database", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := privacyPage.Execute(w, struct {
		APIKey string
		Counts []KindCount
	}{apiKey, counts}); err != nil {
		s.logger.Printf("[collector] Failed to render privacy page: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
