// Package httpapi serves the leakwatch HTTP surface: health, the local peer
// Bloom filter, indicator lookups by hash and Prometheus metrics.
//
// No route accepts or returns plaintext. Indicators are addressed by their
// keyed hash only.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/shield"
)

// Store is the read side of the privacy store the API needs.
type Store interface {
	dedup.HashSource
	Ping(ctx context.Context) error
	GetIndicator(ctx context.Context, hash string) (indicator.Indicator, bool, error)
	Aliases(ctx context.Context, canonical string) ([]indicator.AliasLink, error)
	Cooccurrences(ctx context.Context, hash string) ([]indicator.CooccurrenceEdge, error)
}

// BreakerReporter reports enrichment circuit states by service.
type BreakerReporter interface {
	Breakers() map[string]string
}

// Server holds the API dependencies.
type Server struct {
	store    Store
	breakers BreakerReporter
	gatherer prometheus.Gatherer
	limiter  *shield.RateLimiter
	mcp      http.Handler
	logger   *slog.Logger
	now      func() time.Time

	filterN   uint
	filterFP  float64
	filterTTL time.Duration

	mu       sync.Mutex
	filter   []byte
	filterAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithBreakers reports enrichment circuits in /v1/health.
func WithBreakers(b BreakerReporter) Option { return func(s *Server) { s.breakers = b } }

// WithGatherer exposes g at /metrics. Without it the route is not mounted.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithRateLimiter applies rl after the rest of the shield stack.
func WithRateLimiter(rl *shield.RateLimiter) Option { return func(s *Server) { s.limiter = rl } }

// WithMCP mounts an MCP streamable HTTP handler at /mcp.
func WithMCP(h http.Handler) Option { return func(s *Server) { s.mcp = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option { return func(s *Server) { s.now = fn } }

// WithPeerFilter sets the published filter's minimum capacity and false
// positive rate, and how long a built filter is served before rebuilding.
func WithPeerFilter(n uint, fp float64, ttl time.Duration) Option {
	return func(s *Server) {
		s.filterN, s.filterFP, s.filterTTL = n, fp, ttl
	}
}

// New creates a Server over store.
func New(store Store, opts ...Option) *Server {
	s := &Server{
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
		filterN:   1_000_000,
		filterFP:  0.001,
		filterTTL: time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the chi router with the shield stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(s.limiter) {
		r.Use(mw)
	}

	r.Get("/v1/health", s.health)
	r.Get("/v1/peer/bloom", s.peerBloom)
	r.Get("/v1/indicators/{hash}", s.getIndicator)
	if s.mcp != nil {
		r.Handle("/mcp", s.mcp)
	}
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("httpapi: store ping failed", "error", err)
		resp["status"] = "degraded"
		resp["store"] = "unavailable"
		code = http.StatusServiceUnavailable
	} else {
		resp["store"] = "ok"
	}
	if s.breakers != nil {
		resp["enrichment"] = s.breakers.Breakers()
	}
	writeJSON(w, code, resp)
}

func (s *Server) peerBloom(w http.ResponseWriter, r *http.Request) {
	data, err := s.localFilter(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("httpapi: build peer filter", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("peer filter unavailable"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// localFilter returns the serialized filter, rebuilding it once its TTL
// has passed. Concurrent callers share one build.
func (s *Server) localFilter(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter != nil && s.now().Sub(s.filterAt) < s.filterTTL {
		return s.filter, nil
	}
	return s.buildFilter(ctx)
}

// RebuildPeerFilter replaces the served filter now, regardless of its age.
func (s *Server) RebuildPeerFilter(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.buildFilter(ctx)
	return err
}

// buildFilter must be called with s.mu held.
func (s *Server) buildFilter(ctx context.Context) ([]byte, error) {
	f, err := dedup.BuildLocalFilter(ctx, s.store, s.filterN, s.filterFP)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	s.filter, s.filterAt = buf.Bytes(), s.now()
	s.logger.Info("httpapi: peer filter rebuilt", "approx_count", f.ApproximateCount(), "bytes", buf.Len())
	return s.filter, nil
}

type indicatorResponse struct {
	Indicator     indicator.Indicator          `json:"indicator"`
	Aliases       []indicator.AliasLink        `json:"aliases"`
	Cooccurrences []indicator.CooccurrenceEdge `json:"cooccurrences"`
}

func (s *Server) getIndicator(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !validHash(hash) {
		writeError(w, http.StatusBadRequest, errors.New("hash must be 64 lowercase hex characters"))
		return
	}
	ctx := r.Context()
	ind, found, err := s.store.GetIndicator(ctx, hash)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errors.New("indicator not found"))
		return
	}
	aliases, err := s.store.Aliases(ctx, hash)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	edges, err := s.store.Cooccurrences(ctx, hash)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if aliases == nil {
		aliases = []indicator.AliasLink{}
	}
	if edges == nil {
		edges = []indicator.CooccurrenceEdge{}
	}
	writeJSON(w, http.StatusOK, indicatorResponse{Indicator: ind, Aliases: aliases, Cooccurrences: edges})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	shield.GetLogger(r.Context()).Error("httpapi: store", "error", err)
	writeError(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
}

func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
