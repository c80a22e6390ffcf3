package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/detect"
	"github.com/hazyhaar/leakwatch/embedding"
	"github.com/hazyhaar/leakwatch/enrich"
	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/ingest"
	"github.com/hazyhaar/leakwatch/normalize"
)

// EmbeddingKeyEnv holds the bearer token of the embedding server.
const EmbeddingKeyEnv = "LEAKWATCH_EMBEDDING_API_KEY"

// Built is a pipeline assembled from a Config, with the resources it owns.
type Built struct {
	Pipeline *Pipeline
	Hasher   *indicator.Hasher
	Enricher *enrich.Enricher
	Metrics  *Metrics
	// Breach is nil when no Redis URL is configured or Redis was unreachable.
	Breach *enrich.RedisBreachLookup
}

// Close releases the collaborators' connections.
func (b *Built) Close() error {
	if b.Breach != nil {
		return b.Breach.Close()
	}
	return nil
}

// Build wires a pipeline from cfg. reg may be nil to skip metrics. An
// unreachable Redis disables breach enrichment with a warning; it is not
// an error.
func Build(ctx context.Context, cfg *Config, store Store, reg prometheus.Registerer, logger *slog.Logger) (*Built, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key, err := cfg.LoadKey()
	if err != nil {
		return nil, err
	}
	hasher, err := indicator.NewHasher(key)
	if err != nil {
		return nil, err
	}

	rs := normalize.DefaultRuleset()
	if cfg.RulesetPath != "" {
		if rs, err = normalize.LoadRuleset(cfg.RulesetPath); err != nil {
			return nil, err
		}
	}

	dopts := []detect.Option{detect.WithLogger(logger), detect.WithMaxValueSize(cfg.Input.MaxValueBytes)}
	if cfg.WeakList != "" {
		extra, err := detect.LoadWeakList(cfg.WeakList)
		if err != nil {
			return nil, err
		}
		dopts = append(dopts, detect.WithWeakValues(extra...))
	}

	b := &Built{Hasher: hasher}
	if reg != nil {
		b.Metrics = NewMetrics(reg)
	}

	eo := enrich.Options{
		BreachGuard: cfg.Breach.Guard,
		EmbedGuard:  cfg.Embedding.Guard,
		PeerGuard:   cfg.Peers.Guard,
		Logger:      logger,
		OnMissing:   b.Metrics.EnrichmentMissed,
	}
	if cfg.Breach.RedisURL != "" {
		lookup, err := enrich.DialRedisBreachLookup(ctx, cfg.Breach.RedisURL, enrich.WithBreachKey(cfg.Breach.Key))
		if err != nil {
			logger.Warn("pipeline: breach lookup disabled", "error", err)
		} else {
			b.Breach = lookup
			eo.Breach = lookup
		}
	}
	if cfg.Embedding.Endpoint != "" {
		ec := cfg.Embedding.Config
		ec.APIKey = os.Getenv(EmbeddingKeyEnv)
		ec.Logger = logger
		eo.Embedder = embedding.New(ec)
	}
	if len(cfg.Peers.URLs) > 0 {
		eo.Peers = enrich.NewHTTPPeerSource(cfg.Peers.URLs, &http.Client{Timeout: cfg.Peers.Guard.Timeout}, logger)
	}
	b.Enricher = enrich.New(eo)

	p, err := New(store, hasher,
		WithRuleset(rs),
		WithDetector(detect.New(dopts...)),
		WithEnricher(b.Enricher),
		WithWorkers(cfg.Workers),
		WithQueueSize(cfg.QueueSize),
		WithInput(ingest.Options{
			Delimiter:   cfg.Delimiter(),
			NoHeader:    cfg.Input.NoHeader,
			Header:      cfg.Input.Header,
			MaxRowBytes: cfg.MaxRowBytes(),
		}),
		WithAnomalyConfig(cfg.Anomaly),
		WithDedupOptions(
			dedup.WithThreshold(cfg.Similarity.Threshold),
			dedup.WithMaxCandidates(cfg.Similarity.MaxCandidates),
		),
		WithMetrics(b.Metrics),
		WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("pipeline: build: %w", err), b.Close())
	}
	b.Pipeline = p
	return b, nil
}
