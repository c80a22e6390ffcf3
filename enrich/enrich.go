// Package enrich wraps the optional enrichment collaborators: breach-history
// lookup, embedding generation and peer Bloom filters.
//
// Every call goes through a Guard and returns a Result. A collaborator that
// is absent, slow or failing yields a Missing result; it never fails the
// record and never blocks the pipeline beyond its timeout.
package enrich

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/embedding"
)

// Service names used for guards, logs and metrics.
const (
	ServiceBreach    = "breach"
	ServiceEmbedding = "embedding"
	ServicePeers     = "peers"
)

// Enricher bundles the collaborators with their guards. Nil collaborators
// are disabled.
type Enricher struct {
	breach      BreachLookup
	breachGuard *Guard
	embedder    embedding.Embedder
	embedGuard  *Guard
	peers       PeerSource
	peerGuard   *Guard
}

// Options selects collaborators and their guard settings.
type Options struct {
	Breach      BreachLookup
	BreachGuard GuardConfig
	Embedder    embedding.Embedder
	EmbedGuard  GuardConfig
	Peers       PeerSource
	PeerGuard   GuardConfig
	Logger      *slog.Logger
	// OnMissing observes every missing result.
	OnMissing func(service, reason string)
}

// New builds an Enricher.
func New(o Options) *Enricher {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gopts := []GuardOption{WithGuardLogger(logger)}
	if o.OnMissing != nil {
		gopts = append(gopts, WithMissingObserver(o.OnMissing))
	}
	e := &Enricher{
		breach:      o.Breach,
		breachGuard: NewGuard(ServiceBreach, o.BreachGuard, gopts...),
		embedGuard:  NewGuard(ServiceEmbedding, o.EmbedGuard, gopts...),
		peers:       o.Peers,
		peerGuard:   NewGuard(ServicePeers, o.PeerGuard, gopts...),
	}
	if embedding.Enabled(o.Embedder) {
		e.embedder = o.Embedder
	}
	return e
}

// Disabled returns an Enricher with no collaborators.
func Disabled() *Enricher { return New(Options{}) }

// BreachEnabled reports whether a breach lookup is configured.
func (e *Enricher) BreachEnabled() bool { return e.breach != nil }

// EmbeddingEnabled reports whether an embedder is configured.
func (e *Enricher) EmbeddingEnabled() bool { return e.embedder != nil }

// EmbeddingModel returns the embedder's model, or "".
func (e *Enricher) EmbeddingModel() string {
	if e.embedder == nil {
		return ""
	}
	return e.embedder.Model()
}

// Breached looks up hash in the breach history.
func (e *Enricher) Breached(ctx context.Context, hash string) Result[bool] {
	if e.breach == nil {
		return Missing[bool](ReasonDisabled, nil)
	}
	return Call(ctx, e.breachGuard, func(ctx context.Context) (bool, error) {
		return e.breach.Breached(ctx, hash)
	})
}

// Embed returns a vector for a normalized value.
func (e *Enricher) Embed(ctx context.Context, value string) Result[[]float32] {
	if e.embedder == nil {
		return Missing[[]float32](ReasonDisabled, nil)
	}
	r := Call(ctx, e.embedGuard, func(ctx context.Context) ([]float32, error) {
		return e.embedder.Embed(ctx, value)
	})
	if !r.Missing && !embedding.Usable(r.Value) {
		return Missing[[]float32](ReasonError, ErrEnrichmentUnavailable)
	}
	return r
}

// PeerFilter fetches the merged peer filter.
func (e *Enricher) PeerFilter(ctx context.Context) Result[*dedup.PeerFilter] {
	if e.peers == nil {
		return Missing[*dedup.PeerFilter](ReasonDisabled, nil)
	}
	return Call(ctx, e.peerGuard, e.peers.FetchFilter)
}

// Breakers reports breaker states by service.
func (e *Enricher) Breakers() map[string]string {
	return map[string]string{
		ServiceBreach:    e.breachGuard.Breaker().State().String(),
		ServiceEmbedding: e.embedGuard.Breaker().State().String(),
		ServicePeers:     e.peerGuard.Breaker().State().String(),
	}
}
