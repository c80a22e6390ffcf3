// Package dedup decides whether a canonical hash is new, an exact repeat or
// a probable variant of something already stored.
//
// The exact path is the atomic create-or-increment of the privacy store:
// its created result decides New vs Duplicate, so no lookup can race the
// insert. Similarity is consulted only when the exact path created the
// indicator, and only ever produces a hint. The peer path annotates
// provenance and never changes identity.
package dedup

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/leakwatch/detect"
	"github.com/hazyhaar/leakwatch/embedding"
	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/privstore"
)

// Class is the resolution outcome.
type Class string

const (
	ClassNew       Class = "new"
	ClassDuplicate Class = "duplicate"
	ClassSimilar   Class = "similar_candidate"
)

const (
	DefaultThreshold     = 0.85
	DefaultMaxCandidates = 256
)

// Store is the subset of the privacy store the deduplicator writes through.
type Store interface {
	UpsertIndicator(ctx context.Context, obs indicator.Observation) (indicator.Indicator, bool, error)
	EmbeddingCandidates(ctx context.Context, domain, model string, dim, limit int) ([]privstore.StoredEmbedding, error)
	PutEmbedding(ctx context.Context, hash, domain, model string, vec []float32) error
	MarkPeerKnown(ctx context.Context, hash string) error
}

// Candidate is one derived hash ready for resolution.
type Candidate struct {
	Hash       string
	Domain     string
	ObservedAt time.Time
	Categories []detect.Category
	// Embedding is optional. Model names the embedder that produced it;
	// vectors of different models are never compared.
	Embedding []float32
	Model     string
}

// Similarity is a hint towards an existing indicator. It is never identity.
type Similarity struct {
	Hash  string  `json:"hash"`
	Score float64 `json:"score"`
}

// Outcome is the result of Resolve.
type Outcome struct {
	Class     Class               `json:"class"`
	Indicator indicator.Indicator `json:"indicator"`
	Similar   *Similarity         `json:"similar,omitempty"`
	PeerKnown bool                `json:"peer_known"`
}

// Deduplicator is safe for concurrent use.
type Deduplicator struct {
	store         Store
	threshold     float64
	maxCandidates int
	peer          atomic.Pointer[PeerFilter]
	logger        *slog.Logger
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithThreshold sets the cosine similarity threshold. Default 0.85.
func WithThreshold(t float64) Option { return func(d *Deduplicator) { d.threshold = t } }

// WithMaxCandidates bounds the vectors scanned per resolution.
func WithMaxCandidates(n int) Option { return func(d *Deduplicator) { d.maxCandidates = n } }

// WithPeerFilter installs the initial peer filter.
func WithPeerFilter(p *PeerFilter) Option { return func(d *Deduplicator) { d.peer.Store(p) } }

func WithLogger(l *slog.Logger) Option { return func(d *Deduplicator) { d.logger = l } }

// New creates a Deduplicator writing through store.
func New(store Store, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		store:         store,
		threshold:     DefaultThreshold,
		maxCandidates: DefaultMaxCandidates,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetPeerFilter swaps the peer filter. nil disables the peer path.
func (d *Deduplicator) SetPeerFilter(p *PeerFilter) { d.peer.Store(p) }

// PeerFilter returns the active peer filter, or nil.
func (d *Deduplicator) PeerFilter() *PeerFilter { return d.peer.Load() }

// Resolve records one observation of c.Hash and classifies it. Only the
// exact path can fail the call; similarity and peer failures are logged
// and skipped.
func (d *Deduplicator) Resolve(ctx context.Context, c Candidate) (Outcome, error) {
	ind, created, err := d.store.UpsertIndicator(ctx, indicator.Observation{
		Hash:       c.Hash,
		Domain:     c.Domain,
		ObservedAt: c.ObservedAt,
		Categories: c.Categories,
	})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Class: ClassDuplicate, Indicator: ind}
	if created {
		out.Class = ClassNew
		if sim := d.similar(ctx, c); sim != nil {
			out.Class = ClassSimilar
			out.Similar = sim
		}
	}
	out.PeerKnown = d.checkPeer(ctx, c.Hash, ind.PeerKnown)
	out.Indicator.PeerKnown = out.Indicator.PeerKnown || out.PeerKnown
	return out, nil
}

// similar scans stored vectors of the same domain and model, then stores
// c's own vector. The best match at or above the threshold wins; ties keep
// the lexicographically smaller hash.
func (d *Deduplicator) similar(ctx context.Context, c Candidate) *Similarity {
	if !embedding.Usable(c.Embedding) || d.maxCandidates <= 0 {
		return nil
	}
	cands, err := d.store.EmbeddingCandidates(ctx, c.Domain, c.Model, len(c.Embedding), d.maxCandidates)
	if err != nil {
		d.logger.Warn("dedup: similarity candidates unavailable", "domain", c.Domain, "error", err)
		return nil
	}
	norm := embedding.Norm(c.Embedding)
	var best *Similarity
	for _, cand := range cands {
		if cand.Hash == c.Hash {
			continue
		}
		score := embedding.CosineSimilarityNorms(c.Embedding, cand.Vector, norm, cand.Norm)
		if score < d.threshold {
			continue
		}
		if best == nil || score > best.Score || (score == best.Score && cand.Hash < best.Hash) {
			best = &Similarity{Hash: cand.Hash, Score: score}
		}
	}
	if err := d.store.PutEmbedding(ctx, c.Hash, c.Domain, c.Model, c.Embedding); err != nil {
		d.logger.Warn("dedup: store embedding failed", "hash", short(c.Hash), "error", err)
	}
	return best
}

func (d *Deduplicator) checkPeer(ctx context.Context, hash string, already bool) bool {
	p := d.peer.Load()
	if p == nil || !p.Test(hash) {
		return already
	}
	if !already {
		if err := d.store.MarkPeerKnown(ctx, hash); err != nil {
			d.logger.Warn("dedup: mark peer known failed", "hash", short(hash), "error", err)
		}
	}
	return true
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
