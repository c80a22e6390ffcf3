package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Default sizing for peer filters.
const (
	DefaultPeerCapacity = 1_000_000
	DefaultPeerFPRate   = 0.001
)

// ErrIncompatibleFilter is returned when a merged set of differently sized
// filters is serialized. Only single filters are published.
var ErrIncompatibleFilter = errors.New("dedup: peer filters have different parameters")

// PeerFilter is a set of Bloom filters over canonical hashes, exchanged
// between instances. A hash tests positive when any member does, so a
// negative Test is authoritative whatever the peers' filter sizes; a
// positive one only means "possibly known elsewhere". Filters sharing size
// and hash count are OR-ed into one member. Safe for concurrent use.
type PeerFilter struct {
	mu sync.RWMutex
	fs []*bloom.BloomFilter
}

// NewPeerFilter sizes a filter for n entries at false-positive rate fp.
func NewPeerFilter(n uint, fp float64) *PeerFilter {
	if n == 0 {
		n = DefaultPeerCapacity
	}
	if fp <= 0 || fp >= 1 {
		fp = DefaultPeerFPRate
	}
	return &PeerFilter{fs: []*bloom.BloomFilter{bloom.NewWithEstimates(n, fp)}}
}

// Add records hash in the first member.
func (p *PeerFilter) Add(hash string) {
	p.mu.Lock()
	p.fs[0].AddString(hash)
	p.mu.Unlock()
}

func (p *PeerFilter) Test(hash string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, f := range p.fs {
		if f.TestString(hash) {
			return true
		}
	}
	return false
}

// Merge adds other's filters to p. A filter with the size and hash count of
// an existing member is OR-ed into it; any other is kept as a new member.
func (p *PeerFilter) Merge(other *PeerFilter) {
	if other == p {
		return
	}
	other.mu.RLock()
	gs := make([]*bloom.BloomFilter, len(other.fs))
	for i, g := range other.fs {
		gs[i] = g.Copy()
	}
	other.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
next:
	for _, g := range gs {
		for _, f := range p.fs {
			if f.Cap() == g.Cap() && f.K() == g.K() {
				// Same parameters; Merge cannot fail.
				_ = f.Merge(g)
				continue next
			}
		}
		p.fs = append(p.fs, g)
	}
}

// Members returns how many differently sized filters the set holds.
func (p *PeerFilter) Members() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.fs)
}

// Params returns the bit count and hash function count of the first member.
func (p *PeerFilter) Params() (m, k uint) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fs[0].Cap(), p.fs[0].K()
}

// ApproximateCount estimates how many distinct hashes were added, summed
// over members.
func (p *PeerFilter) ApproximateCount() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var n uint32
	for _, f := range p.fs {
		n += f.ApproximatedSize()
	}
	return n
}

// WriteTo serializes the filter in the bloom/v3 binary format. A set of
// several members cannot be serialized.
func (p *PeerFilter) WriteTo(w io.Writer) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.fs) != 1 {
		return 0, fmt.Errorf("%w: %d members", ErrIncompatibleFilter, len(p.fs))
	}
	return p.fs[0].WriteTo(w)
}

// ReadFrom replaces the filter with one serialized by WriteTo.
func (p *PeerFilter) ReadFrom(r io.Reader) (int64, error) {
	g := &bloom.BloomFilter{}
	n, err := g.ReadFrom(r)
	if err != nil {
		return n, fmt.Errorf("dedup: read peer filter: %w", err)
	}
	if g.Cap() == 0 || g.K() == 0 {
		return n, fmt.Errorf("dedup: read peer filter: empty parameters")
	}
	p.mu.Lock()
	p.fs = []*bloom.BloomFilter{g}
	p.mu.Unlock()
	return n, nil
}

// DecodePeerFilter reads a serialized filter.
func DecodePeerFilter(r io.Reader) (*PeerFilter, error) {
	p := &PeerFilter{}
	if _, err := p.ReadFrom(r); err != nil {
		return nil, err
	}
	return p, nil
}

// HashSource enumerates the canonical hashes held locally.
type HashSource interface {
	CountIndicators(ctx context.Context) (int64, error)
	ForEachIndicatorHash(ctx context.Context, fn func(hash string) error) error
}

// BuildLocalFilter builds a filter over every hash in src, for publishing to
// peers. n is a minimum capacity; the filter grows to the store size.
func BuildLocalFilter(ctx context.Context, src HashSource, n uint, fp float64) (*PeerFilter, error) {
	count, err := src.CountIndicators(ctx)
	if err != nil {
		return nil, err
	}
	if uint(count) > n {
		n = uint(count)
	}
	p := NewPeerFilter(n, fp)
	err = src.ForEachIndicatorHash(ctx, func(h string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.fs[0].AddString(h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
