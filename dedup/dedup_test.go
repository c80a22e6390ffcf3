package dedup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/leakwatch/privstore"
)

func newStore(t *testing.T) *privstore.Store {
	t.Helper()
	s, err := privstore.Open(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func cand(hash string) Candidate {
	return Candidate{Hash: hash, Domain: "email", ObservedAt: time.Unix(1_700_000_000, 0)}
}

func TestResolveNewThenDuplicate(t *testing.T) {
	d := New(newStore(t))
	ctx := context.Background()

	out, err := d.Resolve(ctx, cand("h1"))
	require.NoError(t, err)
	assert.Equal(t, ClassNew, out.Class)
	assert.EqualValues(t, 1, out.Indicator.Count)

	out, err = d.Resolve(ctx, cand("h1"))
	require.NoError(t, err)
	assert.Equal(t, ClassDuplicate, out.Class)
	assert.EqualValues(t, 2, out.Indicator.Count)
}

func TestResolveConcurrentExactlyOneNewPerHash(t *testing.T) {
	d := New(newStore(t))
	ctx := context.Background()

	// M records over U distinct hashes: K = M - U duplicates.
	const distinct = 20
	const copies = 5
	const workers = 8
	var records []Candidate
	for c := range copies {
		for i := range distinct {
			r := cand(fmt.Sprintf("hash-%02d", i))
			r.ObservedAt = r.ObservedAt.Add(time.Duration(c) * time.Second)
			records = append(records, r)
		}
	}

	jobs := make(chan Candidate)
	var mu sync.Mutex
	counts := map[Class]int{}
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				out, err := d.Resolve(ctx, r)
				if !assert.NoError(t, err) {
					continue
				}
				mu.Lock()
				counts[out.Class]++
				mu.Unlock()
			}
		}()
	}
	for _, r := range records {
		jobs <- r
	}
	close(jobs)
	wg.Wait()

	m := len(records)
	k := m - distinct
	assert.Equal(t, m-k, counts[ClassNew])
	assert.Equal(t, k, counts[ClassDuplicate])
}

func TestResolveSimilarityHint(t *testing.T) {
	s := newStore(t)
	d := New(s, WithThreshold(0.85))
	ctx := context.Background()

	first := cand("aaa")
	first.Embedding = []float32{1, 0, 0}
	first.Model = "m"
	out, err := d.Resolve(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, ClassNew, out.Class)

	near := cand("bbb")
	near.Embedding = []float32{0.95, 0.1, 0}
	near.Model = "m"
	out, err = d.Resolve(ctx, near)
	require.NoError(t, err)
	assert.Equal(t, ClassSimilar, out.Class)
	require.NotNil(t, out.Similar)
	assert.Equal(t, "aaa", out.Similar.Hash)
	assert.GreaterOrEqual(t, out.Similar.Score, 0.85)
	assert.EqualValues(t, 1, out.Indicator.Count, "similarity must not merge identity")

	far := cand("ccc")
	far.Embedding = []float32{0, 1, 0}
	far.Model = "m"
	out, err = d.Resolve(ctx, far)
	require.NoError(t, err)
	assert.Equal(t, ClassNew, out.Class)

	otherModel := cand("ddd")
	otherModel.Embedding = []float32{1, 0, 0}
	otherModel.Model = "other"
	out, err = d.Resolve(ctx, otherModel)
	require.NoError(t, err)
	assert.Equal(t, ClassNew, out.Class)

	// Exact match wins over similarity.
	out, err = d.Resolve(ctx, near)
	require.NoError(t, err)
	assert.Equal(t, ClassDuplicate, out.Class)
	assert.Nil(t, out.Similar)
}

func TestResolvePeerAnnotation(t *testing.T) {
	s := newStore(t)
	pf := NewPeerFilter(1000, 0.001)
	pf.Add("known")
	d := New(s, WithPeerFilter(pf))
	ctx := context.Background()

	out, err := d.Resolve(ctx, cand("known"))
	require.NoError(t, err)
	assert.Equal(t, ClassNew, out.Class, "peer hits never change identity")
	assert.True(t, out.PeerKnown)

	ind, found, err := s.GetIndicator(ctx, "known")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ind.PeerKnown)

	out, err = d.Resolve(ctx, cand("local-only"))
	require.NoError(t, err)
	assert.False(t, out.PeerKnown)

	d.SetPeerFilter(nil)
	out, err = d.Resolve(ctx, cand("known"))
	require.NoError(t, err)
	assert.True(t, out.PeerKnown, "stored annotation persists")
}

func TestPeerFilterRoundTripAndMerge(t *testing.T) {
	a := NewPeerFilter(1000, 0.01)
	a.Add("x")
	b := NewPeerFilter(1000, 0.01)
	b.Add("y")
	a.Merge(b)
	assert.Equal(t, 1, a.Members())
	assert.True(t, a.Test("x"))
	assert.True(t, a.Test("y"))

	var buf bytes.Buffer
	_, err := a.WriteTo(&buf)
	require.NoError(t, err)
	c, err := DecodePeerFilter(&buf)
	require.NoError(t, err)
	assert.True(t, c.Test("x"))
	assert.True(t, c.Test("y"))
	am, ak := a.Params()
	cm, ck := c.Params()
	assert.Equal(t, am, cm)
	assert.Equal(t, ak, ck)

	_, err = DecodePeerFilter(bytes.NewReader([]byte{1, 2}))
	assert.Error(t, err)
}

func TestPeerFilterSetKeepsDifferentSizes(t *testing.T) {
	small := NewPeerFilter(1000, 0.001)
	small.Add("hash-a")
	large := NewPeerFilter(2000, 0.001)
	large.Add("hash-b")
	sm, _ := small.Params()
	lm, _ := large.Params()
	require.NotEqual(t, sm, lm)

	set := NewPeerFilter(1000, 0.001)
	set.Merge(small)
	set.Merge(large)
	assert.Equal(t, 2, set.Members())
	assert.True(t, set.Test("hash-a"))
	assert.True(t, set.Test("hash-b"))
	assert.False(t, set.Test("hash-c"))

	_, err := set.WriteTo(io.Discard)
	assert.ErrorIs(t, err, ErrIncompatibleFilter)
}

func TestBuildLocalFilter(t *testing.T) {
	s := newStore(t)
	d := New(s)
	ctx := context.Background()
	for i := range 50 {
		_, err := d.Resolve(ctx, cand(fmt.Sprintf("h%d", i)))
		require.NoError(t, err)
	}
	pf, err := BuildLocalFilter(ctx, s, 10, 0.001)
	require.NoError(t, err)
	for i := range 50 {
		assert.True(t, pf.Test(fmt.Sprintf("h%d", i)), "no false negatives")
	}
}
