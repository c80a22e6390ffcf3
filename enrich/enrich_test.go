package enrich

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/leakwatch/dedup"
)

func TestCallSuccess(t *testing.T) {
	g := NewGuard("svc", GuardConfig{Timeout: time.Second})
	r := Call(context.Background(), g, func(context.Context) (int, error) { return 7, nil })
	assert.False(t, r.Missing)
	assert.Equal(t, 7, r.Value)
}

func TestCallTimeoutIsMissing(t *testing.T) {
	g := NewGuard("slow", GuardConfig{Timeout: 20 * time.Millisecond})
	start := time.Now()
	r := Call(context.Background(), g, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, r.Missing)
	assert.Equal(t, ReasonTimeout, r.Reason)
	assert.ErrorIs(t, r.Err, ErrEnrichmentTimeout)
}

func TestCallErrorIsUnavailable(t *testing.T) {
	g := NewGuard("broken", GuardConfig{})
	boom := errors.New("boom")
	r := Call(context.Background(), g, func(context.Context) (int, error) { return 0, boom })
	assert.True(t, r.Missing)
	assert.Equal(t, ReasonError, r.Reason)
	assert.ErrorIs(t, r.Err, ErrEnrichmentUnavailable)
	assert.ErrorIs(t, r.Err, boom)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := NewBreaker(WithBreakerThreshold(2), WithBreakerCooldown(time.Minute), WithBreakerProbes(1), WithBreakerClock(clock))
	var reasons []string
	g := NewGuard("flaky", GuardConfig{}, WithBreaker(b), WithMissingObserver(func(_, reason string) {
		reasons = append(reasons, reason)
	}))
	fail := func(context.Context) (int, error) { return 0, errors.New("down") }
	ok := func(context.Context) (int, error) { return 1, nil }

	Call(context.Background(), g, fail)
	Call(context.Background(), g, fail)
	assert.Equal(t, BreakerOpen, b.State())

	called := false
	r := Call(context.Background(), g, func(context.Context) (int, error) { called = true; return 1, nil })
	assert.False(t, called, "open breaker must not call through")
	assert.Equal(t, ReasonCircuitOpen, r.Reason)
	var open *ErrCircuitOpen
	assert.ErrorAs(t, r.Err, &open)
	assert.ErrorIs(t, r.Err, ErrEnrichmentUnavailable)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())
	r = Call(context.Background(), g, ok)
	assert.False(t, r.Missing)
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, []string{ReasonError, ReasonError, ReasonCircuitOpen}, reasons)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(WithBreakerThreshold(1), WithBreakerCooldown(time.Second), WithBreakerClock(func() time.Time { return now }))
	b.Failure()
	now = now.Add(time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, "open", b.State().String())
}

func TestRateLimitDoesNotBlock(t *testing.T) {
	g := NewGuard("limited", GuardConfig{RatePerSecond: 1, Burst: 1})
	ok := func(context.Context) (int, error) { return 1, nil }
	assert.False(t, Call(context.Background(), g, ok).Missing)
	r := Call(context.Background(), g, ok)
	assert.True(t, r.Missing)
	assert.Equal(t, ReasonRateLimited, r.Reason)
}

func TestCancelledCallerDoesNotTripBreaker(t *testing.T) {
	b := NewBreaker(WithBreakerThreshold(1))
	g := NewGuard("svc", GuardConfig{}, WithBreaker(b))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Call(ctx, g, func(context.Context) (int, error) { return 0, nil })
	assert.Equal(t, ReasonCancelled, r.Reason)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestRedisBreachLookup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	lookup := NewRedisBreachLookup(client, WithBreachKey("test:breached"))
	require.NoError(t, lookup.Record(ctx, "h1", "h2"))

	hit, err := lookup.Breached(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, hit)
	miss, err := lookup.Breached(ctx, "h3")
	require.NoError(t, err)
	assert.False(t, miss)

	ok, err := mr.SIsMember("test:breached", "h2")
	require.NoError(t, err)
	assert.True(t, ok)

	e := New(Options{Breach: lookup})
	assert.True(t, e.Breached(ctx, "h1").Value)

	mr.Close()
	r := e.Breached(ctx, "h1")
	assert.True(t, r.Missing, "redis outage degrades to missing")
}

func TestDialRedisBreachLookup(t *testing.T) {
	mr := miniredis.RunT(t)
	lookup, err := DialRedisBreachLookup(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer lookup.Close()

	_, err = DialRedisBreachLookup(context.Background(), "::bad")
	assert.Error(t, err)
}

func TestDisabledEnricher(t *testing.T) {
	e := Disabled()
	ctx := context.Background()
	assert.Equal(t, ReasonDisabled, e.Breached(ctx, "h").Reason)
	assert.Equal(t, ReasonDisabled, e.Embed(ctx, "v").Reason)
	assert.Equal(t, ReasonDisabled, e.PeerFilter(ctx).Reason)
	assert.False(t, e.EmbeddingEnabled())
	assert.Equal(t, "closed", e.Breakers()[ServiceBreach])
}

type fakeEmbedder struct{ vec []float32 }

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, nil }
func (f fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}
func (f fakeEmbedder) Dimension() int { return len(f.vec) }
func (f fakeEmbedder) Model() string  { return "fake" }

func TestEmbedRejectsZeroVector(t *testing.T) {
	ctx := context.Background()
	e := New(Options{Embedder: fakeEmbedder{vec: []float32{0.6, 0.8}}})
	r := e.Embed(ctx, "x")
	require.False(t, r.Missing)
	assert.Equal(t, "fake", e.EmbeddingModel())

	e = New(Options{Embedder: fakeEmbedder{vec: []float32{0, 0}}})
	assert.True(t, e.Embed(ctx, "x").Missing)
}

func servePeer(t *testing.T, hashes ...string) *httptest.Server {
	t.Helper()
	return serveSizedPeer(t, 1000, hashes...)
}

func serveSizedPeer(t *testing.T, n uint, hashes ...string) *httptest.Server {
	t.Helper()
	pf := dedup.NewPeerFilter(n, 0.001)
	for _, h := range hashes {
		pf.Add(h)
	}
	var buf bytes.Buffer
	_, err := pf.WriteTo(&buf)
	require.NoError(t, err)
	data := buf.Bytes()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/peer/bloom" {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPPeerSourceMerges(t *testing.T) {
	a := servePeer(t, "x")
	b := servePeer(t, "y")
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	src := NewHTTPPeerSource([]string{a.URL, down.URL, b.URL + "/"}, nil, nil)
	e := New(Options{Peers: src, PeerGuard: GuardConfig{Timeout: 5 * time.Second}})
	r := e.PeerFilter(context.Background())
	require.False(t, r.Missing, "one failing peer must not fail the fetch: %v", r.Err)
	assert.True(t, r.Value.Test("x"))
	assert.True(t, r.Value.Test("y"))
}

func TestHTTPPeerSourceKeepsDifferentlySizedPeers(t *testing.T) {
	small := serveSizedPeer(t, 1000, "hash-a")
	large := serveSizedPeer(t, 50_000, "hash-b")

	f, err := NewHTTPPeerSource([]string{small.URL, large.URL}, nil, nil).FetchFilter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.Members())
	assert.True(t, f.Test("hash-a"))
	assert.True(t, f.Test("hash-b"))
}

func TestHTTPPeerSourceAllDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)
	_, err := NewHTTPPeerSource([]string{down.URL}, nil, nil).FetchFilter(context.Background())
	assert.Error(t, err)
	_, err = NewHTTPPeerSource(nil, nil, nil).FetchFilter(context.Background())
	assert.Error(t, err)
}

func TestGuardConcurrentUse(t *testing.T) {
	g := NewGuard("svc", GuardConfig{})
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Call(context.Background(), g, func(context.Context) (int, error) { return 1, nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, BreakerClosed, g.Breaker().State())
}
