package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/privstore"
	"github.com/hazyhaar/leakwatch/shield"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *privstore.Store
	alice  string
	aliceV string
	bob    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s, err := privstore.Open(filepath.Join(t.TempDir(), "leakwatch.db"), privstore.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h, err := indicator.NewHasher([]byte(strings.Repeat("k", indicator.MinKeySize)))
	require.NoError(t, err)
	f := fixture{
		store:  s,
		alice:  h.Hash(indicator.DomainEmail, "alice@example.com"),
		aliceV: h.Hash(indicator.DomainEmail, "alice+news@example.com"),
		bob:    h.Hash(indicator.DomainEmail, "bob@example.com"),
	}
	ctx := context.Background()
	for _, hash := range []string{f.alice, f.alice, f.bob} {
		_, _, err := s.UpsertIndicator(ctx, indicator.Observation{Hash: hash, Domain: indicator.DomainEmail, ObservedAt: t0})
		require.NoError(t, err)
	}
	require.NoError(t, s.AddAlias(ctx, indicator.AliasLink{
		VariantHash: f.aliceV, CanonicalHash: f.alice, Type: indicator.AliasPlusAddressing, Confidence: 90,
	}))
	require.NoError(t, s.AddCooccurrence(ctx, f.alice, f.bob, t0))
	return f
}

type breakers map[string]string

func (b breakers) Breakers() map[string]string { return b }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	h := New(f.store, WithBreakers(breakers{"breach": "closed"})).Handler()

	rec := get(t, h, "/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body struct {
		Status     string            `json:"status"`
		Store      string            `json:"store"`
		Enrichment map[string]string `json:"enrichment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "closed", body.Enrichment["breach"])
}

func TestHealthDegradedWhenStoreClosed(t *testing.T) {
	f := newFixture(t)
	h := New(f.store).Handler()
	require.NoError(t, f.store.Close())

	rec := get(t, h, "/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestGetIndicator(t *testing.T) {
	f := newFixture(t)
	h := New(f.store).Handler()

	rec := get(t, h, "/v1/indicators/"+f.alice)
	require.Equal(t, http.StatusOK, rec.Code)

	var body indicatorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, f.alice, body.Indicator.Hash)
	assert.EqualValues(t, 2, body.Indicator.Count)
	require.Len(t, body.Aliases, 1)
	assert.Equal(t, f.aliceV, body.Aliases[0].VariantHash)
	require.Len(t, body.Cooccurrences, 1)
	assert.EqualValues(t, 1, body.Cooccurrences[0].Count)

	assert.NotContains(t, rec.Body.String(), "alice@")
}

func TestGetIndicatorErrors(t *testing.T) {
	f := newFixture(t)
	h := New(f.store).Handler()

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/indicators/alice@example.com").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/indicators/"+strings.ToUpper(f.alice)).Code)

	rec := get(t, h, "/v1/indicators/"+strings.Repeat("0", 64))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"indicator not found"}`, rec.Body.String())

	// The variant is an alias, not an indicator of its own.
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/indicators/"+f.aliceV).Code)
}

func TestPeerBloom(t *testing.T) {
	f := newFixture(t)
	now := t0
	srv := New(f.store, WithPeerFilter(1000, 0.01, time.Minute), WithClock(func() time.Time { return now }))
	h := srv.Handler()

	rec := get(t, h, "/v1/peer/bloom")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	pf, err := dedup.DecodePeerFilter(rec.Body)
	require.NoError(t, err)
	assert.True(t, pf.Test(f.alice))
	assert.True(t, pf.Test(f.bob))

	// Cached until the TTL passes.
	_, _, err = f.store.UpsertIndicator(context.Background(), indicator.Observation{Hash: f.aliceV, Domain: indicator.DomainEmail, ObservedAt: t0})
	require.NoError(t, err)
	pf, err = dedup.DecodePeerFilter(get(t, h, "/v1/peer/bloom").Body)
	require.NoError(t, err)
	assert.False(t, pf.Test(f.aliceV))

	now = now.Add(2 * time.Minute)
	pf, err = dedup.DecodePeerFilter(get(t, h, "/v1/peer/bloom").Body)
	require.NoError(t, err)
	assert.True(t, pf.Test(f.aliceV))

	// An explicit rebuild does not wait for the TTL.
	_, _, err = f.store.UpsertIndicator(context.Background(), indicator.Observation{Hash: strings.Repeat("e", 64), Domain: indicator.DomainEmail, ObservedAt: t0})
	require.NoError(t, err)
	require.NoError(t, srv.RebuildPeerFilter(context.Background()))
	pf, err = dedup.DecodePeerFilter(get(t, h, "/v1/peer/bloom").Body)
	require.NoError(t, err)
	assert.True(t, pf.Test(strings.Repeat("e", 64)))
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "leakwatch_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := get(t, New(f.store, WithGatherer(reg)).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leakwatch_test_total 1")

	assert.Equal(t, http.StatusNotFound, get(t, New(f.store).Handler(), "/metrics").Code)
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t)
	rl := shield.NewRateLimiter(shield.RateLimitConfig{PerSecond: 0.001, Burst: 1})
	h := New(f.store, WithRateLimiter(rl)).Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/v1/health").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/v1/health").Code)
}

type failingStore struct{ *privstore.Store }

func (failingStore) GetIndicator(context.Context, string) (indicator.Indicator, bool, error) {
	return indicator.Indicator{}, false, errors.New("disk gone")
}

func TestGetIndicatorStoreFailure(t *testing.T) {
	f := newFixture(t)
	rec := get(t, New(failingStore{f.store}).Handler(), "/v1/indicators/"+f.alice)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk gone")
}
