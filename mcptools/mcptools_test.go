package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/pipeline"
	"github.com/hazyhaar/leakwatch/privstore"
)

var (
	t0           = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testMCPImpl  = &mcp.Implementation{Name: "leakwatch-test", Version: "0.1.0"}
	testKeyBytes = []byte(strings.Repeat("k", indicator.MinKeySize))
)

type env struct {
	store   *privstore.Store
	hasher  *indicator.Hasher
	session *mcp.ClientSession
}

func newEnv(t *testing.T, withIdent bool) env {
	t.Helper()
	store, err := privstore.Open(filepath.Join(t.TempDir(), "leakwatch.db"), privstore.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hasher, err := indicator.NewHasher(testKeyBytes)
	require.NoError(t, err)
	p, err := pipeline.New(store, hasher, pipeline.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	_, err = p.Run(context.Background(), strings.NewReader("email,password\nalice@x.com,hunter2\nALICE@x.com,letmein\nbob@x.com,hunter2\n"), "dump.csv", nil)
	require.NoError(t, err)

	srv := mcp.NewServer(testMCPImpl, nil)
	var ident Identifier
	if withIdent {
		ident = p
	}
	Register(srv, store, ident, nil)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return env{store: store, hasher: hasher, session: session}
}

func callTool(t *testing.T, s *mcp.ClientSession, name string, args any) (string, error) {
	t.Helper()
	result, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent")
	// GetError is always nil on clients; a tool error arrives as IsError.
	if result.IsError {
		return tc.Text, errors.New(tc.Text)
	}
	return tc.Text, nil
}

func mustCall(t *testing.T, s *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	text, err := callTool(t, s, name, args)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(text), out))
}

func TestLookupByHash(t *testing.T) {
	e := newEnv(t, false)
	alice := e.hasher.Hash(indicator.DomainEmail, "alice@x.com")

	var resp lookupResp
	mustCall(t, e.session, "leakwatch_lookup", map[string]any{"hash": alice}, &resp)
	assert.True(t, resp.Found)
	require.NotNil(t, resp.Indicator)
	assert.EqualValues(t, 2, resp.Indicator.Count)
	assert.Equal(t, indicator.DomainEmail, resp.Domain)
	assert.NotEmpty(t, resp.Cooccurrences)

	mustCall(t, e.session, "leakwatch_lookup", map[string]any{"hash": strings.Repeat("0", 64)}, &resp)
	assert.False(t, resp.Found)
}

func TestLookupByValue(t *testing.T) {
	e := newEnv(t, true)

	text, err := callTool(t, e.session, "leakwatch_lookup", map[string]any{"field": "password", "value": "hunter2"})
	require.NoError(t, err)
	assert.NotContains(t, text, "hunter2")

	var resp lookupResp
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	assert.True(t, resp.Found)
	assert.Equal(t, indicator.DomainCredential, resp.Domain)
	assert.EqualValues(t, 2, resp.Indicator.Count)
}

func TestLookupRejects(t *testing.T) {
	e := newEnv(t, false)
	for name, args := range map[string]map[string]any{
		"empty":    {},
		"both":     {"hash": "abc", "value": "x"},
		"no ident": {"field": "email", "value": "alice@x.com"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := callTool(t, e.session, "leakwatch_lookup", args)
			assert.Error(t, err)
		})
	}
}

func TestAnomaliesAndResolve(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	subject := e.hasher.Hash(indicator.DomainEmail, "bob@x.com")
	_, err := e.store.AppendAnomaly(ctx, indicator.AnomalyRecord{
		ID: "anom_1", RunID: "run_x", Row: 3, Subject: subject,
		Type: indicator.AnomalyRareDomain, Contribution: 10, Metric: 1,
	})
	require.NoError(t, err)

	var list struct {
		Anomalies []indicator.AnomalyRecord `json:"anomalies"`
		Count     int                       `json:"count"`
	}
	mustCall(t, e.session, "leakwatch_anomalies", map[string]any{"run_id": "run_x", "unresolved_only": true}, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, subject, list.Anomalies[0].Subject)

	var rec indicator.AnomalyRecord
	mustCall(t, e.session, "leakwatch_resolve_anomaly", map[string]any{"id": "anom_1"}, &rec)
	assert.True(t, rec.Resolved)
	assert.Equal(t, t0, rec.ResolvedAt.UTC())

	mustCall(t, e.session, "leakwatch_anomalies", map[string]any{"run_id": "run_x", "unresolved_only": true}, &list)
	assert.Zero(t, list.Count)

	_, err = callTool(t, e.session, "leakwatch_resolve_anomaly", map[string]any{"id": "missing"})
	assert.ErrorContains(t, err, "not found")
}

func TestStats(t *testing.T) {
	e := newEnv(t, false)
	var s privstore.Stats
	mustCall(t, e.session, "leakwatch_stats", map[string]any{}, &s)
	// alice, bob, hunter2, letmein
	assert.EqualValues(t, 4, s.Indicators)
	assert.EqualValues(t, 1, s.Runs)
}
