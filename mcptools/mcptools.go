// Package mcptools exposes the privacy store to MCP clients. Tools answer
// with hashes and counts only; a plaintext lookup value is hashed in
// memory and never echoed back.
package mcptools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/kit"
	"github.com/hazyhaar/leakwatch/privstore"
)

// Store is the part of the privacy store the tools read and resolve.
type Store interface {
	GetIndicator(ctx context.Context, hash string) (indicator.Indicator, bool, error)
	Aliases(ctx context.Context, canonical string) ([]indicator.AliasLink, error)
	Cooccurrences(ctx context.Context, hash string) ([]indicator.CooccurrenceEdge, error)
	ListAnomalies(ctx context.Context, f privstore.AnomalyFilter) ([]indicator.AnomalyRecord, error)
	ResolveAnomaly(ctx context.Context, id string) (indicator.AnomalyRecord, error)
	Stats(ctx context.Context) (privstore.Stats, error)
}

// Identifier derives the hash a value would get at ingestion.
// *pipeline.Pipeline implements it.
type Identifier interface {
	Identify(field, value string) (indicator.Derived, bool)
}

// Tools holds the collaborators shared by every tool.
type Tools struct {
	store  Store
	ident  Identifier
	logger *slog.Logger
}

// Register adds the leakwatch tools to srv. ident may be nil, in which case
// lookups accept hashes only.
func Register(srv *mcp.Server, store Store, ident Identifier, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tools{store: store, ident: ident, logger: logger}
	t.register(srv, lookupTool, t.lookup, kit.DecodeArgs[lookupReq])
	t.register(srv, anomaliesTool, t.anomalies, kit.DecodeArgs[anomaliesReq])
	t.register(srv, resolveTool, t.resolve, kit.DecodeArgs[resolveReq])
	t.register(srv, statsTool, t.stats, kit.DecodeArgs[struct{}])
}

func (t *Tools) register(srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Logging(t.logger, tool.Name)(ep), decode)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- lookup ---

var lookupTool = &mcp.Tool{
	Name:        "leakwatch_lookup",
	Description: "Look up an indicator by hash, or by a raw value hashed the way ingestion hashes it. Returns counts, flags, aliases and co-occurrences.",
	InputSchema: inputSchema(map[string]any{
		"hash":  map[string]any{"type": "string", "description": "Indicator hash (64 hex characters)"},
		"field": map[string]any{"type": "string", "description": "Column name giving the value's class, e.g. email or password"},
		"value": map[string]any{"type": "string", "description": "Raw value; hashed in memory, never stored"},
	}, nil),
}

type lookupReq struct {
	Hash  string `json:"hash"`
	Field string `json:"field"`
	Value string `json:"value"`
}

type lookupResp struct {
	Found         bool                         `json:"found"`
	Hash          string                       `json:"hash"`
	Domain        string                       `json:"domain,omitempty"`
	Indicator     *indicator.Indicator         `json:"indicator,omitempty"`
	Aliases       []indicator.AliasLink        `json:"aliases,omitempty"`
	Cooccurrences []indicator.CooccurrenceEdge `json:"cooccurrences,omitempty"`
}

func (t *Tools) lookup(ctx context.Context, req any) (any, error) {
	r := req.(lookupReq)
	resp := lookupResp{Hash: r.Hash}
	switch {
	case r.Hash != "" && r.Value != "":
		return nil, errors.New("give either hash or value, not both")
	case r.Value != "":
		if t.ident == nil {
			return nil, errors.New("value lookups are not enabled")
		}
		d, ok := t.ident.Identify(r.Field, r.Value)
		if !ok {
			return nil, fmt.Errorf("value is not identity-bearing for field %q", r.Field)
		}
		resp.Hash, resp.Domain = d.Hash, d.Domain
	case r.Hash == "":
		return nil, errors.New("hash or value is required")
	}

	ind, found, err := t.store.GetIndicator(ctx, resp.Hash)
	if err != nil || !found {
		return resp, err
	}
	resp.Found, resp.Indicator, resp.Domain = true, &ind, ind.Domain
	if resp.Aliases, err = t.store.Aliases(ctx, resp.Hash); err != nil {
		return nil, err
	}
	if resp.Cooccurrences, err = t.store.Cooccurrences(ctx, resp.Hash); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- anomalies ---

var anomaliesTool = &mcp.Tool{
	Name:        "leakwatch_anomalies",
	Description: "List anomaly records, oldest first, optionally filtered by run, subject hash, type or resolution state.",
	InputSchema: inputSchema(map[string]any{
		"run_id":          map[string]any{"type": "string"},
		"subject":         map[string]any{"type": "string", "description": "Indicator hash"},
		"type":            map[string]any{"type": "string", "enum": []string{"entropy_outlier", "unseen_combination", "rare_domain", "rare_user"}},
		"unresolved_only": map[string]any{"type": "boolean"},
		"limit":           map[string]any{"type": "integer", "description": "Maximum records (default 100)"},
	}, nil),
}

type anomaliesReq struct {
	RunID          string `json:"run_id"`
	Subject        string `json:"subject"`
	Type           string `json:"type"`
	UnresolvedOnly bool   `json:"unresolved_only"`
	Limit          int    `json:"limit"`
}

func (t *Tools) anomalies(ctx context.Context, req any) (any, error) {
	r := req.(anomaliesReq)
	if r.Limit <= 0 || r.Limit > 1000 {
		r.Limit = 100
	}
	recs, err := t.store.ListAnomalies(ctx, privstore.AnomalyFilter{
		RunID:          r.RunID,
		Subject:        r.Subject,
		Type:           indicator.AnomalyType(r.Type),
		UnresolvedOnly: r.UnresolvedOnly,
		Limit:          r.Limit,
	})
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []indicator.AnomalyRecord{}
	}
	return map[string]any{"anomalies": recs, "count": len(recs)}, nil
}

// --- resolve ---

var resolveTool = &mcp.Tool{
	Name:        "leakwatch_resolve_anomaly",
	Description: "Mark an anomaly record as reviewed. Resolving twice keeps the first resolution time.",
	InputSchema: inputSchema(map[string]any{
		"id": map[string]any{"type": "string", "description": "Anomaly ID"},
	}, []string{"id"}),
}

type resolveReq struct {
	ID string `json:"id"`
}

func (t *Tools) resolve(ctx context.Context, req any) (any, error) {
	r := req.(resolveReq)
	if r.ID == "" {
		return nil, errors.New("id is required")
	}
	rec, err := t.store.ResolveAnomaly(ctx, r.ID)
	if errors.Is(err, privstore.ErrNotFound) {
		return nil, fmt.Errorf("anomaly %s not found", r.ID)
	}
	return rec, err
}

// --- stats ---

var statsTool = &mcp.Tool{
	Name:        "leakwatch_stats",
	Description: "Aggregate counts of the privacy store: indicators by domain, links, anomalies, runs.",
	InputSchema: inputSchema(map[string]any{}, nil),
}

func (t *Tools) stats(ctx context.Context, _ any) (any, error) {
	return t.store.Stats(ctx)
}
