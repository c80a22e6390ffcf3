package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hazyhaar/leakwatch/dedup"
)

// PeerSource fetches the Bloom filters published by peer instances.
type PeerSource interface {
	FetchFilter(ctx context.Context) (*dedup.PeerFilter, error)
}

// maxFilterBytes bounds a downloaded filter.
const maxFilterBytes = 256 << 20

// HTTPPeerSource downloads each peer's filter from GET <base>/v1/peer/bloom
// and merges them into one set; peers may size their filters differently.
// Peers that fail are skipped; the call fails only when no peer answered.
type HTTPPeerSource struct {
	peers  []string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPPeerSource returns a source over peer base URLs.
func NewHTTPPeerSource(peers []string, client *http.Client, logger *slog.Logger) *HTTPPeerSource {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPPeerSource{peers: peers, client: client, logger: logger}
}

func (s *HTTPPeerSource) FetchFilter(ctx context.Context) (*dedup.PeerFilter, error) {
	var (
		merged *dedup.PeerFilter
		errs   []error
	)
	for _, base := range s.peers {
		f, err := s.fetch(ctx, base)
		if err != nil {
			s.logger.Warn("enrich: peer filter fetch failed", "peer", base, "error", err)
			errs = append(errs, err)
			continue
		}
		if merged == nil {
			merged = f
			continue
		}
		merged.Merge(f)
	}
	if merged == nil {
		if len(errs) == 0 {
			return nil, fmt.Errorf("enrich: no peers configured")
		}
		return nil, errors.Join(errs...)
	}
	return merged, nil
}

func (s *HTTPPeerSource) fetch(ctx context.Context, base string) (*dedup.PeerFilter, error) {
	url := strings.TrimRight(base, "/") + "/v1/peer/bloom"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return dedup.DecodePeerFilter(io.LimitReader(resp.Body, maxFilterBytes))
}
