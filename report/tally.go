package report

import (
	"fmt"
	"sync"

	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/risk"
)

// Tally folds streamed results into a Summary. Safe for concurrent use; it
// also satisfies Sink.
type Tally struct {
	mu        sync.Mutex
	s         Summary
	risk      risk.Distribution
	writeFail int64
}

// NewTally starts a summary from the run header fields of base.
func NewTally(base Summary) *Tally {
	base.Malformed = map[string]int64{}
	base.Categories = map[string]int64{}
	base.Anomalies = map[string]int64{}
	base.EnrichmentMissing = map[string]int64{}
	return &Tally{s: base}
}

// Add folds one record result. Fields marked SameRow repeat an identity
// already counted for the row and add no resolution.
func (t *Tally) Add(r RecordResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.RowsTotal++
	t.s.RowsProcessed++
	for _, f := range r.Fields {
		for _, tag := range f.Tags {
			t.s.Categories[string(tag.Category)]++
		}
		if f.SameRow {
			continue
		}
		switch f.Resolution {
		case dedup.ClassNew:
			t.s.Resolutions.New++
		case dedup.ClassDuplicate:
			t.s.Resolutions.Duplicate++
		case dedup.ClassSimilar:
			t.s.Resolutions.Similar++
		}
		if f.PeerKnown {
			t.s.Resolutions.PeerKnown++
		}
	}
	for _, a := range r.Anomalies {
		t.s.AnomalyCount++
		t.s.Anomalies[string(a.Type)]++
	}
	for _, m := range r.Missing {
		t.s.EnrichmentMissing[m]++
	}
	t.risk.Add(r.Risk)
}

// AddMalformed folds one skipped row.
func (t *Tally) AddMalformed(m MalformedRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.RowsTotal++
	t.s.RowsMalformed++
	t.s.Malformed[m.Reason]++
}

// Record implements Sink.
func (t *Tally) Record(r RecordResult) error {
	t.Add(r)
	return nil
}

// Malformed implements Sink.
func (t *Tally) Malformed(m MalformedRow) error {
	t.AddMalformed(m)
	return nil
}

// AnomalyWriteFailed counts an anomaly the store refused.
func (t *Tally) AnomalyWriteFailed() {
	t.mu.Lock()
	t.writeFail++
	t.mu.Unlock()
}

// Close is a no-op.
func (t *Tally) Close() error { return nil }

// Summary returns a copy of the current aggregate.
func (t *Tally) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.s
	out.Malformed = cloneCounts(t.s.Malformed)
	out.Categories = cloneCounts(t.s.Categories)
	out.Anomalies = cloneCounts(t.s.Anomalies)
	out.EnrichmentMissing = cloneCounts(t.s.EnrichmentMissing)
	out.Risk = t.risk.Map()
	out.AnomalyWriteFailures = t.writeFail
	return out
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MissingKey formats an enrichment miss as it appears in reports.
func MissingKey(service, reason string) string {
	return fmt.Sprintf("%s:%s", service, reason)
}
