// Package report renders what an ingestion run produced.
//
// Per-record results stream through a Sink so a run over a large dump never
// holds them in memory. The run Summary is small and is rendered once at
// the end as JSON, YAML or an aligned text table. JSON output has a stable
// key order: struct fields in declaration order, map keys sorted.
package report

import (
	"time"

	"github.com/hazyhaar/leakwatch/anomaly"
	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/detect"
	"github.com/hazyhaar/leakwatch/privstore"
)

// FieldResult is one field of one record. It never carries the field value.
type FieldResult struct {
	Field      string            `json:"field" yaml:"field"`
	Class      string            `json:"class,omitempty" yaml:"class,omitempty"`
	Type       string            `json:"type" yaml:"type"`
	Tags       []detect.Tag      `json:"tags,omitempty" yaml:"tags,omitempty"`
	Hash       string            `json:"hash,omitempty" yaml:"hash,omitempty"`
	Domain     string            `json:"domain,omitempty" yaml:"domain,omitempty"`
	Resolution dedup.Class       `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Similar    *dedup.Similarity `json:"similar,omitempty" yaml:"similar,omitempty"`
	Count      int64             `json:"count,omitempty" yaml:"count,omitempty"`
	PeerKnown  bool              `json:"peer_known,omitempty" yaml:"peer_known,omitempty"`
	Breached   bool              `json:"breached,omitempty" yaml:"breached,omitempty"`
	// SameRow marks a field whose identity an earlier field of the same
	// row already resolved. It carries no resolution of its own.
	SameRow    bool              `json:"same_row,omitempty" yaml:"same_row,omitempty"`
}

// RecordResult is everything the pipeline decided about one row.
type RecordResult struct {
	RunID     string         `json:"run_id" yaml:"run_id"`
	Row       int64          `json:"row" yaml:"row"`
	Fields    []FieldResult  `json:"fields" yaml:"fields"`
	Anomalies []anomaly.Flag `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Risk      int            `json:"risk" yaml:"risk"`
	Bucket    string         `json:"risk_bucket" yaml:"risk_bucket"`
	Lossy     bool           `json:"lossy,omitempty" yaml:"lossy,omitempty"`
	// Missing lists enrichments skipped for this record as service:reason.
	Missing []string `json:"enrichment_missing,omitempty" yaml:"enrichment_missing,omitempty"`
}

// MalformedRow is a row the reader could not turn into a record.
type MalformedRow struct {
	RunID  string `json:"run_id" yaml:"run_id"`
	Row    int64  `json:"row" yaml:"row"`
	Reason string `json:"reason" yaml:"reason"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Resolutions counts dedup outcomes across the run, one per indicator
// observation.
type Resolutions struct {
	New       int64 `json:"new" yaml:"new"`
	Duplicate int64 `json:"duplicate" yaml:"duplicate"`
	Similar   int64 `json:"similar_candidate" yaml:"similar_candidate"`
	PeerKnown int64 `json:"peer_known" yaml:"peer_known"`
}

// Summary aggregates a run.
type Summary struct {
	RunID          string              `json:"run_id" yaml:"run_id"`
	Source         string              `json:"source" yaml:"source"`
	Status         privstore.RunStatus `json:"status" yaml:"status"`
	Reason         string              `json:"reason,omitempty" yaml:"reason,omitempty"`
	RulesVersion   string              `json:"rules_version" yaml:"rules_version"`
	KeyFingerprint string              `json:"key_fingerprint" yaml:"key_fingerprint"`
	StartedAt      time.Time           `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time           `json:"finished_at" yaml:"finished_at"`

	RowsTotal     int64            `json:"rows_total" yaml:"rows_total"`
	RowsProcessed int64            `json:"rows_processed" yaml:"rows_processed"`
	RowsMalformed int64            `json:"malformed_count" yaml:"malformed_count"`
	Malformed     map[string]int64 `json:"malformed_by_reason" yaml:"malformed_by_reason"`

	UniqueIndicators int64            `json:"unique_indicators" yaml:"unique_indicators"`
	Resolutions      Resolutions      `json:"resolutions" yaml:"resolutions"`
	Categories       map[string]int64 `json:"categories" yaml:"categories"`

	AnomalyCount         int64            `json:"anomaly_count" yaml:"anomaly_count"`
	Anomalies            map[string]int64 `json:"anomalies_by_type" yaml:"anomalies_by_type"`
	AnomalyWriteFailures int64            `json:"anomaly_write_failures" yaml:"anomaly_write_failures"`

	Risk              map[string]int64 `json:"risk_distribution" yaml:"risk_distribution"`
	EnrichmentMissing map[string]int64 `json:"enrichment_missing" yaml:"enrichment_missing"`
}

// Duration is the wall time of the run, zero while it is running.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Counts converts the summary to the store's run bookkeeping.
func (s *Summary) Counts() privstore.RunCounts {
	return privstore.RunCounts{
		RowsTotal:      s.RowsTotal,
		RowsMalformed:  s.RowsMalformed,
		NewCount:       s.Resolutions.New,
		DuplicateCount: s.Resolutions.Duplicate,
		SimilarCount:   s.Resolutions.Similar,
		AnomalyCount:   s.AnomalyCount,
	}
}
