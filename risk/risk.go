// Package risk computes the bounded 0-100 risk score of a record.
//
// The formula is fixed so scores can be recomputed from stored indicators
// and anomalies:
//
//	score = min(100, 3*weak_plaintext + 2*weak_hashed
//	                 + 20 if a strong salted-hash marker is present
//	                 + 15 if an indicator has a breach enrichment
//	                 + anomaly_total/5)
//
// anomaly_total/5 is integer division.
package risk

import (
	"github.com/hazyhaar/leakwatch/detect"
)

const (
	MaxScore = 100

	weightPlaintext = 3
	weightHashed    = 2
	bonusSalted     = 20
	bonusBreached   = 15
	anomalyDivisor  = 5
)

// Inputs are the signals the score is computed from.
type Inputs struct {
	WeakPlaintext     int  `json:"weak_plaintext"`
	WeakHashed        int  `json:"weak_hashed"`
	SaltedHashPresent bool `json:"salted_hash_present"`
	BreachEnriched    bool `json:"breach_enriched"`
	AnomalyTotal      int  `json:"anomaly_total"`
}

// Score applies the formula. Negative inputs count as zero.
func Score(in Inputs) int {
	s := weightPlaintext*clamp(in.WeakPlaintext, MaxScore) + weightHashed*clamp(in.WeakHashed, MaxScore)
	if in.SaltedHashPresent {
		s += bonusSalted
	}
	if in.BreachEnriched {
		s += bonusBreached
	}
	s += clamp(in.AnomalyTotal, MaxScore*anomalyDivisor) / anomalyDivisor
	return min(s, MaxScore)
}

// clamp bounds x to [0, hi]; anything above hi already saturates the score.
func clamp(x, hi int) int {
	return min(max(x, 0), hi)
}

// FromTags fills the detection part of Inputs from a record's per-field
// tags. Only exact-match weak-credential tags count; each is counted once
// as plaintext or pre-hashed by its origin.
func FromTags(fields [][]detect.Tag) Inputs {
	var in Inputs
	for _, tags := range fields {
		for _, t := range tags {
			switch t.Category {
			case detect.CategoryWeakCredential:
				if t.Confidence < detect.ConfidenceExactMatch {
					continue
				}
				if detect.IsPrehashed(t.Origin) {
					in.WeakHashed++
				} else {
					in.WeakPlaintext++
				}
			case detect.CategorySaltedHash:
				in.SaltedHashPresent = true
			}
		}
	}
	return in
}

// Bucket labels of Distribution, in order.
var Buckets = []string{"0-19", "20-39", "40-59", "60-79", "80-100"}

// BucketOf returns the Distribution index of score.
func BucketOf(score int) int {
	switch {
	case score < 20:
		return 0
	case score < 40:
		return 1
	case score < 60:
		return 2
	case score < 80:
		return 3
	default:
		return 4
	}
}

// Distribution counts scores per bucket. The zero value is ready to use;
// it is not safe for concurrent use.
type Distribution [5]int64

func (d *Distribution) Add(score int) { d[BucketOf(score)]++ }

// Map returns the counts keyed by bucket label.
func (d Distribution) Map() map[string]int64 {
	m := make(map[string]int64, len(Buckets))
	for i, label := range Buckets {
		m[label] = d[i]
	}
	return m
}
