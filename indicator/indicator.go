// Package indicator defines the persisted entities of the privacy store and
// the keyed hasher that derives their identity.
//
// No type in this package carries plaintext. Identity holds the transient
// canonical value only until Hasher turns it into a canonical hash.
package indicator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hazyhaar/leakwatch/detect"
)

// Indicator is the unit of historical identity.
type Indicator struct {
	Hash       string            `json:"hash"`
	Domain     string            `json:"domain"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
	Count      int64             `json:"count"`
	Categories []detect.Category `json:"categories,omitempty"`
	Breached   bool              `json:"breached"`
	PeerKnown  bool              `json:"peer_known"`
	Embedded   bool              `json:"embedded"`
}

// Observation is one sighting of a canonical hash.
type Observation struct {
	Hash       string
	Domain     string
	ObservedAt time.Time
	Categories []detect.Category
}

// AliasType names the rule that relates a variant to its canonical form.
type AliasType string

const (
	AliasPlusAddressing      AliasType = "plus_addressing"
	AliasPunctuationVariant  AliasType = "punctuation_variant"
	AliasFormatNormalization AliasType = "format_normalization"
	AliasDomain              AliasType = "domain_alias"
)

// AliasLink relates a variant hash to a canonical hash. Stored directionally.
type AliasLink struct {
	VariantHash   string    `json:"variant_hash"`
	CanonicalHash string    `json:"canonical_hash"`
	Type          AliasType `json:"type"`
	Confidence    int       `json:"confidence"`
}

var ErrSelfAlias = errors.New("indicator: alias must not point to itself")

// Validate rejects self-aliases and out-of-range confidence.
func (a AliasLink) Validate() error {
	if a.VariantHash == "" || a.CanonicalHash == "" {
		return errors.New("indicator: alias hashes are required")
	}
	if a.VariantHash == a.CanonicalHash {
		return ErrSelfAlias
	}
	if a.Confidence < 0 || a.Confidence > 100 {
		return fmt.Errorf("indicator: alias confidence %d out of [0,100]", a.Confidence)
	}
	switch a.Type {
	case AliasPlusAddressing, AliasPunctuationVariant, AliasFormatNormalization, AliasDomain:
		return nil
	}
	return fmt.Errorf("indicator: unknown alias type %q", a.Type)
}

// CooccurrenceEdge is an undirected relation stored with Hash1 < Hash2.
type CooccurrenceEdge struct {
	Hash1     string    `json:"hash_1"`
	Hash2     string    `json:"hash_2"`
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewEdge orders a and b. It reports false when they are equal.
func NewEdge(a, b string) (CooccurrenceEdge, bool) {
	if a == b || a == "" || b == "" {
		return CooccurrenceEdge{}, false
	}
	if b < a {
		a, b = b, a
	}
	return CooccurrenceEdge{Hash1: a, Hash2: b}, true
}

// AnomalyType is one of the scorer's flags.
type AnomalyType string

const (
	AnomalyEntropyOutlier    AnomalyType = "entropy_outlier"
	AnomalyUnseenCombination AnomalyType = "unseen_combination"
	AnomalyRareDomain        AnomalyType = "rare_domain"
	AnomalyRareUser          AnomalyType = "rare_user"
)

// AnomalyRecord is append-only. Resolution is a later administrative update
// of Resolved and ResolvedAt only.
type AnomalyRecord struct {
	ID           string      `json:"id"`
	RunID        string      `json:"run_id"`
	Row          int64       `json:"row"`
	Subject      string      `json:"subject"`
	Type         AnomalyType `json:"type"`
	Contribution int         `json:"contribution"`
	Metric       float64     `json:"metric"`
	Resolved     bool        `json:"resolved"`
	CreatedAt    time.Time   `json:"created_at"`
	ResolvedAt   time.Time   `json:"resolved_at,omitzero"`
}

// SortCategories returns the de-duplicated categories in a stable order.
func SortCategories(cs []detect.Category) []detect.Category {
	if len(cs) == 0 {
		return nil
	}
	seen := make(map[detect.Category]struct{}, len(cs))
	out := make([]detect.Category, 0, len(cs))
	for _, c := range cs {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CategoryMask packs categories into the bitmask the store persists. Bit i
// is detect.Categories[i]; that order is part of the file format.
func CategoryMask(cs []detect.Category) int64 {
	var m int64
	for _, c := range cs {
		for i, k := range detect.Categories {
			if k == c {
				m |= 1 << uint(i)
				break
			}
		}
	}
	return m
}

// CategoriesFromMask is the inverse of CategoryMask, in detect.Categories order.
func CategoriesFromMask(m int64) []detect.Category {
	var out []detect.Category
	for i, k := range detect.Categories {
		if m&(1<<uint(i)) != 0 {
			out = append(out, k)
		}
	}
	return out
}
