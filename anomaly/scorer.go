// Package anomaly flags records that look unusual against a running
// baseline.
//
// Flags are additive. Each carries a fixed risk contribution:
//
//	entropy_outlier     30  entropy more than 3 sigma above the class mean
//	unseen_combination  20  field-combination tuple never seen before
//	rare_domain         10  email domain seen fewer than RareFloor times
//	rare_user           10  user indicator seen fewer than RareFloor times
//
// Novelty and rarity flags stay silent until the baseline has absorbed
// Warmup records, otherwise every record of a fresh deployment would fire.
package anomaly

import (
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/normalize"
)

// Contributions per flag type.
const (
	ContributionEntropy     = 30
	ContributionUnseenCombo = 20
	ContributionRareDomain  = 10
	ContributionRareUser    = 10
)

// Config tunes the scorer. Zero values take the defaults.
type Config struct {
	Warmup            int64   `yaml:"warmup"`
	RareFloor         int64   `yaml:"rare_floor"`
	Sigma             float64 `yaml:"sigma"`
	MinEntropySamples int64   `yaml:"min_entropy_samples"`
}

func (c *Config) defaults() {
	if c.Warmup <= 0 {
		c.Warmup = 50
	}
	if c.RareFloor <= 0 {
		c.RareFloor = 5
	}
	if c.Sigma <= 0 {
		c.Sigma = 3
	}
	if c.MinEntropySamples <= 0 {
		c.MinEntropySamples = 30
	}
}

// Subject is the indicator a field resolved to.
type Subject struct {
	Hash   string
	Domain string
	// Count is the indicator's occurrence count including this record.
	Count int64
}

// Input is one record with the indicators its fields produced.
type Input struct {
	Record normalize.NormalizedRecord
	// Subjects is keyed by field index.
	Subjects map[int]Subject
	// Primary is the record's representative indicator, used as subject of
	// record-level flags. Empty when the record produced no indicator.
	Primary string
}

// Flag is one anomaly raised for a record.
type Flag struct {
	Type         indicator.AnomalyType `json:"type"`
	Field        string                `json:"field,omitempty"`
	Subject      string                `json:"subject,omitempty"`
	Contribution int                   `json:"contribution"`
	Metric       float64               `json:"metric"`
}

// Total sums contributions.
func Total(flags []Flag) int {
	t := 0
	for _, f := range flags {
		t += f.Contribution
	}
	return t
}

// DomainKeyer turns an email domain into the key the baseline counts it
// under. It must be keyed (HMAC): the baseline is persisted.
type DomainKeyer func(domain string) string

// Scorer scores records against a Baseline it does not own.
type Scorer struct {
	baseline *Baseline
	cfg      Config
	keyer    DomainKeyer
}

// NewScorer returns a Scorer reading and updating b. keyer is required.
func NewScorer(b *Baseline, cfg Config, keyer DomainKeyer) (*Scorer, error) {
	if keyer == nil {
		return nil, errors.New("anomaly: domain keyer is required")
	}
	cfg.defaults()
	return &Scorer{baseline: b, cfg: cfg, keyer: keyer}, nil
}

// Config returns the effective configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Score flags in against the baseline, then folds in into it. Scoring and
// update happen under one lock so no observation is lost.
func (s *Scorer) Score(in Input) []Flag {
	fields := in.Record.Fields
	tuple := tupleKey(fields)
	// One count per domain and record, however many fields carry it.
	domainKeys := make([]string, len(fields))
	keyed := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if f.Absent() || !isEmailField(f, in.Subjects[i]) {
			continue
		}
		d := normalize.EmailDomain(f.Canonical)
		if d == "" {
			continue
		}
		k := s.keyer(d)
		if _, dup := keyed[k]; dup {
			continue
		}
		keyed[k] = struct{}{}
		domainKeys[i] = k
	}

	b := s.baseline
	b.mu.Lock()
	defer b.mu.Unlock()

	warm := b.records >= s.cfg.Warmup
	var flags []Flag

	for i, f := range fields {
		if f.Absent() || f.Type != normalize.TypeString || f.Canonical == "" {
			continue
		}
		e := Entropy(f.Canonical)
		w := b.stats(classOf(f))
		if w.n >= s.cfg.MinEntropySamples {
			limit := w.mean + s.cfg.Sigma*w.std()
			if e > limit && e-w.mean > 1e-9 {
				flags = append(flags, Flag{
					Type:         indicator.AnomalyEntropyOutlier,
					Field:        f.Name,
					Subject:      subjectOf(in, i),
					Contribution: ContributionEntropy,
					Metric:       round(e),
				})
			}
		}
		b.observeEntropy(classOf(f), e)
	}

	if tuple != "" {
		if warm && b.tuples[tuple] == 0 {
			flags = append(flags, Flag{
				Type:         indicator.AnomalyUnseenCombination,
				Subject:      in.Primary,
				Contribution: ContributionUnseenCombo,
			})
		}
		b.bump(tuplesOf, tuple)
	}

	for i, key := range domainKeys {
		if key == "" {
			continue
		}
		seen := b.domains[key]
		if warm && seen < s.cfg.RareFloor {
			flags = append(flags, Flag{
				Type:         indicator.AnomalyRareDomain,
				Field:        fields[i].Name,
				Subject:      subjectOf(in, i),
				Contribution: ContributionRareDomain,
				Metric:       float64(seen),
			})
		}
		b.bump(domainsOf, key)
	}

	if warm {
		for i, f := range fields {
			sub, ok := in.Subjects[i]
			if !ok || f.Absent() || !isUserDomain(sub.Domain) {
				continue
			}
			prior := sub.Count - 1
			if prior < s.cfg.RareFloor {
				flags = append(flags, Flag{
					Type:         indicator.AnomalyRareUser,
					Field:        f.Name,
					Subject:      sub.Hash,
					Contribution: ContributionRareUser,
					Metric:       float64(prior),
				})
			}
		}
	}

	b.observeRecord()
	return flags
}

// Entropy is the Shannon entropy of s in bits per rune.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	n := 0
	for _, r := range s {
		counts[r]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

func round(x float64) float64 { return math.Round(x*1e6) / 1e6 }

func classOf(f normalize.NormalizedField) string {
	if f.Class != "" {
		return f.Class
	}
	return "unclassified"
}

// tupleKey is the sorted set of classes (or folded header names for
// unclassified fields) of the present fields.
func tupleKey(fields []normalize.NormalizedField) string {
	parts := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Absent() {
			continue
		}
		k := f.Class
		if k == "" {
			k = "field:" + strings.ToLower(strings.TrimSpace(f.Name))
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		parts = append(parts, k)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func isEmailField(f normalize.NormalizedField, sub Subject) bool {
	return f.Class == normalize.ClassEmail || sub.Domain == indicator.DomainEmail
}

func isUserDomain(d string) bool {
	return d == indicator.DomainEmail || d == indicator.DomainUsername
}

func subjectOf(in Input, i int) string {
	if sub, ok := in.Subjects[i]; ok && sub.Hash != "" {
		return sub.Hash
	}
	return in.Primary
}
