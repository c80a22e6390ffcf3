package anomaly

import (
	"math"
	"sort"
	"sync"

	"github.com/hazyhaar/leakwatch/privstore"
)

// Baseline row kinds as persisted by the privacy store.
const (
	kindEntropy = "entropy"
	kindTuple   = "tuple"
	kindDomain  = "domain"
	kindMeta    = "meta"
	metaRecords = "records"
)

// DefaultMaxKeys bounds the tuple and domain frequency tables.
const DefaultMaxKeys = 1 << 18

// welford is a running mean/variance accumulator.
type welford struct {
	n    int64
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

// merge combines two accumulators (Chan et al.).
func (w *welford) merge(o welford) {
	if o.n == 0 {
		return
	}
	if w.n == 0 {
		*w = o
		return
	}
	n := w.n + o.n
	d := o.mean - w.mean
	w.m2 += o.m2 + d*d*float64(w.n)*float64(o.n)/float64(n)
	w.mean = (w.mean*float64(w.n) + o.mean*float64(o.n)) / float64(n)
	w.n = n
}

// std is the sample standard deviation.
func (w welford) std() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}

// accum is one set of baseline accumulators.
type accum struct {
	records int64
	entropy map[string]*welford
	tuples  map[string]int64
	domains map[string]int64
}

func newAccum() accum {
	return accum{
		entropy: make(map[string]*welford),
		tuples:  make(map[string]int64),
		domains: make(map[string]int64),
	}
}

func (a *accum) stats(class string) *welford {
	w, ok := a.entropy[class]
	if !ok {
		w = &welford{}
		a.entropy[class] = w
	}
	return w
}

func (a *accum) rows() []privstore.BaselineRow {
	rows := make([]privstore.BaselineRow, 0, 1+len(a.entropy)+len(a.tuples)+len(a.domains))
	rows = append(rows, privstore.BaselineRow{Kind: kindMeta, Key: metaRecords, Count: a.records})
	for k, w := range a.entropy {
		rows = append(rows, privstore.BaselineRow{Kind: kindEntropy, Key: k, Count: w.n, Mean: w.mean, M2: w.m2})
	}
	for k, n := range a.tuples {
		rows = append(rows, privstore.BaselineRow{Kind: kindTuple, Key: k, Count: n})
	}
	for k, n := range a.domains {
		rows = append(rows, privstore.BaselineRow{Kind: kindDomain, Key: k, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].Key < rows[j].Key
	})
	return rows
}

// Baseline is the running anomaly baseline: entropy statistics per field
// class, the field-combination tuples seen so far and keyed email-domain
// frequencies. It holds no plaintext. Every method is safe for concurrent
// use; one Baseline is shared by all workers of a run.
//
// Observations scored since the last Restore or Drain are also kept apart
// as a pending delta, so a run persists only what it added and never
// overwrites what other runs stored meanwhile.
type Baseline struct {
	mu      sync.Mutex
	accum
	pending accum
	maxKeys int
}

// NewBaseline returns an empty baseline.
func NewBaseline() *Baseline {
	return &Baseline{
		accum:   newAccum(),
		pending: newAccum(),
		maxKeys: DefaultMaxKeys,
	}
}

// SetMaxKeys bounds the tuple and domain tables. Keys beyond the bound are
// not tracked and keep reading as unseen.
func (b *Baseline) SetMaxKeys(n int) {
	b.mu.Lock()
	b.maxKeys = n
	b.mu.Unlock()
}

// Records returns how many records the baseline has absorbed.
func (b *Baseline) Records() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records
}

// bump counts key in the table picked by pick, in both the baseline and the
// pending delta. Keys beyond maxKeys are not tracked.
func (b *Baseline) bump(pick func(*accum) map[string]int64, key string) {
	m := pick(&b.accum)
	if _, ok := m[key]; !ok && len(m) >= b.maxKeys {
		return
	}
	m[key]++
	pick(&b.pending)[key]++
}

func tuplesOf(a *accum) map[string]int64  { return a.tuples }
func domainsOf(a *accum) map[string]int64 { return a.domains }

// observeEntropy folds one entropy sample of class.
func (b *Baseline) observeEntropy(class string, e float64) {
	b.stats(class).add(e)
	b.pending.stats(class).add(e)
}

func (b *Baseline) observeRecord() {
	b.records++
	b.pending.records++
}

// Snapshot returns the baseline as store rows, sorted by kind and key.
func (b *Baseline) Snapshot() []privstore.BaselineRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accum.rows()
}

// Drain returns the observations added since the last Restore or Drain as
// store rows, sorted by kind and key, and clears them. The rows are deltas
// meant for privstore.MergeBaseline.
func (b *Baseline) Drain() []privstore.BaselineRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.pending.rows()
	b.pending = newAccum()
	return rows
}

// Restore replaces the baseline contents with rows and clears the pending
// delta. Unknown kinds are ignored.
func (b *Baseline) Restore(rows []privstore.BaselineRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accum = newAccum()
	b.pending = newAccum()
	b.accum.absorb(rows)
}

// Merge adds rows already persisted elsewhere, as an import does. They do
// not enter the pending delta.
func (b *Baseline) Merge(rows []privstore.BaselineRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accum.absorb(rows)
}

func (a *accum) absorb(rows []privstore.BaselineRow) {
	for _, r := range rows {
		switch r.Kind {
		case kindMeta:
			if r.Key == metaRecords {
				a.records += r.Count
			}
		case kindEntropy:
			a.stats(r.Key).merge(welford{n: r.Count, mean: r.Mean, m2: r.M2})
		case kindTuple:
			a.tuples[r.Key] += r.Count
		case kindDomain:
			a.domains[r.Key] += r.Count
		}
	}
}
