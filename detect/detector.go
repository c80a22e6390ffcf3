// Package detect classifies normalized field values into PII, NPI and
// credential categories.
//
// Every validator runs independently against every present field. A field
// can collect several tags; picking between them is left to the caller via
// Rank. Detection is advisory: a value a validator cannot evaluate yields no
// tag, never an error.
package detect

import (
	"log/slog"
	"strings"

	"github.com/hazyhaar/leakwatch/normalize"
)

// input is the view of a field handed to validators.
type input struct {
	// canonical is the folded canonical form.
	canonical string
	// original keeps case for base58, base64 and checksum-by-case formats.
	original string
	class    string
}

// check is one independent validator. It appends zero or more tags.
type check struct {
	id string
	fn func(d *Detector, in input, tags []Tag) []Tag
}

// checks is the fixed evaluation order. Order affects only tag order.
var checks = []check{
	{"ssn", (*Detector).checkSSN},
	{"national_id", (*Detector).checkNationalID},
	{"credit_card", (*Detector).checkCard},
	{"iban", (*Detector).checkIBAN},
	{"swift_bic", (*Detector).checkSWIFT},
	{"crypto_address", (*Detector).checkCrypto},
	{"wallet_token", (*Detector).checkWalletToken},
	{"email", (*Detector).checkEmail},
	{"phone", (*Detector).checkPhone},
	{"mailing_address", (*Detector).checkAddress},
	{"weak_credential", (*Detector).checkWeakCredential},
	{"salted_hash", (*Detector).checkSaltedHash},
}

// Detector runs the validator set. It is immutable after New and safe for
// concurrent use.
type Detector struct {
	weak    *weakList
	logger  *slog.Logger
	maxSize int
}

// Option configures a Detector.
type Option func(*Detector)

// WithWeakValues adds entries to the embedded weak-credential list.
func WithWeakValues(values ...string) Option {
	return func(d *Detector) { d.weak.add(values...) }
}

// WithLogger sets the logger used for recovered validator failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithMaxValueSize skips values longer than n bytes. Default 4096.
func WithMaxValueSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// New builds a Detector with the embedded weak list.
func New(opts ...Option) *Detector {
	d := &Detector{
		weak:    newWeakList(),
		logger:  slog.Default(),
		maxSize: 4096,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// WeakListSize returns the number of distinct weak plaintexts loaded.
func (d *Detector) WeakListSize() int { return d.weak.size() }

// Detect returns the tags for each field of rec, indexed like rec.Fields.
func (d *Detector) Detect(rec normalize.NormalizedRecord) [][]Tag {
	out := make([][]Tag, len(rec.Fields))
	for i, f := range rec.Fields {
		out[i] = d.DetectField(f)
	}
	return out
}

// DetectField returns the tags for one field. Absent fields get none.
func (d *Detector) DetectField(f normalize.NormalizedField) []Tag {
	if f.Absent() || len(f.Canonical) > d.maxSize {
		return nil
	}
	in := input{canonical: f.Canonical, original: f.Original, class: f.Class}
	if in.original == "" {
		in.original = f.Canonical
	}
	var tags []Tag
	for _, c := range checks {
		tags = d.run(c, in, tags)
	}
	return tags
}

// run isolates one validator so a failure inside it drops only its tags.
func (d *Detector) run(c check, in input, tags []Tag) (out []Tag) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("detect: validator failed", "validator", c.id, "panic", r)
			out = tags
		}
	}()
	return c.fn(d, in, tags)
}

// stripSeparators removes spaces, dashes and dots. It reports false if
// anything other than digits remains.
func stripSeparators(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == ' ' || c == '-' || c == '.':
		default:
			return "", false
		}
	}
	return b.String(), b.Len() > 0
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func repeatedDigits(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
