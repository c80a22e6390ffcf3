// Package normalize canonicalizes raw field values into deterministic,
// comparable forms.
//
// Rules run per field in a fixed order: NFKC, case folding, whitespace
// policy, type inference, null canonicalization, then the configured
// substitution tables. Normalize is total: malformed UTF-8 is recovered
// lossily and flagged, never reported as an error.
package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalizer applies one compiled Ruleset. It holds no mutable state and is
// safe for concurrent use.
type Normalizer struct {
	rules *compiled
}

// New compiles rs into a Normalizer.
func New(rs Ruleset) *Normalizer {
	return &Normalizer{rules: compile(rs)}
}

// RulesVersion returns the version string of the active ruleset.
func (n *Normalizer) RulesVersion() string { return n.rules.version }

// Normalize derives a NormalizedRecord from rec. rec is not modified.
func (n *Normalizer) Normalize(rec RawRecord) NormalizedRecord {
	out := NormalizedRecord{
		Row:        rec.Row,
		ObservedAt: rec.ObservedAt,
		Fields:     make([]NormalizedField, 0, len(rec.Fields)),
	}
	for _, f := range rec.Fields {
		out.Fields = append(out.Fields, n.NormalizeField(f))
	}
	return out
}

// NormalizeField canonicalizes a single field.
func (n *Normalizer) NormalizeField(f Field) NormalizedField {
	nf := NormalizedField{Name: f.Name, Class: n.rules.classFor(f.Name)}

	value := f.Value
	if !utf8.ValidString(value) {
		value = strings.ToValidUTF8(value, "\uFFFD")
		nf.Flags |= FlagInvalidUTF8
	}

	value = norm.NFKC.String(value)

	// Whitespace policy runs before folding so Original keeps its case.
	sensitive := n.rules.isSensitive(f.Name, nf.Class)
	if sensitive {
		nf.Flags |= FlagSensitive
	} else {
		value = squeezeSpace(value)
	}
	nf.Original = value

	canonical := fold(value)

	// Null canonicalization runs on the trimmed folded form, so
	// "  NULL " in a password column is still absent. A whitespace-only
	// sensitive value is a present-but-empty string, not Absent.
	if n.isNull(canonical, sensitive) {
		nf.Type = TypeAbsent
		nf.Canonical = ""
		nf.Original = ""
		return nf
	}

	typ, typed := inferType(canonical, sensitive)
	nf.Type = typ
	canonical = typed

	// Email rules and substitution tables, only where configured.
	if typ == TypeString {
		if nf.Class == ClassEmail || (nf.Class == "" || nf.Class == ClassUsername) && looksLikeEmail(canonical) {
			em, flags := n.canonicalEmail(canonical)
			if em != canonical {
				nf.Variant = canonical
			}
			canonical = em
			nf.Flags |= flags
		}
		if table, ok := n.rules.substitutions[nf.Class]; ok && nf.Class != "" {
			if repl, ok := table[canonical]; ok {
				canonical = repl
				nf.Flags |= FlagSubstituted
			}
		}
	}

	nf.Canonical = canonical
	return nf
}

func (n *Normalizer) isNull(folded string, sensitive bool) bool {
	if folded == "" {
		return true
	}
	trimmed := strings.TrimSpace(folded)
	if trimmed == "" && sensitive {
		return false
	}
	_, ok := n.rules.nullTokens[trimmed]
	return ok
}

// fold applies Unicode case folding. Casers are stateful, so one is built
// per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// squeezeSpace trims, collapses internal whitespace runs to one space and
// drops invisible format characters (zero-width space, BOM, bidi marks).
func squeezeSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Cf, r):
			continue
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
