package normalize

import "time"

// Field is one (name, raw value) pair read from an input row.
type Field struct {
	Name  string
	Value string
}

// RawRecord is one input row. It lives for a single pipeline pass and is
// never persisted.
type RawRecord struct {
	Row        int64
	ObservedAt time.Time
	Fields     []Field
}

// ValueType is the inferred semantic type of a normalized value.
type ValueType int

const (
	TypeString ValueType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeTimestamp
	TypeAbsent
)

var valueTypeNames = [...]string{"string", "integer", "float", "boolean", "timestamp", "absent"}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return "unknown"
}

// MarshalText renders the type name in reports.
func (t ValueType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Flag records which lossy or rule-driven steps touched a field.
type Flag uint16

const (
	FlagInvalidUTF8   Flag = 1 << iota // malformed bytes replaced with U+FFFD
	FlagSubstituted                    // a configured substitution table applied
	FlagPlusStripped                   // email +tag removed
	FlagDotsStripped                   // dots removed from a dot-insensitive mailbox
	FlagDomainAliased                  // email domain rewritten by an alias table
	FlagIDNA                           // email domain converted to its ASCII form
	FlagSensitive                      // whitespace preserved (sensitive/free-text field)
)

// Has reports whether f contains all bits of other.
func (f Flag) Has(other Flag) bool { return f&other == other }

// NormalizedField is the canonical view of one raw field.
//
// Canonical is the comparable form used for hashing and deduplication.
// Original is the NFKC form with the whitespace policy applied but without
// case folding; case-sensitive detectors (base58, base64, EIP-55) need it.
// Variant is the folded form before email rules ran, set only when it differs
// from Canonical.
type NormalizedField struct {
	Name      string
	Class     string
	Type      ValueType
	Canonical string
	Original  string
	Variant   string
	Flags     Flag
}

// Absent reports whether the field carries the explicit Absent marker.
func (f NormalizedField) Absent() bool { return f.Type == TypeAbsent }

// NormalizedRecord is derived from a RawRecord; fields keep source order.
type NormalizedRecord struct {
	Row        int64
	ObservedAt time.Time
	Fields     []NormalizedField
}

// Present returns the fields that are not Absent.
func (r NormalizedRecord) Present() []NormalizedField {
	out := make([]NormalizedField, 0, len(r.Fields))
	for _, f := range r.Fields {
		if !f.Absent() {
			out = append(out, f)
		}
	}
	return out
}

// Lossy reports whether any field needed UTF-8 recovery.
func (r NormalizedRecord) Lossy() bool {
	for _, f := range r.Fields {
		if f.Flags.Has(FlagInvalidUTF8) {
			return true
		}
	}
	return false
}
