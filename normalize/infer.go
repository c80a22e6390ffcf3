package normalize

import (
	"regexp"
	"strings"
	"time"
)

var (
	reInteger = regexp.MustCompile(`^[+-]?(0|[1-9][0-9]*)$`)
	reFloat   = regexp.MustCompile(`^[+-]?(0|[1-9][0-9]*)\.[0-9]+([eE][+-]?[0-9]+)?$`)
	reDigits  = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)
)

// timestampLayouts are tried in order against the upper-cased value. Only
// unambiguous layouts are accepted; 01/02/2006 is left as a string.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// inferType classifies a folded value and returns its canonical text.
//
// Leading zeros force string typing ("007" is an identifier, not 7). "1" and
// "1.0" stay distinct: integer and float subtypes keep their literal text.
// Sensitive fields are never re-typed so a password "2024-01-01" keeps its
// exact bytes.
func inferType(folded string, sensitive bool) (ValueType, string) {
	if sensitive {
		return TypeString, folded
	}
	switch {
	case reInteger.MatchString(folded):
		return TypeInteger, folded
	case reFloat.MatchString(folded):
		return TypeFloat, folded
	case reDigits.MatchString(folded):
		// Numeric-looking with leading zeros.
		return TypeString, folded
	}
	switch folded {
	case "true", "yes":
		return TypeBoolean, "true"
	case "false", "no":
		return TypeBoolean, "false"
	}
	if ts, ok := parseTimestamp(folded); ok {
		return TypeTimestamp, ts
	}
	return TypeString, folded
}

func parseTimestamp(folded string) (string, bool) {
	if len(folded) < len("2006-01-02") || len(folded) > 40 || folded[4] != '-' {
		return "", false
	}
	upper := strings.ToUpper(folded)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, upper); err == nil {
			if layout == "2006-01-02" {
				return t.Format("2006-01-02"), true
			}
			return t.UTC().Format(time.RFC3339Nano), true
		}
	}
	return "", false
}
