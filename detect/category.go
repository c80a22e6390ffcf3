package detect

import (
	"fmt"
	"sort"
	"strings"
)

// Category is one member of the closed set of detection classes.
type Category string

const (
	CategorySSN            Category = "ssn"
	CategoryNationalID     Category = "national_id"
	CategoryCreditCard     Category = "credit_card"
	CategoryIBAN           Category = "iban"
	CategorySWIFT          Category = "swift_bic"
	CategoryCryptoAddress  Category = "crypto_address"
	CategoryWalletToken    Category = "wallet_token"
	CategoryEmail          Category = "email"
	CategoryPhone          Category = "phone"
	CategoryMailingAddress Category = "mailing_address"
	CategoryWeakCredential Category = "weak_credential"
	CategorySaltedHash     Category = "salted_hash"
)

// Categories lists every category in report order.
var Categories = []Category{
	CategorySSN, CategoryNationalID, CategoryCreditCard, CategoryIBAN, CategorySWIFT,
	CategoryCryptoAddress, CategoryWalletToken, CategoryEmail, CategoryPhone,
	CategoryMailingAddress, CategoryWeakCredential, CategorySaltedHash,
}

// Valid reports whether c belongs to the closed set.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// Confidence ranks how strongly a validator vouches for a tag.
type Confidence int

const (
	ConfidenceLow Confidence = iota + 1
	ConfidenceFormatValid
	ConfidenceChecksumValid
	ConfidenceExactMatch
)

var confidenceNames = map[Confidence]string{
	ConfidenceLow:           "low",
	ConfidenceFormatValid:   "format_valid",
	ConfidenceChecksumValid: "checksum_valid",
	ConfidenceExactMatch:    "exact_match",
}

func (c Confidence) String() string {
	if s, ok := confidenceNames[c]; ok {
		return s
	}
	return "unknown"
}

func (c Confidence) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Confidence) UnmarshalText(b []byte) error {
	for k, v := range confidenceNames {
		if v == string(b) {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("detect: unknown confidence %q", b)
}

// Credential origins. Pre-hashed origins carry the matched algorithm.
const (
	OriginPlaintext = "plaintext"
	originPrehashed = "prehashed:"
)

// OriginPrehashed returns the origin for a rainbow match under algo.
func OriginPrehashed(algo string) string { return originPrehashed + algo }

// IsPrehashed reports whether origin came from the rainbow path.
func IsPrehashed(origin string) bool { return strings.HasPrefix(origin, originPrehashed) }

// Tag is a (category, confidence, validator) triple attached to one field.
type Tag struct {
	Category    Category   `json:"category" yaml:"category"`
	Confidence  Confidence `json:"confidence" yaml:"confidence"`
	ValidatorID string     `json:"validator" yaml:"validator"`
	Origin      string     `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// Rank returns a copy of tags ordered by descending confidence. Ties keep
// validator order.
func Rank(tags []Tag) []Tag {
	out := make([]Tag, len(tags))
	copy(out, tags)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// Best returns the highest-confidence tag of category c.
func Best(tags []Tag, c Category) (Tag, bool) {
	var best Tag
	found := false
	for _, t := range tags {
		if t.Category == c && (!found || t.Confidence > best.Confidence) {
			best, found = t, true
		}
	}
	return best, found
}
