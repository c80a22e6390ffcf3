package indicator

import (
	"strings"

	"github.com/hazyhaar/leakwatch/detect"
	"github.com/hazyhaar/leakwatch/normalize"
)

// Hash domains. Every canonical hash is computed in exactly one of these.
const (
	DomainEmail      = "email"
	DomainUsername   = "username"
	DomainCredential = "credential"
	DomainPhone      = "phone"
	DomainAddress    = "mailing_address"
	DomainSSN        = "ssn"
	DomainNationalID = "national_id"
	DomainCard       = "credit_card"
	DomainIBAN       = "iban"
	DomainSWIFT      = "swift_bic"
	DomainCrypto     = "crypto_address"
	DomainWallet     = "wallet_token"
)

// Alias confidences per rule.
const (
	confidencePlus   = 95
	confidenceDots   = 90
	confidenceDomain = 90
	confidenceFormat = 100
)

// Identity is the transient identity-bearing form of one field. Value and
// Variant are plaintext and must not outlive the record being processed.
type Identity struct {
	Domain          string
	Value           string
	Variant         string
	AliasType       AliasType
	AliasConfidence int
	Categories      []detect.Category
}

var categoryDomains = map[detect.Category]string{
	detect.CategoryEmail:          DomainEmail,
	detect.CategoryPhone:          DomainPhone,
	detect.CategoryMailingAddress: DomainAddress,
	detect.CategorySSN:            DomainSSN,
	detect.CategoryNationalID:     DomainNationalID,
	detect.CategoryCreditCard:     DomainCard,
	detect.CategoryIBAN:           DomainIBAN,
	detect.CategorySWIFT:          DomainSWIFT,
	detect.CategoryCryptoAddress:  DomainCrypto,
	detect.CategoryWalletToken:    DomainWallet,
	detect.CategoryWeakCredential: DomainCredential,
	detect.CategorySaltedHash:     DomainCredential,
}

var classDomains = map[string]string{
	normalize.ClassEmail:    DomainEmail,
	normalize.ClassUsername: DomainUsername,
	normalize.ClassPassword: DomainCredential,
	normalize.ClassPhone:    DomainPhone,
	normalize.ClassAddress:  DomainAddress,
}

// IdentityValue decides whether f is identity-bearing and, if so, in which
// hash domain and with which compact value.
//
// Password columns always hash as credentials. Otherwise the best tag at
// format-valid or above picks the domain, then the column class. Fields
// with neither are not identity-bearing.
func IdentityValue(f normalize.NormalizedField, tags []detect.Tag) (Identity, bool) {
	if f.Absent() || f.Canonical == "" {
		return Identity{}, false
	}
	id := Identity{Value: f.Canonical, Categories: categories(tags)}

	if f.Class == normalize.ClassPassword {
		id.Domain = DomainCredential
		return id, true
	}
	for _, t := range detect.Rank(tags) {
		if t.Confidence < detect.ConfidenceFormatValid {
			break
		}
		if d, ok := categoryDomains[t.Category]; ok {
			id.Domain = d
			break
		}
	}
	if id.Domain == "" {
		d, ok := classDomains[f.Class]
		if !ok {
			return Identity{}, false
		}
		id.Domain = d
	}

	switch id.Domain {
	case DomainEmail:
		if f.Variant != "" {
			id.Variant = f.Variant
			id.AliasType, id.AliasConfidence = emailAliasType(f.Flags)
		}
	case DomainCard, DomainSSN, DomainPhone:
		compactTo(&id, digitsOnly(f.Canonical))
	case DomainIBAN, DomainNationalID, DomainSWIFT:
		compactTo(&id, alnumOnly(f.Canonical))
	}
	return id, true
}

func compactTo(id *Identity, compact string) {
	if compact == "" || compact == id.Value {
		return
	}
	id.Variant = id.Value
	id.Value = compact
	id.AliasType = AliasFormatNormalization
	id.AliasConfidence = confidenceFormat
}

// emailAliasType reports the strongest rule that rewrote an address.
func emailAliasType(flags normalize.Flag) (AliasType, int) {
	switch {
	case flags.Has(normalize.FlagPlusStripped):
		return AliasPlusAddressing, confidencePlus
	case flags.Has(normalize.FlagDotsStripped):
		return AliasPunctuationVariant, confidenceDots
	case flags.Has(normalize.FlagDomainAliased):
		return AliasDomain, confidenceDomain
	}
	return AliasFormatNormalization, confidenceFormat
}

func categories(tags []detect.Tag) []detect.Category {
	cs := make([]detect.Category, 0, len(tags))
	for _, t := range tags {
		if t.Confidence >= detect.ConfidenceFormatValid {
			cs = append(cs, t.Category)
		}
	}
	return SortCategories(cs)
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func alnumOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return r
		}
		return -1
	}, s)
}
