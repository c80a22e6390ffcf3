package detect

import (
	"regexp"
	"strings"

	"github.com/hazyhaar/leakwatch/normalize"
)

var (
	reEmail   = regexp.MustCompile(`^[a-z0-9._%+\-']+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	rePhone   = regexp.MustCompile(`^\+?[0-9 ().\-]{7,24}$`)
	reAddress = regexp.MustCompile(`^\d{1,6}[a-z]?,? [\p{L}0-9 .'\-]+ (street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|way|court|ct|place|pl|terrace|parkway|pkwy|highway|hwy|rue|allee|chemin|strasse|calle|via)\b`)
)

func (d *Detector) checkEmail(in input, tags []Tag) []Tag {
	v := in.canonical
	if len(v) > 254 || !reEmail.MatchString(v) || strings.Contains(v, "..") || strings.HasPrefix(v, ".") {
		return tags
	}
	return append(tags, Tag{Category: CategoryEmail, Confidence: ConfidenceFormatValid, ValidatorID: "email_format"})
}

// checkPhone accepts 7-15 digit values built only from digits and common
// separators. Without a phone column or a leading "+" the shape alone is
// ambiguous and the tag stays low.
func (d *Detector) checkPhone(in input, tags []Tag) []Tag {
	v := in.canonical
	if !rePhone.MatchString(v) {
		return tags
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, v)
	if len(digits) < 7 || len(digits) > 15 || repeatedDigits(digits) {
		return tags
	}
	conf := ConfidenceLow
	if in.class == normalize.ClassPhone || strings.HasPrefix(v, "+") {
		conf = ConfidenceFormatValid
	}
	return append(tags, Tag{Category: CategoryPhone, Confidence: conf, ValidatorID: "phone_format"})
}

// checkAddress matches "number street-name suffix" shapes. A value in an
// address column that does not match still gets a low tag when it carries
// any digit (house number, postal code).
func (d *Detector) checkAddress(in input, tags []Tag) []Tag {
	v := in.canonical
	switch {
	case reAddress.MatchString(v):
		return append(tags, Tag{Category: CategoryMailingAddress, Confidence: ConfidenceFormatValid, ValidatorID: "address_format"})
	case in.class == normalize.ClassAddress && strings.ContainsAny(v, "0123456789"):
		return append(tags, Tag{Category: CategoryMailingAddress, Confidence: ConfidenceLow, ValidatorID: "address_column"})
	}
	return tags
}
