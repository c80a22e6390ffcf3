package detect

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reSSNDashed = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	reSSNBare   = regexp.MustCompile(`^\d{9}$`)
	reDNI       = regexp.MustCompile(`^([0-9]{8}|[XYZ][0-9]{7})-?([A-Z])$`)
	reNINO      = regexp.MustCompile(`^[A-CEGHJ-PR-TW-Z][A-CEGHJ-NPR-TW-Z][0-9]{6}[A-D]$`)
	reCPF       = regexp.MustCompile(`^\d{3}\.?\d{3}\.?\d{3}-?\d{2}$`)
	reSIN       = regexp.MustCompile(`^\d{3}[ -]?\d{3}[ -]?\d{3}$`)
	reAadhaar   = regexp.MustCompile(`^\d{4}[ -]?\d{4}[ -]?\d{4}$`)
	reNIR       = regexp.MustCompile(`^[1-478] ?\d{2} ?(0[1-9]|1[0-2]|[2-9]\d) ?(\d{2}|2a|2b) ?\d{3} ?\d{3} ?\d{2}$`)
)

// checkSSN accepts US SSNs outside the never-issued ranges: area 000, 666
// and 900-999, group 00 and serial 0000. Dashed values are checksum-valid;
// bare nine-digit values are ambiguous and only format-valid.
func (d *Detector) checkSSN(in input, tags []Tag) []Tag {
	v := in.canonical
	var conf Confidence
	switch {
	case reSSNDashed.MatchString(v):
		conf = ConfidenceChecksumValid
	case reSSNBare.MatchString(v):
		conf = ConfidenceFormatValid
	default:
		return tags
	}
	digits, _ := stripSeparators(v)
	if !validSSN(digits) {
		return tags
	}
	return append(tags, Tag{Category: CategorySSN, Confidence: conf, ValidatorID: "ssn_range"})
}

func validSSN(digits string) bool {
	if len(digits) != 9 {
		return false
	}
	area, _ := strconv.Atoi(digits[0:3])
	group, _ := strconv.Atoi(digits[3:5])
	serial, _ := strconv.Atoi(digits[5:9])
	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

// checkNationalID runs the per-country identity document validators.
func (d *Detector) checkNationalID(in input, tags []Tag) []Tag {
	v := in.canonical
	upper := strings.ToUpper(strings.ReplaceAll(v, " ", ""))

	if reSIN.MatchString(v) {
		digits, _ := stripSeparators(v)
		if digits[0] != '0' && digits[0] != '8' && luhn(digits) {
			tags = append(tags, Tag{Category: CategoryNationalID, Confidence: ConfidenceChecksumValid, ValidatorID: "ca_sin_luhn"})
		}
	}
	if m := reDNI.FindStringSubmatch(upper); m != nil && validDNI(m[1], m[2][0]) {
		tags = append(tags, Tag{Category: CategoryNationalID, Confidence: ConfidenceChecksumValid, ValidatorID: "es_dni_mod23"})
	}
	if reNIR.MatchString(v) && validNIR(strings.ReplaceAll(v, " ", "")) {
		tags = append(tags, Tag{Category: CategoryNationalID, Confidence: ConfidenceChecksumValid, ValidatorID: "fr_nir_mod97"})
	}
	if reCPF.MatchString(v) {
		digits, _ := stripSeparators(v)
		if validCPF(digits) {
			tags = append(tags, Tag{Category: CategoryNationalID, Confidence: ConfidenceChecksumValid, ValidatorID: "br_cpf_mod11"})
		}
	}
	if reAadhaar.MatchString(v) {
		digits, _ := stripSeparators(v)
		if digits[0] >= '2' && verhoeff(digits) {
			tags = append(tags, Tag{Category: CategoryNationalID, Confidence: ConfidenceChecksumValid, ValidatorID: "in_aadhaar_verhoeff"})
		}
	}
	if reNINO.MatchString(upper) && validNINOPrefix(upper[:2]) {
		tags = append(tags, Tag{Category: CategoryNationalID, Confidence: ConfidenceFormatValid, ValidatorID: "uk_nino_format"})
	}
	return tags
}

const dniLetters = "TRWAGMYFPDXBNJZSQVHLCKE"

// validDNI checks the Spanish DNI/NIE control letter (number mod 23).
func validDNI(number string, letter byte) bool {
	switch number[0] {
	case 'X':
		number = "0" + number[1:]
	case 'Y':
		number = "1" + number[1:]
	case 'Z':
		number = "2" + number[1:]
	}
	n, err := strconv.Atoi(number)
	if err != nil {
		return false
	}
	return dniLetters[n%23] == letter
}

// validNIR checks the French NIR key: 97 - (first 13 digits mod 97).
// Corsican departments 2A and 2B are substituted with 19 and 18.
func validNIR(v string) bool {
	if len(v) != 15 {
		return false
	}
	body, key := v[:13], v[13:]
	var offset int64
	switch {
	case body[5:7] == "2a":
		body = body[:5] + "19" + body[7:]
		offset = 1000000
	case body[5:7] == "2b":
		body = body[:5] + "18" + body[7:]
		offset = 2000000
	}
	n, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		return false
	}
	k, err := strconv.Atoi(key)
	if err != nil {
		return false
	}
	return int64(k) == 97-((n-offset)%97+97)%97
}

// validCPF checks both Brazilian CPF mod-11 check digits.
func validCPF(digits string) bool {
	if len(digits) != 11 || repeatedDigits(digits) {
		return false
	}
	check := func(n int) int {
		sum := 0
		for i := 0; i < n; i++ {
			sum += int(digits[i]-'0') * (n + 1 - i)
		}
		r := sum % 11
		if r < 2 {
			return 0
		}
		return 11 - r
	}
	return check(9) == int(digits[9]-'0') && check(10) == int(digits[10]-'0')
}

func validNINOPrefix(p string) bool {
	switch p {
	case "BG", "GB", "NK", "KN", "TN", "NT", "ZZ":
		return false
	}
	return true
}

var (
	verhoeffD = [10][10]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
		{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
		{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
		{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
		{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
		{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
		{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
		{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
		{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
	}
	verhoeffP = [8][10]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 5, 7, 6, 2, 8, 3, 0, 9, 4},
		{5, 8, 0, 3, 7, 9, 6, 1, 4, 2},
		{8, 9, 1, 6, 0, 4, 3, 5, 2, 7},
		{9, 4, 5, 3, 1, 2, 6, 8, 7, 0},
		{4, 2, 8, 6, 5, 7, 3, 9, 0, 1},
		{2, 7, 9, 3, 8, 0, 6, 4, 1, 5},
		{7, 0, 4, 6, 9, 1, 3, 2, 5, 8},
	}
)

// verhoeff validates a digit string whose last digit is a Verhoeff check.
func verhoeff(digits string) bool {
	c := 0
	for i := 0; i < len(digits); i++ {
		d := int(digits[len(digits)-1-i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		c = verhoeffD[c][verhoeffP[i%8][d]]
	}
	return c == 0
}
