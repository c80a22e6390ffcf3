package detect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	reIBAN     = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}$`)
	reSWIFT    = regexp.MustCompile(`^[A-Z]{4}([A-Z]{2})[A-Z0-9]{2}([A-Z0-9]{3})?$`)
	reBase58   = regexp.MustCompile(`^[13][1-9A-HJ-NP-Za-km-z]{25,34}$`)
	reBech32   = regexp.MustCompile(`^bc1[qpzry9x8gf2tvdw0s3jn54khce6mua7l]{8,87}$`)
	reETH      = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	reStripe   = regexp.MustCompile(`^(tok|pm|card|src|ba)_[A-Za-z0-9]{14,}$`)
	rePayPalBA = regexp.MustCompile(`^B-[0-9A-Z]{17}$`)
)

// checkCard accepts 13-19 digit values that pass Luhn. A known network
// prefix makes the tag checksum-valid; an unknown one leaves it low.
func (d *Detector) checkCard(in input, tags []Tag) []Tag {
	digits, ok := stripSeparators(in.canonical)
	if !ok || len(digits) < 13 || len(digits) > 19 || repeatedDigits(digits) {
		return tags
	}
	if !luhn(digits) {
		return tags
	}
	conf := ConfidenceChecksumValid
	if cardNetwork(digits) == "" {
		conf = ConfidenceLow
	}
	return append(tags, Tag{Category: CategoryCreditCard, Confidence: conf, ValidatorID: "luhn"})
}

// luhn runs the mod-10 check over an all-digit string.
func luhn(digits string) bool {
	if !allDigits(digits) {
		return false
	}
	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alternate {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alternate = !alternate
	}
	return sum%10 == 0
}

// cardNetwork identifies the issuing network from the number prefix.
func cardNetwork(digits string) string {
	p2 := int(digits[0]-'0')*10 + int(digits[1]-'0')
	p4 := p2*100 + int(digits[2]-'0')*10 + int(digits[3]-'0')
	switch {
	case p4 >= 3528 && p4 <= 3589:
		return "jcb"
	case p4 == 6011 || p2 == 64 || p2 == 65:
		return "discover"
	case digits[0] == '4':
		return "visa"
	case p2 >= 51 && p2 <= 55, p2 >= 22 && p2 <= 27:
		return "mastercard"
	case p2 == 34 || p2 == 37:
		return "amex"
	case p2 == 36 || p2 == 38 || (p2 >= 30 && p2 <= 35):
		return "diners"
	case p2 == 62:
		return "unionpay"
	}
	return ""
}

// ibanLengths pins the registered length for common countries. Countries
// not listed are accepted on the mod-97 check alone.
var ibanLengths = map[string]int{
	"AD": 24, "AT": 20, "BE": 16, "BG": 22, "BR": 29, "CH": 21, "CY": 28, "CZ": 24,
	"DE": 22, "DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27, "GB": 22, "GR": 27,
	"HR": 21, "HU": 28, "IE": 22, "IS": 26, "IT": 27, "LI": 21, "LT": 20, "LU": 20,
	"LV": 21, "MC": 27, "MT": 31, "NL": 18, "NO": 15, "PL": 28, "PT": 25, "RO": 24,
	"SA": 24, "SE": 24, "SI": 19, "SK": 24, "SM": 27, "TR": 26, "AE": 23,
}

func (d *Detector) checkIBAN(in input, tags []Tag) []Tag {
	v := strings.ToUpper(strings.ReplaceAll(in.canonical, " ", ""))
	if !reIBAN.MatchString(v) {
		return tags
	}
	if n, ok := ibanLengths[v[:2]]; ok && n != len(v) {
		return tags
	}
	if !ibanMod97(v) {
		return tags
	}
	return append(tags, Tag{Category: CategoryIBAN, Confidence: ConfidenceChecksumValid, ValidatorID: "iban_mod97"})
}

// ibanMod97 moves the first four characters to the end, expands letters to
// 10..35 and checks the remainder is 1.
func ibanMod97(iban string) bool {
	rearranged := iban[4:] + iban[:4]
	rem := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			rem = (rem*100 + int(c-'A') + 10) % 97
		default:
			return false
		}
	}
	return rem == 1
}

// checkSWIFT matches upper-case BIC codes with an ISO 3166 country.
// Letters-only codes collide with ordinary words, so they stay low.
func (d *Detector) checkSWIFT(in input, tags []Tag) []Tag {
	m := reSWIFT.FindStringSubmatch(in.original)
	if m == nil || !isoCountry(m[1]) {
		return tags
	}
	conf := ConfidenceLow
	if strings.ContainsAny(in.original[6:], "0123456789") {
		conf = ConfidenceFormatValid
	}
	return append(tags, Tag{Category: CategorySWIFT, Confidence: conf, ValidatorID: "swift_format"})
}

const isoCountries = "AD AE AF AG AI AL AM AO AQ AR AS AT AU AW AX AZ BA BB BD BE BF BG BH BI BJ BL BM BN BO BQ BR BS " +
	"BT BV BW BY BZ CA CC CD CF CG CH CI CK CL CM CN CO CR CU CV CW CX CY CZ DE DJ DK DM DO DZ EC EE EG EH ER ES ET " +
	"FI FJ FK FM FO FR GA GB GD GE GF GG GH GI GL GM GN GP GQ GR GS GT GU GW GY HK HM HN HR HT HU ID IE IL IM IN IO " +
	"IQ IR IS IT JE JM JO JP KE KG KH KI KM KN KP KR KW KY KZ LA LB LC LI LK LR LS LT LU LV LY MA MC MD ME MF MG MH " +
	"MK ML MM MN MO MP MQ MR MS MT MU MV MW MX MY MZ NA NC NE NF NG NI NL NO NP NR NU NZ OM PA PE PF PG PH PK PL PM " +
	"PN PR PS PT PW PY QA RE RO RS RU RW SA SB SC SD SE SG SH SI SJ SK SL SM SN SO SR SS ST SV SX SY SZ TC TD TF TG " +
	"TH TJ TK TL TM TN TO TR TT TV TW TZ UA UG UM US UY UZ VA VC VE VG VI VN VU WF WS XK YE YT ZA ZM ZW"

func isoCountry(code string) bool {
	i := strings.Index(isoCountries, code)
	return len(code) == 2 && i >= 0 && i%3 == 0
}

// checkCrypto validates Bitcoin base58check and bech32 addresses and
// Ethereum addresses. Mixed-case Ethereum addresses must carry a valid
// EIP-55 checksum; single-case ones are only format-valid.
func (d *Detector) checkCrypto(in input, tags []Tag) []Tag {
	orig := in.original
	switch {
	case reBase58.MatchString(orig):
		if validBase58Check(orig) {
			tags = append(tags, Tag{Category: CategoryCryptoAddress, Confidence: ConfidenceChecksumValid, ValidatorID: "btc_base58check"})
		}
	case reBech32.MatchString(in.canonical):
		if !mixedCase(orig) && validBech32(in.canonical) {
			tags = append(tags, Tag{Category: CategoryCryptoAddress, Confidence: ConfidenceChecksumValid, ValidatorID: "btc_bech32"})
		}
	case reETH.MatchString(orig):
		body := orig[2:]
		if !mixedCase(body) {
			tags = append(tags, Tag{Category: CategoryCryptoAddress, Confidence: ConfidenceFormatValid, ValidatorID: "eth_format"})
		} else if validEIP55(body) {
			tags = append(tags, Tag{Category: CategoryCryptoAddress, Confidence: ConfidenceChecksumValid, ValidatorID: "eth_eip55"})
		}
	}
	return tags
}

func mixedCase(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Decode(s string) ([]byte, bool) {
	var out []byte
	for i := 0; i < len(s); i++ {
		carry := strings.IndexByte(base58Alphabet, s[i])
		if carry < 0 {
			return nil, false
		}
		for j := len(out) - 1; j >= 0; j-- {
			carry += int(out[j]) * 58
			out[j] = byte(carry)
			carry >>= 8
		}
		for carry > 0 {
			out = append([]byte{byte(carry)}, out...)
			carry >>= 8
		}
	}
	zeros := 0
	for zeros < len(s) && s[zeros] == '1' {
		zeros++
	}
	return append(make([]byte, zeros), out...), true
}

// validBase58Check decodes a P2PKH/P2SH address and verifies the
// double-SHA-256 checksum.
func validBase58Check(addr string) bool {
	raw, ok := base58Decode(addr)
	if !ok || len(raw) != 25 || (raw[0] != 0x00 && raw[0] != 0x05) {
		return false
	}
	first := sha256.Sum256(raw[:21])
	second := sha256.Sum256(first[:])
	return bytes.Equal(second[:4], raw[21:])
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32Polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

// validBech32 verifies a lower-case segwit address. Version 0 uses the
// bech32 constant, later versions bech32m.
func validBech32(addr string) bool {
	if len(addr) > 90 {
		return false
	}
	sep := strings.LastIndexByte(addr, '1')
	hrp, data := addr[:sep], addr[sep+1:]
	if len(data) < 7 {
		return false
	}
	values := make([]byte, 0, len(hrp)*2+1+len(data))
	for i := 0; i < len(hrp); i++ {
		values = append(values, hrp[i]>>5)
	}
	values = append(values, 0)
	for i := 0; i < len(hrp); i++ {
		values = append(values, hrp[i]&31)
	}
	var version byte
	for i := 0; i < len(data); i++ {
		v := strings.IndexByte(bech32Charset, data[i])
		if v < 0 {
			return false
		}
		if i == 0 {
			version = byte(v)
		}
		values = append(values, byte(v))
	}
	want := uint32(1)
	if version > 0 {
		want = 0x2bc830a3
	}
	return bech32Polymod(values) == want
}

// validEIP55 checks the mixed-case checksum: a hex letter is upper-case iff
// the matching nibble of keccak256(lower-case address) is >= 8.
func validEIP55(body string) bool {
	lower := strings.ToLower(body)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= '0' && c <= '9' {
			continue
		}
		upper := c >= 'A' && c <= 'F'
		if (digest[i] >= '8') != upper {
			return false
		}
	}
	return true
}

// checkWalletToken matches stored payment-method tokens.
func (d *Detector) checkWalletToken(in input, tags []Tag) []Tag {
	switch {
	case reStripe.MatchString(in.original):
		tags = append(tags, Tag{Category: CategoryWalletToken, Confidence: ConfidenceFormatValid, ValidatorID: "stripe_token"})
	case rePayPalBA.MatchString(in.original):
		tags = append(tags, Tag{Category: CategoryWalletToken, Confidence: ConfidenceFormatValid, ValidatorID: "paypal_billing_agreement"})
	}
	return tags
}
