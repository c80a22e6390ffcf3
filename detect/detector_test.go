package detect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/leakwatch/normalize"
)

var testNormalizer = normalize.New(normalize.DefaultRuleset())

func tagsFor(t *testing.T, d *Detector, column, value string) []Tag {
	t.Helper()
	return d.DetectField(testNormalizer.NormalizeField(normalize.Field{Name: column, Value: value}))
}

func hasCategory(tags []Tag, c Category) bool {
	_, ok := Best(tags, c)
	return ok
}

func TestDetect_CreditCardLuhn(t *testing.T) {
	d := New()

	tags := tagsFor(t, d, "card", "4532015112830366")
	tag, ok := Best(tags, CategoryCreditCard)
	require.True(t, ok, "Luhn-valid Visa number must be tagged")
	assert.Equal(t, ConfidenceChecksumValid, tag.Confidence)
	assert.Equal(t, "luhn", tag.ValidatorID)

	assert.True(t, hasCategory(tagsFor(t, d, "card", "4532 0151 1283 0366"), CategoryCreditCard))
	assert.False(t, hasCategory(tagsFor(t, d, "card", "1234567890123456"), CategoryCreditCard))
	assert.False(t, hasCategory(tagsFor(t, d, "card", "0000000000000000"), CategoryCreditCard))
	assert.False(t, hasCategory(tagsFor(t, d, "card", "4532-0151-1283-036x"), CategoryCreditCard))
}

func TestDetect_SSNRangeExclusion(t *testing.T) {
	d := New()
	for _, v := range []string{"000-00-0000", "666-12-3456", "900-00-0000", "123-00-6789", "123-45-0000"} {
		assert.Falsef(t, hasCategory(tagsFor(t, d, "ssn", v), CategorySSN), "%s must not be tagged SSN", v)
	}

	tag, ok := Best(tagsFor(t, d, "ssn", "123-45-6789"), CategorySSN)
	require.True(t, ok)
	assert.Equal(t, ConfidenceChecksumValid, tag.Confidence)

	bare, ok := Best(tagsFor(t, d, "ssn", "123456789"), CategorySSN)
	require.True(t, ok)
	assert.Equal(t, ConfidenceFormatValid, bare.Confidence)
}

func TestDetect_MultipleTags(t *testing.T) {
	d := New()
	tags := tagsFor(t, d, "col_1", "123-45-6789")
	assert.True(t, hasCategory(tags, CategorySSN))
	phone, ok := Best(tags, CategoryPhone)
	require.True(t, ok)
	assert.Equal(t, ConfidenceLow, phone.Confidence)

	ranked := Rank(tags)
	assert.Equal(t, CategorySSN, ranked[0].Category)
	assert.Equal(t, CategorySSN, tags[0].Category, "Rank must not reorder its input")
}

func TestDetect_IBAN(t *testing.T) {
	d := New()
	assert.True(t, hasCategory(tagsFor(t, d, "iban", "GB82WEST12345698765432"), CategoryIBAN))
	assert.True(t, hasCategory(tagsFor(t, d, "iban", "gb82 west 1234 5698 7654 32"), CategoryIBAN))
	assert.True(t, hasCategory(tagsFor(t, d, "iban", "DE89370400440532013000"), CategoryIBAN))
	assert.False(t, hasCategory(tagsFor(t, d, "iban", "GB82WEST12345698765431"), CategoryIBAN))
	assert.False(t, hasCategory(tagsFor(t, d, "iban", "GB82WEST1234569876543"), CategoryIBAN), "wrong length for GB")
}

func TestDetect_SWIFT(t *testing.T) {
	d := New()
	tag, ok := Best(tagsFor(t, d, "bic", "DEUTDEFF500"), CategorySWIFT)
	require.True(t, ok)
	assert.Equal(t, ConfidenceFormatValid, tag.Confidence)

	tag, ok = Best(tagsFor(t, d, "bic", "DEUTDEFF"), CategorySWIFT)
	require.True(t, ok)
	assert.Equal(t, ConfidenceLow, tag.Confidence)

	assert.False(t, hasCategory(tagsFor(t, d, "bic", "deutdeff"), CategorySWIFT))
	assert.False(t, hasCategory(tagsFor(t, d, "bic", "PASSWORD"), CategorySWIFT))
}

func TestDetect_CryptoAddresses(t *testing.T) {
	d := New()
	cases := []struct {
		value     string
		validator string
	}{
		{"1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", "btc_base58check"},
		{"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", "btc_base58check"},
		{"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", "btc_bech32"},
		{"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "eth_eip55"},
		{"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "eth_format"},
	}
	for _, tc := range cases {
		tag, ok := Best(tagsFor(t, d, "wallet", tc.value), CategoryCryptoAddress)
		require.Truef(t, ok, "%s", tc.value)
		assert.Equal(t, tc.validator, tag.ValidatorID)
	}

	for _, v := range []string{
		"1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN3",
		"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdr",
		"0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	} {
		assert.Falsef(t, hasCategory(tagsFor(t, d, "wallet", v), CategoryCryptoAddress), "%s", v)
	}
}

func TestDetect_WalletToken(t *testing.T) {
	d := New()
	assert.True(t, hasCategory(tagsFor(t, d, "payment", "tok_1NXWPnCo6ahm4hQz"), CategoryWalletToken))
	assert.True(t, hasCategory(tagsFor(t, d, "payment", "B-7HV04127TL8591322"), CategoryWalletToken))
	assert.False(t, hasCategory(tagsFor(t, d, "payment", "tok_short"), CategoryWalletToken))
}

func TestDetect_NationalIDs(t *testing.T) {
	d := New()
	valid := map[string]string{
		"130 692 544":           "ca_sin_luhn",
		"12345678Z":             "es_dni_mod23",
		"X1234567L":             "es_dni_mod23",
		"1 85 05 78 006 084 91": "fr_nir_mod97",
		"529.982.247-25":        "br_cpf_mod11",
		"2341 2341 2346":        "in_aadhaar_verhoeff",
		"AB123456C":             "uk_nino_format",
	}
	for value, validator := range valid {
		tags := tagsFor(t, d, "document", value)
		found := false
		for _, tag := range tags {
			if tag.Category == CategoryNationalID && tag.ValidatorID == validator {
				found = true
			}
		}
		assert.Truef(t, found, "%s should be tagged by %s, got %v", value, validator, tags)
	}

	for _, v := range []string{"12345678A", "529.982.247-26", "111.111.111-11", "2341 2341 2347", "BG123456C", "1 85 05 78 006 084 92"} {
		assert.Falsef(t, hasCategory(tagsFor(t, d, "document", v), CategoryNationalID), "%s", v)
	}
}

func TestDetect_Contact(t *testing.T) {
	d := New()
	assert.True(t, hasCategory(tagsFor(t, d, "email", "Jane.Doe+news@Example.org"), CategoryEmail))
	assert.False(t, hasCategory(tagsFor(t, d, "email", "jane..doe@example.org"), CategoryEmail))

	tag, ok := Best(tagsFor(t, d, "phone", "(415) 555-2671"), CategoryPhone)
	require.True(t, ok)
	assert.Equal(t, ConfidenceFormatValid, tag.Confidence)

	tag, ok = Best(tagsFor(t, d, "col_2", "+44 20 7946 0958"), CategoryPhone)
	require.True(t, ok)
	assert.Equal(t, ConfidenceFormatValid, tag.Confidence)

	tag, ok = Best(tagsFor(t, d, "col_2", "4155552671"), CategoryPhone)
	require.True(t, ok)
	assert.Equal(t, ConfidenceLow, tag.Confidence)

	assert.True(t, hasCategory(tagsFor(t, d, "col_3", "1600 Pennsylvania Avenue NW"), CategoryMailingAddress))
	tag, ok = Best(tagsFor(t, d, "street_address", "Flat 4, Baker Estate 221B"), CategoryMailingAddress)
	require.True(t, ok)
	assert.Equal(t, ConfidenceLow, tag.Confidence)
}

func TestDetect_WeakPlaintext(t *testing.T) {
	d := New()
	tag, ok := Best(tagsFor(t, d, "password", "PassWord"), CategoryWeakCredential)
	require.True(t, ok)
	assert.Equal(t, ConfidenceExactMatch, tag.Confidence)
	assert.Equal(t, OriginPlaintext, tag.Origin)

	tag, ok = Best(tagsFor(t, d, "col_4", "letmein"), CategoryWeakCredential)
	require.True(t, ok)
	assert.Equal(t, ConfidenceLow, tag.Confidence)

	assert.False(t, hasCategory(tagsFor(t, d, "first_name", "michael"), CategoryWeakCredential))
	assert.False(t, hasCategory(tagsFor(t, d, "password", "correct horse battery staple"), CategoryWeakCredential))
	assert.False(t, hasCategory(tagsFor(t, d, "password", " password"), CategoryWeakCredential),
		"sensitive whitespace is part of the value")
}

func TestDetect_WeakPrehashed(t *testing.T) {
	d := New()
	cases := map[string]string{
		"5f4dcc3b5aa765d61d8327deb882cf99":                                 "md5",
		"5BAA61E4C9B93F3F0682250B6CF8331B7EE68FD8":                         "sha1",
		"5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8": "sha256",
		"8846F7EAEE8FB117AD06BDD830B7586C":                                 "ntlm",
		"X03MO1qnZdYdgyfeuILPmQ==":                                         "md5",
		"{SHA}W6ph5Mm5Pz8GgiULbPgzG37mj9g=":                                "sha1",
	}
	for value, algo := range cases {
		tag, ok := Best(tagsFor(t, d, "password_hash", value), CategoryWeakCredential)
		require.Truef(t, ok, "%s", value)
		assert.Equal(t, OriginPrehashed(algo), tag.Origin)
		assert.True(t, IsPrehashed(tag.Origin))
		assert.Equal(t, ConfidenceExactMatch, tag.Confidence)
	}
	assert.False(t, hasCategory(tagsFor(t, d, "password_hash", strings.Repeat("ab", 16)), CategoryWeakCredential))
}

func TestDetect_ExtraWeakValues(t *testing.T) {
	d := New(WithWeakValues("Tr0ub4dor&3"))
	assert.True(t, hasCategory(tagsFor(t, d, "password", "tr0ub4dor&3"), CategoryWeakCredential))
	assert.Greater(t, d.WeakListSize(), New().WeakListSize())
}

func TestDetect_SaltedHash(t *testing.T) {
	d := New()
	cases := map[string]string{
		"$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy":                             "bcrypt",
		"$argon2id$v=19$m=65536,t=3,p=4$c29tZXNhbHQ$RdescudvJCsgt3ub+b+dWRWJTmaaJObG":              "argon2",
		"$6$saltstring$" + strings.Repeat("aB3./", 17) + "x":                                       "sha_crypt",
		"pbkdf2_sha256$260000$c2FsdHNhbHQ$bXlDb21wdXRlZEhhc2hWYWx1ZUhlcmU=":                        "pbkdf2",
		"$scrypt$ln=16,r=8,p=1$aM15713r3Xsvxbi31lqr1Q$nFNh2CVHVjNldFVKDHDlm4CbdRSCdEBsjjJxD+iCs5E": "scrypt",
	}
	for value, validator := range cases {
		tag, ok := Best(tagsFor(t, d, "password", value), CategorySaltedHash)
		require.Truef(t, ok, "%s", value)
		assert.Equal(t, validator, tag.ValidatorID)
	}
	assert.False(t, hasCategory(tagsFor(t, d, "password", "$2a$99$short"), CategorySaltedHash))
}

func TestDetect_AbsentAndOversize(t *testing.T) {
	d := New(WithMaxValueSize(16))
	assert.Nil(t, tagsFor(t, d, "card", "NULL"))
	assert.Nil(t, tagsFor(t, d, "card", "4532015112830366 4532015112830366"))
}

func TestDetect_RecordShape(t *testing.T) {
	d := New()
	rec := testNormalizer.Normalize(normalize.RawRecord{Fields: []normalize.Field{
		{Name: "email", Value: "a@example.com"},
		{Name: "phone", Value: "N/A"},
		{Name: "password", Value: "123456"},
	}})
	out := d.Detect(rec)
	require.Len(t, out, 3)
	assert.True(t, hasCategory(out[0], CategoryEmail))
	assert.Empty(t, out[1])
	assert.True(t, hasCategory(out[2], CategoryWeakCredential))
}

func TestDetect_ValidatorPanicIsContained(t *testing.T) {
	d := New()
	existing := []Tag{{Category: CategoryEmail, Confidence: ConfidenceFormatValid, ValidatorID: "email_format"}}
	boom := check{id: "boom", fn: func(*Detector, input, []Tag) []Tag { panic("bad input") }}
	assert.Equal(t, existing, d.run(boom, input{canonical: "x"}, existing))
}

func TestConfidence_Text(t *testing.T) {
	var c Confidence
	require.NoError(t, c.UnmarshalText([]byte("checksum_valid")))
	assert.Equal(t, ConfidenceChecksumValid, c)
	assert.Error(t, c.UnmarshalText([]byte("sure")))
	assert.True(t, CategoryIBAN.Valid())
	assert.False(t, Category("passport").Valid())
}
