package detect

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"regexp"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/md4"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/leakwatch/normalize"
)

//go:embed weaklist.txt
var embeddedWeakList string

var (
	reHexDigest = regexp.MustCompile(`^[0-9a-f]{32}$|^[0-9a-f]{40}$|^[0-9a-f]{64}$`)
	reBase64    = regexp.MustCompile(`^[A-Za-z0-9+/]{20,44}={0,2}$`)
	reLDAPTag   = regexp.MustCompile(`^\{[A-Za-z0-9-]+\}`)

	reBcrypt   = regexp.MustCompile(`^\$2[abxy]?\$\d{2}\$[./A-Za-z0-9]{53}$`)
	reArgon2   = regexp.MustCompile(`^\$argon2(id|i|d)\$(v=\d+\$)?m=\d+,t=\d+,p=\d+\$[A-Za-z0-9+/]+\$[A-Za-z0-9+/]+$`)
	reScrypt   = regexp.MustCompile(`^(\$scrypt\$ln=\d+,r=\d+,p=\d+\$|\$7\$)[./A-Za-z0-9+$=]+$`)
	reSHACrypt = regexp.MustCompile(`^\$[56]\$(rounds=\d+\$)?[./A-Za-z0-9]{1,16}\$[./A-Za-z0-9]{43,86}$`)
	rePBKDF2   = regexp.MustCompile(`^(pbkdf2_sha(1|256|512)\$\d+\$[^$]+\$[A-Za-z0-9+/=]+|\$pbkdf2(-sha(1|256|512))?\$\d+\$[./A-Za-z0-9+]+\$[./A-Za-z0-9+]+)$`)
)

// weakList holds folded weak plaintexts and the unsalted digests of every
// entry under md5, sha1, sha256 and ntlm.
type weakList struct {
	plain   map[string]struct{}
	digests map[string]string
}

func newWeakList() *weakList {
	w := &weakList{plain: make(map[string]struct{}), digests: make(map[string]string)}
	w.add(parseWeakList(embeddedWeakList)...)
	return w
}

func parseWeakList(text string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// LoadWeakList reads one weak plaintext per line. Blank lines and lines
// starting with "#" are skipped.
func LoadWeakList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect: read weak list: %w", err)
	}
	return parseWeakList(string(data)), nil
}

func (w *weakList) add(values ...string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		w.plain[foldValue(v)] = struct{}{}
		for _, variant := range []string{v, strings.ToLower(v)} {
			w.digests[hexSum(md5.New(), []byte(variant))] = "md5"
			w.digests[hexSum(sha1.New(), []byte(variant))] = "sha1"
			w.digests[hexSum(sha256.New(), []byte(variant))] = "sha256"
			w.digests[hexSum(md4.New(), utf16le(variant))] = "ntlm"
		}
	}
}

func (w *weakList) size() int { return len(w.plain) }

func (w *weakList) containsPlain(canonical string) bool {
	_, ok := w.plain[canonical]
	return ok
}

// lookupDigest matches a hex or base64 encoded digest, optionally carrying
// an LDAP-style {SCHEME} prefix.
func (w *weakList) lookupDigest(original string) (string, bool) {
	v := reLDAPTag.ReplaceAllString(strings.TrimSpace(original), "")
	lower := strings.ToLower(v)
	if reHexDigest.MatchString(lower) {
		algo, ok := w.digests[lower]
		return algo, ok
	}
	if !reBase64.MatchString(v) {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(v)
		if err != nil {
			return "", false
		}
	}
	switch len(raw) {
	case md5.Size, sha1.Size, sha256.Size:
		algo, ok := w.digests[hex.EncodeToString(raw)]
		return algo, ok
	}
	return "", false
}

func hexSum(h hash.Hash, b []byte) string {
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// utf16le encodes s the way NTLM hashes passwords.
func utf16le(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}

func foldValue(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// checkWeakCredential runs both credential paths. The plaintext path is
// exact in password columns and low elsewhere; the rainbow path matches in
// any column since a digest collision is not ambiguous.
func (d *Detector) checkWeakCredential(in input, tags []Tag) []Tag {
	if in.class == normalize.ClassPassword || in.class == "" {
		if d.weak.containsPlain(in.canonical) {
			conf := ConfidenceLow
			if in.class == normalize.ClassPassword {
				conf = ConfidenceExactMatch
			}
			tags = append(tags, Tag{Category: CategoryWeakCredential, Confidence: conf, ValidatorID: "weak_list", Origin: OriginPlaintext})
		}
	}
	if algo, ok := d.weak.lookupDigest(in.original); ok {
		tags = append(tags, Tag{Category: CategoryWeakCredential, Confidence: ConfidenceExactMatch, ValidatorID: "rainbow", Origin: OriginPrehashed(algo)})
	}
	return tags
}

// checkSaltedHash recognizes strong salted hash encodings. bcrypt values
// must also parse their cost.
func (d *Detector) checkSaltedHash(in input, tags []Tag) []Tag {
	v := strings.TrimSpace(in.original)
	if len(v) < 20 {
		return tags
	}
	var id string
	switch {
	case reBcrypt.MatchString(v):
		if _, err := bcrypt.Cost([]byte(v)); err != nil {
			return tags
		}
		id = "bcrypt"
	case reArgon2.MatchString(v):
		id = "argon2"
	case reScrypt.MatchString(v):
		id = "scrypt"
	case reSHACrypt.MatchString(v):
		id = "sha_crypt"
	case rePBKDF2.MatchString(v):
		id = "pbkdf2"
	default:
		return tags
	}
	return append(tags, Tag{Category: CategorySaltedHash, Confidence: ConfidenceFormatValid, ValidatorID: id})
}
