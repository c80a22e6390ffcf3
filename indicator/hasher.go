package indicator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"sync"
)

// MinKeySize is the shortest accepted HMAC key.
const MinKeySize = 32

var ErrKeyTooShort = errors.New("indicator: hmac key must be at least 32 bytes")

// Hasher derives canonical hashes: hex(HMAC-SHA256(key, domain 0x1f value)).
// The domain separator keeps "12345" as a phone apart from "12345" as a
// credential.
type Hasher struct {
	key  []byte
	pool sync.Pool
}

// NewHasher copies key. Keys shorter than MinKeySize are rejected.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) < MinKeySize {
		return nil, ErrKeyTooShort
	}
	k := make([]byte, len(key))
	copy(k, key)
	h := &Hasher{key: k}
	h.pool.New = func() any { return hmac.New(sha256.New, h.key) }
	return h, nil
}

// Hash returns the canonical hash of value in domain.
func (h *Hasher) Hash(domain, value string) string {
	m := h.pool.Get().(hash.Hash)
	defer h.pool.Put(m)
	m.Reset()
	m.Write([]byte(domain))
	m.Write([]byte{0x1f})
	m.Write([]byte(value))
	return hex.EncodeToString(m.Sum(nil))
}

// Fingerprint identifies the key without revealing it. Runs record it so
// stores hashed under different keys are never merged silently.
func (h *Hasher) Fingerprint() string {
	return h.Hash("leakwatch-key-fingerprint", "")[:16]
}

// DomainBaselineDomain separates the email-domain keys of the anomaly
// baseline from indicator hashes.
const DomainBaselineDomain = "baseline_domain"

// Derived is the hashed form of an Identity.
type Derived struct {
	Hash   string
	Domain string
	Alias  *AliasLink
}

// Derive hashes id and, when id carries a pre-rule variant, the alias link
// from the variant hash to the canonical hash.
func (h *Hasher) Derive(id Identity) Derived {
	d := Derived{Hash: h.Hash(id.Domain, id.Value), Domain: id.Domain}
	if id.Variant != "" && id.Variant != id.Value {
		vh := h.Hash(id.Domain, id.Variant)
		if vh != d.Hash {
			d.Alias = &AliasLink{
				VariantHash:   vh,
				CanonicalHash: d.Hash,
				Type:          id.AliasType,
				Confidence:    id.AliasConfidence,
			}
		}
	}
	return d
}
