package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainView       = "livedb/view/v1"
	DomainNaturalKey = "livedb/natural-key/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ViewID computes the identity of a live view from its canonical query
// encoding and subscription bindings. Two subscriptions with the same
// ViewID share one materialized view.
func ViewID(canonicalQuery []byte, bindings IRObject) (string, error) {
	if bindings == nil {
		bindings = IRObject{}
	}
	b, err := EncodeCanonical(bindings)
	if err != nil {
		return "", fmt.Errorf("ViewID: failed to marshal bindings: %w", err)
	}
	data := make([]byte, 0, len(canonicalQuery)+len(b)+1)
	data = append(data, canonicalQuery...)
	data = append(data, 0x00)
	data = append(data, b...)
	return hashWithDomain(DomainView, data), nil
}

// NaturalKeyHash identifies a natural composite key value tuple within a
// collection (e.g. the (article_id, user_id) pair of a like).
func NaturalKeyHash(collection string, values IRArray) (string, error) {
	obj := IRObject{
		"collection": IRString(collection),
		"values":     values,
	}
	canonical, err := EncodeCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("NaturalKeyHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainNaturalKey, canonical), nil
}

// Fingerprint returns a fast non-cryptographic digest of a value's
// canonical encoding. Equal values have equal fingerprints.
func Fingerprint(v IRValue) (uint64, error) {
	canonical, err := EncodeCanonical(v)
	if err != nil {
		return 0, fmt.Errorf("Fingerprint: %w", err)
	}
	return xxhash.Sum64(canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(v IRValue) uint64 {
	fp, err := Fingerprint(v)
	if err != nil {
		panic(err)
	}
	return fp
}
