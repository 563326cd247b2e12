package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewIDDeterminism(t *testing.T) {
	query := []byte(`{"from":{"collection":"articles"}}`)
	bindings := IRObject{"author": RealKey(7)}

	id1, err := ViewID(query, bindings)
	require.NoError(t, err)
	id2, err := ViewID(query, IRObject{"author": RealKey(7)})
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "ViewID must be deterministic")
	assert.Len(t, id1, 64, "SHA-256 hex is 64 characters")
}

func TestViewIDChangesWithBindings(t *testing.T) {
	query := []byte(`{"from":{"collection":"articles"}}`)

	id1, err := ViewID(query, IRObject{"author": RealKey(7)})
	require.NoError(t, err)
	id2, err := ViewID(query, IRObject{"author": RealKey(8)})
	require.NoError(t, err)
	id3, err := ViewID(query, nil)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestViewIDNilAndEmptyBindingsAgree(t *testing.T) {
	query := []byte(`{}`)
	id1, err := ViewID(query, nil)
	require.NoError(t, err)
	id2, err := ViewID(query, IRObject{})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestNaturalKeyHashRealKeyMatchesInt(t *testing.T) {
	// Records decoded from SQL rows carry IRInt; optimistic records carry Key.
	h1, err := NaturalKeyHash("likes", IRArray{RealKey(1), RealKey(2)})
	require.NoError(t, err)
	h2, err := NaturalKeyHash("likes", IRArray{IRInt(1), IRInt(2)})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := NaturalKeyHash("bookmarks", IRArray{RealKey(1), RealKey(2)})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "collection is part of the hash")
}

func TestNaturalKeyHashPendingDiffersFromReal(t *testing.T) {
	h1, err := NaturalKeyHash("likes", IRArray{PendingKey("1"), RealKey(2)})
	require.NoError(t, err)
	h2, err := NaturalKeyHash("likes", IRArray{RealKey(1), RealKey(2)})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestDomainSeparationPreventsCrossTypeCollision(t *testing.T) {
	data := []byte(`{"id":"test","data":42}`)
	assert.NotEqual(t, hashWithDomain(DomainView, data), hashWithDomain(DomainNaturalKey, data))
}

func TestHashWithDomainNullSeparator(t *testing.T) {
	// "foo" + 0x00 + "bar" ≠ "foob" + 0x00 + "ar"
	hash1 := hashWithDomain("foo", []byte("bar"))
	hash2 := hashWithDomain("foob", []byte("ar"))

	assert.NotEqual(t, hash1, hash2, "Null separator must prevent boundary confusion")
}

func TestFingerprint(t *testing.T) {
	a := IRArray{IRObject{"b": IRInt(1), "a": IRNull{}}}
	b := IRArray{IRObject{"a": IRNull{}, "b": IRInt(1)}}
	c := IRArray{IRObject{"a": IRNull{}, "b": IRInt(2)}}

	assert.Equal(t, MustFingerprint(a), MustFingerprint(b))
	assert.NotEqual(t, MustFingerprint(a), MustFingerprint(c))
}

func TestFingerprintRejectsUnsupported(t *testing.T) {
	_, err := Fingerprint(Key{})
	require.Error(t, err)
}

func TestDomainConstants(t *testing.T) {
	assert.Equal(t, "livedb/view/v1", DomainView)
	assert.Equal(t, "livedb/natural-key/v1", DomainNaturalKey)
}
