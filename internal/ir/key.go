package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// pendingField is the JSON object key that marks an encoded pending key:
// {"$pending": "<token>"}. Real keys encode as plain numbers.
const pendingField = "$pending"

// pendingPrefix is the textual prefix used by Key.String and ParseKey.
const pendingPrefix = "pending:"

type keyKind uint8

const (
	keyInvalid keyKind = iota
	keyReal
	keyPending
)

// Key identifies a record within a collection.
//
// A Key is either Real (assigned by the authoritative backend) or Pending
// (a client-generated placeholder used until the backend acknowledges an
// insert). The two cases never overlap: there is no numeric range shared
// between them, so a pending key can never be mistaken for a real one.
//
// Key is comparable and may be used as a map key. The zero Key is invalid.
type Key struct {
	kind  keyKind
	id    uint64
	token string
}

func (Key) irValue() {}

// RealKey returns the key for a backend-assigned identifier.
func RealKey(id uint64) Key {
	return Key{kind: keyReal, id: id}
}

// PendingKey returns a placeholder key for an optimistic insert.
func PendingKey(token string) Key {
	return Key{kind: keyPending, token: token}
}

// IsReal reports whether k was assigned by the backend.
func (k Key) IsReal() bool { return k.kind == keyReal }

// IsPending reports whether k is a client placeholder.
func (k Key) IsPending() bool { return k.kind == keyPending }

// IsZero reports whether k is the invalid zero key.
func (k Key) IsZero() bool { return k.kind == keyInvalid }

// ID returns the real identifier. ok is false for pending and zero keys.
func (k Key) ID() (id uint64, ok bool) {
	return k.id, k.kind == keyReal
}

// Token returns the pending token. ok is false for real and zero keys.
func (k Key) Token() (token string, ok bool) {
	return k.token, k.kind == keyPending
}

// String renders real keys as decimal and pending keys as "pending:<token>".
func (k Key) String() string {
	switch k.kind {
	case keyReal:
		return strconv.FormatUint(k.id, 10)
	case keyPending:
		return pendingPrefix + k.token
	default:
		return "<invalid>"
	}
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	if token, ok := strings.CutPrefix(s, pendingPrefix); ok {
		if token == "" {
			return Key{}, fmt.Errorf("empty pending token in key %q", s)
		}
		return PendingKey(token), nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return RealKey(id), nil
}

// KeyOf extracts a key from a record field value. Non-negative IRInt values
// are accepted as real keys so records decoded from JSON or SQL rows
// can be normalized.
func KeyOf(v IRValue) (Key, bool) {
	switch val := v.(type) {
	case Key:
		return val, !val.IsZero()
	case IRInt:
		if val < 0 {
			return Key{}, false
		}
		return RealKey(uint64(val)), true
	default:
		return Key{}, false
	}
}

// CompareKeys orders real keys before pending keys; real keys numerically,
// pending keys by token.
func CompareKeys(a, b Key) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case keyReal:
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	case keyPending:
		return strings.Compare(a.token, b.token)
	default:
		return 0
	}
}

// MarshalJSON encodes real keys as numbers and pending keys as
// {"$pending":"<token>"}.
func (k Key) MarshalJSON() ([]byte, error) {
	switch k.kind {
	case keyReal:
		return []byte(strconv.FormatUint(k.id, 10)), nil
	case keyPending:
		tok, err := marshalCanonicalString(k.token)
		if err != nil {
			return nil, err
		}
		return []byte(`{"` + pendingField + `":` + string(tok) + `}`), nil
	default:
		return nil, fmt.Errorf("cannot marshal invalid key")
	}
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (k *Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		pk, ok, err := unmarshalPendingKey(data)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("invalid key object: %s", data)
		}
		*k = pk
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	id, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid real key %s: %w", n, err)
	}
	*k = RealKey(id)
	return nil
}

// unmarshalPendingKey decodes {"$pending":"<token>"}. ok is false when data
// is some other object.
func unmarshalPendingKey(data []byte) (Key, bool, error) {
	if !bytes.Contains(data, []byte(`"`+pendingField+`"`)) {
		return Key{}, false, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Key{}, false, err
	}
	tokRaw, found := raw[pendingField]
	if !found || len(raw) != 1 {
		return Key{}, false, nil
	}
	var token string
	if err := json.Unmarshal(tokRaw, &token); err != nil {
		return Key{}, false, fmt.Errorf("pending key token must be a string: %w", err)
	}
	if token == "" {
		return Key{}, false, fmt.Errorf("empty pending key token")
	}
	return PendingKey(token), true, nil
}

// keyAsInt64 reports the numeric value of a real key for comparison with
// IRInt. Identifiers beyond int64 compare above every IRInt.
func keyAsInt64(k Key) (int64, bool) {
	if k.id > math.MaxInt64 {
		return 0, false
	}
	return int64(k.id), true
}
