package ir

import "strings"

// Rank of each value class in the total order used by Compare:
// absent < null < bool < number < pending key < string < array < object.
// Real keys are numbers.
func rank(v IRValue) int {
	switch val := v.(type) {
	case nil:
		return 0
	case IRNull:
		return 1
	case IRBool:
		return 2
	case IRInt:
		return 3
	case Key:
		if val.IsPending() {
			return 4
		}
		return 3
	case IRString:
		return 5
	case IRArray:
		return 6
	case IRObject:
		return 7
	default:
		return 8
	}
}

// Equal reports whether a and b hold the same value.
// A real key equals an IRInt with the same number.
func Equal(a, b IRValue) bool {
	return Compare(a, b) == 0
}

// Compare imposes a total order over IR values. nil (an absent field)
// sorts before everything, including explicit null.
func Compare(a, b IRValue) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch av := a.(type) {
	case nil, IRNull:
		return 0
	case IRBool:
		bv := b.(IRBool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case IRInt, Key:
		if ak, ok := a.(Key); ok && ak.IsPending() {
			return CompareKeys(ak, b.(Key))
		}
		return compareNumbers(a, b)
	case IRString:
		return strings.Compare(string(av), string(b.(IRString)))
	case IRArray:
		bv := b.(IRArray)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(av), len(bv))
	case IRObject:
		bv := b.(IRObject)
		ak, bk := av.SortedKeys(), bv.SortedKeys()
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if c := compareKeysRFC8785(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := Compare(av[ak[i]], bv[bk[i]]); c != 0 {
				return c
			}
		}
		return cmpInt(len(ak), len(bk))
	default:
		return 0
	}
}

// compareNumbers compares IRInt and real Key values numerically.
func compareNumbers(a, b IRValue) int {
	an, aBig := numeric(a)
	bn, bBig := numeric(b)
	switch {
	case aBig && bBig:
		return CompareKeys(a.(Key), b.(Key))
	case aBig:
		return 1
	case bBig:
		return -1
	}
	switch {
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}

func numeric(v IRValue) (n int64, big bool) {
	switch val := v.(type) {
	case IRInt:
		return int64(val), false
	case Key:
		n, ok := keyAsInt64(val)
		return n, !ok
	}
	return 0, false
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
