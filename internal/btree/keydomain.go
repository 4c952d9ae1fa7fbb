package btree

import (
	"math"
	"strconv"
)

// KeyDomain says how keys beyond the current maximum can be manufactured.
// Only integral and textual keys have a strategy; everything else is
// Unsupported and callers must skip work that needs synthetic keys.
type KeyDomain int

const (
	Unsupported KeyDomain = iota
	Integral
	Textual
)

func (d KeyDomain) String() string {
	switch d {
	case Integral:
		return "integral"
	case Textual:
		return "textual"
	default:
		return "unsupported"
	}
}

// Synthetic returns n distinct keys strictly greater than max. ok is false
// when the domain has no strategy, max has the wrong type, or the keys
// would overflow.
func (d KeyDomain) Synthetic(max any, n int) (keys []any, ok bool) {
	if n < 0 {
		return nil, false
	}
	switch d {
	case Integral:
		m, isInt := max.(int64)
		if !isInt || m > math.MaxInt64-int64(n) {
			return nil, false
		}
		keys = make([]any, n)
		for i := range keys {
			keys[i] = m + int64(i) + 1
		}
		return keys, true
	case Textual:
		m, isStr := max.(string)
		if !isStr {
			return nil, false
		}
		keys = make([]any, n)
		for i := range keys {
			// A proper extension of max sorts after it.
			keys[i] = m + strconv.Itoa(i)
		}
		return keys, true
	default:
		return nil, false
	}
}

func domainOf[K Key]() KeyDomain {
	var k K
	switch any(k).(type) {
	case int64:
		return Integral
	case string:
		return Textual
	default:
		return Unsupported
	}
}
