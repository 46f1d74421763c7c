package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ToFloat64 converts a numeric (or numeric string) value to float64.
// ok is false for nil and for values that are not numbers.
func ToFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ToInt64 converts a numeric (or numeric string) value to int64.
func ToInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	case float32:
		return int64(x), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// IsNumeric reports whether v is a Go numeric type.
func IsNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, uint64, float32, float64:
		return true
	default:
		return false
	}
}

// Compare orders two values. Numbers compare numerically, strings
// lexicographically, nil sorts first. Values of unrelated types compare by
// their formatted representation.
func Compare(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if IsNumeric(a) && IsNumeric(b) {
		af, _ := ToFloat64(a)
		bf, _ := ToFloat64(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		as = fmt.Sprintf("%v", a)
		bs = fmt.Sprintf("%v", b)
	}
	return strings.Compare(as, bs)
}

// KeyOf builds a comparable map key for the given columns of a tuple. Each
// part is written as len:bytes, so no value can forge a column boundary.
func KeyOf(t Tuple, cols []string) string {
	var sb strings.Builder
	for _, c := range cols {
		part := ValueKey(t[c])
		sb.WriteString(strconv.Itoa(len(part)))
		sb.WriteByte(':')
		sb.WriteString(part)
	}
	return sb.String()
}

// maxExactFloat bounds the integers a float64 holds exactly.
const maxExactFloat = 1 << 53

// ValueKey encodes one value for use in a map key. Integers are exact. A
// float takes the integer form when it is integral and within 2^53 of zero,
// so int64(1) and float64(1) collide while int64(2^53+1) and int64(2^53) do
// not.
func ValueKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "N"
	case string:
		return "s" + x
	case bool:
		return "b" + strconv.FormatBool(x)
	case int:
		return intKey(int64(x))
	case int32:
		return intKey(int64(x))
	case int64:
		return intKey(x)
	case uint64:
		if x > math.MaxInt64 {
			return "u" + strconv.FormatUint(x, 10)
		}
		return intKey(int64(x))
	case float32:
		return floatKey(float64(x))
	case float64:
		return floatKey(x)
	default:
		return "v" + fmt.Sprintf("%v", x)
	}
}

func intKey(i int64) string { return "i" + strconv.FormatInt(i, 10) }

func floatKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) <= maxExactFloat {
		return intKey(int64(f))
	}
	return "f" + strconv.FormatFloat(f, 'g', -1, 64)
}
