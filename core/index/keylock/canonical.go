package keylock

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	nullKey   = "\x00"
	separator = "\x1f"
)

// Canonical returns the string form used to identify and order a key.
// Composite keys ([]any) join their parts with a unit separator. The form
// carries no type tag: 1 and "1" are the same key, matching the string keys
// transactions carry between nodes.
func Canonical(key any) string {
	switch k := key.(type) {
	case nil:
		return nullKey
	case string:
		return k
	case []byte:
		return string(k)
	case int:
		return strconv.Itoa(k)
	case int64:
		return strconv.FormatInt(k, 10)
	case int32:
		return strconv.FormatInt(int64(k), 10)
	case uint64:
		return strconv.FormatUint(k, 10)
	case uint32:
		return strconv.FormatUint(uint64(k), 10)
	case float64:
		return strconv.FormatFloat(k, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(k)
	case []any:
		parts := make([]string, len(k))
		for i, p := range k {
			parts[i] = Canonical(p)
		}
		return strings.Join(parts, separator)
	case fmt.Stringer:
		return k.String()
	}
	return fmt.Sprint(key)
}

// Namespaced builds the lock key of an index key, so one lock table can
// serve every index of a database.
func Namespaced(index string, key any) string {
	return index + separator + Canonical(key)
}
