package job

import "sort"

// Bundle is the default opaque payload, a map of primitive values.
// Supported value types: string, int64, float64, bool, []string and Bundle.
// int is accepted for convenience and stored as int64, it reads back as int64.
type Bundle map[string]any

// Clone makes a deep copy of the bundle
func (b Bundle) Clone() Payload {
	return b.clone()
}

func (b Bundle) clone() Bundle {
	if b == nil {
		return nil
	}
	res := make(Bundle, len(b))
	for k, v := range b {
		switch vv := v.(type) {
		case []string:
			res[k] = append([]string(nil), vv...)
		case Bundle:
			res[k] = vv.clone()
		default:
			res[k] = v
		}
	}
	return res
}

// Keys returns sorted keys
func (b Bundle) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
