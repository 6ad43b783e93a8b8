package value

// AsMap accepts the object shapes callers pass as arguments: decoded JSON objects and rows.
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Row:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

// AsList accepts the list shapes callers pass as arguments.
func AsList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = item
		}
		return out, true
	case []string:
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = item
		}
		return out, true
	case []Row:
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = map[string]any(item)
		}
		return out, true
	default:
		return nil, false
	}
}

// AsInt accepts integral numbers from Go literals or decoded JSON.
func AsInt(v any) (int, bool) {
	i, ok := toInt64(v)
	return int(i), ok
}

// Present reports whether an argument carries a value, treating Undefined as absent.
func Present(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok || IsUndefined(v) {
		return nil, false
	}
	return v, true
}
