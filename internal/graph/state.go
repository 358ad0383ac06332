package graph

// State is the shared data bag a run threads through its nodes. Nodes
// treat it as immutable input and return a derived copy; the executor
// owns the authoritative value between nodes.
type State map[string]any

// Well-known state keys the executor reads and writes.
const (
	// KeyError holds the message of a node failure; the executor sets
	// it before routing to the terminal node.
	KeyError = "error"

	// KeyAnswer receives the user's answer when a run resumes after an
	// interrupt.
	KeyAnswer = "answer"
)

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a copy of s with the patch applied on top.
func (s State) Merge(patch State) State {
	out := s.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// String reads a string key; missing or mistyped yields "".
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Int reads an integer key. JSON round trips store numbers as float64,
// so both widths are accepted.
func (s State) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bool reads a boolean key; missing or mistyped yields false.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Strings reads a string-slice key, tolerating the []any shape JSON
// decoding produces.
func (s State) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Has reports whether the key is present.
func (s State) Has(key string) bool {
	_, ok := s[key]
	return ok
}
