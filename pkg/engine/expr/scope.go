package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Scope is the set of identifiers visible to edge conditions and expression
// predicates:
//
//	output, output.<path>   the node output, or a field inside it
//	value                   the selected field (defaults to output)
//	text                    the string form of value
//	node.id, node.kind      the node that produced the output
//	iteration               1-based execution count of the node
//	metadata.<key>          caller metadata
//
// Missing paths and metadata keys resolve to null rather than failing.
type Scope struct {
	Output    any
	Value     any
	HasValue  bool
	NodeID    string
	NodeKind  string
	Iteration int
	Metadata  map[string]string
}

// Lookup implements LookupFunc.
func (s Scope) Lookup(name string) (any, bool) {
	switch name {
	case "output":
		return s.Output, true
	case "value":
		return s.value(), true
	case "text":
		return Text(s.value()), true
	case "node.id":
		return s.NodeID, true
	case "node.kind":
		return s.NodeKind, true
	case "iteration":
		return float64(s.Iteration), true
	}
	if path, ok := strings.CutPrefix(name, "output."); ok {
		v, _ := Path(s.Output, path)
		return v, true
	}
	if key, ok := strings.CutPrefix(name, "metadata."); ok {
		v, found := s.Metadata[key]
		if !found {
			return nil, true
		}
		return v, true
	}
	return nil, false
}

func (s Scope) value() any {
	if s.HasValue {
		return s.Value
	}
	return s.Output
}

// Path walks a dotted path through nested maps and slices. Numeric segments
// index slices.
func Path(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}
	current := value
	for _, segment := range strings.Split(path, ".") {
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[segment]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := typed[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(typed) {
				return nil, false
			}
			current = typed[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Text renders a value as text. Strings are returned as-is, nil as the empty
// string, and everything else as compact JSON.
func Text(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}
