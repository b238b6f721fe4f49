// Package args holds task argument values and the substitution step that
// feeds a finished task's results into its successors.
//
// A Value is either a Literal, passed to the task as-is, or a FromResult
// reference naming a key in a predecessor's result map. Fill resolves
// references; Resolve produces the plain map a task receives.
package args

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the Value variants.
type Kind uint8

const (
	// KindLiteral carries a concrete value.
	KindLiteral Kind = iota + 1
	// KindFromResult references a key in a predecessor's results.
	KindFromResult
)

// Value is one task argument. The zero Value is a nil literal.
type Value struct {
	kind    Kind
	literal interface{}
	key     string
}

// Literal wraps v.
func Literal(v interface{}) Value { return Value{kind: KindLiteral, literal: v} }

// FromResult references results[key] of a predecessor.
func FromResult(key string) Value { return Value{kind: KindFromResult, key: key} }

// Kind returns the variant; the zero Value reports KindLiteral.
func (v Value) Kind() Kind {
	if v.kind == 0 {
		return KindLiteral
	}
	return v.kind
}

// Resolved reports whether v is a literal.
func (v Value) Resolved() bool { return v.Kind() == KindLiteral }

// Literal returns the wrapped value and true when v is a literal.
func (v Value) Literal() (interface{}, bool) {
	if !v.Resolved() {
		return nil, false
	}
	return v.literal, true
}

// Key returns the referenced result key and true when v is a FromResult.
func (v Value) Key() (string, bool) {
	if v.Kind() != KindFromResult {
		return "", false
	}
	return v.key, true
}

func (v Value) String() string {
	if k, ok := v.Key(); ok {
		return fmt.Sprintf("FromResult(%s)", k)
	}
	return fmt.Sprintf("Literal(%v)", v.literal)
}

type wireValue struct {
	Literal    *json.RawMessage `json:"literal,omitempty"`
	FromResult *string          `json:"from_result,omitempty"`
}

// MarshalJSON encodes {"literal": v} or {"from_result": key}.
func (v Value) MarshalJSON() ([]byte, error) {
	if k, ok := v.Key(); ok {
		return json.Marshal(wireValue{FromResult: &k})
	}
	raw, err := json.Marshal(v.literal)
	if err != nil {
		return nil, fmt.Errorf("marshal literal: %w", err)
	}
	msg := json.RawMessage(raw)
	return json.Marshal(wireValue{Literal: &msg})
}

// UnmarshalJSON accepts the tagged form. Any other JSON value is taken as a
// literal, so hand-written argument maps may use plain values.
func (v *Value) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		if len(obj) == 1 {
			if raw, ok := obj["from_result"]; ok {
				var key string
				if err := json.Unmarshal(raw, &key); err != nil {
					return fmt.Errorf("from_result: %w", err)
				}
				if key == "" {
					return fmt.Errorf("from_result: empty key")
				}
				*v = FromResult(key)
				return nil
			}
			if raw, ok := obj["literal"]; ok {
				var lit interface{}
				if err := json.Unmarshal(raw, &lit); err != nil {
					return fmt.Errorf("literal: %w", err)
				}
				*v = Literal(lit)
				return nil
			}
		}
	}
	var lit interface{}
	if err := json.Unmarshal(trimmed, &lit); err != nil {
		return err
	}
	*v = Literal(lit)
	return nil
}

// Args is a task's stored argument map.
type Args map[string]Value

// FromMap wraps every entry of m as a literal.
func FromMap(m map[string]interface{}) Args {
	out := make(Args, len(m))
	for k, v := range m {
		out[k] = Literal(v)
	}
	return out
}

// Fill returns a copy of a in which every FromResult whose key is present in
// results is replaced by that literal. References to absent keys stay
// unresolved; literal entries are untouched.
func Fill(a Args, results map[string]interface{}) Args {
	out := make(Args, len(a))
	for name, v := range a {
		if key, ok := v.Key(); ok {
			if r, found := results[key]; found {
				out[name] = Literal(r)
				continue
			}
		}
		out[name] = v
	}
	return out
}

// Resolve returns the plain map handed to a task and the sorted names of
// arguments still waiting on a result. Unresolved arguments are omitted.
func (a Args) Resolve() (map[string]interface{}, []string) {
	out := make(map[string]interface{}, len(a))
	var missing []string
	for name, v := range a {
		if lit, ok := v.Literal(); ok {
			out[name] = lit
			continue
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return out, missing
}

// Unresolved reports whether any argument still references a result.
func (a Args) Unresolved() bool {
	for _, v := range a {
		if !v.Resolved() {
			return true
		}
	}
	return false
}
