package index

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Op is a query condition operator. Eq and In are index-coverable; the
// rest force a linear scan.
type Op string

const (
	OpEq  Op = "eq"
	OpIn  Op = "in"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
)

// Condition is one clause of a Find query: the document's value at Path
// must satisfy Op against Value (or one of Values, for $in).
type Condition struct {
	Path   string
	Op     Op
	Value  interface{}
	Values []interface{}
}

// Coverable reports whether this condition can be satisfied by a
// secondary index lookup rather than a per-document scan.
func (c Condition) Coverable() bool {
	return c.Op == OpEq || c.Op == OpIn
}

// valueAtPath walks a dotted path ("a.b.c") through a decoded JSON
// document and returns the value found, if any.
func valueAtPath(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ValueAtPath walks a dotted path through a decoded document, for
// callers maintaining secondary indexes that need the raw value at a
// path rather than a condition evaluation.
func ValueAtPath(doc map[string]interface{}, path string) (interface{}, bool) {
	return valueAtPath(doc, path)
}

// DecodeDocument unmarshals a stored value document into the generic
// shape EvalCondition and valueAtPath operate over.
func DecodeDocument(raw json.RawMessage) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("index: decode document: %w", err)
	}
	return doc, nil
}

// EvalCondition reports whether doc satisfies a single condition.
func EvalCondition(doc map[string]interface{}, c Condition) bool {
	v, ok := valueAtPath(doc, c.Path)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return compareEqual(v, c.Value)
	case OpNe:
		return !compareEqual(v, c.Value)
	case OpIn:
		for _, want := range c.Values {
			if compareEqual(v, want) {
				return true
			}
		}
		return false
	case OpLt, OpLte, OpGt, OpGte:
		cmp, ok := compareOrdered(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		}
	}
	return false
}

// EvalAll reports whether doc satisfies every condition (AND semantics).
func EvalAll(doc map[string]interface{}, conds []Condition) bool {
	for _, c := range conds {
		if !EvalCondition(doc, c) {
			return false
		}
	}
	return true
}

func compareEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareOrdered compares a to b, returning -1/0/1 and true if both sides
// are numeric or both are strings; false if they are not comparable.
func compareOrdered(a, b interface{}) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ValueKey renders a condition's equality/$in comparison values as the
// canonical strings a SecondaryIndex stores its postings under.
func ValueKey(v interface{}) string {
	if f, ok := toFloat(v); ok {
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", f), "0"), ".")
	}
	return fmt.Sprint(v)
}
