package enclave

import (
	"encoding/json"
	"fmt"
	"strings"
)

// splitKeyPath separates an opcode's "key[.path]" argument into the
// application key (everything before the first dot) and the remaining
// dotted path segments, if any — e.g. "foo.xyz.+" addresses key "foo"
// at sub-path "xyz.+".
func splitKeyPath(keyPath string) (key string, segs []string) {
	idx := strings.IndexByte(keyPath, '.')
	if idx < 0 {
		return keyPath, nil
	}
	return keyPath[:idx], strings.Split(keyPath[idx+1:], ".")
}

// applyAtPath decodes base (the object's current whole-document value,
// possibly empty) and writes value at the dotted path segs, returning
// the whole document re-encoded. A trailing "+" segment appends value to
// the array found (or created) at the path one level up, instead of
// replacing it.
func applyAtPath(base json.RawMessage, segs []string, value json.RawMessage) (json.RawMessage, error) {
	var root interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &root); err != nil {
			return nil, fmt.Errorf("enclave: decode base document: %w", err)
		}
	}
	rootMap, ok := root.(map[string]interface{})
	if !ok {
		rootMap = map[string]interface{}{}
	}

	var v interface{}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, fmt.Errorf("enclave: decode path value: %w", err)
		}
	}

	if err := setAtPath(rootMap, segs, v); err != nil {
		return nil, err
	}
	return json.Marshal(rootMap)
}

func setAtPath(m map[string]interface{}, segs []string, v interface{}) error {
	if len(segs) == 0 {
		return fmt.Errorf("enclave: empty sub-path")
	}
	seg := segs[0]
	if len(segs) == 1 {
		if seg == "+" {
			return fmt.Errorf("enclave: %q cannot be the first sub-path segment", seg)
		}
		m[seg] = v
		return nil
	}
	if len(segs) == 2 && segs[1] == "+" {
		arr, _ := m[seg].([]interface{})
		m[seg] = append(arr, v)
		return nil
	}
	child, ok := m[seg].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		m[seg] = child
	}
	return setAtPath(child, segs[1:], v)
}

// valueAtSegs reads the value found at segs inside a decoded document,
// for GetObject/HasObject's key.path form.
func valueAtSegs(doc map[string]interface{}, segs []string) (interface{}, bool) {
	var cur interface{} = doc
	for _, s := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
