package index

import "context"

// Planner picks secondary indexes to cover a Find/Count query, falling
// back to a full linear scan when any condition is not index-coverable:
// only equality and $in are covered, range operators force a scan of the
// whole collection.
type Planner struct {
	indexes map[string]*SecondaryIndex // keyed by Path
}

// NewPlanner builds a planner over the given secondary indexes.
func NewPlanner(indexes map[string]*SecondaryIndex) *Planner {
	return &Planner{indexes: indexes}
}

// Plan evaluates conds. If every condition is coverable by an existing
// secondary index, it returns the intersected candidate key set with
// scanRequired false. Otherwise it returns scanRequired true and the
// caller must evaluate every condition itself against a full collection
// scan via EvalAll.
func (p *Planner) Plan(ctx context.Context, conds []Condition) (keys []string, scanRequired bool, err error) {
	if len(conds) == 0 {
		return nil, true, nil
	}
	for _, c := range conds {
		if !c.Coverable() {
			return nil, true, nil
		}
		if _, ok := p.indexes[c.Path]; !ok {
			return nil, true, nil
		}
	}

	var result map[string]struct{}
	for _, c := range conds {
		idx := p.indexes[c.Path]
		var candidateKeys []string
		if c.Op == OpEq {
			candidateKeys, err = idx.Lookup(ctx, ValueKey(c.Value))
		} else {
			vals := make([]string, len(c.Values))
			for i, v := range c.Values {
				vals[i] = ValueKey(v)
			}
			candidateKeys, err = idx.LookupIn(ctx, vals)
		}
		if err != nil {
			return nil, false, err
		}
		set := make(map[string]struct{}, len(candidateKeys))
		for _, k := range candidateKeys {
			set[k] = struct{}{}
		}
		if result == nil {
			result = set
			continue
		}
		result = intersectSets(result, set)
	}

	out := make([]string, 0, len(result))
	for k := range result {
		out = append(out, k)
	}
	return out, false, nil
}

func intersectSets(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}
