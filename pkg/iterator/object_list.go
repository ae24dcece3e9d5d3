package iterator

import (
	"context"

	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/ledger"
	"github.com/cuemby/enclavedb/pkg/policy"
)

// ObjectListIterator walks a candidate key list (either every key in a
// collection, or the narrowed set a query planner returned) yielding the
// keys whose current value is visible under policy and matches every
// condition it was given.
type ObjectListIterator struct {
	ledger    *ledger.Ledger
	primary   *index.PrimaryIndex
	evaluator policy.Evaluator
	program   []byte
	opCtx     policy.OpContext
	keys      []string
	conds     []index.Condition
	pos       int
}

// NewObjectListIterator builds an iterator over keys, applying conds to
// every candidate whose policy-visible current value is fetched.
func NewObjectListIterator(l *ledger.Ledger, primary *index.PrimaryIndex, evaluator policy.Evaluator, program []byte, opCtx policy.OpContext, keys []string, conds []index.Condition) *ObjectListIterator {
	return &ObjectListIterator{ledger: l, primary: primary, evaluator: evaluator, program: program, opCtx: opCtx, keys: keys, conds: conds}
}

// Next returns the next matching (key, decoded document) pair, or
// ok=false once every candidate key has been considered.
func (it *ObjectListIterator) Next(ctx context.Context) (string, map[string]interface{}, bool, error) {
	for it.pos < len(it.keys) {
		key := it.keys[it.pos]
		it.pos++

		head, found, err := it.primary.Get(ctx, key)
		if err != nil {
			return "", nil, false, err
		}
		if !found {
			continue
		}

		ev, ok, err := CurrentValue(ctx, it.ledger, it.evaluator, it.program, it.opCtx, key, head)
		if err != nil {
			return "", nil, false, err
		}
		if !ok {
			continue
		}

		doc, err := index.DecodeDocument(ev.Value)
		if err != nil {
			return "", nil, false, err
		}
		if len(it.conds) > 0 && !index.EvalAll(doc, it.conds) {
			continue
		}
		return key, doc, true, nil
	}
	return "", nil, false, nil
}
