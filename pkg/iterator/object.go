package iterator

import (
	"context"

	"github.com/cuemby/enclavedb/pkg/ledger"
	"github.com/cuemby/enclavedb/pkg/policy"
	"github.com/cuemby/enclavedb/pkg/types"
)

// ObjectIterator walks one key's version chain backward from its head
// event through predecessor links, consulting a policy evaluator before
// yielding each version.
type ObjectIterator struct {
	ledger    *ledger.Ledger
	evaluator policy.Evaluator
	program   []byte
	opCtx     policy.OpContext
	key       string

	current    types.EventID
	hasCurrent bool
}

// NewObjectIterator starts a walk at head. opCtx.Invalid bypasses policy
// evaluation entirely, for the enclave's own internal reads of a
// collection's policy document.
func NewObjectIterator(l *ledger.Ledger, evaluator policy.Evaluator, program []byte, opCtx policy.OpContext, key string, head types.EventID) *ObjectIterator {
	return &ObjectIterator{
		ledger: l, evaluator: evaluator, program: program, opCtx: opCtx, key: key,
		current: head, hasCurrent: head.IsValid(),
	}
}

// Next returns the next older version, skipping any version the policy
// evaluator rejects, and ok=false once the chain is exhausted.
func (it *ObjectIterator) Next(ctx context.Context) (types.Event, bool, error) {
	for it.hasCurrent {
		ev, err := it.ledger.ReadEvent(ctx, it.current)
		if err != nil {
			return types.Event{}, false, err
		}

		if ev.Predecessor.HasPos() {
			it.current = types.EventID{Shard: it.current.Shard, Block: ev.Predecessor.Block, Index: ev.Predecessor.Index}
		} else {
			it.hasCurrent = false
		}

		allowed := true
		if !it.opCtx.Invalid {
			var evalErr error
			allowed, evalErr = it.evaluator.Evaluate(ctx, it.program, it.opCtx, policy.Bindings{Key: it.key, Value: ev.Value})
			if evalErr != nil {
				return types.Event{}, false, evalErr
			}
		}
		if !allowed {
			continue
		}
		return ev, true, nil
	}
	return types.Event{}, false, nil
}

// CurrentValue returns the value at head, or ok=false if head is invalid,
// policy-rejected, or the most recent event on the chain is a Deletion
// tombstone — the three cases in which a caller asking for "the current
// value" should see nothing.
func CurrentValue(ctx context.Context, l *ledger.Ledger, evaluator policy.Evaluator, program []byte, opCtx policy.OpContext, key string, head types.EventID) (types.Event, bool, error) {
	it := NewObjectIterator(l, evaluator, program, opCtx, key, head)
	ev, ok, err := it.Next(ctx)
	if err != nil || !ok {
		return types.Event{}, false, err
	}
	if ev.Type == types.Deletion {
		return types.Event{}, false, nil
	}
	return ev, true, nil
}
