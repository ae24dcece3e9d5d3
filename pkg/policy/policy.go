package policy

import "context"

// OpContext identifies who is performing an operation and which
// operation it is, so a policy program can make identity- and
// action-dependent decisions.
type OpContext struct {
	Identity string
	OpName   string // e.g. "get", "put", "remove", "find"

	// Invalid marks a sentinel context used when the enclave itself needs
	// to read a value without triggering policy evaluation recursively —
	// most notably when fetching a collection's own policy document.
	Invalid bool
}

// InvalidOpContext returns the sentinel context that Evaluator
// implementations and callers must recognize as "do not evaluate,
// allow unconditionally" to avoid evaluating a policy program against
// itself.
func InvalidOpContext() OpContext {
	return OpContext{Invalid: true}
}

// Bindings are the named values a policy program can reference while
// evaluating one operation: the object's key, its current value (if
// any), and the proposed new value (for writes).
type Bindings struct {
	Key         string
	Value       []byte
	ProposedNew []byte
}

// Evaluator decides whether an operation described by ctx and bindings
// is allowed to proceed, against the collection's compiled policy
// program. Implementations are supplied by the host embedding this
// module; no concrete policy language is bundled here.
type Evaluator interface {
	Evaluate(ctx context.Context, program []byte, opCtx OpContext, bindings Bindings) (bool, error)
}

// AllowAllEvaluator is a no-policy evaluator that allows every operation,
// used by tests and by collections with no policy document installed.
type AllowAllEvaluator struct{}

func (AllowAllEvaluator) Evaluate(context.Context, []byte, OpContext, Bindings) (bool, error) {
	return true, nil
}
