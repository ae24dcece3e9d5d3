package enclave

import (
	"errors"
	"fmt"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/lockhandle"
	"github.com/cuemby/enclavedb/pkg/txn"
)

// Kind classifies an Error into one of a small, closed set of failure
// classes, so a caller can branch on the class instead of string-matching.
type Kind int

const (
	KindNotFound Kind = iota
	KindInvalidArgument
	KindPolicyRejected
	KindStalenessDetected
	KindLockContention
	KindTransactionAborted
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindPolicyRejected:
		return "PolicyRejected"
	case KindStalenessDetected:
		return "StalenessDetected"
	case KindLockContention:
		return "LockContention"
	case KindTransactionAborted:
		return "TransactionAborted"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is what every operation handler in this package returns instead
// of a bare error, so callers can recover NotFound/PolicyRejected
// locally and abort on everything else.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is treats two *Error values as equal when their Kind matches,
// regardless of the wrapped cause, so callers can write
// errors.Is(err, enclave.NewError(enclave.KindNotFound, nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError wraps err as an Error of the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// classify maps an error surfaced by pkg/txn or one of its collaborators
// onto the Kind enum the operation surface promises.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, index.ErrKeyNotFound):
		return NewError(KindNotFound, err)
	case errors.Is(err, txn.ErrCollectionNotFound):
		return NewError(KindInvalidArgument, err)
	case errors.Is(err, txn.ErrPolicyRejected):
		return NewError(KindPolicyRejected, err)
	case errors.Is(err, buffer.ErrStaleness):
		return NewError(KindStalenessDetected, err)
	case errors.Is(err, lockhandle.ErrLockContention):
		return NewError(KindLockContention, err)
	case errors.Is(err, txn.ErrPeerPrepareFailed):
		return NewError(KindTransactionAborted, err)
	default:
		return NewError(KindInternal, err)
	}
}
