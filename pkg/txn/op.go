package txn

import (
	"encoding/json"

	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/types"
)

// OpType tags the shape of a single transaction operation.
type OpType int

const (
	OpGet OpType = iota
	OpPut
	OpRemove
	OpAdd
	OpFind
	OpCount
)

func (t OpType) String() string {
	switch t {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	case OpAdd:
		return "add"
	case OpFind:
		return "find"
	case OpCount:
		return "count"
	default:
		return "unknown"
	}
}

func (t OpType) isWrite() bool {
	return t == OpPut || t == OpRemove || t == OpAdd
}

// Op is one operation within a transaction's op list.
type Op struct {
	Type       OpType
	Collection string
	Key        string          // Get/Put/Remove/Add
	Value      json.RawMessage // Put/Add
	Conds      []index.Condition // Find/Count
}

// OpResult carries whichever of its fields are meaningful for the Op
// that produced it.
type OpResult struct {
	Found   bool
	Value   json.RawMessage
	EventID types.EventID
	Keys    []string
	Docs    map[string]json.RawMessage
	Count   int
}
