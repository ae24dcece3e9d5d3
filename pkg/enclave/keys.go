package enclave

import (
	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/log"
	"github.com/google/uuid"
)

// newGeneratedKey produces a fresh application key for PutObjectWithoutKey.
func newGeneratedKey() string {
	return uuid.NewString()
}

// buildBufferManager allocates a new buffer manager over e's page store
// and sealer, namespaced by prefix so its page numbers never collide
// with another manager's.
func buildBufferManager(e *Enclave, prefix string) *buffer.Manager {
	return buffer.New(e.store, e.sealer, prefix, e.cfg.BufferStripeBudget, false, log.WithComponent("index-buffer").With().Str("prefix", prefix).Logger())
}
