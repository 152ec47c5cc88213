package bucketing

import (
	"hash"
	"sync"

	"identity-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns identities to fixed Scylla partition buckets so that
// no single partition grows unbounded. Assignment is consistent: the
// same subject always lands in the same bucket.
type Manager struct {
	identityBuckets int
	hasherPool      sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		identityBuckets: cfg.Scylla.IdentityBuckets,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New64()
			},
		},
	}
}

// IdentityBucket returns the partition bucket for a subject digest.
func (m *Manager) IdentityBucket(subjectDigest string) int {
	return int(m.sum64(subjectDigest) % uint64(m.identityBuckets))
}

// Buckets returns the configured bucket count.
func (m *Manager) Buckets() int {
	return m.identityBuckets
}

func (m *Manager) sum64(key string) uint64 {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	h.Write([]byte(key))
	return h.Sum64()
}
