package bucketing

import (
	"hash"
	"sync"
	"time"

	"coliving-admin-auth/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads audit log partitions so one busy admin does not
// create a hot partition.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return NewBucketingManagerWithBuckets(cfg.Bucketing.EventBuckets)
}

func NewBucketingManagerWithBuckets(eventBuckets int) *BucketingManager {
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	bm := &BucketingManager{eventBuckets: eventBuckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetEventBucket returns a stable bucket in [0, eventBuckets) for identifier.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(identifier))
	return int(hasher.Sum64() % uint64(bm.eventBuckets))
}

// GetDateBucket returns the UTC day partition for t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}
