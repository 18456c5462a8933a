package catalog

import (
	"time"

	"github.com/arroyodb/arroyo/internal/observability"
)

// bucketAccess is the scoped guard every bucket touch goes through: it finds
// the bucket, acquires its mutex, and validates its state before yielding a
// usable reference. While the guard is held the bucket cannot be removed and
// is not in the idle list.
type bucketAccess struct {
	catalog *BucketCatalog
	key     *bucketKey
	stats   *observability.ExecutionStats
	time    time.Time

	bucket *Bucket
	locked bool
}

// newBucketAccessForKey looks up or creates the open bucket for a key.
// The fast path takes the key's stripe in shared mode; allocation and
// cleared-bucket replacement retry under the exclusive catalog lock.
func newBucketAccessForKey(c *BucketCatalog, key *bucketKey, stats *observability.ExecutionStats, t time.Time) *bucketAccess {
	a := &bucketAccess{catalog: c, key: key, stats: stats, time: t}

	// Precompute the hash outside any lock; it is the expensive part.
	hash := key.hash()

	stripe := c.stripeFor(hash)
	c.stripes[stripe].RLock()
	state, found := a.findOpenBucketAndLock()
	c.stripes[stripe].RUnlock()
	if found && (state == BucketStateNormal || state == BucketStatePrepared) {
		return a
	}

	c.lockExclusive()
	a.findOrCreateOpenBucketAndLock()
	c.unlockExclusive()
	return a
}

// newBucketAccessForBucket re-acquires a bucket from a raw back-reference.
// Commit-path operations use it: the bucket is verified to still be in the
// live set, locked, and released immediately if it has been cleared.
func newBucketAccessForBucket(c *BucketCatalog, bucket *Bucket) *bucketAccess {
	a := &bucketAccess{catalog: c}
	if bucket == nil {
		return a
	}

	// Any single stripe excludes index writers, which always hold all of
	// them; rotate to spread reader contention.
	stripe := c.nextStripe()
	c.stripes[stripe].RLock()
	defer c.stripes[stripe].RUnlock()

	if _, ok := c.allBuckets[bucket]; !ok {
		return a
	}

	a.bucket = bucket
	a.acquire()

	if state, ok := c.states.get(bucket.id); ok && state == BucketStateCleared {
		a.release()
	}
	return a
}

// findOpenBucketAndLock runs the shared-mode lookup. The caller holds the
// key's stripe in read mode, which excludes all index writers.
func (a *bucketAccess) findOpenBucketAndLock() (BucketState, bool) {
	bucket, ok := a.catalog.openBuckets[*a.key]
	if !ok {
		return 0, false
	}

	a.bucket = bucket
	a.acquire()

	state, ok := a.catalog.states.get(bucket.id)
	if !ok || state == BucketStateCleared || state == BucketStatePreparedAndCleared {
		a.release()
	} else {
		a.catalog.markBucketNotIdle(bucket, false)
	}
	return state, ok
}

// findOrCreateOpenBucketAndLock runs under the exclusive catalog lock: it
// re-finds the open bucket, replaces it if it was cleared, or allocates a
// fresh one.
func (a *bucketAccess) findOrCreateOpenBucketAndLock() {
	bucket, ok := a.catalog.openBuckets[*a.key]
	if !ok {
		// No open bucket for this metadata.
		a.create(true)
		return
	}

	a.bucket = bucket
	a.acquire()

	if state, ok := a.catalog.states.get(bucket.id); ok &&
		(state == BucketStateNormal || state == BucketStatePrepared) {
		a.catalog.markBucketNotIdle(bucket, false)
		return
	}

	// The open bucket was cleared behind our back; abort it and start over.
	a.catalog.abortBucketLocked(bucket, nil)
	a.bucket = nil
	a.locked = false
	a.create(true)
}

func (a *bucketAccess) acquire() {
	a.bucket.mu.Lock()
	a.locked = true
}

// create allocates a fresh bucket for the key. Caller holds the exclusive
// catalog lock.
func (a *bucketAccess) create(openedDueToMetadata bool) {
	a.bucket = a.catalog.allocateBucket(*a.key, a.time, a.stats, openedDueToMetadata)
	a.acquire()
}

// release unlocks the bucket and nullifies the guard.
func (a *bucketAccess) release() {
	if !a.locked {
		return
	}
	a.bucket.mu.Unlock()
	a.bucket = nil
	a.locked = false
}

func (a *bucketAccess) isLocked() bool {
	return a.locked && a.bucket != nil
}

// rollover closes the current bucket for the key and opens a successor. The
// fullness predicate is re-evaluated after the open bucket is re-acquired,
// so a racer that already rolled over does not close the fresh bucket and
// closure stats are recorded once per actual closure.
func (a *bucketAccess) rollover(isFull func(*bucketAccess) bool) {
	oldBucket := a.bucket
	a.release()

	a.catalog.lockExclusive()
	defer a.catalog.unlockExclusive()
	a.findOrCreateOpenBucketAndLock()

	// Only re-run the predicate if someone already replaced the bucket;
	// re-running it on the same bucket would double-count the close reason.
	sameBucket := oldBucket == a.bucket
	if sameBucket || isFull(a) {
		if a.bucket.allCommitted() {
			// Nothing outstanding; the old bucket can go now.
			finished := a.bucket
			a.release()
			a.catalog.removeBucket(finished, false)
		} else {
			// Outstanding batches keep the bucket alive; its last
			// committer reaps it.
			a.bucket.full = true
			a.release()
		}

		a.create(false)
	}
}

// setTime rewinds the bucket's nominal open time to the access time,
// rewriting its identity.
func (a *bucketAccess) setTime() {
	a.catalog.setIDTimestamp(a.bucket, a.time)
}

// bucketTime returns the bucket's nominal open time from its identity.
func (a *bucketAccess) bucketTime() time.Time {
	return a.bucket.id.Time()
}
