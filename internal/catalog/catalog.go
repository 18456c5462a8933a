package catalog

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/bsonx"
	"github.com/arroyodb/arroyo/internal/errors"
	"github.com/arroyodb/arroyo/internal/observability"
	"github.com/arroyodb/arroyo/pkg/types"
)

// numStripes is the width of the sharded catalog mutex. Sixteen lanes match
// typical core counts; the per-bucket mutex does the true mutual exclusion,
// the stripes only guard the hash-map indexes.
const numStripes = 16

// DefaultBucketMaxSpanSeconds bounds the time range a single bucket covers
// when the insert options do not say otherwise.
const DefaultBucketMaxSpanSeconds = 3600

// Limits are the process-wide capacity bounds shared by every namespace.
type Limits struct {
	// BucketMaxCount closes a bucket at this many measurements.
	BucketMaxCount uint32
	// BucketMaxSize closes a bucket when its serialized size would pass
	// this many bytes.
	BucketMaxSize int
	// IdleMemoryThreshold is the catalog-wide memory bound; exceeding it
	// evicts the least recently used idle buckets.
	IdleMemoryThreshold int64
}

// DefaultLimits returns the stock capacity bounds.
func DefaultLimits() Limits {
	return Limits{
		BucketMaxCount:      1000,
		BucketMaxSize:       125 * 1024,
		IdleMemoryThreshold: 100 * 1024 * 1024,
	}
}

// Options configure one insert call.
type Options struct {
	// TimeField names the measurement field carrying the timestamp. It must
	// be present and of BSON date type.
	TimeField string
	// MetaField optionally names the sub-object measurements are
	// partitioned by.
	MetaField string
	// BucketMaxSpanSeconds bounds the time range of one bucket. Zero means
	// DefaultBucketMaxSpanSeconds.
	BucketMaxSpanSeconds uint32
}

func (o Options) maxSpan() time.Duration {
	secs := o.BucketMaxSpanSeconds
	if secs == 0 {
		secs = DefaultBucketMaxSpanSeconds
	}
	return time.Duration(secs) * time.Second
}

// CombineMode controls whether inserts from different sessions may share a
// write batch.
type CombineMode int

const (
	// CombineDisallow keeps each session's batch private.
	CombineDisallow CombineMode = iota
	// CombineAllow funnels all sessions into one shared batch per bucket.
	CombineAllow
)

// commonSessionID is the process-wide session every CombineAllow insert
// maps to.
var commonSessionID = uuid.New()

// BucketCatalog routes each measurement to the correct open bucket for its
// (namespace, metadata) key, enforces bucket capacity, and serializes
// commits per bucket while admitting concurrent inserts from unrelated
// sessions.
type BucketCatalog struct {
	// stripes guard the index maps. Readers hold one stripe; writers hold
	// all of them in index order.
	stripes     [numStripes]sync.RWMutex
	stripeRotor atomic.Uint32
	openBuckets map[bucketKey]*Bucket
	allBuckets  map[*Bucket]struct{}

	memoryUsage atomic.Int64

	idleMu      sync.Mutex
	idleBuckets *list.List // front = most recently idled, back = eviction victim

	states *bucketStateMap
	stats  *observability.Registry

	limits Limits
	idGen  *types.BucketIDGenerator
}

// New creates a bucket catalog with the given capacity limits.
func New(limits Limits) *BucketCatalog {
	return &BucketCatalog{
		openBuckets: make(map[bucketKey]*Bucket),
		allBuckets:  make(map[*Bucket]struct{}),
		idleBuckets: list.New(),
		states:      newBucketStateMap(),
		stats:       observability.NewRegistry(),
		limits:      limits,
		idGen:       types.NewBucketIDGenerator(),
	}
}

func (c *BucketCatalog) stripeFor(hash uint64) int {
	return int(hash % numStripes)
}

func (c *BucketCatalog) nextStripe() int {
	return int(c.stripeRotor.Add(1) % numStripes)
}

func (c *BucketCatalog) lockExclusive() {
	for i := range c.stripes {
		c.stripes[i].Lock()
	}
}

func (c *BucketCatalog) unlockExclusive() {
	for i := range c.stripes {
		c.stripes[i].Unlock()
	}
}

// Insert routes one measurement to the open bucket for its key, rolling the
// bucket over first if the measurement would not fit, and appends it to the
// session's active batch. The returned batch is shared by every insert that
// landed in it; callers follow the claim/prepare/finish contract to commit.
func (c *BucketCatalog) Insert(
	ctx context.Context,
	ns types.Namespace,
	cmp bsonx.StringComparator,
	opts Options,
	doc bsoncore.Document,
	sessionID uuid.UUID,
	combine CombineMode,
) (*WriteBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.TimeField == "" {
		return nil, errors.NewValidationError(errors.CodeBadValue, "a time field name is required")
	}

	metaDoc, err := extractMetadata(doc, opts.MetaField)
	if err != nil {
		return nil, err
	}
	md, err := newMetadata(metaDoc, cmp)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryValidation, errors.CodeBadValue, "malformed metadata", err)
	}
	key := newBucketKey(ns, md)

	stats := c.stats.Get(ns)

	var ms int64
	ok := false
	if timeVal, lerr := doc.LookupErr(opts.TimeField); lerr == nil {
		ms, ok = timeVal.DateTimeOK()
	}
	if !ok {
		return nil, errors.Newf(errors.ErrCategoryValidation, errors.CodeBadValue,
			"'%s' must be present and contain a valid BSON UTC datetime value", opts.TimeField)
	}
	docTime := time.UnixMilli(ms)

	if combine == CombineAllow {
		sessionID = commonSessionID
	}

	a := newBucketAccessForKey(c, &key, stats, docTime)
	defer a.release()

	newFields, _, sizeToBeAdded := a.bucket.calculateFieldsAndSizeChange(doc, opts.MetaField)

	maxSpan := opts.maxSpan()
	isFull := func(a *bucketAccess) bool {
		bucket := a.bucket
		if bucket.numMeasurements == c.limits.BucketMaxCount {
			stats.NumBucketsClosedDueToCount.Add(1)
			return true
		}
		if bucket.size+sizeToBeAdded > c.limits.BucketMaxSize {
			stats.NumBucketsClosedDueToSize.Add(1)
			return true
		}
		bucketTime := a.bucketTime()
		if docTime.Sub(bucketTime) >= maxSpan {
			stats.NumBucketsClosedDueToTimeForward.Add(1)
			return true
		}
		if docTime.Before(bucketTime) {
			if !bucket.hasBeenCommitted() && bucket.latestTime.Sub(docTime) < maxSpan {
				// The span still fits and nothing has committed: rewind the
				// bucket's nominal open time instead of closing it.
				a.setTime()
			} else {
				stats.NumBucketsClosedDueToTimeBackward.Add(1)
				return true
			}
		}
		return false
	}

	if !a.bucket.ns.IsEmpty() && isFull(a) {
		a.rollover(isFull)
		newFields, _, sizeToBeAdded = a.bucket.calculateFieldsAndSizeChange(doc, opts.MetaField)
	}

	bucket := a.bucket
	batch := bucket.activeBatch(sessionID, stats)
	batch.addMeasurement(doc)
	batch.recordNewFields(newFields)

	prevMemory := bucket.memoryUsage
	newlyMinted := bucket.ns.IsEmpty()

	bucket.numMeasurements++
	bucket.size += sizeToBeAdded
	if docTime.After(bucket.latestTime) {
		bucket.latestTime = docTime
	}
	if newlyMinted {
		bucket.ns = ns
		bucket.metadata = md
		// The namespace and metadata are each held twice: by the bucket and
		// by the open index entry.
		bucket.memoryUsage += len(ns.String())*2 + len(md.raw)*2 + bucketMemoryOverhead
		prevMemory = 0
	}
	batch.noteBucketIdentity(bucket.id, bucket.ns)

	c.memoryUsage.Add(int64(bucket.memoryUsage - prevMemory))

	return batch, nil
}

// extractMetadata builds the metadata sub-document for a measurement: the
// configured field's value, an explicit null when the measurement lacks the
// field, or an empty document when no metadata is configured.
func extractMetadata(doc bsoncore.Document, metaField string) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	if metaField != "" {
		if v, err := doc.LookupErr(metaField); err == nil {
			dst = bsoncore.AppendValueElement(dst, metaField, v)
		} else {
			dst = bsoncore.AppendNullElement(dst, metaField)
		}
	}
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryValidation, errors.CodeBadValue, "malformed measurement", err)
	}
	return dst, nil
}

// PrepareCommit installs the batch as its bucket's single prepared batch,
// waiting until any earlier prepared batch on the bucket has resolved, then
// computes the batch's commit payload. Returns false, aborting the batch,
// if the bucket was cleared or retired in the meantime.
func (c *BucketCatalog) PrepareCommit(ctx context.Context, batch *WriteBatch) bool {
	if batch.Finished() {
		// Someone aborted the batch behind our back.
		return false
	}

	if !c.waitToCommitBatch(ctx, batch) {
		c.Abort(batch)
		return false
	}

	a := newBucketAccessForBucket(c, batch.bucketRef())
	if !a.isLocked() {
		c.Abort(batch)
		return false
	}
	defer a.release()

	bucket := a.bucket
	c.states.set(bucket.id, BucketStatePrepared)

	prevMemory := bucket.memoryUsage
	batch.prepareCommit(bucket)
	c.memoryUsage.Add(int64(bucket.memoryUsage - prevMemory))

	delete(bucket.batches, batch.sessionID)

	return true
}

// waitToCommitBatch loops until the batch owns its bucket's prepared slot.
// No lock is held across the wait; the loop re-acquires the bucket, reads
// the slot, and if occupied waits on that batch's outcome (ignoring it)
// before retrying. Returns false if the wait was cancelled.
func (c *BucketCatalog) waitToCommitBatch(ctx context.Context, batch *WriteBatch) bool {
	for {
		a := newBucketAccessForBucket(c, batch.bucketRef())
		if !a.isLocked() {
			// The bucket is gone; the caller handles the abort.
			return true
		}

		current := a.bucket.prepared
		if current == nil {
			// No other batch for this bucket is committing; take the slot.
			a.bucket.prepared = batch
			a.release()
			return true
		}

		a.release()
		if _, err := current.GetResult(ctx); err != nil && ctx.Err() != nil {
			return false
		}
	}
}

// Finish resolves the batch with the outcome of the external storage write,
// frees the bucket's prepared slot, and retires or re-idles the bucket. A
// failed storage write is observed, not rolled back: the batch's
// measurements were already folded into the bucket's min/max at prepare,
// a deliberate trade that keeps the prepared-batch serialization simple at
// the cost of rollback fidelity.
func (c *BucketCatalog) Finish(batch *WriteBatch, info CommitInfo) {
	a := newBucketAccessForBucket(c, batch.bucketRef())

	batch.finish(info)

	if a.isLocked() {
		c.states.set(a.bucket.id, BucketStateNormal)
		a.bucket.prepared = nil
	}

	if info.Result == nil {
		stats := batch.stats
		stats.NumCommits.Add(1)
		if batch.NumPreviouslyCommittedMeasurements() == 0 {
			stats.NumBucketInserts.Add(1)
		} else {
			stats.NumBucketUpdates.Add(1)
		}
		stats.NumMeasurementsCommitted.Add(int64(len(batch.Measurements())))
		if a.isLocked() {
			a.bucket.numCommitted += uint32(len(batch.Measurements()))
		}
	}

	if !a.isLocked() {
		return
	}

	bucket := a.bucket
	if bucket.allCommitted() {
		if bucket.full {
			// Everything is committed and nothing more will arrive: the
			// rollover that marked the bucket full already opened its
			// successor, so only the live set, idle list, and state table
			// hold it now.
			c.memoryUsage.Add(int64(-bucket.memoryUsage))
			a.release()

			c.lockExclusive()
			c.markBucketNotIdle(bucket, false)
			c.states.remove(bucket.id)
			delete(c.allBuckets, bucket)
			c.unlockExclusive()
			return
		}
		c.markBucketIdle(bucket)
	}
	a.release()
}

// Abort resolves the batch (and every other batch on its bucket) with the
// bucket-cleared error and removes the bucket. A batch that already
// finished with the bucket-cleared error is left alone.
func (c *BucketCatalog) Abort(batch *WriteBatch) {
	if batch.Finished() {
		return
	}

	bucket := batch.bucketRef()
	if bucket == nil {
		batch.abort()
		return
	}

	c.lockExclusive()
	defer c.unlockExclusive()

	if _, ok := c.allBuckets[bucket]; !ok {
		// The bucket has already been cleared; only this batch remains.
		batch.abort()
		return
	}

	bucket.mu.Lock()
	c.abortBucketLocked(bucket, batch)
}

// abortBucketLocked aborts every active batch on the bucket, clears the
// prepared slot if it belongs to the given batch, and removes the bucket.
// Callers hold the exclusive catalog lock and the bucket's mutex; the
// bucket mutex is released inside.
func (c *BucketCatalog) abortBucketLocked(bucket *Bucket, batch *WriteBatch) {
	for _, current := range bucket.batches {
		current.abort()
	}
	bucket.batches = make(map[uuid.UUID]*WriteBatch)

	if bucket.prepared != nil {
		if bucket.prepared == batch {
			bucket.prepared.abort()
		}
		bucket.prepared = nil
	}

	bucket.mu.Unlock()
	c.removeBucket(bucket, false)
}

// Clear transitions the named bucket to cleared. When the bucket had a
// prepared commit in flight, the returned write-conflict error tells the
// caller to surface a retryable conflict to its storage transaction.
func (c *BucketCatalog) Clear(id types.BucketID) error {
	state, ok := c.states.set(id, BucketStateCleared)
	if ok && state == BucketStatePreparedAndCleared {
		return errors.NewWriteConflictError(
			"bucket " + id.String() + " was cleared while a commit was prepared")
	}
	return nil
}

// ClearNamespace aborts every bucket of the namespace and drops its stats.
func (c *BucketCatalog) ClearNamespace(ns types.Namespace) {
	c.clearMatching(func(bucketNs types.Namespace) bool { return bucketNs == ns })
}

// ClearDatabase aborts every bucket of every collection in the database.
func (c *BucketCatalog) ClearDatabase(db string) {
	c.clearMatching(func(bucketNs types.Namespace) bool { return bucketNs.SameDB(db) })
}

func (c *BucketCatalog) clearMatching(shouldClear func(types.Namespace) bool) {
	c.lockExclusive()
	defer c.unlockExclusive()

	for bucket := range c.allBuckets {
		bucket.mu.Lock()
		if shouldClear(bucket.ns) {
			c.stats.Remove(bucket.ns)
			c.abortBucketLocked(bucket, nil)
		} else {
			bucket.mu.Unlock()
		}
	}
}

// GetMetadata returns the bucket's metadata document, or nil when the
// bucket has been retired.
func (c *BucketCatalog) GetMetadata(bucket *Bucket) bsoncore.Document {
	a := newBucketAccessForBucket(c, bucket)
	if !a.isLocked() {
		return nil
	}
	defer a.release()
	return a.bucket.metadata.ToBSON()
}

// AppendExecutionStats renders the namespace's ingest counters.
func (c *BucketCatalog) AppendExecutionStats(ns types.Namespace) bson.D {
	return c.stats.Peek(ns).Append()
}

// ServerStatus renders the global catalog snapshot, or nil when no
// namespace has recorded stats yet.
func (c *BucketCatalog) ServerStatus() bson.D {
	if c.stats.Empty() {
		return nil
	}

	// One stripe in read mode excludes all index writers.
	stripe := c.nextStripe()
	c.stripes[stripe].RLock()
	numBuckets := len(c.allBuckets)
	numOpen := len(c.openBuckets)
	c.stripes[stripe].RUnlock()

	return bson.D{
		{Key: "numBuckets", Value: int64(numBuckets)},
		{Key: "numOpenBuckets", Value: int64(numOpen)},
		{Key: "numIdleBuckets", Value: int64(c.numIdleBuckets())},
		{Key: "memoryUsage", Value: c.memoryUsage.Load()},
	}
}

// MemoryUsage returns the catalog's aggregate memory estimate.
func (c *BucketCatalog) MemoryUsage() int64 {
	return c.memoryUsage.Load()
}

// ---------------------------------------------------------------------------
// Internal bucket lifecycle
// ---------------------------------------------------------------------------

// allocateBucket creates a fresh open bucket for the key. Caller holds the
// exclusive catalog lock. Idle buckets are expired first when the memory
// threshold is exceeded.
func (c *BucketCatalog) allocateBucket(key bucketKey, t time.Time, stats *observability.ExecutionStats, openedDueToMetadata bool) *Bucket {
	c.expireIdleBuckets(stats)

	bucket := &Bucket{
		id:         c.newBucketID(t),
		key:        key,
		fieldNames: make(map[string]struct{}),
		batches:    make(map[uuid.UUID]*WriteBatch),
	}
	c.states.insert(bucket.id)
	c.openBuckets[key] = bucket
	c.allBuckets[bucket] = struct{}{}

	if openedDueToMetadata {
		stats.NumBucketsOpenedDueToMetadata.Add(1)
	}

	return bucket
}

// newBucketID stamps a fresh id with the bucket's nominal open time. Random
// source failures fall back to a counter so allocation never fails.
func (c *BucketCatalog) newBucketID(t time.Time) types.BucketID {
	id, err := c.idGen.GenerateWithTime(t)
	if err != nil {
		n := c.stripeRotor.Add(1)
		var fallback types.BucketID
		fallback = fallback.SetTimestamp(t)
		fallback[12] = byte(n >> 24)
		fallback[13] = byte(n >> 16)
		fallback[14] = byte(n >> 8)
		fallback[15] = byte(n)
		return fallback
	}
	return id
}

// setIDTimestamp rewinds a bucket's nominal open time, rewriting its
// identity and moving its state entry. Caller holds the bucket's mutex.
func (c *BucketCatalog) setIDTimestamp(bucket *Bucket, t time.Time) {
	old := bucket.id
	bucket.id = old.SetTimestamp(t)
	c.states.rename(old, bucket.id)
}

// removeBucket takes a bucket out of every index. Caller holds the
// exclusive catalog lock; idleLocked says whether the idle mutex is already
// held. The bucket must have no outstanding batches.
func (c *BucketCatalog) removeBucket(bucket *Bucket, idleLocked bool) bool {
	if _, ok := c.allBuckets[bucket]; !ok {
		return false
	}

	c.memoryUsage.Add(int64(-bucket.memoryUsage))
	c.markBucketNotIdle(bucket, idleLocked)
	if c.openBuckets[bucket.key] == bucket {
		delete(c.openBuckets, bucket.key)
	}
	c.states.remove(bucket.id)
	delete(c.allBuckets, bucket)

	return true
}

func (c *BucketCatalog) markBucketIdle(bucket *Bucket) {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	bucket.idleEntry = c.idleBuckets.PushFront(bucket)
}

func (c *BucketCatalog) markBucketNotIdle(bucket *Bucket, locked bool) {
	if bucket.idleEntry == nil {
		return
	}
	if !locked {
		c.idleMu.Lock()
		defer c.idleMu.Unlock()
	}
	c.idleBuckets.Remove(bucket.idleEntry)
	bucket.idleEntry = nil
}

// expireIdleBuckets evicts least-recently-used idle buckets while the
// catalog is over its memory threshold. Caller holds the exclusive catalog
// lock.
func (c *BucketCatalog) expireIdleBuckets(stats *observability.ExecutionStats) {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()

	for c.idleBuckets.Len() > 0 && c.memoryUsage.Load() > c.limits.IdleMemoryThreshold {
		victim := c.idleBuckets.Back().Value.(*Bucket)

		// Lock and release the bucket to drain any straggler holding it;
		// nobody can re-acquire it without the catalog lock we hold.
		victim.mu.Lock()
		victim.mu.Unlock() //nolint:staticcheck // empty critical section on purpose

		if c.removeBucket(victim, true) {
			stats.NumBucketsClosedDueToMemoryThreshold.Add(1)
		} else {
			c.markBucketNotIdle(victim, true)
		}
	}
}

func (c *BucketCatalog) numIdleBuckets() int {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	return c.idleBuckets.Len()
}
