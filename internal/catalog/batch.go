package catalog

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/errors"
	"github.com/arroyodb/arroyo/internal/observability"
	"github.com/arroyodb/arroyo/pkg/types"
)

// CommitInfo carries the outcome of the external storage write back into the
// catalog. A nil Result is a successful write; a non-nil Result records the
// storage error without being a catalog error itself.
type CommitInfo struct {
	Result error
}

// WriteBatch is the set of measurements a single session is adding to one
// bucket and intends to commit atomically. Exactly one caller wins the
// commit rights; everyone else waits on the batch's outcome.
type WriteBatch struct {
	sessionID uuid.UUID
	stats     *observability.ExecutionStats

	commitRights atomic.Bool

	// mu guards the lifecycle fields. It nests inside the owning bucket's
	// mutex: catalog code paths hold the bucket lock first.
	mu       sync.Mutex
	bucket   *Bucket // back-reference, not ownership; nil once finished
	bucketID types.BucketID
	ns       types.Namespace
	active   bool

	measurements  []bsoncore.Document
	newFieldNames map[string]struct{}

	min                    bsoncore.Document
	max                    bsoncore.Document
	numPreviouslyCommitted uint32

	done   chan struct{}
	result CommitInfo
	err    error
}

func newWriteBatch(bucket *Bucket, sessionID uuid.UUID, stats *observability.ExecutionStats) *WriteBatch {
	return &WriteBatch{
		sessionID:     sessionID,
		stats:         stats,
		bucket:        bucket,
		bucketID:      bucket.id,
		ns:            bucket.ns,
		active:        true,
		newFieldNames: make(map[string]struct{}),
		done:          make(chan struct{}),
	}
}

// ClaimCommitRights elects the single caller that will drive this batch
// through prepare/finish. Returns true for the winner, exactly once.
func (w *WriteBatch) ClaimCommitRights() bool {
	return !w.commitRights.Swap(true)
}

// GetResult blocks until the batch's outcome is resolved. On finish it
// returns the supplied CommitInfo; on abort it returns the bucket-cleared
// error.
func (w *WriteBatch) GetResult(ctx context.Context) (CommitInfo, error) {
	if !w.Finished() {
		w.stats.NumWaits.Add(1)
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return CommitInfo{}, ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return CommitInfo{}, w.err
	}
	return w.result, nil
}

// Finished reports whether the outcome has been resolved.
func (w *WriteBatch) Finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Active reports whether the batch is still accepting measurements.
func (w *WriteBatch) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// BucketID returns the identity of the bucket the batch was created
// against. Valid for the batch's whole lifetime, including after finish.
func (w *WriteBatch) BucketID() types.BucketID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bucketID
}

// Namespace returns the namespace the batch writes into.
func (w *WriteBatch) Namespace() types.Namespace {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ns
}

// bucketRef returns the back-reference to the owning bucket, or nil once
// the batch is finished.
func (w *WriteBatch) bucketRef() *Bucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bucket
}

// Measurements returns the batch's measurements in insertion order. Only
// meaningful once the batch is prepared.
func (w *WriteBatch) Measurements() []bsoncore.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.measurements
}

// Min returns the min payload computed at prepare: the full minimum
// document on the bucket's first commit, a structural diff afterwards.
func (w *WriteBatch) Min() bsoncore.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.min
}

// Max returns the max payload computed at prepare; see Min.
func (w *WriteBatch) Max() bsoncore.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max
}

// NewFieldNames returns the top-level field names this batch introduces to
// the bucket, sorted. Only meaningful once the batch is prepared.
func (w *WriteBatch) NewFieldNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.newFieldNames))
	for name := range w.newFieldNames {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NumPreviouslyCommittedMeasurements returns how many measurements the
// bucket had committed before this batch. Zero means the external write is
// a fresh bucket insert rather than an update.
func (w *WriteBatch) NumPreviouslyCommittedMeasurements() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numPreviouslyCommitted
}

// ToBSON renders the batch for diagnostics.
func (w *WriteBatch) ToBSON() bson.D {
	w.mu.Lock()
	defer w.mu.Unlock()

	docs := make(bson.A, 0, len(w.measurements))
	for _, m := range w.measurements {
		docs = append(docs, bson.Raw(m))
	}
	names := make([]string, 0, len(w.newFieldNames))
	for name := range w.newFieldNames {
		names = append(names, name)
	}
	sort.Strings(names)

	return bson.D{
		{Key: "docs", Value: docs},
		{Key: "bucketMin", Value: bson.Raw(w.min)},
		{Key: "bucketMax", Value: bson.Raw(w.max)},
		{Key: "numCommittedMeasurements", Value: int64(w.numPreviouslyCommitted)},
		{Key: "newFieldNamesToBeInserted", Value: names},
	}
}

// addMeasurement appends one measurement. Called with the bucket lock held.
func (w *WriteBatch) addMeasurement(doc bsoncore.Document) {
	w.mu.Lock()
	defer w.mu.Unlock()
	owned := make(bsoncore.Document, len(doc))
	copy(owned, doc)
	w.measurements = append(w.measurements, owned)
}

// noteBucketIdentity refreshes the batch's snapshot of the owning bucket's
// identity. The id can move while the batch is active: inserting an older
// measurement into an uncommitted bucket rewinds its nominal open time.
// Called with the bucket lock held.
func (w *WriteBatch) noteBucketIdentity(id types.BucketID, ns types.Namespace) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bucketID = id
	w.ns = ns
}

// recordNewFields unions field names new to the bucket at insertion time.
// Called with the bucket lock held.
func (w *WriteBatch) recordNewFields(fields map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name := range fields {
		w.newFieldNames[name] = struct{}{}
	}
}

// prepareCommit folds the batch's measurements into the bucket's min/max
// trackers and computes the commit payload. Called with the bucket lock
// held, after the batch has been installed as the bucket's prepared batch.
func (w *WriteBatch) prepareCommit(bucket *Bucket) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.active = false
	w.bucketID = bucket.id
	w.ns = bucket.ns
	w.numPreviouslyCommitted = bucket.numCommitted

	// Filter out field names that were new at insertion time but have since
	// been committed by another batch. Names that survive become part of
	// the bucket's committed field set now.
	surviving := make(map[string]struct{}, len(w.newFieldNames))
	for name := range w.newFieldNames {
		if _, ok := bucket.fieldNames[name]; !ok {
			bucket.fieldNames[name] = struct{}{}
			bucket.memoryUsage += len(name) + 1
			surviving[name] = struct{}{}
		}
	}
	w.newFieldNames = surviving

	metaField := bucket.metadata.MetaField()
	cmp := bucket.metadata.Comparator()

	bucket.memoryUsage -= bucket.min.memoryUsage() + bucket.max.memoryUsage()
	for _, doc := range w.measurements {
		bucket.min.update(doc, metaField, cmp, minMaxMin)
		bucket.max.update(doc, metaField, cmp, minMaxMax)
	}
	bucket.memoryUsage += bucket.min.memoryUsage() + bucket.max.memoryUsage()

	if w.numPreviouslyCommitted > 0 {
		w.min = bucket.min.getUpdates()
		w.max = bucket.max.getUpdates()
	} else {
		w.min = bucket.min.toBSON()
		w.max = bucket.max.toBSON()
	}
}

// finish resolves the batch's outcome with the storage write result and
// detaches the bucket back-reference.
func (w *WriteBatch) finish(info CommitInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isDone() {
		return
	}
	w.result = info
	w.bucket = nil
	close(w.done)
}

// abort resolves the batch's outcome with the bucket-cleared error. Safe to
// call more than once.
func (w *WriteBatch) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isDone() {
		return
	}
	w.active = false
	w.err = errors.NewBucketClearedError(
		"bucket " + w.bucketID.String() + " for " + w.ns.String() + " was cleared")
	w.bucket = nil
	close(w.done)
}

// isDone is Finished without locking; callers hold mu.
func (w *WriteBatch) isDone() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
