package catalog

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/bsonx"
	"github.com/arroyodb/arroyo/internal/observability"
	"github.com/arroyodb/arroyo/pkg/types"
)

// bucketMemoryOverhead approximates the fixed bookkeeping a live bucket
// costs outside its own fields: one owning reference in the live set and up
// to two raw references in the open index and idle list.
const bucketMemoryOverhead = 3 * 8

// Bucket is one open or closed group of measurements slated to become a
// single stored document.
//
// Every read or write of a bucket's mutable state requires holding mu,
// acquired exclusively through a bucketAccess guard.
type Bucket struct {
	mu sync.Mutex

	id  types.BucketID
	key bucketKey

	ns       types.Namespace
	metadata Metadata

	// Top-level field names of all measurements committed into the bucket.
	fieldNames map[string]struct{}

	numMeasurements uint32
	numCommitted    uint32

	// Accumulated size under the on-disk column encoding.
	size int

	latestTime time.Time

	batches  map[uuid.UUID]*WriteBatch
	prepared *WriteBatch

	// full means the bucket was closed by rollover and is no longer in the
	// open index for its key; its last committer reaps it.
	full bool

	min minMax
	max minMax

	memoryUsage int

	// idleEntry is the bucket's token in the catalog's idle list, nil while
	// the bucket is actively being written.
	idleEntry *list.Element
}

// ID returns the bucket's identity. The high bits of the id encode the
// bucket's nominal open time.
func (b *Bucket) ID() types.BucketID {
	return b.id
}

// allCommitted reports whether the bucket has neither active nor prepared
// batches.
func (b *Bucket) allCommitted() bool {
	return len(b.batches) == 0 && b.prepared == nil
}

// hasBeenCommitted reports whether any measurements were committed or a
// commit is in flight.
func (b *Bucket) hasBeenCommitted() bool {
	return b.numCommitted != 0 || b.prepared != nil
}

// calculateFieldsAndSizeChange computes, for a candidate measurement, the
// top-level field names the bucket has not seen, the byte size of those
// names, and the incremental bucket size under the on-disk encoding: one
// column per field, with the row index rendered as a decimal string in
// place of the field name.
func (b *Bucket) calculateFieldsAndSizeChange(doc bsoncore.Document, metaField string) (newFields map[string]struct{}, newFieldNamesSize, sizeToBeAdded int) {
	newFields = make(map[string]struct{})

	rowIndexLen := bsonx.NumDigits(b.numMeasurements)
	elems, err := doc.Elements()
	if err != nil {
		return newFields, 0, 0
	}

	for _, el := range elems {
		key := el.Key()
		if metaField != "" && key == metaField {
			// The metadata field is not stored per measurement.
			continue
		}

		fieldNameSize := len(key) + 1

		if _, seen := b.fieldNames[key]; !seen {
			if _, dup := newFields[key]; !dup {
				newFields[key] = struct{}{}
				newFieldNamesSize += fieldNameSize
				// A new column starts as an empty object under this name:
				// 4-byte length + type byte + name + null + empty doc + EOO.
				sizeToBeAdded += fieldNameSize + 11
			}
		}

		// The element lands in its column with the field name replaced by
		// the row index. The name size includes a null terminator the
		// stringified index does not, hence the +1.
		sizeToBeAdded += len(el) - fieldNameSize + rowIndexLen + 1
	}

	return newFields, newFieldNamesSize, sizeToBeAdded
}

// activeBatch returns the batch this session is filling, creating it on
// first use.
func (b *Bucket) activeBatch(sessionID uuid.UUID, stats *observability.ExecutionStats) *WriteBatch {
	batch, ok := b.batches[sessionID]
	if !ok {
		batch = newWriteBatch(b, sessionID, stats)
		b.batches[sessionID] = batch
	}
	return batch
}
