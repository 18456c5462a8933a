// Package store provides the storage-engine side of the bucket catalog's
// commit contract: a durable bucket document store plus object storage for
// archived commits.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/pkg/types"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
)

// CommitPayload is what a prepared write batch hands to the storage engine:
// the control min/max (full documents on the bucket's first commit, diffs
// afterwards), the new columns, and the measurements in insertion order.
type CommitPayload struct {
	Namespace              types.Namespace
	BucketID               types.BucketID
	Min                    bsoncore.Document
	Max                    bsoncore.Document
	NewFieldNames          []string
	Measurements           []bsoncore.Document
	NumPreviouslyCommitted uint32
}

// IsInsert reports whether the payload opens a new on-disk bucket rather
// than updating an existing one.
func (p *CommitPayload) IsInsert() bool {
	return p.NumPreviouslyCommitted == 0
}

// StoredBucket is one on-disk bucket document read back from the store.
type StoredBucket struct {
	Namespace       types.Namespace
	BucketID        types.BucketID
	NumMeasurements int
	Min             bsoncore.Document
	Max             bsoncore.Document
	FieldNames      []string
	Measurements    []bsoncore.Document
}

// BucketStore is the durable side of the catalog's prepare/finish
// handshake. Implementations must apply an update payload's min/max diffs
// onto the stored control documents.
type BucketStore interface {
	// WriteCommit persists one prepared batch: an insert of a new bucket
	// document or an update extending an existing one.
	WriteCommit(ctx context.Context, p *CommitPayload) error

	// GetBucket reads a bucket document back. Returns ErrBucketNotFound
	// for unknown ids.
	GetBucket(ctx context.Context, id types.BucketID) (*StoredBucket, error)

	// DeleteBucket removes a bucket document and notifies the catalog that
	// the bucket's in-memory state is now invalid. The returned error may
	// be a retryable write conflict when a prepared commit was in flight.
	DeleteBucket(ctx context.Context, id types.BucketID) error

	// Close releases the store's resources.
	Close() error
}

// ObjectStorage abstracts the object store archived commits land in.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Put writes an object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads an object. Returns ErrObjectNotFound for unknown paths.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
