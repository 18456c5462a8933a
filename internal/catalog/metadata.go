package catalog

import (
	"bytes"
	"fmt"

	"github.com/spaolacci/murmur3"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/bsonx"
	"github.com/arroyodb/arroyo/pkg/types"
)

// Metadata is the normalized metadata value a bucket is keyed on. It keeps
// the original document for rendering and a recursively field-sorted copy
// for equality and hashing, so field-order-only variants share a bucket.
type Metadata struct {
	raw    bsoncore.Document
	sorted bsoncore.Document
	cmp    bsonx.StringComparator
}

func newMetadata(raw bsoncore.Document, cmp bsonx.StringComparator) (Metadata, error) {
	sorted, err := bsonx.Normalize(raw)
	if err != nil {
		return Metadata{}, fmt.Errorf("catalog: failed to normalize metadata: %w", err)
	}
	return Metadata{raw: raw, sorted: sorted, cmp: cmp}, nil
}

// ToBSON returns the metadata as originally supplied.
func (m Metadata) ToBSON() bsoncore.Document {
	return m.raw
}

// MetaField returns the name of the metadata field, or "" when no metadata
// is configured.
func (m Metadata) MetaField() string {
	el, err := m.raw.IndexErr(0)
	if err != nil {
		return ""
	}
	return el.Key()
}

// Comparator returns the string comparator metadata and measurements are
// ordered with.
func (m Metadata) Comparator() bsonx.StringComparator {
	return m.cmp
}

// Equal is binary equality of the sorted form.
func (m Metadata) Equal(other Metadata) bool {
	return bytes.Equal(m.sorted, other.sorted)
}

// bucketKey identifies the one open bucket eligible to accept a new
// measurement: the namespace plus the normalized metadata bytes.
type bucketKey struct {
	ns   types.Namespace
	meta string
}

func newBucketKey(ns types.Namespace, md Metadata) bucketKey {
	return bucketKey{ns: ns, meta: string(md.sorted)}
}

// hash is precomputed outside any catalog lock; it selects the stripe.
func (k bucketKey) hash() uint64 {
	h := murmur3.New64()
	h.Write([]byte(k.ns.DB))
	h.Write([]byte{0})
	h.Write([]byte(k.ns.Coll))
	h.Write([]byte{0})
	h.Write([]byte(k.meta))
	return h.Sum64()
}
