package store

import (
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/golang/snappy"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/pkg/types"
)

// Archiver writes every committed payload to object storage as a
// Snappy-compressed BSON document, giving the ingest pipeline a replayable
// commit trail.
type Archiver struct {
	storage ObjectStorage
	prefix  string
}

// NewArchiver creates an archiver writing under the given key prefix.
func NewArchiver(storage ObjectStorage, prefix string) *Archiver {
	return &Archiver{storage: storage, prefix: prefix}
}

// ArchiveCommit writes one commit payload. The object key encodes the
// namespace, bucket id, and the commit's offset within the bucket, so
// successive commits to one bucket never collide.
func (a *Archiver) ArchiveCommit(ctx context.Context, p *CommitPayload) error {
	docs := make(bson.A, 0, len(p.Measurements))
	for _, m := range p.Measurements {
		docs = append(docs, bson.Raw(m))
	}

	entry := bson.D{
		{Key: "bucketId", Value: p.BucketID.String()},
		{Key: "ns", Value: p.Namespace.String()},
		{Key: "numPreviouslyCommitted", Value: int64(p.NumPreviouslyCommitted)},
		{Key: "min", Value: bson.Raw(p.Min)},
		{Key: "max", Value: bson.Raw(p.Max)},
		{Key: "newFieldNames", Value: p.NewFieldNames},
		{Key: "docs", Value: docs},
	}
	raw, err := bson.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: failed to encode archive entry: %w", err)
	}

	key := path.Join(a.prefix, p.Namespace.String(),
		p.BucketID.String()+"-"+strconv.Itoa(int(p.NumPreviouslyCommitted))+".bson.snappy")

	if err := a.storage.Put(ctx, key, snappy.Encode(nil, raw)); err != nil {
		return fmt.Errorf("store: failed to archive commit for bucket %s: %w", p.BucketID, err)
	}
	return nil
}

// ReadCommit reads one archived commit back.
func (a *Archiver) ReadCommit(ctx context.Context, key string) (*CommitPayload, error) {
	data, err := a.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("store: failed to decompress archive entry: %w", err)
	}
	return decodeArchiveEntry(bsoncore.Document(raw))
}

// ListCommits returns the archive keys for a namespace.
func (a *Archiver) ListCommits(ctx context.Context, ns string) ([]string, error) {
	return a.storage.List(ctx, path.Join(a.prefix, ns)+"/")
}

func decodeArchiveEntry(doc bsoncore.Document) (*CommitPayload, error) {
	var entry struct {
		BucketID               string     `bson:"bucketId"`
		NS                     string     `bson:"ns"`
		NumPreviouslyCommitted int64      `bson:"numPreviouslyCommitted"`
		Min                    bson.Raw   `bson:"min"`
		Max                    bson.Raw   `bson:"max"`
		NewFieldNames          []string   `bson:"newFieldNames"`
		Docs                   []bson.Raw `bson:"docs"`
	}
	if err := bson.Unmarshal(doc, &entry); err != nil {
		return nil, fmt.Errorf("store: corrupt archive entry: %w", err)
	}

	id, err := types.ParseBucketID(entry.BucketID)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt archive bucket id %q: %w", entry.BucketID, err)
	}
	ns, err := types.ParseNamespace(entry.NS)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt archive namespace %q: %w", entry.NS, err)
	}

	measurements := make([]bsoncore.Document, 0, len(entry.Docs))
	for _, d := range entry.Docs {
		measurements = append(measurements, bsoncore.Document(d))
	}

	return &CommitPayload{
		Namespace:              ns,
		BucketID:               id,
		Min:                    bsoncore.Document(entry.Min),
		Max:                    bsoncore.Document(entry.Max),
		NewFieldNames:          entry.NewFieldNames,
		Measurements:           measurements,
		NumPreviouslyCommitted: uint32(entry.NumPreviouslyCommitted),
	}, nil
}
