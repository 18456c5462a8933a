package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/pkg/types"
)

func TestLocalStoragePutGetDelete(t *testing.T) {
	l, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, "buckets/telemetry.cpu/abc.bson.snappy", []byte("payload")))

	data, err := l.Get(ctx, "buckets/telemetry.cpu/abc.bson.snappy")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	exists, err := l.Exists(ctx, "buckets/telemetry.cpu/abc.bson.snappy")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, l.Delete(ctx, "buckets/telemetry.cpu/abc.bson.snappy"))
	exists, err = l.Exists(ctx, "buckets/telemetry.cpu/abc.bson.snappy")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = l.Get(ctx, "buckets/telemetry.cpu/abc.bson.snappy")
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	// Deleting a missing object is a no-op.
	assert.NoError(t, l.Delete(ctx, "buckets/telemetry.cpu/abc.bson.snappy"))
}

func TestLocalStorageList(t *testing.T) {
	l, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, "buckets/a/1", []byte("x")))
	require.NoError(t, l.Put(ctx, "buckets/a/2", []byte("y")))
	require.NoError(t, l.Put(ctx, "buckets/b/1", []byte("z")))

	paths, err := l.List(ctx, "buckets/a/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"buckets/a/1", "buckets/a/2"}, paths)

	all, err := l.List(ctx, "buckets/")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestArchiverRoundTrip(t *testing.T) {
	l, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	a := NewArchiver(l, "commits")
	ctx := context.Background()

	payload := &CommitPayload{
		Namespace:     types.NewNamespace("telemetry", "cpu"),
		BucketID:      testBucketID(t),
		Min:           mustDoc(t, bson.D{{Key: "val", Value: int32(1)}}),
		Max:           mustDoc(t, bson.D{{Key: "val", Value: int32(9)}}),
		NewFieldNames: []string{"time", "val"},
		Measurements: []bsoncore.Document{
			mustDoc(t, bson.D{{Key: "val", Value: int32(1)}}),
			mustDoc(t, bson.D{{Key: "val", Value: int32(9)}}),
		},
	}
	require.NoError(t, a.ArchiveCommit(ctx, payload))

	keys, err := a.ListCommits(ctx, "telemetry.cpu")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	got, err := a.ReadCommit(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, payload.BucketID, got.BucketID)
	assert.Equal(t, payload.Namespace, got.Namespace)
	assert.Equal(t, payload.NewFieldNames, got.NewFieldNames)
	assert.Len(t, got.Measurements, 2)
	assert.Equal(t, bson.Raw(payload.Min).String(), bson.Raw(got.Min).String())
}
