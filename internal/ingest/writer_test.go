package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/catalog"
	"github.com/arroyodb/arroyo/internal/errors"
	"github.com/arroyodb/arroyo/internal/store"
	"github.com/arroyodb/arroyo/pkg/types"
)

var (
	testNS = types.NewNamespace("telemetry", "cpu")
	baseT  = time.UnixMilli(1720000000000)
)

func testConfig() WriterConfig {
	return WriterConfig{Options: catalog.Options{TimeField: "time", MetaField: "tags"}}
}

func mustDoc(t *testing.T, v interface{}) bsoncore.Document {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	return bsoncore.Document(raw)
}

func measurement(t *testing.T, meta string, at time.Time, val int32) bsoncore.Document {
	t.Helper()
	return mustDoc(t, bson.D{
		{Key: "time", Value: at},
		{Key: "tags", Value: meta},
		{Key: "val", Value: val},
	})
}

func newTestPipeline(t *testing.T) (*catalog.BucketCatalog, *store.SQLiteStore, *Writer) {
	t.Helper()
	c := catalog.New(catalog.DefaultLimits())
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "buckets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetOnDelete(c.Clear)
	return c, s, NewWriter(c, s, testConfig())
}

func TestWriteCommitsToStore(t *testing.T) {
	c, s, w := newTestPipeline(t)
	ctx := context.Background()

	res, err := w.Write(ctx, testNS, []bsoncore.Document{
		measurement(t, "a", baseT, 5),
		measurement(t, "a", baseT.Add(time.Second), 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Commits)
	assert.Equal(t, 2, res.MeasurementsCommitted)

	status := c.ServerStatus()
	require.NotNil(t, status)

	// Read the stored bucket back through the catalog's view of its id.
	second, err := w.Write(ctx, testNS, []bsoncore.Document{measurement(t, "a", baseT.Add(2*time.Second), 9)})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Commits)

	// Both commits landed in the same on-disk bucket; the second applied
	// min/max diffs. The bucket id is stable across both writes; recover it
	// via a third insert's batch.
	batch, err := c.Insert(ctx, testNS, nil, testConfig().Options,
		measurement(t, "a", baseT.Add(3*time.Second), 7), uuid.New(), catalog.CombineDisallow)
	require.NoError(t, err)
	stored, err := s.GetBucket(ctx, batch.BucketID())
	require.NoError(t, err)

	assert.Equal(t, 3, stored.NumMeasurements)
	minVal, err := stored.Min.LookupErr("val")
	require.NoError(t, err)
	v, _ := minVal.Int32OK()
	assert.EqualValues(t, 1, v)
	maxVal, err := stored.Max.LookupErr("val")
	require.NoError(t, err)
	v, _ = maxVal.Int32OK()
	assert.EqualValues(t, 9, v)
}

func TestWriteEmptyBatch(t *testing.T) {
	_, _, w := newTestPipeline(t)
	_, err := w.Write(context.Background(), testNS, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeEmptyBatch, errors.GetCode(err))
}

func TestWriteSplitsByMetadata(t *testing.T) {
	_, _, w := newTestPipeline(t)
	ctx := context.Background()

	res, err := w.Write(ctx, testNS, []bsoncore.Document{
		measurement(t, "a", baseT, 1),
		measurement(t, "b", baseT, 2),
		measurement(t, "a", baseT.Add(time.Second), 3),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Commits, "two metadata values, two buckets, two storage writes")
	assert.Equal(t, 3, res.MeasurementsCommitted)
}

func TestConcurrentWriters(t *testing.T) {
	c, s, _ := newTestPipeline(t)
	ctx := context.Background()

	const writers = 4
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w := NewWriter(c, s, testConfig())
			for j := 0; j < perWriter; j++ {
				at := baseT.Add(time.Duration(n*perWriter+j) * time.Millisecond)
				if _, err := w.Write(ctx, testNS, []bsoncore.Document{measurement(t, "shared", at, int32(j))}); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats := c.AppendExecutionStats(testNS)
	vals := make(map[string]int64)
	for _, e := range stats {
		if v, ok := e.Value.(int64); ok {
			vals[e.Key] = v
		}
	}
	assert.EqualValues(t, writers*perWriter, vals["numMeasurementsCommitted"],
		"every measurement commits exactly once")
}

func TestStoreDeleteSignalsWriteConflictDuringPrepare(t *testing.T) {
	c, s, w := newTestPipeline(t)
	ctx := context.Background()

	_, err := w.Write(ctx, testNS, []bsoncore.Document{measurement(t, "a", baseT, 1)})
	require.NoError(t, err)

	// Start a second commit and freeze it in the prepared state.
	batch, err := c.Insert(ctx, testNS, nil, testConfig().Options,
		measurement(t, "a", baseT.Add(time.Second), 2), uuid.New(), catalog.CombineDisallow)
	require.NoError(t, err)
	require.True(t, batch.ClaimCommitRights())
	require.True(t, c.PrepareCommit(ctx, batch))

	// The storage engine deletes the on-disk bucket while the commit is
	// prepared; the catalog's conflict signal must reach the caller.
	err = s.DeleteBucket(ctx, batch.BucketID())
	require.Error(t, err)
	assert.True(t, errors.IsWriteConflict(err))
	assert.True(t, errors.IsRetryable(err))

	c.Finish(batch, catalog.CommitInfo{})
}
