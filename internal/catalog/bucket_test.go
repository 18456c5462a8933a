package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCalculateFieldsAndSizeChangeFirstMeasurement(t *testing.T) {
	b := &Bucket{fieldNames: make(map[string]struct{})}
	doc := mustDoc(t, bson.D{{Key: "time", Value: int64(0)}, {Key: "val", Value: int32(7)}})

	newFields, newFieldNamesSize, size := b.calculateFieldsAndSizeChange(doc, "")

	require.Len(t, newFields, 2)
	assert.Contains(t, newFields, "time")
	assert.Contains(t, newFields, "val")

	// "time" is 5 bytes with terminator, "val" is 4.
	assert.Equal(t, 9, newFieldNamesSize)

	// Each new column encodes as an empty object under the field name:
	// len(name)+12 bytes. The elements themselves lose their name for a
	// 0-digit row index plus a terminator byte.
	timeElem := 1 + 5 + 8 // type + cstring name + int64
	valElem := 1 + 4 + 4  // type + cstring name + int32
	want := (4 + 12) + (3 + 12) +
		(timeElem - 5 + 0 + 1) +
		(valElem - 4 + 0 + 1)
	assert.Equal(t, want, size)
}

func TestCalculateFieldsAndSizeChangeKnownFields(t *testing.T) {
	b := &Bucket{fieldNames: map[string]struct{}{"time": {}, "val": {}}}
	b.numMeasurements = 12 // two-digit row index

	doc := mustDoc(t, bson.D{{Key: "time", Value: int64(0)}, {Key: "val", Value: int32(7)}})
	newFields, newFieldNamesSize, size := b.calculateFieldsAndSizeChange(doc, "")

	assert.Empty(t, newFields)
	assert.Zero(t, newFieldNamesSize)

	timeElem := 1 + 5 + 8
	valElem := 1 + 4 + 4
	want := (timeElem - 5 + 2 + 1) + (valElem - 4 + 2 + 1)
	assert.Equal(t, want, size)
}

func TestCalculateFieldsAndSizeChangeSkipsMetaField(t *testing.T) {
	b := &Bucket{fieldNames: make(map[string]struct{})}
	doc := mustDoc(t, bson.D{{Key: "tags", Value: "x"}, {Key: "val", Value: int32(7)}})

	newFields, _, _ := b.calculateFieldsAndSizeChange(doc, "tags")

	assert.NotContains(t, newFields, "tags")
	assert.Contains(t, newFields, "val")
}

func TestBucketCommitAccounting(t *testing.T) {
	b := &Bucket{fieldNames: make(map[string]struct{})}

	assert.True(t, b.allCommitted())
	assert.False(t, b.hasBeenCommitted())

	b.numCommitted = 3
	assert.True(t, b.hasBeenCommitted())
}
