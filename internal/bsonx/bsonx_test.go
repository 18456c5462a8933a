package bsonx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func mustDoc(t *testing.T, v interface{}) bsoncore.Document {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	return bsoncore.Document(raw)
}

func TestNumDigits(t *testing.T) {
	tests := []struct {
		n    uint32
		want int
	}{
		{0, 0},
		{1, 1},
		{9, 1},
		{10, 2},
		{999, 3},
		{1000, 4},
	}
	for _, tt := range tests {
		if got := NumDigits(tt.n); got != tt.want {
			t.Errorf("NumDigits(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestNormalizeSortsFields(t *testing.T) {
	a := mustDoc(t, bson.D{{Key: "b", Value: 1}, {Key: "a", Value: 2}})
	b := mustDoc(t, bson.D{{Key: "a", Value: 2}, {Key: "b", Value: 1}})

	na, err := Normalize(a)
	require.NoError(t, err)
	nb, err := Normalize(b)
	require.NoError(t, err)

	assert.Equal(t, []byte(nb), []byte(na), "field-order variants must normalize equal")
}

func TestNormalizeRecursesIntoObjects(t *testing.T) {
	a := mustDoc(t, bson.D{{Key: "m", Value: bson.D{{Key: "z", Value: 1}, {Key: "y", Value: 2}}}})
	b := mustDoc(t, bson.D{{Key: "m", Value: bson.D{{Key: "y", Value: 2}, {Key: "z", Value: 1}}}})

	na, err := Normalize(a)
	require.NoError(t, err)
	nb, err := Normalize(b)
	require.NoError(t, err)

	assert.Equal(t, []byte(nb), []byte(na))
}

func TestNormalizeLeavesArraysAlone(t *testing.T) {
	a := mustDoc(t, bson.D{{Key: "v", Value: bson.A{3, 1, 2}}})
	na, err := Normalize(a)
	require.NoError(t, err)

	vals, err := bsoncore.Document(na.Lookup("v").Array()).Values()
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.EqualValues(t, 3, vals[0].Int32())
	assert.EqualValues(t, 1, vals[1].Int32())
	assert.EqualValues(t, 2, vals[2].Int32())
}

func lookupValue(t *testing.T, d bsoncore.Document, key string) bsoncore.Value {
	t.Helper()
	v, err := d.LookupErr(key)
	require.NoError(t, err)
	return v
}

func TestCompareValuesNumericCrossType(t *testing.T) {
	d := mustDoc(t, bson.D{
		{Key: "i32", Value: int32(5)},
		{Key: "i64", Value: int64(5)},
		{Key: "f", Value: 5.5},
		{Key: "neg", Value: int64(-3)},
	})

	i32 := lookupValue(t, d, "i32")
	i64 := lookupValue(t, d, "i64")
	f := lookupValue(t, d, "f")
	neg := lookupValue(t, d, "neg")

	assert.Zero(t, CompareValues(i32, i64, nil))
	assert.Negative(t, CompareValues(i32, f, nil))
	assert.Positive(t, CompareValues(f, i64, nil))
	assert.Negative(t, CompareValues(neg, i32, nil))
}

func TestCompareValuesCanonicalTypeOrder(t *testing.T) {
	d := mustDoc(t, bson.D{
		{Key: "n", Value: int32(42)},
		{Key: "s", Value: "42"},
		{Key: "b", Value: true},
		{Key: "o", Value: bson.D{{Key: "x", Value: 1}}},
	})

	n := lookupValue(t, d, "n")
	s := lookupValue(t, d, "s")
	b := lookupValue(t, d, "b")
	o := lookupValue(t, d, "o")

	// numbers < strings < objects < booleans in the canonical order
	assert.Negative(t, CompareValues(n, s, nil))
	assert.Negative(t, CompareValues(s, o, nil))
	assert.Negative(t, CompareValues(o, b, nil))
}

func TestCompareValuesStringComparator(t *testing.T) {
	d := mustDoc(t, bson.D{{Key: "a", Value: "APPLE"}, {Key: "b", Value: "banana"}})
	a := lookupValue(t, d, "a")
	b := lookupValue(t, d, "b")

	// Byte-wise, uppercase sorts first.
	assert.Negative(t, CompareValues(a, b, nil))

	// A comparator that folds case and reverses the order inverts that.
	caseInsensitive := func(x, y string) int {
		return strings.Compare(strings.ToLower(y), strings.ToLower(x))
	}
	assert.Positive(t, CompareValues(a, b, caseInsensitive))
}

func TestCompareDocumentsElementWise(t *testing.T) {
	small := mustDoc(t, bson.D{{Key: "a", Value: 1}})
	big := mustDoc(t, bson.D{{Key: "a", Value: 2}})
	longer := mustDoc(t, bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 0}})

	assert.Negative(t, CompareDocuments(small, big, nil))
	assert.Negative(t, CompareDocuments(small, longer, nil))
	assert.Zero(t, CompareDocuments(small, small, nil))
}

func TestApplyDiffObject(t *testing.T) {
	base := mustDoc(t, bson.D{
		{Key: "a", Value: int32(1)},
		{Key: "sub", Value: bson.D{{Key: "x", Value: int32(10)}, {Key: "y", Value: int32(20)}}},
	})
	diff := mustDoc(t, bson.D{
		{Key: "u", Value: bson.D{{Key: "a", Value: int32(7)}, {Key: "new", Value: int32(99)}}},
		{Key: "ssub", Value: bson.D{{Key: "u", Value: bson.D{{Key: "y", Value: int32(25)}}}}},
	})

	merged, err := ApplyDiff(base, diff)
	require.NoError(t, err)

	want := mustDoc(t, bson.D{
		{Key: "a", Value: int32(7)},
		{Key: "sub", Value: bson.D{{Key: "x", Value: int32(10)}, {Key: "y", Value: int32(25)}}},
		{Key: "new", Value: int32(99)},
	})
	assert.Equal(t, []byte(want), []byte(merged))
}

func TestApplyDiffArray(t *testing.T) {
	base := mustDoc(t, bson.D{{Key: "v", Value: bson.A{int32(1), int32(2), int32(3)}}})
	diff := mustDoc(t, bson.D{
		{Key: "sv", Value: bson.D{
			{Key: "a", Value: true},
			{Key: "u1", Value: int32(9)},
		}},
	})

	merged, err := ApplyDiff(base, diff)
	require.NoError(t, err)

	want := mustDoc(t, bson.D{{Key: "v", Value: bson.A{int32(1), int32(9), int32(3)}}})
	assert.Equal(t, []byte(want), []byte(merged))
}
