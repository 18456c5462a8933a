package catalog

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/bsonx"
)

func flatDoc(vals []int64) bsoncore.Document {
	keys := [3]string{"a", "b", "c"}
	idx, dst := bsoncore.AppendDocumentStart(nil)
	for i, v := range vals {
		dst = bsoncore.AppendInt64Element(dst, keys[i], v)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// TestProperty_MinMaxElementWise validates the round-trip invariant: after N
// updates, toBSON of the min tracker equals the element-wise minimum of the
// N documents (and symmetrically for max).
func TestProperty_MinMaxElementWise(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	triple := gen.SliceOfN(3, gen.Int64Range(-1000, 1000))

	properties.Property("toBSON equals the element-wise extremum", prop.ForAll(
		func(rows [][]int64) bool {
			if len(rows) == 0 {
				return true
			}

			var min, max minMax
			expMin := []int64{rows[0][0], rows[0][1], rows[0][2]}
			expMax := []int64{rows[0][0], rows[0][1], rows[0][2]}
			for _, row := range rows {
				doc := flatDoc(row)
				min.update(doc, "", nil, minMaxMin)
				max.update(doc, "", nil, minMaxMax)
				for i, v := range row {
					if v < expMin[i] {
						expMin[i] = v
					}
					if v > expMax[i] {
						expMax[i] = v
					}
				}
			}

			return string(min.toBSON()) == string(flatDoc(expMin)) &&
				string(max.toBSON()) == string(flatDoc(expMax))
		},
		gen.SliceOf(triple),
	))

	properties.Property("applying the diff to a prior snapshot reproduces the tracker", prop.ForAll(
		func(first, second [][]int64) bool {
			if len(first) == 0 {
				return true
			}

			var min minMax
			for _, row := range first {
				min.update(flatDoc(row), "", nil, minMaxMin)
			}
			snapshot := min.toBSON()
			min.getUpdates()

			for _, row := range second {
				min.update(flatDoc(row), "", nil, minMaxMin)
			}

			merged, err := bsonx.ApplyDiff(snapshot, min.getUpdates())
			if err != nil {
				return false
			}
			return bson.Raw(merged).String() == bson.Raw(min.toBSON()).String()
		},
		gen.SliceOf(triple),
		gen.SliceOf(triple),
	))

	properties.TestingRun(t)
}
