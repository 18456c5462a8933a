// Package bsonx supplies the BSON document helpers the bucket catalog needs
// beyond what the driver exports: recursive field-name normalization,
// canonical type ordering, collation-aware value comparison, and structural
// diff application.
package bsonx

import (
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// StringComparator orders strings. A nil comparator means byte-wise
// ordering. A non-nil comparator is typically collation-backed.
type StringComparator func(a, b string) int

// Diff document field names. A structural diff of an object carries an
// update section with replaced fields, then one sub-diff per child whose
// subtree changed; an array diff is marked by the array header and uses
// positional update/sub-diff keys ("u0", "s3", ...).
const (
	DiffUpdateSection = "u"
	DiffSubDiffPrefix = "s"
	DiffArrayHeader   = "a"
)

// NumDigits returns the number of decimal digits in n, with 0 having zero
// digits. The bucket size estimate relies on this exact behavior: the row
// index of the first measurement contributes no digit bytes.
func NumDigits(n uint32) int {
	d := 0
	for n != 0 {
		n /= 10
		d++
	}
	return d
}

// canonicalOrder maps each BSON type to its canonical comparison class.
// Values of different classes order by class; values of the same class
// compare by value. Numeric types share a class, as do String and Symbol.
func canonicalOrder(t bsontype.Type) int {
	switch t {
	case bsontype.MinKey:
		return -1
	case bsontype.Undefined:
		return 1
	case bsontype.Null:
		return 5
	case bsontype.Double, bsontype.Int32, bsontype.Int64, bsontype.Decimal128:
		return 10
	case bsontype.String, bsontype.Symbol:
		return 15
	case bsontype.EmbeddedDocument:
		return 20
	case bsontype.Array:
		return 25
	case bsontype.Binary:
		return 30
	case bsontype.ObjectID:
		return 35
	case bsontype.Boolean:
		return 40
	case bsontype.DateTime:
		return 45
	case bsontype.Timestamp:
		return 47
	case bsontype.Regex:
		return 50
	case bsontype.DBPointer:
		return 55
	case bsontype.JavaScript:
		return 60
	case bsontype.CodeWithScope:
		return 65
	case bsontype.MaxKey:
		return 127
	default:
		return 0
	}
}

// CanonicalType returns the canonical comparison class of a BSON type.
func CanonicalType(t bsontype.Type) int {
	return canonicalOrder(t)
}

// CompareCanonicalTypes orders two BSON types by canonical class.
func CompareCanonicalTypes(a, b bsontype.Type) int {
	return sign(canonicalOrder(a) - canonicalOrder(b))
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
