package bsonx

import (
	"bytes"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// CompareValues imposes a total order on two BSON values: first by canonical
// type class, then by value within the class. String comparisons honor cmp
// when non-nil. Structural values (objects, arrays) compare element-wise.
//
// Returns a negative number if a < b, zero if equal, positive if a > b.
func CompareValues(a, b bsoncore.Value, cmp StringComparator) int {
	if c := CompareCanonicalTypes(a.Type, b.Type); c != 0 {
		return c
	}

	switch canonicalOrder(a.Type) {
	case -1, 0, 1, 5, 127:
		// MinKey, Undefined, Null, MaxKey: all values of the type are equal.
		return 0
	case 10:
		return compareNumbers(a, b)
	case 15:
		return compareStrings(stringDatum(a), stringDatum(b), cmp)
	case 20:
		ad, _ := a.DocumentOK()
		bd, _ := b.DocumentOK()
		return CompareDocuments(ad, bd, cmp)
	case 25:
		aa, _ := a.ArrayOK()
		ba, _ := b.ArrayOK()
		return compareArrays(bsoncore.Document(aa), bsoncore.Document(ba), cmp)
	case 30:
		as, ad, _ := a.BinaryOK()
		bs, bd, _ := b.BinaryOK()
		if c := sign(len(ad) - len(bd)); c != 0 {
			return c
		}
		if c := sign(int(as) - int(bs)); c != 0 {
			return c
		}
		return bytes.Compare(ad, bd)
	case 35:
		ao, _ := a.ObjectIDOK()
		bo, _ := b.ObjectIDOK()
		return bytes.Compare(ao[:], bo[:])
	case 40:
		ab, _ := a.BooleanOK()
		bb, _ := b.BooleanOK()
		return compareBools(ab, bb)
	case 45:
		at, _ := a.DateTimeOK()
		bt, _ := b.DateTimeOK()
		return compareInt64(at, bt)
	case 47:
		aT, aI, _ := a.TimestampOK()
		bT, bI, _ := b.TimestampOK()
		if c := compareInt64(int64(aT), int64(bT)); c != 0 {
			return c
		}
		return compareInt64(int64(aI), int64(bI))
	case 50:
		ap, ao, _ := a.RegexOK()
		bp, bo, _ := b.RegexOK()
		if c := strings.Compare(ap, bp); c != 0 {
			return c
		}
		return strings.Compare(ao, bo)
	case 55:
		ans, aoid, _ := a.DBPointerOK()
		bns, boid, _ := b.DBPointerOK()
		if c := strings.Compare(ans, bns); c != 0 {
			return c
		}
		return bytes.Compare(aoid[:], boid[:])
	case 60:
		ac, _ := a.JavaScriptOK()
		bc, _ := b.JavaScriptOK()
		return strings.Compare(ac, bc)
	case 65:
		ac, as, _ := a.CodeWithScopeOK()
		bc, bs, _ := b.CodeWithScopeOK()
		if c := strings.Compare(ac, bc); c != 0 {
			return c
		}
		return CompareDocuments(as, bs, cmp)
	default:
		return 0
	}
}

// CompareDocuments orders two documents element-wise: canonical type, then
// field name, then value. A prefix document orders before its extension.
func CompareDocuments(a, b bsoncore.Document, cmp StringComparator) int {
	aElems, aErr := a.Elements()
	bElems, bErr := b.Elements()
	if aErr != nil || bErr != nil {
		return bytes.Compare(a, b)
	}

	for i := 0; i < len(aElems) && i < len(bElems); i++ {
		av, bv := aElems[i].Value(), bElems[i].Value()
		if c := CompareCanonicalTypes(av.Type, bv.Type); c != 0 {
			return c
		}
		if c := bytes.Compare(aElems[i].KeyBytes(), bElems[i].KeyBytes()); c != 0 {
			return c
		}
		if c := CompareValues(av, bv, cmp); c != 0 {
			return c
		}
	}
	return sign(len(aElems) - len(bElems))
}

func compareArrays(a, b bsoncore.Document, cmp StringComparator) int {
	aVals, aErr := a.Values()
	bVals, bErr := b.Values()
	if aErr != nil || bErr != nil {
		return bytes.Compare(a, b)
	}

	for i := 0; i < len(aVals) && i < len(bVals); i++ {
		if c := CompareValues(aVals[i], bVals[i], cmp); c != 0 {
			return c
		}
	}
	return sign(len(aVals) - len(bVals))
}

func compareStrings(a, b string, cmp StringComparator) int {
	if cmp != nil {
		return cmp(a, b)
	}
	return strings.Compare(a, b)
}

func stringDatum(v bsoncore.Value) string {
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	if s, ok := v.SymbolOK(); ok {
		return s
	}
	return ""
}

// compareNumbers compares across the numeric types. Pure integer pairs
// compare exactly; anything involving a double or decimal compares as
// float64.
func compareNumbers(a, b bsoncore.Value) int {
	ai, aIsInt := intDatum(a)
	bi, bIsInt := intDatum(b)
	if aIsInt && bIsInt {
		return compareInt64(ai, bi)
	}

	af := floatDatum(a)
	bf := floatDatum(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func intDatum(v bsoncore.Value) (int64, bool) {
	if i, ok := v.Int32OK(); ok {
		return int64(i), true
	}
	if i, ok := v.Int64OK(); ok {
		return i, true
	}
	return 0, false
}

func floatDatum(v bsoncore.Value) float64 {
	if f, ok := v.DoubleOK(); ok {
		return f
	}
	if i, ok := intDatum(v); ok {
		return float64(i)
	}
	if d, ok := v.Decimal128OK(); ok {
		if f, err := strconv.ParseFloat(d.String(), 64); err == nil {
			return f
		}
	}
	return 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
