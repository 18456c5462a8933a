package bsonx

import (
	"bytes"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Normalize returns a copy of doc with fields sorted by name at every object
// level. Arrays keep their element order; only embedded documents are
// recursed into. Two metadata values that differ solely in field order
// normalize to byte-identical documents, which is what the catalog's
// metadata equality and hashing are built on.
func Normalize(doc bsoncore.Document) (bsoncore.Document, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, fmt.Errorf("bsonx: malformed document: %w", err)
	}

	sorted := make([]bsoncore.Element, len(elems))
	copy(sorted, elems)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].KeyBytes(), sorted[j].KeyBytes()) < 0
	})

	idx, dst := bsoncore.AppendDocumentStart(nil)
	for _, el := range sorted {
		val := el.Value()
		if val.Type == bsontype.EmbeddedDocument {
			sub, err := Normalize(val.Document())
			if err != nil {
				return nil, err
			}
			dst = bsoncore.AppendDocumentElement(dst, el.Key(), sub)
			continue
		}
		dst = bsoncore.AppendValueElement(dst, el.Key(), val)
	}

	dst, err = bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, fmt.Errorf("bsonx: failed to close normalized document: %w", err)
	}
	return dst, nil
}
