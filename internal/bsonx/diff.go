package bsonx

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// ApplyDiff merges a structural diff (as produced by the catalog's min/max
// trackers) into a base document and returns the merged document. The base
// is not modified.
func ApplyDiff(base, diff bsoncore.Document) (bsoncore.Document, error) {
	if isArrayDiff(diff) {
		return applyArrayDiff(base, diff)
	}
	return applyObjectDiff(base, diff)
}

func isArrayDiff(diff bsoncore.Document) bool {
	v, err := diff.LookupErr(DiffArrayHeader)
	if err != nil {
		return false
	}
	flag, ok := v.BooleanOK()
	return ok && flag
}

func applyObjectDiff(base, diff bsoncore.Document) (bsoncore.Document, error) {
	var updates []bsoncore.Element
	updated := make(map[string]bsoncore.Value)
	subDiffs := make(map[string]bsoncore.Document)

	diffElems, err := diff.Elements()
	if err != nil {
		return nil, fmt.Errorf("bsonx: malformed diff: %w", err)
	}
	for _, el := range diffElems {
		key := el.Key()
		switch {
		case key == DiffUpdateSection:
			section, ok := el.Value().DocumentOK()
			if !ok {
				return nil, fmt.Errorf("bsonx: update section is not a document")
			}
			sectionElems, err := section.Elements()
			if err != nil {
				return nil, fmt.Errorf("bsonx: malformed update section: %w", err)
			}
			updates = sectionElems
			for _, upd := range sectionElems {
				updated[upd.Key()] = upd.Value()
			}
		case strings.HasPrefix(key, DiffSubDiffPrefix):
			sub, ok := el.Value().DocumentOK()
			if !ok {
				return nil, fmt.Errorf("bsonx: sub-diff %q is not a document", key)
			}
			subDiffs[key[len(DiffSubDiffPrefix):]] = sub
		default:
			return nil, fmt.Errorf("bsonx: unrecognized diff field %q", key)
		}
	}

	baseElems, err := base.Elements()
	if err != nil {
		return nil, fmt.Errorf("bsonx: malformed base document: %w", err)
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	seen := make(map[string]struct{}, len(baseElems))
	for _, el := range baseElems {
		key := el.Key()
		seen[key] = struct{}{}

		if v, ok := updated[key]; ok {
			dst = bsoncore.AppendValueElement(dst, key, v)
			continue
		}
		if sub, ok := subDiffs[key]; ok {
			merged, err := applyChildDiff(el.Value(), sub)
			if err != nil {
				return nil, err
			}
			dst = bsoncore.AppendValueElement(dst, key, merged)
			continue
		}
		dst = bsoncore.AppendValueElement(dst, key, el.Value())
	}

	// Fields new in the update section append after the base fields.
	for _, upd := range updates {
		if _, ok := seen[upd.Key()]; !ok {
			dst = bsoncore.AppendValueElement(dst, upd.Key(), upd.Value())
		}
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

func applyChildDiff(child bsoncore.Value, sub bsoncore.Document) (bsoncore.Value, error) {
	switch child.Type {
	case bsontype.EmbeddedDocument:
		merged, err := ApplyDiff(child.Document(), sub)
		if err != nil {
			return bsoncore.Value{}, err
		}
		return bsoncore.Value{Type: bsontype.EmbeddedDocument, Data: merged}, nil
	case bsontype.Array:
		merged, err := ApplyDiff(bsoncore.Document(child.Array()), sub)
		if err != nil {
			return bsoncore.Value{}, err
		}
		return bsoncore.Value{Type: bsontype.Array, Data: merged}, nil
	default:
		return bsoncore.Value{}, fmt.Errorf("bsonx: sub-diff targets non-structural value of type %v", child.Type)
	}
}

func applyArrayDiff(base, diff bsoncore.Document) (bsoncore.Document, error) {
	updated := make(map[int]bsoncore.Value)
	subDiffs := make(map[int]bsoncore.Document)
	maxIndex := -1

	diffElems, err := diff.Elements()
	if err != nil {
		return nil, fmt.Errorf("bsonx: malformed array diff: %w", err)
	}
	for _, el := range diffElems {
		key := el.Key()
		switch {
		case key == DiffArrayHeader:
			// Marker only.
		case strings.HasPrefix(key, DiffUpdateSection):
			i, err := strconv.Atoi(key[len(DiffUpdateSection):])
			if err != nil {
				return nil, fmt.Errorf("bsonx: bad array update key %q", key)
			}
			updated[i] = el.Value()
			if i > maxIndex {
				maxIndex = i
			}
		case strings.HasPrefix(key, DiffSubDiffPrefix):
			i, err := strconv.Atoi(key[len(DiffSubDiffPrefix):])
			if err != nil {
				return nil, fmt.Errorf("bsonx: bad array sub-diff key %q", key)
			}
			sub, ok := el.Value().DocumentOK()
			if !ok {
				return nil, fmt.Errorf("bsonx: array sub-diff %q is not a document", key)
			}
			subDiffs[i] = sub
			if i > maxIndex {
				maxIndex = i
			}
		default:
			return nil, fmt.Errorf("bsonx: unrecognized array diff field %q", key)
		}
	}

	baseVals, err := base.Values()
	if err != nil {
		return nil, fmt.Errorf("bsonx: malformed base array: %w", err)
	}
	if len(baseVals)-1 > maxIndex {
		maxIndex = len(baseVals) - 1
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	for i := 0; i <= maxIndex; i++ {
		key := strconv.Itoa(i)
		if v, ok := updated[i]; ok {
			dst = bsoncore.AppendValueElement(dst, key, v)
			continue
		}
		if sub, ok := subDiffs[i]; ok {
			if i >= len(baseVals) {
				return nil, fmt.Errorf("bsonx: array sub-diff index %d out of range", i)
			}
			merged, err := applyChildDiff(baseVals[i], sub)
			if err != nil {
				return nil, err
			}
			dst = bsoncore.AppendValueElement(dst, key, merged)
			continue
		}
		if i >= len(baseVals) {
			return nil, fmt.Errorf("bsonx: array diff leaves index %d undefined", i)
		}
		dst = bsoncore.AppendValueElement(dst, key, baseVals[i])
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}
