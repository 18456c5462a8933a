// Package catalog implements the in-memory bucket catalog: the concurrent
// structure that groups arriving time-stamped measurements into bounded
// buckets before they are committed to the storage backend.
package catalog

import (
	"strconv"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/arroyodb/arroyo/internal/bsonx"
)

// minMaxDirection selects whether a tracker keeps the running minimum or
// maximum.
type minMaxDirection int

const (
	minMaxMin minMaxDirection = -1
	minMaxMax minMaxDirection = 1
)

// dirMatch reports whether a comparison result favors replacement for the
// given direction: a smaller value for min trackers, a larger one for max.
func dirMatch(dir minMaxDirection, c int) bool {
	if dir == minMaxMin {
		return c < 0
	}
	return c > 0
}

type minMaxNodeType uint8

const (
	minMaxUnset minMaxNodeType = iota
	minMaxValue
	minMaxObject
	minMaxArray
)

// minMaxNodeOverhead approximates the per-child bookkeeping cost that the
// memory estimate charges on top of stored value bytes.
const minMaxNodeOverhead = 64

type minMaxField struct {
	key  string
	node *minMaxNode
}

// minMaxNode is one node of the nested extremum. Value nodes own a copy of
// the current extremum bytes; object nodes keep children in insertion order
// so rendering is deterministic; array nodes keep positional children.
// The updated bit marks nodes whose value changed since the last diff was
// emitted.
type minMaxNode struct {
	typ      minMaxNodeType
	value    bsoncore.Value
	fields   []minMaxField
	index    map[string]int
	children []*minMaxNode
	updated  bool
	memory   int
}

// minMax tracks the element-wise extremum of every document fed to update.
// The root is always an object.
type minMax struct {
	root minMaxNode
}

// update folds one measurement into the tracker. The metadata field is
// skipped at the top level; dir selects min or max semantics; cmp orders
// strings.
func (m *minMax) update(doc bsoncore.Document, metaField string, cmp bsonx.StringComparator, dir minMaxDirection) {
	m.root.typ = minMaxObject

	elems, err := doc.Elements()
	if err != nil {
		return
	}
	for _, el := range elems {
		if metaField != "" && el.Key() == metaField {
			continue
		}
		m.root.updateFieldChild(el.Key(), el.Value(), cmp, dir)
	}
}

// memoryUsage returns the O(1) estimate maintained during update.
func (m *minMax) memoryUsage() int {
	return m.root.memoryUsage()
}

// toBSON renders the full nested extremum.
func (m *minMax) toBSON() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = m.root.appendObjectBody(dst)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// getUpdates emits a structural diff of everything that changed since the
// previous emission and clears the dirty bits of the emitted subtrees.
func (m *minMax) getUpdates() bsoncore.Document {
	doc, _ := m.root.buildUpdates()
	return doc
}

func (n *minMaxNode) memoryUsage() int {
	return n.memory + minMaxNodeOverhead*(len(n.fields)+len(n.children))
}

func (n *minMaxNode) fieldChild(key string) *minMaxNode {
	if n.index == nil {
		n.index = make(map[string]int)
	}
	if i, ok := n.index[key]; ok {
		return n.fields[i].node
	}
	child := &minMaxNode{}
	n.index[key] = len(n.fields)
	n.fields = append(n.fields, minMaxField{key: key, node: child})
	return child
}

// updateFieldChild runs the child update with the subtract-then-add memory
// discipline, so the parent's estimate stays exact.
func (n *minMaxNode) updateFieldChild(key string, val bsoncore.Value, cmp bsonx.StringComparator, dir minMaxDirection) {
	child := n.fieldChild(key)
	n.memory -= child.memoryUsage()
	child.update(val, cmp, dir)
	n.memory += child.memoryUsage()
}

func (n *minMaxNode) updateArrayChild(i int, val bsoncore.Value, cmp bsonx.StringComparator, dir minMaxDirection) {
	child := n.children[i]
	n.memory -= child.memoryUsage()
	child.update(val, cmp, dir)
	n.memory += child.memoryUsage()
}

// becomeStructural converts the node to the given structural type, wiping
// any previous representation and marking the subtree replaced.
func (n *minMaxNode) becomeStructural(typ minMaxNodeType) {
	if n.typ == typ {
		return
	}
	n.typ = typ
	n.updated = true
	n.memory = 0
	n.value = bsoncore.Value{}
	n.fields = nil
	n.index = nil
	n.children = nil
}

func (n *minMaxNode) update(val bsoncore.Value, cmp bsonx.StringComparator, dir minMaxDirection) {
	// typeWins reports whether val's canonical type replaces a node
	// currently holding a value of type t.
	typeWins := func(t bsontype.Type) bool {
		return dirMatch(dir, bsonx.CompareCanonicalTypes(val.Type, t))
	}

	if val.Type == bsontype.EmbeddedDocument {
		if n.typ == minMaxObject || n.typ == minMaxUnset ||
			(n.typ == minMaxArray && typeWins(bsontype.Array)) ||
			(n.typ == minMaxValue && typeWins(n.value.Type)) {
			n.becomeStructural(minMaxObject)
			elems, err := val.Document().Elements()
			if err != nil {
				return
			}
			for _, el := range elems {
				n.updateFieldChild(el.Key(), el.Value(), cmp, dir)
			}
		}
		return
	}

	if val.Type == bsontype.Array {
		if n.typ == minMaxArray || n.typ == minMaxUnset ||
			(n.typ == minMaxObject && typeWins(bsontype.EmbeddedDocument)) ||
			(n.typ == minMaxValue && typeWins(n.value.Type)) {
			n.becomeStructural(minMaxArray)
			vals, err := bsoncore.Document(val.Array()).Values()
			if err != nil {
				return
			}
			for len(n.children) < len(vals) {
				n.children = append(n.children, &minMaxNode{})
			}
			for i, v := range vals {
				n.updateArrayChild(i, v, cmp, dir)
			}
		}
		return
	}

	if n.typ == minMaxUnset ||
		(n.typ == minMaxObject && typeWins(bsontype.EmbeddedDocument)) ||
		(n.typ == minMaxArray && typeWins(bsontype.Array)) ||
		(n.typ == minMaxValue && dirMatch(dir, bsonx.CompareValues(val, n.value, cmp))) {
		n.typ = minMaxValue
		n.value = bsoncore.Value{Type: val.Type, Data: append([]byte(nil), val.Data...)}
		n.fields = nil
		n.index = nil
		n.children = nil
		n.updated = true
		n.memory = len(n.value.Data) + 1
	}
}

// appendObjectBody appends this object node's fields to an open document.
func (n *minMaxNode) appendObjectBody(dst []byte) []byte {
	for _, f := range n.fields {
		dst = f.node.appendAsElement(dst, f.key)
	}
	return dst
}

// appendArrayBody appends this array node's children to an open array
// document using positional keys.
func (n *minMaxNode) appendArrayBody(dst []byte) []byte {
	for i, child := range n.children {
		dst = child.appendAsElement(dst, strconv.Itoa(i))
	}
	return dst
}

func (n *minMaxNode) appendAsElement(dst []byte, key string) []byte {
	switch n.typ {
	case minMaxValue:
		return bsoncore.AppendValueElement(dst, key, n.value)
	case minMaxObject:
		idx, out := bsoncore.AppendDocumentElementStart(dst, key)
		out = n.appendObjectBody(out)
		out, _ = bsoncore.AppendDocumentEnd(out, idx)
		return out
	case minMaxArray:
		idx, out := bsoncore.AppendArrayElementStart(dst, key)
		out = n.appendArrayBody(out)
		out, _ = bsoncore.AppendDocumentEnd(out, idx)
		return out
	default:
		return dst
	}
}

// buildUpdates renders the node's structural diff. For object nodes the
// replaced fields go into an update section, followed by one sub-diff per
// structural child whose subtree changed. Array nodes are marked with the
// array header and use positional update/sub-diff keys.
func (n *minMaxNode) buildUpdates() (bsoncore.Document, bool) {
	appended := false
	idx, dst := bsoncore.AppendDocumentStart(nil)

	if n.typ == minMaxObject {
		uIdx := int32(-1)
		for _, f := range n.fields {
			if !f.node.updated {
				continue
			}
			if uIdx < 0 {
				uIdx, dst = bsoncore.AppendDocumentElementStart(dst, bsonx.DiffUpdateSection)
			}
			dst = f.node.appendAsElement(dst, f.key)
			f.node.clearUpdated()
			appended = true
		}
		if uIdx >= 0 {
			dst, _ = bsoncore.AppendDocumentEnd(dst, uIdx)
		}

		// Sub-diffs come after the update section.
		for _, f := range n.fields {
			if f.node.updated || f.node.typ == minMaxValue || f.node.typ == minMaxUnset {
				continue
			}
			if sub, ok := f.node.buildUpdates(); ok {
				dst = bsoncore.AppendDocumentElement(dst, bsonx.DiffSubDiffPrefix+f.key, sub)
				appended = true
			}
		}
	} else {
		dst = bsoncore.AppendBooleanElement(dst, bsonx.DiffArrayHeader, true)
		for i, child := range n.children {
			pos := strconv.Itoa(i)
			if child.updated {
				dst = child.appendAsElement(dst, bsonx.DiffUpdateSection+pos)
				child.clearUpdated()
				appended = true
				continue
			}
			if child.typ == minMaxValue || child.typ == minMaxUnset {
				continue
			}
			if sub, ok := child.buildUpdates(); ok {
				dst = bsoncore.AppendDocumentElement(dst, bsonx.DiffSubDiffPrefix+pos, sub)
				appended = true
			}
		}
	}

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst, appended
}

func (n *minMaxNode) clearUpdated() {
	n.updated = false
	for _, f := range n.fields {
		f.node.clearUpdated()
	}
	for _, child := range n.children {
		child.clearUpdated()
	}
}
