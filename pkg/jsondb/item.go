package jsondb

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Item is one stored document. It keeps the document value in a lazy dual
// representation: compact JSON text and/or a parsed tree. Accessing one form
// materializes it from the other (memoized); mutating the tree invalidates
// the text so the two never diverge.
type Item struct {
	key     string
	raw     []byte
	tree    map[string]any
	pending bool
	mem     bool
}

func newItem(key string, tree map[string]any) *Item {
	return &Item{key: key, tree: tree}
}

func newRawItem(key string, raw []byte) *Item {
	return &Item{key: key, raw: raw}
}

// Key returns the item's unique sort key.
func (it *Item) Key() string {
	return it.key
}

// Value returns the parsed document tree, materializing it from the JSON
// text on first structured access.
//
// The returned map is the item's live state, not a copy, and must be
// treated as read-only. Writing to it bypasses the validation pipeline,
// the index, and the journal; mutations go through Update or SetField.
func (it *Item) Value() (map[string]any, error) {
	if it.tree != nil {
		return it.tree, nil
	}

	var tree map[string]any

	err := json.Unmarshal(it.raw, &tree)
	if err != nil {
		return nil, fmt.Errorf("%w: item %q: %w", ErrBadState, it.key, err)
	}

	it.tree = tree

	return it.tree, nil
}

// JSON returns the document as compact JSON text, serializing the parsed
// tree on demand.
func (it *Item) JSON() ([]byte, error) {
	if it.raw != nil {
		return it.raw, nil
	}

	raw, err := json.Marshal(it.tree)
	if err != nil {
		return nil, fmt.Errorf("%w: item %q: %w", ErrBadState, it.key, err)
	}

	it.raw = raw

	return it.raw, nil
}

// Field returns the value at a dotted path ("address.city", "tags.0").
func (it *Item) Field(path string) (gjson.Result, error) {
	raw, err := it.JSON()
	if err != nil {
		return gjson.Result{}, err
	}

	return gjson.GetBytes(raw, path), nil
}

// touch invalidates the memoized JSON text after a tree mutation.
func (it *Item) touch() {
	it.raw = nil
}

// setRaw replaces the document with new JSON text, invalidating the tree.
func (it *Item) setRaw(raw []byte) {
	it.raw = raw
	it.tree = nil
}
