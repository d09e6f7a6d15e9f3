package jsondb

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// Params carries the per-call query options. A nil *Params means defaults.
type Params struct {
	// Upsert makes create tolerate an existing item and update create a
	// missing one.
	Upsert bool

	// Bypass suppresses change callbacks, e.g. during journal replay or
	// for mutations the cloud-sync layer must not see again.
	Bypass bool

	// InMemory keeps this mutation out of the journal and snapshot.
	InMemory bool

	// Delay overrides the model's commit-delay policy for this call.
	Delay *time.Duration

	// Limit bounds find results and remove counts.
	Limit int

	// Index names the index to use. Only "primary" is supported.
	Index string

	// Next resumes a paginated find strictly after this sort key.
	Next string

	// Filter, when set, must return true for an item to match. FilterArg
	// is passed through opaquely.
	Filter    func(db *DB, model *Model, item *Item, arg any) bool
	FilterArg any

	// Log enables verbose per-call logging.
	Log bool
}

const primaryIndex = "primary"

// logOp emits one verbose line per call when the Log param is set.
func (db *DB) logOp(params *Params, op string, kv ...any) {
	if params.Log {
		db.log.Infow(op, kv...)
	}
}

func sanitizeParams(params *Params) (*Params, error) {
	if params == nil {
		return &Params{}, nil
	}

	if params.Index != "" && params.Index != primaryIndex {
		return nil, fmt.Errorf("%w: unknown index %q", ErrBadArgs, params.Index)
	}

	return params, nil
}

// model resolves a model name. An empty name is the no-model case: the
// validation pipeline is skipped and operations work on raw keys.
func (db *DB) model(name string) (*Model, error) {
	if name == "" {
		return nil, nil
	}

	model, ok := db.schema.Models[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", ErrBadArgs, name)
	}

	return model, nil
}

// modelOf resolves an item's owning model from its type field.
func (db *DB) modelOf(it *Item) *Model {
	tree, err := it.Value()
	if err != nil {
		return nil
	}

	name, _ := tree[db.schema.TypeField].(string)

	return db.schema.Models[name]
}

// searchKey derives the primary sort key from the property set. When the
// sort field has a value template and a referenced property is absent, the
// resolved prefix is returned with complete == false, selecting begins-with
// comparison mode.
func (db *DB) searchKey(model *Model, props map[string]any) (string, bool) {
	sortName := db.schema.Sort

	var field *Field
	if model != nil {
		field = model.Fields[sortName]
	}

	if field != nil && field.Value != "" {
		if model != nil {
			if _, ok := props[db.schema.TypeField]; !ok {
				augmented := make(map[string]any, len(props)+1)
				for k, v := range props {
					augmented[k] = v
				}

				augmented[db.schema.TypeField] = model.Name
				props = augmented
			}
		}

		return expandTemplate(field.Value, props)
	}

	v, ok := props[sortName]
	if !ok {
		return "", false
	}

	return stringify(v), true
}

// Create inserts a new item. It fails with ErrCannotCreate when the sort key
// already exists and upsert was not requested, and with ErrBadState when a
// required field is missing.
func (db *DB) Create(modelName string, props map[string]any, params *Params) (*Item, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	item, err := db.createLocked(modelName, props, params)

	return item, db.fail(err)
}

func (db *DB) createLocked(modelName string, props map[string]any, params *Params) (*Item, error) {
	params, err := sanitizeParams(params)
	if err != nil {
		return nil, err
	}

	if db.closed {
		return nil, ErrClosed
	}

	model, err := db.model(modelName)
	if err != nil {
		return nil, err
	}

	prepared, err := db.prepareProps(model, props, params, opCreate)
	if err != nil {
		return nil, err
	}

	cmd := cmdCreate
	if params.Upsert {
		cmd = cmdUpsert
	}

	return db.insertLocked(model, prepared, params, cmd)
}

// checkRequired verifies every required field of the model is present.
// Applies wherever a full document is written: inserts and upsert
// replacements alike.
func checkRequired(model *Model, prepared map[string]any) error {
	if model == nil {
		return nil
	}

	for name, field := range model.Fields {
		if !field.Required {
			continue
		}

		if _, ok := prepared[name]; !ok {
			return fmt.Errorf("%w: missing required field %s.%s", ErrBadState, model.Name, name)
		}
	}

	return nil
}

// insertLocked places already-prepared properties into the index.
func (db *DB) insertLocked(model *Model, prepared map[string]any, params *Params, cmd string) (*Item, error) {
	err := checkRequired(model, prepared)
	if err != nil {
		return nil, err
	}

	key, complete := db.searchKey(model, prepared)
	if !complete || key == "" {
		return nil, fmt.Errorf("%w: incomplete sort key", ErrBadArgs)
	}

	item := db.index.get(key)
	if item != nil && !params.Upsert {
		return nil, fmt.Errorf("%w: item %q exists", ErrCannotCreate, key)
	}

	if item != nil {
		item.tree = prepared
		item.touch()
	} else {
		item = newItem(key, prepared)
		db.index.set(item)
	}

	err = db.recordChangeLocked(model, item, params, cmd)
	if err != nil {
		return item, err
	}

	db.logOp(params, cmd, "key", item.key)

	return item, nil
}

// Get returns the first item matching the property set, or nil when none
// matches. An incomplete sort key selects begins-with lookup.
func (db *DB) Get(modelName string, props map[string]any, params *Params) (*Item, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	item, err := db.getLocked(modelName, props, params)

	return item, db.fail(err)
}

func (db *DB) getLocked(modelName string, props map[string]any, params *Params) (*Item, error) {
	params, err := sanitizeParams(params)
	if err != nil {
		return nil, err
	}

	if db.closed {
		return nil, ErrClosed
	}

	model, err := db.model(modelName)
	if err != nil {
		return nil, err
	}

	prepared, err := db.prepareProps(model, props, params, opRead)
	if err != nil {
		return nil, err
	}

	key, complete := db.searchKey(model, prepared)

	var (
		found   *Item
		expired []*Item
	)

	if complete {
		it := db.index.get(key)
		if it != nil && db.matchLocked(model, it, prepared, params, &expired) {
			found = it
		}
	} else {
		db.index.ascendPrefix(key, func(it *Item) bool {
			if db.matchLocked(model, it, prepared, params, &expired) {
				found = it

				return false
			}

			return true
		})
	}

	db.applyExpiredLocked(expired)

	db.logOp(params, "get", "key", key, "found", found != nil)

	return found, nil
}

// GetField returns one field of the first matching item as a string, using
// dotted paths for nested values. A missing item or field yields "".
func (db *DB) GetField(modelName string, props map[string]any, field string, params *Params) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	item, err := db.getLocked(modelName, props, params)
	if err != nil || item == nil {
		return "", db.fail(err)
	}

	result, err := item.Field(field)
	if err != nil {
		return "", db.fail(err)
	}

	return result.String(), nil
}

// Find returns all items matching the property set in sort-key order, up to
// Params.Limit. When the result is truncated, next is the cursor to resume
// the same scan via Params.Next; iterating until next is empty visits every
// matching item exactly once.
func (db *DB) Find(modelName string, props map[string]any, params *Params) ([]*Item, string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	items, next, err := db.findLocked(modelName, props, params)

	return items, next, db.fail(err)
}

func (db *DB) findLocked(modelName string, props map[string]any, params *Params) ([]*Item, string, error) {
	params, err := sanitizeParams(params)
	if err != nil {
		return nil, "", err
	}

	if db.closed {
		return nil, "", ErrClosed
	}

	model, err := db.model(modelName)
	if err != nil {
		return nil, "", err
	}

	prepared, err := db.prepareProps(model, props, params, opRead)
	if err != nil {
		return nil, "", err
	}

	prefix, _ := db.searchKey(model, prepared)

	start := prefix
	strict := false

	if params.Next != "" {
		start = params.Next
		strict = true
	}

	var (
		items   []*Item
		expired []*Item
	)

	db.index.ascend(start, strict, func(it *Item) bool {
		if !strings.HasPrefix(it.key, prefix) {
			return false
		}

		if !db.matchLocked(model, it, prepared, params, &expired) {
			return true
		}

		items = append(items, it)

		return params.Limit <= 0 || len(items) < params.Limit
	})

	next := ""
	if params.Limit > 0 && len(items) == params.Limit {
		next = items[len(items)-1].key
	}

	db.applyExpiredLocked(expired)

	db.logOp(params, "find", "prefix", prefix, "count", len(items), "next", next)

	return items, next, nil
}

// FindOne returns the first matching item, or nil.
func (db *DB) FindOne(modelName string, props map[string]any, params *Params) (*Item, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	params, err := sanitizeParams(params)
	if err != nil {
		return nil, db.fail(err)
	}

	one := *params
	one.Limit = 1
	one.Next = ""

	items, _, err := db.findLocked(modelName, props, &one)
	if err != nil || len(items) == 0 {
		return nil, db.fail(err)
	}

	return items[0], nil
}

// Update merges the given properties into the matching item. Without upsert
// a missing target is ErrNotFound; with upsert the item is replaced
// wholesale (or created). Non-upsert updates preserve untouched fields.
func (db *DB) Update(modelName string, props map[string]any, params *Params) (*Item, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	item, err := db.updateLocked(modelName, props, params)

	return item, db.fail(err)
}

func (db *DB) updateLocked(modelName string, props map[string]any, params *Params) (*Item, error) {
	params, err := sanitizeParams(params)
	if err != nil {
		return nil, err
	}

	if db.closed {
		return nil, ErrClosed
	}

	model, err := db.model(modelName)
	if err != nil {
		return nil, err
	}

	prepared, err := db.prepareProps(model, props, params, opUpdate)
	if err != nil {
		return nil, err
	}

	item, err := db.findUpdateTargetLocked(model, prepared, params)
	if err != nil {
		return nil, err
	}

	cmd := cmdUpdate
	if params.Upsert {
		cmd = cmdUpsert
	}

	if item == nil {
		if !params.Upsert {
			return nil, fmt.Errorf("%w: no matching item", ErrNotFound)
		}

		// The upsert pipeline already filled create-time values.
		return db.insertLocked(model, prepared, params, cmd)
	}

	if params.Upsert {
		// Wholesale replacement writes a full document, so the same
		// required-field rules as an insert apply.
		err = checkRequired(model, prepared)
		if err != nil {
			return nil, err
		}

		item.tree = prepared
		item.touch()
	} else {
		tree, err := item.Value()
		if err != nil {
			return nil, err
		}

		mergeValues(tree, prepared)
		item.touch()
	}

	err = db.reindexLocked(model, item)
	if err != nil {
		return nil, err
	}

	err = db.recordChangeLocked(model, item, params, cmd)
	if err != nil {
		return item, err
	}

	db.logOp(params, cmd, "key", item.key)

	return item, nil
}

// findUpdateTargetLocked locates the update/set-field target by its derived
// sort key plus the filter callback and TTL check. Supplied properties are
// values to merge, not match constraints.
func (db *DB) findUpdateTargetLocked(model *Model, prepared map[string]any, params *Params) (*Item, error) {
	key, complete := db.searchKey(model, prepared)
	if !complete || key == "" {
		return nil, fmt.Errorf("%w: incomplete sort key", ErrBadArgs)
	}

	var expired []*Item

	item := db.index.get(key)
	if item != nil && !db.matchLocked(model, item, nil, params, &expired) {
		item = nil
	}

	db.applyExpiredLocked(expired)

	return item, nil
}

// reindexLocked moves an item whose mutation changed its derived sort key.
func (db *DB) reindexLocked(model *Model, item *Item) error {
	tree, err := item.Value()
	if err != nil {
		return err
	}

	key, complete := db.searchKey(model, tree)
	if !complete || key == "" || key == item.key {
		return nil
	}

	if db.index.get(key) != nil {
		return fmt.Errorf("%w: item %q exists", ErrCannotCreate, key)
	}

	db.index.remove(item.key)
	item.key = key
	db.index.set(item)

	return nil
}

// SetField mutates exactly one field of the matching item, using dotted
// paths for nested values. A nil value removes the field. With upsert a
// missing target is created.
func (db *DB) SetField(modelName string, props map[string]any, field string, value any, params *Params) (*Item, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	item, err := db.setFieldLocked(modelName, props, field, value, params)

	return item, db.fail(err)
}

func (db *DB) setFieldLocked(modelName string, props map[string]any, field string, value any, params *Params) (*Item, error) {
	params, err := sanitizeParams(params)
	if err != nil {
		return nil, err
	}

	if db.closed {
		return nil, ErrClosed
	}

	if field == "" {
		return nil, fmt.Errorf("%w: field is empty", ErrBadArgs)
	}

	model, err := db.model(modelName)
	if err != nil {
		return nil, err
	}

	if model != nil && value != nil {
		if fd, ok := model.Fields[field]; ok {
			value, err = coerceValue(model, fd, value)
			if err != nil {
				return nil, err
			}
		}
	}

	prepared, err := db.prepareProps(model, props, params, opUpdate)
	if err != nil {
		return nil, err
	}

	item, err := db.findUpdateTargetLocked(model, prepared, params)
	if err != nil {
		return nil, err
	}

	cmd := cmdUpdate
	if params.Upsert {
		cmd = cmdUpsert
	}

	if item == nil {
		if !params.Upsert {
			return nil, fmt.Errorf("%w: no matching item", ErrNotFound)
		}

		if value != nil {
			prepared[field] = value
		}

		return db.insertLocked(model, prepared, params, cmd)
	}

	raw, err := item.JSON()
	if err != nil {
		return nil, err
	}

	if value == nil {
		raw, err = sjson.DeleteBytes(raw, field)
	} else {
		raw, err = sjson.SetBytes(raw, field, value)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: field %q: %w", ErrBadArgs, field, err)
	}

	item.setRaw(raw)

	err = db.reindexLocked(model, item)
	if err != nil {
		return nil, err
	}

	err = db.recordChangeLocked(model, item, params, cmd)
	if err != nil {
		return item, err
	}

	db.logOp(params, cmd, "key", item.key, "field", field)

	return item, nil
}

// Remove deletes matching items and returns the count removed (0 when none
// match, which is not an error).
//
// Matching without a complete sort key is only permitted when an explicit
// Limit is supplied: a short key is a begins-with range and can remove an
// entire prefix, so the caller must opt in to the blast radius.
func (db *DB) Remove(modelName string, props map[string]any, params *Params) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	count, err := db.removeLocked(modelName, props, params)

	return count, db.fail(err)
}

func (db *DB) removeLocked(modelName string, props map[string]any, params *Params) (int, error) {
	params, err := sanitizeParams(params)
	if err != nil {
		return 0, err
	}

	if db.closed {
		return 0, ErrClosed
	}

	model, err := db.model(modelName)
	if err != nil {
		return 0, err
	}

	prepared, err := db.prepareProps(model, props, params, opRemove)
	if err != nil {
		return 0, err
	}

	key, complete := db.searchKey(model, prepared)

	limit := 1
	if params.Limit > 0 {
		limit = params.Limit
	} else if !complete {
		return 0, fmt.Errorf("%w: incomplete sort key requires explicit limit", ErrBadArgs)
	}

	var (
		doomed  []*Item
		expired []*Item
	)

	if complete && params.Limit == 0 {
		it := db.index.get(key)
		if it != nil && db.matchLocked(model, it, prepared, params, &expired) {
			doomed = append(doomed, it)
		}
	} else {
		// Collect-then-apply: the scan never mutates the tree it iterates.
		db.index.ascendPrefix(key, func(it *Item) bool {
			if db.matchLocked(model, it, prepared, params, &expired) {
				doomed = append(doomed, it)
			}

			return len(doomed) < limit
		})
	}

	for _, it := range doomed {
		err = db.removeItemLocked(model, it, params)
		if err != nil {
			return len(doomed), err
		}
	}

	db.applyExpiredLocked(expired)

	db.logOp(params, "remove", "key", key, "count", len(doomed))

	return len(doomed), nil
}

func (db *DB) removeItemLocked(model *Model, item *Item, params *Params) error {
	db.index.remove(item.key)

	return db.recordChangeLocked(model, item, params, cmdRemove)
}

// RemoveExpired removes every item whose TTL field value is at or before
// now, across all models that declare one. Change notifications fire only
// when notify is true. Returns the count removed.
func (db *DB) RemoveExpired(notify bool) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return 0, db.fail(ErrClosed)
	}

	now := db.now()

	var doomed []*Item

	db.index.all(func(it *Item) bool {
		model := db.modelOf(it)
		if model == nil || model.TTLField == "" {
			return true
		}

		if db.expiredLocked(model, it, now) {
			doomed = append(doomed, it)
		}

		return true
	})

	params := &Params{Bypass: !notify}

	for _, it := range doomed {
		err := db.removeItemLocked(db.modelOf(it), it, params)
		if err != nil {
			return len(doomed), db.fail(err)
		}
	}

	return len(doomed), nil
}

func (db *DB) expiredLocked(model *Model, it *Item, now time.Time) bool {
	tree, err := it.Value()
	if err != nil {
		return false
	}

	s, ok := tree[model.TTLField].(string)
	if !ok {
		return false
	}

	t, err := parseISO(s)
	if err != nil {
		return false
	}

	return !t.After(now)
}

// matchLocked is the query match predicate: type check, TTL expiry-on-read,
// deep equality on every supplied property, then the caller's filter. An
// item with no matching properties and no filter matches on type alone.
// Expired items are collected for removal after the surrounding scan.
func (db *DB) matchLocked(model *Model, it *Item, query map[string]any, params *Params, expired *[]*Item) bool {
	tree, err := it.Value()
	if err != nil {
		db.log.Warnw("unreadable item skipped", "key", it.key, "error", err)

		return false
	}

	if model != nil {
		typ, _ := tree[db.schema.TypeField].(string)
		if typ != model.Name {
			return false
		}

		if model.TTLField != "" && db.expiredLocked(model, it, db.now()) {
			*expired = append(*expired, it)

			return false
		}
	}

	for name, want := range query {
		if name == db.schema.Sort || name == db.schema.Hash || name == db.schema.TypeField {
			continue
		}

		got, ok := tree[name]
		if !ok || !matchValue(want, got) {
			return false
		}
	}

	if params.Filter != nil && !params.Filter(db, model, it, params.FilterArg) {
		return false
	}

	return true
}

// matchValue compares a query value against a stored value, recursing into
// nested objects (subset match) and arrays (element-wise).
func matchValue(want, got any) bool {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}

		for k, wv := range w {
			gv, ok := g[k]
			if !ok || !matchValue(wv, gv) {
				return false
			}
		}

		return true
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}

		for i, wv := range w {
			if !matchValue(wv, g[i]) {
				return false
			}
		}

		return true
	default:
		if want == got {
			return true
		}

		// Numbers arrive as float64 from JSON but as int from Go callers.
		return stringify(want) == stringify(got)
	}
}

// applyExpiredLocked removes items whose TTL elapsed during a read, after
// the scan completed. The removals are journaled but fire no callbacks.
func (db *DB) applyExpiredLocked(expired []*Item) {
	if len(expired) == 0 {
		return
	}

	params := &Params{Bypass: true}

	for _, it := range expired {
		if db.index.get(it.key) == nil {
			continue
		}

		err := db.removeItemLocked(db.modelOf(it), it, params)
		if err != nil {
			db.fail(err)
			db.log.Warnw("expired item removal failed", "key", it.key, "error", err)
		}
	}
}

// mergeValues merges src into dst, src winning; nested objects merge
// recursively so untouched fields are preserved.
func mergeValues(dst, src map[string]any) {
	for key, sv := range src {
		sm, sok := sv.(map[string]any)

		dm, dok := dst[key].(map[string]any)
		if sok && dok {
			mergeValues(dm, sm)

			continue
		}

		dst[key] = sv
	}
}
