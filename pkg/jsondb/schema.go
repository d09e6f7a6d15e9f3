package jsondb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// Field type names accepted in schema definitions.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeObject  = "object"
	TypeArray   = "array"
)

const (
	defaultTypeField = "_type"
	// modelParamsKey is the reserved entry inside a model's field map that
	// carries model-level options (sync, delay, mem, enable).
	modelParamsKey = "_params"

	// enableBoth models exist everywhere; enableCloud models are cloud-only
	// and excluded from the device-side store.
	enableBoth   = "both"
	enableCloud  = "cloud"
	enableDevice = "device"
)

// DelayInMemory is the commit-delay sentinel for in-memory-only models:
// mutations update the index and fire change events but are never written
// to the journal or snapshot.
const DelayInMemory = time.Duration(-1)

// Schema holds the immutable model metadata loaded at open. Fields reference
// schema-owned memory for the database's lifetime.
type Schema struct {
	// TypeField is the property stamped on every item with its owning
	// model's name. Default "_type".
	TypeField string

	// Timestamps enables automatic created/updated stamping.
	Timestamps bool

	// Hash and Sort name the primary index key fields.
	Hash string
	Sort string

	// Models maps model name to its metadata.
	Models map[string]*Model
}

// Model is one document type loaded from the schema.
type Model struct {
	Name   string
	Fields map[string]*Field

	// Sync marks the model for cloud synchronization via change callbacks.
	Sync bool

	// Delay is the commit-delay policy: 0 journals immediately, > 0 batches
	// the journal write, DelayInMemory never persists.
	Delay time.Duration

	// TTLField names the field whose value is the item's expiry timestamp,
	// or "" when the model has no TTL.
	TTLField string
}

// Mem reports whether the model is in-memory only.
func (m *Model) Mem() bool {
	return m.Delay == DelayInMemory
}

// Field is one model attribute.
type Field struct {
	Name     string
	Type     string
	Default  any
	Generate string
	Value    string
	Required bool
	Hidden   bool
	TTL      bool

	// Enum is the set of permitted values, nil when unconstrained.
	Enum map[string]struct{}
}

type schemaParams struct {
	Timestamps bool   `json:"timestamps"`
	TypeField  string `json:"typeField"`
}

type schemaIndex struct {
	Hash string `json:"hash"`
	Sort string `json:"sort"`
}

type fieldDef struct {
	Type     string   `json:"type"`
	Default  any      `json:"default"`
	Generate string   `json:"generate"`
	Value    string   `json:"value"`
	Required bool     `json:"required"`
	Hidden   bool     `json:"hidden"`
	Enum     []string `json:"enum"`
	TTL      bool     `json:"ttl"`
}

type modelParams struct {
	Sync   bool   `json:"sync"`
	Delay  int64  `json:"delay"` // milliseconds
	Mem    bool   `json:"mem"`
	Enable string `json:"enable"`
}

// LoadSchema parses a JSON schema document plus any "blend" fragments
// resolved relative to the schema's directory. Comments and trailing commas
// are permitted; object keys must be quoted. The result is immutable for
// the lifetime of the database that loads it.
func LoadSchema(path string) (*Schema, error) {
	root, err := readSchemaDoc(path)
	if err != nil {
		return nil, err
	}

	if blends, ok := root["blend"].([]any); ok {
		dir := filepath.Dir(path)

		for _, b := range blends {
			rel, ok := b.(string)
			if !ok {
				return nil, fmt.Errorf("%w: schema %s: blend entries must be paths", ErrCannotRead, path)
			}

			frag, err := readSchemaDoc(filepath.Join(dir, rel))
			if err != nil {
				return nil, fmt.Errorf("blend %s: %w", rel, err)
			}

			blendDoc(root, frag)
		}
	}

	return buildSchema(path, root)
}

// readSchemaDoc reads one schema file, strips comments and trailing commas,
// and decodes it into a generic tree.
func readSchemaDoc(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %w", ErrCannotRead, err)
	}

	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: schema %s: %w", ErrCannotRead, path, err)
	}

	var doc map[string]any

	err = json.Unmarshal(std, &doc)
	if err != nil {
		return nil, fmt.Errorf("%w: schema %s: %w", ErrCannotRead, path, err)
	}

	return doc, nil
}

// blendDoc deep-merges fragment into dst. Existing keys in dst win on
// conflicts; nested objects merge recursively.
func blendDoc(dst, frag map[string]any) {
	for key, fv := range frag {
		dv, ok := dst[key]
		if !ok {
			dst[key] = fv

			continue
		}

		dm, dok := dv.(map[string]any)

		fm, fok := fv.(map[string]any)
		if dok && fok {
			blendDoc(dm, fm)
		}
	}
}

func buildSchema(path string, root map[string]any) (*Schema, error) {
	schema := &Schema{
		TypeField: defaultTypeField,
		Models:    map[string]*Model{},
	}

	params, err := decodeSection[schemaParams](root, "params")
	if err != nil {
		return nil, fmt.Errorf("%w: schema %s: params: %w", ErrCannotRead, path, err)
	}

	if params != nil {
		schema.Timestamps = params.Timestamps
		if params.TypeField != "" {
			schema.TypeField = params.TypeField
		}
	}

	indexes, err := decodeSection[map[string]schemaIndex](root, "indexes")
	if err != nil {
		return nil, fmt.Errorf("%w: schema %s: indexes: %w", ErrCannotRead, path, err)
	}

	if indexes == nil {
		return nil, fmt.Errorf("%w: schema %s: missing indexes.primary", ErrCannotRead, path)
	}

	primary, ok := (*indexes)["primary"]
	if !ok || primary.Hash == "" || primary.Sort == "" {
		return nil, fmt.Errorf("%w: schema %s: indexes.primary requires hash and sort", ErrCannotRead, path)
	}

	// Only the single ordered "primary" index is supported.
	if len(*indexes) > 1 {
		return nil, fmt.Errorf("%w: schema %s: only the primary index is supported", ErrCannotRead, path)
	}

	schema.Hash = primary.Hash
	schema.Sort = primary.Sort

	models, ok := root["models"].(map[string]any)
	if !ok || len(models) == 0 {
		return nil, fmt.Errorf("%w: schema %s: missing models", ErrCannotRead, path)
	}

	for name, mv := range models {
		fields, ok := mv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: schema %s: model %s is not an object", ErrCannotRead, path, name)
		}

		model, err := buildModel(schema, name, fields)
		if err != nil {
			return nil, fmt.Errorf("%w: schema %s: model %s: %w", ErrCannotRead, path, name, err)
		}

		if model != nil {
			schema.Models[name] = model
		}
	}

	return schema, nil
}

// buildModel returns nil (no error) for models excluded by their enable
// scope: cloud-only models do not exist on the device side.
func buildModel(schema *Schema, name string, defs map[string]any) (*Model, error) {
	model := &Model{
		Name:   name,
		Fields: map[string]*Field{},
	}

	if pv, ok := defs[modelParamsKey]; ok {
		params, err := decodeValue[modelParams](pv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", modelParamsKey, err)
		}

		if params.Enable == enableCloud {
			return nil, nil
		}

		if params.Enable != "" && params.Enable != enableBoth && params.Enable != enableDevice {
			return nil, fmt.Errorf("unknown enable scope %q", params.Enable)
		}

		model.Sync = params.Sync
		model.Delay = time.Duration(params.Delay) * time.Millisecond

		if params.Mem {
			model.Delay = DelayInMemory
		}
	}

	for fname, fv := range defs {
		if fname == modelParamsKey {
			continue
		}

		field, err := buildField(fname, fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fname, err)
		}

		model.Fields[fname] = field

		if field.TTL {
			if model.TTLField != "" {
				return nil, fmt.Errorf("field %s: model already has ttl field %s", fname, model.TTLField)
			}

			model.TTLField = fname
		}
	}

	if schema.Timestamps {
		ensureDateField(model, "created")
		ensureDateField(model, "updated")
	}

	return model, nil
}

func buildField(name string, def any) (*Field, error) {
	// Shorthand: "field": "string"
	if typ, ok := def.(string); ok {
		def = map[string]any{"type": typ}
	}

	fd, err := decodeValue[fieldDef](def)
	if err != nil {
		return nil, err
	}

	if fd.Type == "" {
		fd.Type = TypeString
	}

	switch fd.Type {
	case TypeString, TypeNumber, TypeBoolean, TypeDate, TypeObject, TypeArray:
	default:
		return nil, fmt.Errorf("unknown type %q", fd.Type)
	}

	field := &Field{
		Name:     name,
		Type:     fd.Type,
		Default:  fd.Default,
		Generate: fd.Generate,
		Value:    fd.Value,
		Required: fd.Required,
		Hidden:   fd.Hidden,
		TTL:      fd.TTL,
	}

	if len(fd.Enum) > 0 {
		field.Enum = make(map[string]struct{}, len(fd.Enum))
		for _, v := range fd.Enum {
			field.Enum[v] = struct{}{}
		}
	}

	if field.Generate != "" && !strings.HasPrefix(field.Generate, "uid") &&
		field.Generate != "ulid" && field.Generate != "uuid" {
		return nil, fmt.Errorf("unknown generator %q", field.Generate)
	}

	return field, nil
}

// ensureDateField injects the implicit timestamp fields so the strip phase
// of the pipeline keeps them.
func ensureDateField(model *Model, name string) {
	if _, ok := model.Fields[name]; ok {
		return
	}

	model.Fields[name] = &Field{Name: name, Type: TypeDate}
}

func decodeSection[T any](root map[string]any, key string) (*T, error) {
	v, ok := root[key]
	if !ok {
		return nil, nil
	}

	return decodeValuePtr[T](v)
}

func decodeValue[T any](v any) (T, error) {
	out, err := decodeValuePtr[T](v)
	if err != nil {
		var zero T

		return zero, err
	}

	return *out, nil
}

// decodeValuePtr round-trips a generic tree through JSON into a typed
// struct. Schema files are tiny, so clarity beats a hand-rolled mapper.
func decodeValuePtr[T any](v any) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	out := new(T)

	err = json.Unmarshal(raw, out)
	if err != nil {
		return nil, err
	}

	return out, nil
}
