package jsondb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Operation kinds driving the conditional pipeline phases.
type opKind uint8

const (
	opCreate opKind = iota
	opUpdate
	opRead
	opRemove
)

// prepareProps runs the validation and transform pipeline once per API call,
// in fixed order: unknown-property filtering, enum validation, context
// merge, default/generated values, timestamp stamping, value templates,
// type coercion, undeclared-property strip and type stamping.
//
// The same pipeline runs on the live path and the journal-replay path.
func (db *DB) prepareProps(model *Model, props map[string]any, params *Params, op opKind) (map[string]any, error) {
	out := make(map[string]any, len(props)+4)

	// Pipeline is skipped entirely when no model is specified.
	if model == nil {
		for name, v := range props {
			out[name] = v
		}

		return out, nil
	}

	// Unknown properties are dropped with a warning; the hash-key alias is
	// carried through for key templating even when undeclared. Enum
	// violations are the only property-level hard failure here.
	for name, v := range props {
		field, known := model.Fields[name]
		if !known {
			if name != db.schema.Hash && name != db.schema.TypeField {
				db.log.Warnw("unknown property", "model", model.Name, "property", name)

				continue
			}

			out[name] = v

			continue
		}

		if field.Enum != nil {
			s := stringify(v)
			if _, ok := field.Enum[s]; !ok {
				return nil, fmt.Errorf("%w: %s.%s: value %q not in enum", ErrBadArgs, model.Name, name, s)
			}
		}

		out[name] = v
	}

	// Context properties override caller-supplied values.
	for name, v := range db.context {
		out[name] = v
	}

	creating := op == opCreate || (op == opUpdate && params.Upsert)

	if creating {
		err := db.fillGenerated(model, out)
		if err != nil {
			return nil, err
		}
	}

	// Replayed mutations keep their original stamps.
	if db.schema.Timestamps && !db.replaying && (creating || op == opUpdate) {
		now := isoDate(db.now())
		if creating {
			if _, ok := out["created"]; !ok {
				out["created"] = now
			}
		}

		out["updated"] = now
	}

	// Stamp the type early so key templates like "${_type}#${id}" resolve;
	// the strip phase below re-applies it for creates.
	if creating {
		out[db.schema.TypeField] = model.Name
	}

	evalTemplates(model, out)

	for name, v := range out {
		field, ok := model.Fields[name]
		if !ok {
			continue
		}

		coerced, err := coerceValue(model, field, v)
		if err != nil {
			return nil, err
		}

		out[name] = coerced
	}

	// Strip anything that is not a declared field, then stamp the type
	// field so every item is tagged with its owning model.
	for name := range out {
		if _, ok := model.Fields[name]; !ok {
			delete(out, name)
		}
	}

	if creating {
		out[db.schema.TypeField] = model.Name
	}

	return out, nil
}

// fillGenerated fills default and generated values for absent fields.
func (db *DB) fillGenerated(model *Model, out map[string]any) error {
	// Deterministic order keeps generation reproducible under test.
	names := make([]string, 0, len(model.Fields))
	for name := range model.Fields {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		field := model.Fields[name]
		if _, ok := out[name]; ok {
			continue
		}

		if field.Default != nil {
			out[name] = field.Default

			continue
		}

		if field.Generate == "" {
			continue
		}

		value, err := db.generateValue(field)
		if err != nil {
			return err
		}

		out[name] = value
	}

	return nil
}

func (db *DB) generateValue(field *Field) (string, error) {
	switch {
	case field.Generate == "ulid":
		return NewULID(db.now())
	case field.Generate == "uuid":
		return newUUID()
	case field.Generate == "uid":
		return NewUID(0)
	case strings.HasPrefix(field.Generate, "uid("):
		spec := strings.TrimSuffix(strings.TrimPrefix(field.Generate, "uid("), ")")

		n, err := strconv.Atoi(spec)
		if err != nil {
			return "", fmt.Errorf("%w: generator %q", ErrBadArgs, field.Generate)
		}

		return NewUID(n)
	default:
		return "", fmt.Errorf("%w: generator %q", ErrBadArgs, field.Generate)
	}
}

// evalTemplates evaluates per-field ${prop} value templates against the
// current property set for any field not already explicitly set. A template
// that references an absent property is left unset.
func evalTemplates(model *Model, out map[string]any) {
	for name, field := range model.Fields {
		if field.Value == "" {
			continue
		}

		if _, ok := out[name]; ok {
			continue
		}

		value, complete := expandTemplate(field.Value, out)
		if complete {
			out[name] = value
		}
	}
}

// expandTemplate interpolates ${prop} references. When a referenced property
// is missing, the expansion stops and returns the resolved prefix with
// complete == false; queries use that prefix for begins-with matching.
func expandTemplate(tmpl string, props map[string]any) (string, bool) {
	var b strings.Builder

	rest := tmpl
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)

			return b.String(), true
		}

		b.WriteString(rest[:start])
		rest = rest[start+2:]

		end := strings.Index(rest, "}")
		if end < 0 {
			// Unterminated reference: treat the remainder as literal.
			b.WriteString("${")
			b.WriteString(rest)

			return b.String(), true
		}

		name := rest[:end]
		rest = rest[end+1:]

		v, ok := props[name]
		if !ok {
			return b.String(), false
		}

		b.WriteString(stringify(v))
	}
}

// coerceValue validates and normalizes a value against its declared type.
func coerceValue(model *Model, field *Field, v any) (any, error) {
	switch field.Type {
	case TypeDate:
		return coerceDate(model, field, v)
	case TypeBoolean:
		return coerceBool(model, field, v)
	case TypeNumber:
		return coerceNumber(model, field, v)
	case TypeString:
		return stringify(v), nil
	default:
		// object and array values pass through untouched.
		return v, nil
	}
}

// coerceDate accepts a numeric epoch (seconds, converted to ISO) or an ISO
// string with a UTC marker.
func coerceDate(model *Model, field *Field, v any) (any, error) {
	switch value := v.(type) {
	case float64:
		sec := int64(value)
		nsec := int64((value - float64(sec)) * float64(time.Second))

		return isoDate(time.Unix(sec, nsec)), nil
	case int:
		return isoDate(time.Unix(int64(value), 0)), nil
	case int64:
		return isoDate(time.Unix(value, 0)), nil
	case time.Time:
		return isoDate(value), nil
	case string:
		if !strings.HasSuffix(value, "Z") {
			return nil, fmt.Errorf("%w: %s.%s: date %q is not UTC", ErrBadArgs, model.Name, field.Name, value)
		}

		_, err := parseISO(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %w", ErrBadArgs, model.Name, field.Name, err)
		}

		return value, nil
	default:
		return nil, fmt.Errorf("%w: %s.%s: invalid date value", ErrBadArgs, model.Name, field.Name)
	}
}

func coerceBool(model *Model, field *Field, v any) (any, error) {
	switch value := v.(type) {
	case bool:
		return value, nil
	case string:
		switch value {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	case float64:
		switch value {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
	}

	return nil, fmt.Errorf("%w: %s.%s: invalid boolean value", ErrBadArgs, model.Name, field.Name)
}

func coerceNumber(model *Model, field *Field, v any) (any, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case string:
		n, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return n, nil
		}
	}

	return nil, fmt.Errorf("%w: %s.%s: invalid number value", ErrBadArgs, model.Name, field.Name)
}

// isoFormat is the stored timestamp layout: millisecond precision, UTC.
const isoFormat = "2006-01-02T15:04:05.000Z"

func isoDate(t time.Time) string {
	return t.UTC().Format(isoFormat)
}

func parseISO(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}

	t, err = time.Parse(isoFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}

	return t, nil
}

// stringify renders a property value as its template/enum string form.
func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}
