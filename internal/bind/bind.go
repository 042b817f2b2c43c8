// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package bind maps supplied parameter values onto the bind slots of a
// compiled template, producing the ordered positional argument list for a
// prepared statement.
package bind

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/canonical/sqltemplate/internal/template"
	"github.com/canonical/sqltemplate/typetag"
)

var (
	// ErrMissingParam is wrapped when the supplied parameters lack a value
	// for a bind slot.
	ErrMissingParam = errors.New("missing parameter")
	// ErrUnexpectedParamsShape is wrapped when the supplied parameters are
	// neither an ordered sequence nor a string-keyed mapping.
	ErrUnexpectedParamsShape = errors.New("unexpected parameters shape")
	// ErrTypeMismatch is wrapped when a value is incompatible with the
	// declared type of its slot.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Args binds params onto the template slots and returns the positional
// argument list in slot order, along with the collection size of each multi
// slot in slot order. params is either an ordered sequence, consumed
// positionally, or a string-keyed mapping, addressed by slot name. Multi
// slots expand in place: each element of the collection is bound individually
// with runtime dispatch.
func Args(slots []template.ParamSlot, params any) (args []any, multiSizes []int, err error) {
	lookup, err := paramLookup(slots, params)
	if err != nil {
		return nil, nil, err
	}

	for i, slot := range slots {
		v, err := lookup(i, slot)
		if err != nil {
			return nil, nil, err
		}
		if slot.Type == typetag.Multi {
			elems, err := bindMulti(slot, v)
			if err != nil {
				return nil, nil, err
			}
			args = append(args, elems...)
			multiSizes = append(multiSizes, len(elems))
			continue
		}
		bound, err := bindValue(slot.Type, v)
		if err != nil {
			return nil, nil, fmt.Errorf("parameter %q (position %d): %w", slot.Name, i+1, err)
		}
		args = append(args, bound)
	}
	return args, multiSizes, nil
}

// paramLookup builds the slot value lookup for the supplied parameter shape.
// Sequences are consumed in slot order, one value per slot, and the sequence
// length must match the slot count exactly. Mappings are addressed by slot
// name and may serve several slots with one key.
func paramLookup(slots []template.ParamSlot, params any) (func(int, template.ParamSlot) (any, error), error) {
	if params == nil {
		if len(slots) == 0 {
			return func(int, template.ParamSlot) (any, error) { return nil, nil }, nil
		}
		return nil, fmt.Errorf("%w %q: no parameters supplied", ErrMissingParam, slots[0].Name)
	}

	v := reflect.ValueOf(params)
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type must be string, got %s", ErrUnexpectedParamsShape, v.Type().Key())
		}
		return func(_ int, slot template.ParamSlot) (any, error) {
			mv := v.MapIndex(reflect.ValueOf(slot.Name))
			if !mv.IsValid() {
				return nil, fmt.Errorf("%w %q", ErrMissingParam, slot.Name)
			}
			return mv.Interface(), nil
		}, nil
	case reflect.Slice, reflect.Array:
		if v.Len() != len(slots) {
			return nil, fmt.Errorf("%w: got %d positional parameters for %d bind slots", ErrMissingParam, v.Len(), len(slots))
		}
		return func(i int, _ template.ParamSlot) (any, error) {
			return v.Index(i).Interface(), nil
		}, nil
	}
	return nil, fmt.Errorf("%w: need sequence or string-keyed map, got %T", ErrUnexpectedParamsShape, params)
}

// bindMulti binds the elements of a collection-valued parameter. Each element
// is bound with runtime dispatch; the per-element type is never declared.
func bindMulti(slot template.ParamSlot, v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	if v == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("multi parameter %q: %w: need slice or array, got %T", slot.Name, ErrTypeMismatch, v)
	}
	if rv.Len() == 0 {
		return nil, fmt.Errorf("multi parameter %q: %w: empty collection", slot.Name, ErrTypeMismatch)
	}
	elems := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elems = append(elems, bindAny(rv.Index(i).Interface()))
	}
	return elems, nil
}

// bindValue converts a value to its driver representation. With a declared
// tag the tag-specific conversion is applied unconditionally; an incompatible
// value is a contract violation reported as a type mismatch. Without a tag
// the conversion dispatches on the runtime value.
func bindValue(tag typetag.Tag, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch tag {
	case typetag.None, typetag.Object:
		return bindAny(v), nil
	case typetag.Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case typetag.Byte:
		if n, ok := asInt64(v); ok {
			if n < 0 || n > math.MaxUint8 {
				return nil, fmt.Errorf("%w: %d out of range for %s", ErrTypeMismatch, n, tag)
			}
			return n, nil
		}
	case typetag.Int:
		if n, ok := asInt64(v); ok {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, fmt.Errorf("%w: %d out of range for %s", ErrTypeMismatch, n, tag)
			}
			return n, nil
		}
	case typetag.Long:
		if n, ok := asInt64(v); ok {
			return n, nil
		}
	case typetag.Float, typetag.Double:
		if f, ok := asFloat64(v); ok {
			return f, nil
		}
	case typetag.String, typetag.NString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		if s, ok := v.(fmt.Stringer); ok {
			return s.String(), nil
		}
	case typetag.Bytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case typetag.Date:
		if t, ok := v.(time.Time); ok {
			// A date binds without its time of day.
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, t.Location()), nil
		}
	case typetag.Time, typetag.Timestamp:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	case typetag.Multi:
		return nil, fmt.Errorf("internal error: multi tag reached single-value bind")
	}
	return nil, fmt.Errorf("%w: cannot bind %T as %s", ErrTypeMismatch, v, tag)
}

// bindAny dispatches on the runtime kind of an untyped value. Integer-width
// kinds bind by width, strings bind as strings, times keep their most
// specific representation, and anything else passes through as an opaque
// value for the driver to interpret.
func bindAny(v any) any {
	switch v := v.(type) {
	case nil:
		return nil
	case driver.Valuer:
		return v
	case time.Time, []byte, string, bool, float64, int64:
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

// asInt64 converts any integer-width kind to int64.
func asInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint()), true
	case reflect.Uint64:
		n := rv.Uint()
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// asFloat64 converts any numeric kind to float64.
func asFloat64(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}
