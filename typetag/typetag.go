// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package typetag enumerates the value types that can be declared in a SQL
// template with a type hint. Every tag maps to exactly one bind operation and
// one read operation.
package typetag

import (
	"errors"
	"fmt"
)

// Tag identifies a supported bind/read type. The zero value None means no
// static type was declared and the value is dispatched on at runtime.
type Tag int

const (
	None Tag = iota
	Bool
	Byte
	Bytes
	Date
	Double
	Float
	Int
	Long
	NString
	Object
	String
	Time
	Timestamp
	// Multi marks a parameter slot whose bound value is a runtime-sized
	// collection. Each element is bound individually and the canonical SQL
	// placeholder for the slot is expanded to match the collection size.
	Multi
)

// ErrUnsupportedType is returned by Encode for type names it does not
// recognise.
var ErrUnsupportedType = errors.New("unsupported type")

// Encode returns the tag for a type name as written in a template type hint.
// Common synonyms are accepted. The empty name encodes to None, meaning the
// bind or read operation dispatches on the runtime value.
func Encode(name string) (Tag, error) {
	switch name {
	case "":
		return None, nil
	case "bool", "boolean":
		return Bool, nil
	case "byte":
		return Byte, nil
	case "bytes", "binary":
		return Bytes, nil
	case "date":
		return Date, nil
	case "double":
		return Double, nil
	case "float":
		return Float, nil
	case "int", "integer":
		return Int, nil
	case "long":
		return Long, nil
	case "nstring":
		return NString, nil
	case "object", "any":
		return Object, nil
	case "string":
		return String, nil
	case "time":
		return Time, nil
	case "timestamp", "datetime":
		return Timestamp, nil
	case "multi", "list":
		return Multi, nil
	}
	return None, fmt.Errorf("%w %q", ErrUnsupportedType, name)
}

// Decode returns the canonical name of a tag. It is used for diagnostics.
func Decode(t Tag) string {
	switch t {
	case None:
		return "none"
	case Bool:
		return "bool"
	case Byte:
		return "byte"
	case Bytes:
		return "bytes"
	case Date:
		return "date"
	case Double:
		return "double"
	case Float:
		return "float"
	case Int:
		return "int"
	case Long:
		return "long"
	case NString:
		return "nstring"
	case Object:
		return "object"
	case String:
		return "string"
	case Time:
		return "time"
	case Timestamp:
		return "timestamp"
	case Multi:
		return "multi"
	}
	return fmt.Sprintf("unknown tag %d", int(t))
}

func (t Tag) String() string {
	return Decode(t)
}
