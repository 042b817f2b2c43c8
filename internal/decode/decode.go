// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package decode reads typed values and whole rows out of a live query
// cursor, directed by the declared result column types of a template.
package decode

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canonical/sqltemplate/typetag"
)

// ErrCardinality is wrapped by the convenience operations that require
// exactly one row or exactly one column but found zero or more than one.
var ErrCardinality = errors.New("unexpected result cardinality")

// timeLayouts are tried in order when a textual column value has to be
// re-read as a timestamp or date.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Row decodes the current row of the cursor, one value per column in column
// order. The cursor must already be positioned on a row with Next. When tags
// are given the tag-specific read operation is used per column; otherwise the
// column count comes from the live cursor metadata and every column is read
// generically.
func Row(rows *sql.Rows, tags []typetag.Tag) ([]any, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 && len(tags) != len(colTypes) {
		return nil, fmt.Errorf("query returned %d columns, template declares %d", len(colTypes), len(tags))
	}

	dests := make([]any, len(colTypes))
	for i := range colTypes {
		dests[i] = destFor(tagAt(tags, i))
	}
	if err := rows.Scan(dests...); err != nil {
		return nil, err
	}

	row := make([]any, len(colTypes))
	for i, dest := range dests {
		v, err := valueOf(tagAt(tags, i), dest, colTypes[i])
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		row[i] = v
	}
	return row, nil
}

// One decodes exactly one row from the cursor and fails with a cardinality
// error on zero rows or more than one.
func One(rows *sql.Rows, tags []typetag.Tag) ([]any, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no rows in result", ErrCardinality)
	}
	row, err := Row(rows, tags)
	if err != nil {
		return nil, err
	}
	if rows.Next() {
		return nil, fmt.Errorf("%w: more than one row in result", ErrCardinality)
	}
	return row, rows.Err()
}

// Scalar decodes a single value from a result expected to hold exactly one
// row with exactly one column.
func Scalar(rows *sql.Rows, tag typetag.Tag) (any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) != 1 {
		return nil, fmt.Errorf("%w: got %d columns, want 1", ErrCardinality, len(cols))
	}
	row, err := One(rows, []typetag.Tag{tag})
	if err != nil {
		return nil, err
	}
	return row[0], nil
}

func tagAt(tags []typetag.Tag, i int) typetag.Tag {
	if i < len(tags) {
		return tags[i]
	}
	return typetag.None
}

// destFor returns the scan destination for a column tag.
func destFor(tag typetag.Tag) any {
	switch tag {
	case typetag.Bool:
		return &sql.NullBool{}
	case typetag.Byte, typetag.Int, typetag.Long:
		return &sql.NullInt64{}
	case typetag.Float, typetag.Double:
		return &sql.NullFloat64{}
	case typetag.String, typetag.NString:
		return &sql.NullString{}
	case typetag.Bytes:
		return &[]byte{}
	case typetag.Date, typetag.Time, typetag.Timestamp:
		return &sql.NullTime{}
	}
	return new(any)
}

// valueOf extracts the decoded value from a scan destination. NULL columns
// decode to nil whatever the tag.
func valueOf(tag typetag.Tag, dest any, colType *sql.ColumnType) (any, error) {
	switch d := dest.(type) {
	case *sql.NullBool:
		if !d.Valid {
			return nil, nil
		}
		return d.Bool, nil
	case *sql.NullInt64:
		if !d.Valid {
			return nil, nil
		}
		if tag == typetag.Byte {
			return byte(d.Int64), nil
		}
		return d.Int64, nil
	case *sql.NullFloat64:
		if !d.Valid {
			return nil, nil
		}
		return d.Float64, nil
	case *sql.NullString:
		if !d.Valid {
			return nil, nil
		}
		return d.String, nil
	case *[]byte:
		if *d == nil {
			return nil, nil
		}
		// Return a completed value, not a handle into the driver's buffer.
		out := make([]byte, len(*d))
		copy(out, *d)
		return out, nil
	case *sql.NullTime:
		if !d.Valid {
			return nil, nil
		}
		if tag == typetag.Date {
			y, m, day := d.Time.Date()
			return time.Date(y, m, day, 0, 0, 0, 0, d.Time.Location()), nil
		}
		return d.Time, nil
	case *any:
		return normalize(*d, colType), nil
	}
	return nil, fmt.Errorf("internal error: unknown scan destination %T", dest)
}

// normalize applies the generic-read corrections for columns read without a
// declared tag. Drivers that report date or timestamp columns as text get
// their values re-read as times: a column whose reported type name indicates
// a timestamp always yields a timestamp, and a date column whose value
// physically carries a time of day is treated as a timestamp rather than
// truncated.
func normalize(v any, colType *sql.ColumnType) any {
	var s string
	switch v := v.(type) {
	case nil:
		return nil
	case time.Time:
		return v
	case []byte:
		dbType := strings.ToUpper(colType.DatabaseTypeName())
		if !isTemporal(dbType) {
			// Completed value semantics for blobs.
			out := make([]byte, len(v))
			copy(out, v)
			return out
		}
		s = string(v)
	case string:
		if !isTemporal(strings.ToUpper(colType.DatabaseTypeName())) {
			return v
		}
		s = v
	default:
		return v
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	// Not a parseable time after all, keep the raw text.
	return s
}

// isTemporal reports whether a driver-reported column type name indicates a
// date, time or timestamp column.
func isTemporal(dbType string) bool {
	return strings.Contains(dbType, "TIMESTAMP") ||
		strings.Contains(dbType, "DATETIME") ||
		strings.Contains(dbType, "DATE")
}
