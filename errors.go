// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqltemplate

import (
	"fmt"

	"github.com/canonical/sqltemplate/internal/bind"
	"github.com/canonical/sqltemplate/internal/decode"
	"github.com/canonical/sqltemplate/internal/template"
	"github.com/canonical/sqltemplate/typetag"
)

// Sentinel errors for the failure modes of template compilation, binding and
// decoding. Returned errors wrap these values and carry a message locating
// the offending token, index or key; match them with errors.Is.
var (
	// ErrMalformedTemplate reports a structurally invalid template. Parsing
	// never partially succeeds.
	ErrMalformedTemplate = template.ErrMalformedTemplate
	// ErrUnsupportedType reports a type hint naming an unknown type.
	ErrUnsupportedType = typetag.ErrUnsupportedType
	// ErrMissingParam reports parameters lacking a value for a bind slot.
	ErrMissingParam = bind.ErrMissingParam
	// ErrUnexpectedParamsShape reports parameters that are neither an
	// ordered sequence nor a string-keyed mapping.
	ErrUnexpectedParamsShape = bind.ErrUnexpectedParamsShape
	// ErrTypeMismatch reports a value incompatible with its slot's declared
	// type.
	ErrTypeMismatch = bind.ErrTypeMismatch
	// ErrCardinality reports a result with an unexpected number of rows or
	// columns in an exactly-one operation.
	ErrCardinality = decode.ErrCardinality
)

// paramSetError names the failing parameter set of a batch. The underlying
// driver report is propagated unchanged.
func paramSetError(i int, err error) error {
	return fmt.Errorf("parameter set %d: %w", i, err)
}
