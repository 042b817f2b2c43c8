// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package template

import (
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/canonical/sqltemplate/typetag"
)

// expansionCacheSize bounds the number of cached canonical SQL expansions
// kept per dynamic template.
const expansionCacheSize = 64

// ParamSlot describes one bind slot of a template: the parameter name and
// its declared bind type, typetag.None when the type hint was omitted. Slot
// order is positional bind order.
type ParamSlot struct {
	Name string
	Type typetag.Tag
}

// Template is a compiled SQL template. It is immutable once built and safe
// for unsynchronized concurrent use.
type Template struct {
	src string
	// fragments is the canonical SQL split around the parameter slots,
	// len(fragments) == len(slots)+1.
	fragments []string
	slots     []ParamSlot
	colTypes  []typetag.Tag
	// static is the canonical SQL with one placeholder per slot. For dynamic
	// templates it is only a baseline, the real SQL depends on collection
	// sizes supplied at bind time.
	static  string
	dynamic bool
	// expansions caches canonical SQL per expansion size signature.
	expansions *lru.Cache[string, string]
}

func newTemplate(src string, fragments []string, slots []ParamSlot, colTypes []typetag.Tag) *Template {
	t := &Template{
		src:       src,
		fragments: fragments,
		slots:     slots,
		colTypes:  colTypes,
	}
	for _, s := range slots {
		if s.Type == typetag.Multi {
			t.dynamic = true
		}
	}
	var sb strings.Builder
	for i, frag := range fragments {
		if i > 0 {
			sb.WriteString("?")
		}
		sb.WriteString(frag)
	}
	t.static = sb.String()
	if t.dynamic {
		// Error only occurs for non-positive sizes.
		t.expansions, _ = lru.New[string, string](expansionCacheSize)
	}
	return t
}

// Source returns the template text as given to Parse.
func (t *Template) Source() string {
	return t.src
}

// SQL returns the canonical SQL with one placeholder per parameter slot. For
// a dynamic template this is only suitable for diagnostics; use Expand with
// the collection sizes of the call instead.
func (t *Template) SQL() string {
	return t.static
}

// Params returns the ordered parameter slots. The returned slice must not be
// modified.
func (t *Template) Params() []ParamSlot {
	return t.slots
}

// ColumnTypes returns the declared result column types in encounter order.
// The returned slice must not be modified.
func (t *Template) ColumnTypes() []typetag.Tag {
	return t.colTypes
}

// Dynamic reports whether the canonical SQL depends on runtime collection
// sizes, that is whether any slot carries the multi tag.
func (t *Template) Dynamic() bool {
	return t.dynamic
}

// Expand returns the canonical SQL for one invocation of a dynamic template.
// sizes holds the collection size for each multi slot, in slot order. Each
// multi slot's single placeholder is expanded to a comma-separated run of as
// many placeholders as its collection holds. Expansions are cached per size
// signature.
func (t *Template) Expand(sizes []int) (string, error) {
	if !t.dynamic {
		return t.static, nil
	}

	var key strings.Builder
	for i, n := range sizes {
		if n < 1 {
			return "", fmt.Errorf("multi parameter %d expands to %d placeholders", i, n)
		}
		if i > 0 {
			key.WriteByte(',')
		}
		key.WriteString(strconv.Itoa(n))
	}
	if sql, ok := t.expansions.Get(key.String()); ok {
		return sql, nil
	}

	var sb strings.Builder
	multi := 0
	for i, frag := range t.fragments {
		if i > 0 {
			if t.slots[i-1].Type == typetag.Multi {
				if multi >= len(sizes) {
					return "", fmt.Errorf("no expansion size for multi parameter %q", t.slots[i-1].Name)
				}
				for j := 0; j < sizes[multi]; j++ {
					if j > 0 {
						sb.WriteString(", ")
					}
					sb.WriteString("?")
				}
				multi++
			} else {
				sb.WriteString("?")
			}
		}
		sb.WriteString(frag)
	}
	if multi != len(sizes) {
		return "", fmt.Errorf("got %d expansion sizes for %d multi parameters", len(sizes), multi)
	}

	sql := sb.String()
	t.expansions.Add(key.String(), sql)
	return sql, nil
}
