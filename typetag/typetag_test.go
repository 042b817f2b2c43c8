// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typetag_test

import (
	"errors"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/canonical/sqltemplate/typetag"
)

// Hook up gocheck into the "go test" runner.
func TestTypeTag(t *testing.T) { TestingT(t) }

type TypeTagSuite struct{}

var _ = Suite(&TypeTagSuite{})

func (s *TypeTagSuite) TestEncode(c *C) {
	tests := []struct {
		name string
		tag  typetag.Tag
	}{
		{"", typetag.None},
		{"bool", typetag.Bool},
		{"boolean", typetag.Bool},
		{"byte", typetag.Byte},
		{"bytes", typetag.Bytes},
		{"binary", typetag.Bytes},
		{"date", typetag.Date},
		{"double", typetag.Double},
		{"float", typetag.Float},
		{"int", typetag.Int},
		{"integer", typetag.Int},
		{"long", typetag.Long},
		{"nstring", typetag.NString},
		{"object", typetag.Object},
		{"any", typetag.Object},
		{"string", typetag.String},
		{"time", typetag.Time},
		{"timestamp", typetag.Timestamp},
		{"datetime", typetag.Timestamp},
		{"multi", typetag.Multi},
		{"list", typetag.Multi},
	}
	for _, t := range tests {
		tag, err := typetag.Encode(t.name)
		c.Assert(err, IsNil, Commentf("name %q", t.name))
		c.Check(tag, Equals, t.tag, Commentf("name %q", t.name))
	}
}

func (s *TypeTagSuite) TestEncodeUnknown(c *C) {
	_, err := typetag.Encode("varchar2")
	c.Assert(err, ErrorMatches, `unsupported type "varchar2"`)
	c.Assert(errors.Is(err, typetag.ErrUnsupportedType), Equals, true)

	// Type names are case sensitive as written in templates.
	_, err = typetag.Encode("Int")
	c.Assert(err, NotNil)
}

func (s *TypeTagSuite) TestDecodeRoundTrip(c *C) {
	for tag := typetag.None; tag <= typetag.Multi; tag++ {
		name := typetag.Decode(tag)
		c.Assert(name, Not(Matches), "unknown tag.*", Commentf("tag %d", tag))
		if tag == typetag.None {
			// None decodes to a diagnostic name that is not a template
			// spelling.
			continue
		}
		back, err := typetag.Encode(name)
		c.Assert(err, IsNil, Commentf("name %q", name))
		c.Check(back, Equals, tag)
	}
	c.Check(typetag.Decode(typetag.Tag(99)), Matches, "unknown tag 99")
	c.Check(typetag.Int.String(), Equals, "int")
}
