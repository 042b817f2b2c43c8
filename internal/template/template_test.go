// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package template_test

import (
	. "gopkg.in/check.v1"

	"github.com/canonical/sqltemplate/internal/template"
	"github.com/canonical/sqltemplate/typetag"
)

type TemplateSuite struct{}

var _ = Suite(&TemplateSuite{})

func (s *TemplateSuite) TestStaticTemplate(c *C) {
	tmpl, err := template.Parse("SELECT name FROM emp WHERE id = $id")
	c.Assert(err, IsNil)
	c.Check(tmpl.Dynamic(), Equals, false)
	c.Check(tmpl.Source(), Equals, "SELECT name FROM emp WHERE id = $id")

	// Expand on a static template always returns the fixed canonical SQL.
	sql, err := tmpl.Expand(nil)
	c.Assert(err, IsNil)
	c.Check(sql, Equals, "SELECT name FROM emp WHERE id = ?")
}

func (s *TemplateSuite) TestDynamicExpansion(c *C) {
	tmpl, err := template.Parse("SELECT name FROM emp WHERE id IN (^multi $ids)")
	c.Assert(err, IsNil)
	c.Check(tmpl.Dynamic(), Equals, true)

	sql, err := tmpl.Expand([]int{3})
	c.Assert(err, IsNil)
	c.Check(sql, Equals, "SELECT name FROM emp WHERE id IN (?, ?, ?)")

	sql, err = tmpl.Expand([]int{1})
	c.Assert(err, IsNil)
	c.Check(sql, Equals, "SELECT name FROM emp WHERE id IN (?)")

	// Same size again comes from the expansion cache.
	sql, err = tmpl.Expand([]int{3})
	c.Assert(err, IsNil)
	c.Check(sql, Equals, "SELECT name FROM emp WHERE id IN (?, ?, ?)")
}

func (s *TemplateSuite) TestDynamicExpansionMixedSlots(c *C) {
	tmpl, err := template.Parse(
		"SELECT name FROM emp WHERE dept = $dept AND id IN (^multi $ids) AND grade IN (^multi $grades)")
	c.Assert(err, IsNil)
	c.Check(tmpl.Params(), DeepEquals, []template.ParamSlot{
		{Name: "dept"},
		{Name: "ids", Type: typetag.Multi},
		{Name: "grades", Type: typetag.Multi},
	})

	sql, err := tmpl.Expand([]int{2, 3})
	c.Assert(err, IsNil)
	c.Check(sql, Equals,
		"SELECT name FROM emp WHERE dept = ? AND id IN (?, ?) AND grade IN (?, ?, ?)")
}

func (s *TemplateSuite) TestExpandRejectsBadSizes(c *C) {
	tmpl, err := template.Parse("SELECT name FROM emp WHERE id IN (^multi $ids)")
	c.Assert(err, IsNil)

	_, err = tmpl.Expand([]int{0})
	c.Assert(err, ErrorMatches, ".*expands to 0 placeholders")

	_, err = tmpl.Expand(nil)
	c.Assert(err, ErrorMatches, `no expansion size for multi parameter "ids"`)

	_, err = tmpl.Expand([]int{1, 2})
	c.Assert(err, ErrorMatches, "got 2 expansion sizes for 1 multi parameters")
}
