// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package sqltemplate compiles SQL templates with named parameters and inline
type hints into driver-executable statements, and binds and decodes values
against them.

A template is plain SQL in which named parameters are written with a marker
character followed by an identifier, and type hints are written with a type
marker followed by a type name. The compiler replaces each named parameter
with a positional placeholder and records, in order, the name and declared
type of every bind slot together with the declared types of the result
columns.

# Basics

Instead of the SQL statement:

	INSERT INTO emp (name, salary) VALUES (?, ?)

with sqltemplate one writes:

	INSERT INTO emp (name, salary) VALUES (^string $name, ^int $salary)

and supplies the values by name:

	stmt := sqltemplate.MustPrepare(
		"INSERT INTO emp (name, salary) VALUES (^string $name, ^int $salary)")
	db := sqltemplate.NewDB(sqldb)
	_, err := db.Update(ctx, stmt, sqltemplate.M{"name": "Joe", "salary": 100000})

Values can equally be supplied positionally with [S]; a name may then repeat
in the template and each occurrence consumes the next value.

# Type hints

The same ^type token declares the bind type of the named parameter that
immediately follows it, or, when no parameter follows, the read type of the
next result column:

	SELECT ^string name, ^int salary FROM emp WHERE id = $id

Recognised type names are bool, byte, bytes, date, double, float, int, long,
nstring, object, string, time and timestamp, with common synonyms. Values of
untyped slots and columns are dispatched on at runtime.

The reserved type multi marks a parameter whose value is a collection. Its
placeholder expands to one placeholder per element at each call, which makes
variable-arity IN clauses a single template:

	SELECT name FROM emp WHERE id IN (^multi $ids)

# Literals, comments and escaping

Single and double quoted literals and line comments pass through unchanged
and are never scanned for markers. The escape character (backslash by
default) suppresses interpretation of exactly the next character, so \$x
stays the literal text $x. All three control characters can be changed with
[WithEscapeChar], [WithParamChar] and [WithTypeChar].

# Running statements

[DB] and [TX] run compiled statements with Query, QueryRow, QueryScalar,
Update, GenKey and BatchUpdate. Query hands the result cursor to a consumer
function and releases it on every exit path; the consumer must not retain
it. Statements are prepared on the driver once per database and cached.
[DB.WithTransaction] wraps a unit of work with commit on success and
rollback on failure, and [Hooks] observes preparation and execution without
ever altering control flow.
*/
package sqltemplate
