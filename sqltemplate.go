// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqltemplate

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/canonical/sqltemplate/internal/bind"
	"github.com/canonical/sqltemplate/internal/decode"
	"github.com/canonical/sqltemplate/internal/template"
	"github.com/canonical/sqltemplate/typetag"
)

// M is a convenience type for supplying parameters by name. M is not a
// special type, any map with string keys can be used.
//
// Example:
//
//	stmt := sqltemplate.MustPrepare("UPDATE people SET name = ^string $name WHERE id = $id")
//	_, err := db.Update(ctx, stmt, sqltemplate.M{"name": "Fred", "id": 10})
type M map[string]any

// S is a convenience type for supplying parameters positionally, one value
// per bind slot in slot order.
type S []any

var ErrNoRows = sql.ErrNoRows
var ErrTXDone = sql.ErrTxDone

// Option configures the control characters recognised by Prepare. The
// defaults are backslash for the escape character, $ for the parameter
// marker and ^ for the type marker.
type Option = template.Option

// WithEscapeChar sets the character that suppresses interpretation of the
// character following it.
func WithEscapeChar(c rune) Option { return template.WithEscapeChar(c) }

// WithParamChar sets the character that starts a named parameter token.
func WithParamChar(c rune) Option { return template.WithParamChar(c) }

// WithTypeChar sets the character that starts a type hint token.
func WithTypeChar(c rune) Option { return template.WithTypeChar(c) }

// stmtCache stores the driver prepared statements associated with each
// Statement on each DB.
var stmtCache = newStatementCache()

// Statement is a compiled SQL template ready to be run on a database. A
// Statement is immutable, safe for concurrent use and can be used with any
// [DB]. Callers are expected to prepare once and reuse.
type Statement struct {
	// cacheID is used to look up the driver prepared statements associated
	// with this Statement.
	cacheID int64
	tmpl    *template.Template
}

// Prepare compiles a SQL template into a [Statement]. Named parameters
// ($name) are replaced with positional placeholders and inline type hints
// (^type) declare the bind type of the following parameter or the read type
// of the following result column.
func Prepare(query string, options ...Option) (*Statement, error) {
	tmpl, err := template.Parse(query, options...)
	if err != nil {
		return nil, err
	}
	return stmtCache.newStatement(tmpl), nil
}

// MustPrepare is the same as [Prepare] except that it panics on error.
func MustPrepare(query string, options ...Option) *Statement {
	s, err := Prepare(query, options...)
	if err != nil {
		panic(err)
	}
	return s
}

// SQL returns the canonical SQL of the statement, with one placeholder per
// bind slot. For a dynamic statement (one with a multi parameter) the SQL of
// an actual call depends on the collection sizes bound in that call.
func (s *Statement) SQL() string {
	return s.tmpl.SQL()
}

// ParamNames returns the names of the bind slots in positional order.
func (s *Statement) ParamNames() []string {
	names := make([]string, 0, len(s.tmpl.Params()))
	for _, slot := range s.tmpl.Params() {
		names = append(names, slot.Name)
	}
	return names
}

// ColumnTypes returns the declared result column types in encounter order.
func (s *Statement) ColumnTypes() []typetag.Tag {
	tags := s.tmpl.ColumnTypes()
	out := make([]typetag.Tag, len(tags))
	copy(out, tags)
	return out
}

// BindArgs resolves the canonical SQL for one invocation and binds params
// into the positional argument list, without executing anything. It is the
// entry point for callers that manage their own statement lifecycle.
func (s *Statement) BindArgs(params any) (query string, args []any, err error) {
	return s.resolve(params)
}

func (s *Statement) resolve(params any) (string, []any, error) {
	args, multiSizes, err := bind.Args(s.tmpl.Params(), params)
	if err != nil {
		return "", nil, err
	}
	query, err := s.tmpl.Expand(multiSizes)
	if err != nil {
		return "", nil, err
	}
	return query, args, nil
}

// DecodeRow decodes the current row of a cursor, one value per column. The
// cursor must be positioned on a row. With tags, each column is read with
// the tag-specific operation; without, columns are read generically using
// the live cursor metadata. It is the entry point for callers that manage
// their own cursor lifecycle.
func DecodeRow(rows *sql.Rows, tags ...typetag.Tag) ([]any, error) {
	return decode.Row(rows, tags)
}

// DB wraps a sql.DB and runs compiled statements on it.
type DB struct {
	// cacheID is used to look up the cached driver prepared statements
	// prepared on this database.
	cacheID int64
	sqldb   *sql.DB
	// Hooks, when set, is invoked around statement preparation and
	// execution. Set it before the DB is shared between goroutines.
	Hooks *Hooks
}

// NewDB creates a new [DB] from a [sql.DB].
func NewDB(sqldb *sql.DB) *DB {
	if sqldb == nil {
		return nil
	}
	return stmtCache.newDB(sqldb)
}

// PlainDB returns the underlying database object.
func (db *DB) PlainDB() *sql.DB {
	return db.sqldb
}

// Rows is the cursor handed to a Query consumer. It must not be retained
// past the consumer's return; the orchestrator releases it on every exit
// path.
type Rows struct {
	rows *sql.Rows
	tags []typetag.Tag
}

// Next prepares the next row for [Rows.Get]. It returns false when there are
// no more rows or iteration failed; [Rows.Err] reports the difference.
func (r *Rows) Next() bool {
	return r.rows.Next()
}

// Get decodes the current row using the statement's declared column types,
// reading generically where no type was declared.
func (r *Rows) Get() ([]any, error) {
	return decode.Row(r.rows, r.tags)
}

// Err returns any error encountered during iteration.
func (r *Rows) Err() error {
	return r.rows.Err()
}

// Query runs the statement and passes the result cursor to consumer. The
// cursor and the underlying driver resources are released when Query
// returns, whatever path it takes, including a consumer panic.
func (db *DB) Query(ctx context.Context, s *Statement, params any, consumer func(*Rows) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	query, args, err := s.resolve(params)
	if err != nil {
		return err
	}

	var rows *sql.Rows
	err = db.Hooks.observe(Event{Kind: QueryEvent, SQL: query, Prepared: !s.tmpl.Dynamic()}, func() error {
		var err error
		rows, err = db.queryContext(ctx, s, query, args)
		return err
	})
	if err != nil {
		return err
	}
	defer rows.Close()

	if err := consumer(&Rows{rows: rows, tags: s.tmpl.ColumnTypes()}); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return rows.Close()
}

// QueryRow runs the statement and decodes the single row it returns. Zero
// rows or more than one row is a cardinality error.
func (db *DB) QueryRow(ctx context.Context, s *Statement, params any) (row []any, err error) {
	err = db.Query(ctx, s, params, func(r *Rows) error {
		var err error
		row, err = decode.One(r.rows, r.tags)
		return err
	})
	return row, err
}

// QueryScalar runs the statement and decodes the single value of a result
// expected to hold exactly one row with exactly one column.
func (db *DB) QueryScalar(ctx context.Context, s *Statement, params any) (v any, err error) {
	err = db.Query(ctx, s, params, func(r *Rows) error {
		var err error
		v, err = decode.Scalar(r.rows, firstTag(r.tags))
		return err
	})
	return v, err
}

// Update runs a statement that modifies rows and returns the affected row
// count as reported by the driver.
func (db *DB) Update(ctx context.Context, s *Statement, params any) (int64, error) {
	res, err := db.exec(ctx, s, params)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GenKeyResult reports the generated key of an insert. database/sql exposes
// generated keys through [sql.Result] rather than a cursor, so the result
// carries the last insert id as the drivers report it.
type GenKeyResult struct {
	LastInsertID int64
	RowsAffected int64
}

// GenKey runs an insert statement and returns the key generated for the new
// row together with the affected row count.
func (db *DB) GenKey(ctx context.Context, s *Statement, params any) (GenKeyResult, error) {
	res, err := db.exec(ctx, s, params)
	if err != nil {
		return GenKeyResult{}, err
	}
	return genKeyResult(res)
}

// BatchUpdate runs the statement once per parameter set in batch, reusing a
// single prepared statement, and returns the affected row count of each set.
// A driver failure on one set stops the batch; the error names the failing
// set and the driver's own report is propagated unchanged.
func (db *DB) BatchUpdate(ctx context.Context, s *Statement, batch []any) ([]int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	counts := make([]int64, 0, len(batch))
	run := func(exec func(context.Context, string, []any) (sql.Result, error)) error {
		for i, params := range batch {
			query, args, err := s.resolve(params)
			if err != nil {
				return paramSetError(i, err)
			}
			res, err := exec(ctx, query, args)
			if err != nil {
				return paramSetError(i, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return paramSetError(i, err)
			}
			counts = append(counts, n)
		}
		return nil
	}

	ev := Event{Kind: BatchEvent, SQL: s.tmpl.SQL(), Prepared: !s.tmpl.Dynamic()}
	err := db.Hooks.observe(ev, func() error {
		if s.tmpl.Dynamic() {
			return run(func(ctx context.Context, query string, args []any) (sql.Result, error) {
				return db.sqldb.ExecContext(ctx, query, args...)
			})
		}
		sqlstmt, err := db.prepared(ctx, s, s.tmpl.SQL())
		if err != nil {
			return err
		}
		return run(func(ctx context.Context, _ string, args []any) (sql.Result, error) {
			return sqlstmt.ExecContext(ctx, args...)
		})
	})
	if err != nil {
		return counts, err
	}
	return counts, nil
}

// exec resolves, binds and executes a statement that returns no rows.
func (db *DB) exec(ctx context.Context, s *Statement, params any) (sql.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query, args, err := s.resolve(params)
	if err != nil {
		return nil, err
	}

	var res sql.Result
	err = db.Hooks.observe(Event{Kind: ExecEvent, SQL: query, Prepared: !s.tmpl.Dynamic()}, func() error {
		if s.tmpl.Dynamic() {
			var err error
			res, err = db.sqldb.ExecContext(ctx, query, args...)
			return err
		}
		sqlstmt, err := db.prepared(ctx, s, query)
		if err != nil {
			return err
		}
		res, err = sqlstmt.ExecContext(ctx, args...)
		return err
	})
	return res, err
}

// queryContext runs a query, through the statement cache for static
// statements and directly for dynamic ones whose SQL is call-specific.
func (db *DB) queryContext(ctx context.Context, s *Statement, query string, args []any) (*sql.Rows, error) {
	if s.tmpl.Dynamic() {
		return db.sqldb.QueryContext(ctx, query, args...)
	}
	sqlstmt, err := db.prepared(ctx, s, query)
	if err != nil {
		return nil, err
	}
	return sqlstmt.QueryContext(ctx, args...)
}

// prepared returns the cached driver prepared statement for s on this
// database, preparing it on first use.
func (db *DB) prepared(ctx context.Context, s *Statement, query string) (*sql.Stmt, error) {
	return stmtCache.prepareStmt(ctx, db.cacheID, db.sqldb, s, query, db.Hooks)
}

// TX represents a transaction on the database.
type TX struct {
	sqltx *sql.Tx
	db    *DB
	done  int32
}

func (tx *TX) isDone() bool {
	return atomic.LoadInt32(&tx.done) == 1
}

func (tx *TX) setDone() error {
	if !atomic.CompareAndSwapInt32(&tx.done, 0, 1) {
		return ErrTXDone
	}
	return nil
}

// Begin starts a transaction. A transaction must be ended with a [TX.Commit]
// or [TX.Rollback], or run through [DB.WithTransaction] which does so on
// every path.
func (db *DB) Begin(ctx context.Context, opts *TXOptions) (*TX, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	plain, err := opts.plainTXOptions()
	if err != nil {
		return nil, err
	}
	sqltx, err := db.sqldb.BeginTx(ctx, plain)
	if err != nil {
		return nil, err
	}
	return &TX{sqltx: sqltx, db: db}, nil
}

// Commit commits the transaction.
func (tx *TX) Commit() error {
	err := tx.setDone()
	if err == nil {
		err = tx.sqltx.Commit()
	}
	return err
}

// Rollback aborts the transaction.
func (tx *TX) Rollback() error {
	err := tx.setDone()
	if err == nil {
		err = tx.sqltx.Rollback()
	}
	return err
}

// Query is the transactional variant of [DB.Query].
func (tx *TX) Query(ctx context.Context, s *Statement, params any, consumer func(*Rows) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if tx.isDone() {
		return ErrTXDone
	}
	query, args, err := s.resolve(params)
	if err != nil {
		return err
	}

	var rows *sql.Rows
	err = tx.db.Hooks.observe(Event{Kind: QueryEvent, SQL: query, Prepared: !s.tmpl.Dynamic()}, func() error {
		var err error
		rows, err = tx.queryContext(ctx, s, query, args)
		return err
	})
	if err != nil {
		return err
	}
	defer rows.Close()

	if err := consumer(&Rows{rows: rows, tags: s.tmpl.ColumnTypes()}); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return rows.Close()
}

// QueryRow is the transactional variant of [DB.QueryRow].
func (tx *TX) QueryRow(ctx context.Context, s *Statement, params any) (row []any, err error) {
	err = tx.Query(ctx, s, params, func(r *Rows) error {
		var err error
		row, err = decode.One(r.rows, r.tags)
		return err
	})
	return row, err
}

// Update is the transactional variant of [DB.Update].
func (tx *TX) Update(ctx context.Context, s *Statement, params any) (int64, error) {
	res, err := tx.exec(ctx, s, params)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GenKey is the transactional variant of [DB.GenKey].
func (tx *TX) GenKey(ctx context.Context, s *Statement, params any) (GenKeyResult, error) {
	res, err := tx.exec(ctx, s, params)
	if err != nil {
		return GenKeyResult{}, err
	}
	return genKeyResult(res)
}

// BatchUpdate is the transactional variant of [DB.BatchUpdate].
func (tx *TX) BatchUpdate(ctx context.Context, s *Statement, batch []any) ([]int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tx.isDone() {
		return nil, ErrTXDone
	}

	counts := make([]int64, 0, len(batch))
	ev := Event{Kind: BatchEvent, SQL: s.tmpl.SQL(), Prepared: false}
	err := tx.db.Hooks.observe(ev, func() error {
		for i, params := range batch {
			query, args, err := s.resolve(params)
			if err != nil {
				return paramSetError(i, err)
			}
			res, err := tx.sqltx.ExecContext(ctx, query, args...)
			if err != nil {
				return paramSetError(i, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return paramSetError(i, err)
			}
			counts = append(counts, n)
		}
		return nil
	})
	if err != nil {
		return counts, err
	}
	return counts, nil
}

func (tx *TX) exec(ctx context.Context, s *Statement, params any) (sql.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tx.isDone() {
		return nil, ErrTXDone
	}
	query, args, err := s.resolve(params)
	if err != nil {
		return nil, err
	}

	var res sql.Result
	err = tx.db.Hooks.observe(Event{Kind: ExecEvent, SQL: query, Prepared: !s.tmpl.Dynamic()}, func() error {
		var err error
		res, err = tx.execContext(ctx, s, query, args)
		return err
	})
	return res, err
}

// queryContext registers the cached prepared statement on the transaction
// when one exists. Registration does not re-prepare the statement on the
// driver; the transactional statement is closed by database/sql when the
// transaction ends.
func (tx *TX) queryContext(ctx context.Context, s *Statement, query string, args []any) (*sql.Rows, error) {
	if !s.tmpl.Dynamic() {
		if sqlstmt, ok := stmtCache.lookupStmt(tx.db.cacheID, s); ok {
			return tx.sqltx.StmtContext(ctx, sqlstmt).QueryContext(ctx, args...)
		}
	}
	return tx.sqltx.QueryContext(ctx, query, args...)
}

func (tx *TX) execContext(ctx context.Context, s *Statement, query string, args []any) (sql.Result, error) {
	if !s.tmpl.Dynamic() {
		if sqlstmt, ok := stmtCache.lookupStmt(tx.db.cacheID, s); ok {
			return tx.sqltx.StmtContext(ctx, sqlstmt).ExecContext(ctx, args...)
		}
	}
	return tx.sqltx.ExecContext(ctx, query, args...)
}

func genKeyResult(res sql.Result) (GenKeyResult, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return GenKeyResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return GenKeyResult{}, err
	}
	return GenKeyResult{LastInsertID: id, RowsAffected: n}, nil
}

func firstTag(tags []typetag.Tag) typetag.Tag {
	if len(tags) > 0 {
		return tags[0]
	}
	return typetag.None
}
