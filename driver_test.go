// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqltemplate

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// The monitored driver wraps sqlite3 and counts the driver prepared
// statements opened and closed, so the cache tests can observe the statement
// lifecycle. Queries run without a prepared statement pass through the
// context interfaces of the underlying connection and are not counted.

var (
	stmtRegistryMutex sync.Mutex
	openedStmts       int
	closedStmts       int
)

func resetStmtRegistry() {
	stmtRegistryMutex.Lock()
	defer stmtRegistryMutex.Unlock()
	openedStmts = 0
	closedStmts = 0
}

func stmtCounts() (opened, closed int) {
	stmtRegistryMutex.Lock()
	defer stmtRegistryMutex.Unlock()
	return openedStmts, closedStmts
}

func init() {
	sql.Register("sqlite3_monitored", &monitoredDriver{inner: &sqlite3.SQLiteDriver{}})
}

type monitoredDriver struct {
	inner driver.Driver
}

func (d *monitoredDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.inner.Open(name)
	if err != nil {
		return nil, err
	}
	return &monitoredConn{inner: conn}, nil
}

type monitoredConn struct {
	inner driver.Conn
}

func (c *monitoredConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.inner.Prepare(query)
	if err != nil {
		return nil, err
	}
	stmtRegistryMutex.Lock()
	openedStmts++
	stmtRegistryMutex.Unlock()
	return &monitoredStmt{inner: stmt}, nil
}

func (c *monitoredConn) Close() error {
	return c.inner.Close()
}

func (c *monitoredConn) Begin() (driver.Tx, error) {
	return c.inner.Begin()
}

func (c *monitoredConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if b, ok := c.inner.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	return c.inner.Begin()
}

// QueryContext and ExecContext delegate to the sqlite3 connection so that
// unprepared queries do not register in the statement counts.
func (c *monitoredConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.inner.(driver.QueryerContext).QueryContext(ctx, query, args)
}

func (c *monitoredConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return c.inner.(driver.ExecerContext).ExecContext(ctx, query, args)
}

type monitoredStmt struct {
	inner driver.Stmt
}

func (s *monitoredStmt) Close() error {
	stmtRegistryMutex.Lock()
	closedStmts++
	stmtRegistryMutex.Unlock()
	return s.inner.Close()
}

func (s *monitoredStmt) NumInput() int {
	return s.inner.NumInput()
}

func (s *monitoredStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.inner.Exec(args)
}

func (s *monitoredStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.inner.Query(args)
}
