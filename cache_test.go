// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqltemplate

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	. "gopkg.in/check.v1"
)

type CacheSuite struct{}

var _ = Suite(&CacheSuite{})

func (s *CacheSuite) SetUpTest(c *C) {
	resetStmtRegistry()
}

var cacheDBCount int64

func (s *CacheSuite) openDB(c *C) (*DB, *sql.DB) {
	n := atomic.AddInt64(&cacheDBCount, 1)
	sqldb, err := sql.Open("sqlite3_monitored",
		fmt.Sprintf("file:cachetest%d?mode=memory&cache=shared", n))
	c.Assert(err, IsNil)
	return NewDB(sqldb), sqldb
}

func (s *CacheSuite) triggerFinalizers() {
	// Try to run finalizers by calling GC several times.
	for i := 0; i <= 10; i++ {
		runtime.GC()
		time.Sleep(0)
	}
}

func (s *CacheSuite) checkStmtInCache(c *C, db int64, stmt int64) {
	stmtCache.mutex.RLock()
	defer stmtCache.mutex.RUnlock()
	_, ok := stmtCache.stmtDBCache[stmt][db]
	c.Check(ok, Equals, true)
	c.Check(stmtCache.dbStmtCache[db][stmt], Equals, true)
}

func (s *CacheSuite) checkStmtNotInCache(c *C, stmt int64) {
	stmtCache.mutex.RLock()
	defer stmtCache.mutex.RUnlock()
	_, ok := stmtCache.stmtDBCache[stmt]
	c.Check(ok, Equals, false)
	for _, stmts := range stmtCache.dbStmtCache {
		c.Check(stmts[stmt], Equals, false)
	}
}

func (s *CacheSuite) checkDBNotInCache(c *C, db int64) {
	stmtCache.mutex.RLock()
	defer stmtCache.mutex.RUnlock()
	_, ok := stmtCache.dbStmtCache[db]
	c.Check(ok, Equals, false)
	for _, dbs := range stmtCache.stmtDBCache {
		_, ok := dbs[db]
		c.Check(ok, Equals, false)
	}
}

func (s *CacheSuite) TestPreparedStatementReuse(c *C) {
	db, sqldb := s.openDB(c)
	defer sqldb.Close()

	var stmtID int64
	// For a Statement to be removed from the cache it needs to go out of
	// scope and be garbage collected. A function is used to "forget" it.
	func() {
		stmt := MustPrepare(`SELECT 'test'`)
		stmtID = stmt.cacheID

		// The first run prepares the statement on the database.
		v, err := db.QueryScalar(nil, stmt, nil)
		c.Assert(err, IsNil)
		c.Check(v, Equals, "test")

		s.checkStmtInCache(c, db.cacheID, stmt.cacheID)
		opened, _ := stmtCounts()
		c.Check(opened, Equals, 1)

		// The second run hits the cache.
		_, err = db.QueryScalar(nil, stmt, nil)
		c.Assert(err, IsNil)
		opened, _ = stmtCounts()
		c.Check(opened, Equals, 1)
	}()

	s.triggerFinalizers()

	// The finalizer closed the driver statement and emptied the cache entry.
	s.checkStmtNotInCache(c, stmtID)
	opened, closed := stmtCounts()
	c.Check(closed, Equals, opened)
}

func (s *CacheSuite) TestDBFinalizerLeavesDatabaseOpen(c *C) {
	stmt := MustPrepare(`SELECT 'test'`)

	var dbID int64
	var sqldb *sql.DB
	func() {
		var db *DB
		db, sqldb = s.openDB(c)
		dbID = db.cacheID

		_, err := db.QueryScalar(nil, stmt, nil)
		c.Assert(err, IsNil)
		s.checkStmtInCache(c, db.cacheID, stmt.cacheID)
	}()
	defer sqldb.Close()

	s.triggerFinalizers()

	// The statements prepared on the database are gone from the cache and
	// closed, but the sql.DB itself belongs to the caller and stays open.
	s.checkDBNotInCache(c, dbID)
	opened, closed := stmtCounts()
	c.Check(closed, Equals, opened)
	c.Assert(sqldb.Ping(), IsNil)

	runtime.KeepAlive(stmt)
}

func (s *CacheSuite) TestStatementOnSecondDatabase(c *C) {
	stmt := MustPrepare(`SELECT 'test'`)

	db1, sqldb1 := s.openDB(c)
	defer sqldb1.Close()
	db2, sqldb2 := s.openDB(c)
	defer sqldb2.Close()

	_, err := db1.QueryScalar(nil, stmt, nil)
	c.Assert(err, IsNil)
	_, err = db2.QueryScalar(nil, stmt, nil)
	c.Assert(err, IsNil)

	// One driver statement per database.
	s.checkStmtInCache(c, db1.cacheID, stmt.cacheID)
	s.checkStmtInCache(c, db2.cacheID, stmt.cacheID)
	opened, _ := stmtCounts()
	c.Check(opened, Equals, 2)

	runtime.KeepAlive(stmt)
}

func (s *CacheSuite) TestTransactionUsesCacheOnlyWhenWarm(c *C) {
	db, sqldb := s.openDB(c)
	defer sqldb.Close()
	ctx := context.Background()

	stmt := MustPrepare(`SELECT 'test'`)

	tx, err := db.Begin(ctx, nil)
	c.Assert(err, IsNil)

	// A transaction reuses a cached prepared statement when one exists but
	// never creates one; this query runs directly on the transaction.
	row, err := tx.QueryRow(ctx, stmt, nil)
	c.Assert(err, IsNil)
	c.Check(row, DeepEquals, []any{"test"})
	opened, _ := stmtCounts()
	c.Check(opened, Equals, 0)

	// Running on the database prepares and caches the statement.
	_, err = db.QueryScalar(ctx, stmt, nil)
	c.Assert(err, IsNil)
	s.checkStmtInCache(c, db.cacheID, stmt.cacheID)

	// The transaction now picks the prepared statement up from the cache.
	row, err = tx.QueryRow(ctx, stmt, nil)
	c.Assert(err, IsNil)
	c.Check(row, DeepEquals, []any{"test"})

	c.Assert(tx.Commit(), IsNil)
	runtime.KeepAlive(stmt)
}

func (s *CacheSuite) TestDynamicStatementsAreNotCached(c *C) {
	db, sqldb := s.openDB(c)
	defer sqldb.Close()

	_, err := sqldb.Exec("CREATE TABLE t (col integer)")
	c.Assert(err, IsNil)
	_, err = sqldb.Exec("INSERT INTO t VALUES (1), (2), (3)")
	c.Assert(err, IsNil)

	stmt := MustPrepare("SELECT count(*) FROM t WHERE col IN (^multi $cols)")

	v, err := db.QueryScalar(nil, stmt, M{"cols": []int{1, 3}})
	c.Assert(err, IsNil)
	c.Check(v, Equals, int64(2))

	v, err = db.QueryScalar(nil, stmt, M{"cols": []int{2}})
	c.Assert(err, IsNil)
	c.Check(v, Equals, int64(1))

	// Call-specific SQL never enters the statement cache.
	opened, _ := stmtCounts()
	c.Check(opened, Equals, 0)
	_, ok := stmtCache.lookupStmt(db.cacheID, stmt)
	c.Check(ok, Equals, false)

	runtime.KeepAlive(stmt)
}
