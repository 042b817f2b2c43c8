// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqltemplate

import (
	"context"
	"database/sql"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/canonical/sqltemplate/internal/template"
)

// stmtIDCount and dbIDCount are used to generate unique cache IDs.
var stmtIDCount int64
var dbIDCount int64

type dbID = int64
type stmtID = int64

// statementCache caches the sql.Stmt objects associated with each Statement.
// A Statement can correspond to multiple sql.Stmt values prepared on
// different databases. The cache is indexed by the Statement ID and the DB
// ID.
//
// The cache closes sql.Stmt objects with a finalizer on the Statement.
// Similarly a finalizer is set on DB objects to close all statements
// prepared on the DB and remove references to the DB from the cache.
//
// The mutex must be locked when accessing either the stmtDBCache or the
// dbStmtCache.
type statementCache struct {
	stmtDBCache map[stmtID]map[dbID]*sql.Stmt
	dbStmtCache map[dbID]map[stmtID]bool
	mutex       sync.RWMutex
}

var once sync.Once
var singleStmtCache *statementCache

// newStatementCache returns the single instance of the statement cache.
func newStatementCache() *statementCache {
	once.Do(func() {
		singleStmtCache = &statementCache{
			stmtDBCache: map[stmtID]map[dbID]*sql.Stmt{},
			dbStmtCache: map[dbID]map[stmtID]bool{},
		}
	})
	return singleStmtCache
}

// newStatement returns a new Statement and allocates it in the cache. A
// finalizer removes all sql.Stmt values associated with it from the cache
// and closes them once the Statement is garbage collected.
func (sc *statementCache) newStatement(tmpl *template.Template) *Statement {
	cacheID := atomic.AddInt64(&stmtIDCount, 1)
	s := &Statement{tmpl: tmpl, cacheID: cacheID}
	sc.mutex.Lock()
	sc.stmtDBCache[cacheID] = map[dbID]*sql.Stmt{}
	sc.mutex.Unlock()
	runtime.SetFinalizer(s, sc.stmtFinalizer)
	return s
}

// newDB returns a new DB and allocates it in the cache. A finalizer removes
// the DB from the cache and closes all sql.Stmt values prepared on it once
// the DB is garbage collected.
func (sc *statementCache) newDB(sqldb *sql.DB) *DB {
	cacheID := atomic.AddInt64(&dbIDCount, 1)
	sc.mutex.Lock()
	sc.dbStmtCache[cacheID] = map[stmtID]bool{}
	sc.mutex.Unlock()
	db := &DB{sqldb: sqldb, cacheID: cacheID}
	runtime.SetFinalizer(db, sc.dbFinalizer)
	return db
}

// prepareSubstrate is an object that statements can be prepared on, e.g. a
// sql.DB or sql.Conn.
type prepareSubstrate interface {
	PrepareContext(context.Context, string) (*sql.Stmt, error)
}

// lookupStmt fetches the driver prepared statement for s on the given
// database, if one has been prepared.
func (sc *statementCache) lookupStmt(db dbID, s *Statement) (*sql.Stmt, bool) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	// The statement ID is only removed from the cache when the finalizer is
	// run, so it is always in stmtDBCache.
	sqlstmt, ok := sc.stmtDBCache[s.cacheID][db]
	return sqlstmt, ok
}

// prepareStmt returns the driver prepared statement for s on the database,
// preparing it on the substrate first if the cache has no entry. Hook events
// fire only when a statement is actually prepared.
func (sc *statementCache) prepareStmt(ctx context.Context, db dbID, ps prepareSubstrate, s *Statement, query string, hooks *Hooks) (*sql.Stmt, error) {
	sqlstmt, ok := sc.lookupStmt(db, s)
	if !ok {
		err := hooks.observe(Event{Kind: PrepareEvent, SQL: query, Prepared: true}, func() error {
			var err error
			sqlstmt, err = ps.PrepareContext(ctx, query)
			return err
		})
		if err != nil {
			return nil, err
		}
		sc.mutex.Lock()
		// Check if a statement has been inserted by someone else since we
		// last checked.
		sqlstmtAlt, ok := sc.stmtDBCache[s.cacheID][db]
		if ok {
			sqlstmt.Close()
			sqlstmt = sqlstmtAlt
		} else {
			sc.stmtDBCache[s.cacheID][db] = sqlstmt
			sc.dbStmtCache[db][s.cacheID] = true
		}
		sc.mutex.Unlock()
	}
	return sqlstmt, nil
}

// stmtFinalizer removes a Statement from the caches and closes its driver
// prepared statements.
func (sc *statementCache) stmtFinalizer(s *Statement) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	dbCache := sc.stmtDBCache[s.cacheID]
	for dbCacheID, sqlstmt := range dbCache {
		sqlstmt.Close()
		delete(sc.dbStmtCache[dbCacheID], s.cacheID)
	}
	delete(sc.stmtDBCache, s.cacheID)
}

// dbFinalizer closes and removes from the cache all sql.Stmt values prepared
// on the database, then removes the database from the cache. The underlying
// sql.DB is left open, it belongs to the caller.
func (sc *statementCache) dbFinalizer(db *DB) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	stmts := sc.dbStmtCache[db.cacheID]
	for cacheID := range stmts {
		dbCache := sc.stmtDBCache[cacheID]
		dbCache[db.cacheID].Close()
		delete(dbCache, db.cacheID)
	}
	delete(sc.dbStmtCache, db.cacheID)
}
