// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqltemplate

import (
	"context"
	"database/sql"
	"fmt"
)

// IsolationLevel is the closed set of symbolic transaction isolation levels.
// IsolationRaw defers to a driver-level value supplied in TXOptions.RawLevel.
type IsolationLevel int

const (
	// IsolationDefault leaves the driver's default level in place.
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
	IsolationRaw
)

// TXOptions holds the transaction options to be used in [DB.Begin] and
// [DB.WithTransaction].
type TXOptions struct {
	Isolation IsolationLevel
	// RawLevel is the driver-level isolation value used when Isolation is
	// IsolationRaw.
	RawLevel sql.IsolationLevel
	ReadOnly bool
}

func (txopts *TXOptions) plainTXOptions() (*sql.TxOptions, error) {
	if txopts == nil {
		return nil, nil
	}
	var level sql.IsolationLevel
	switch txopts.Isolation {
	case IsolationDefault:
		level = sql.LevelDefault
	case IsolationReadUncommitted:
		level = sql.LevelReadUncommitted
	case IsolationReadCommitted:
		level = sql.LevelReadCommitted
	case IsolationRepeatableRead:
		level = sql.LevelRepeatableRead
	case IsolationSerializable:
		level = sql.LevelSerializable
	case IsolationRaw:
		level = txopts.RawLevel
	default:
		return nil, fmt.Errorf("unknown isolation level %d", txopts.Isolation)
	}
	return &sql.TxOptions{Isolation: level, ReadOnly: txopts.ReadOnly}, nil
}

// WithTransaction begins a transaction, runs fn inside it and commits on a
// nil return. Any failure in fn triggers a best-effort rollback whose own
// error is discarded; the original failure is returned unchanged. A panic in
// fn also rolls the transaction back before propagating.
func (db *DB) WithTransaction(ctx context.Context, opts *TXOptions, fn func(*TX) error) error {
	tx, err := db.Begin(ctx, opts)
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if !done {
			// Reached only when fn panicked.
			tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		done = true
		tx.Rollback()
		return err
	}
	done = true
	return tx.Commit()
}
