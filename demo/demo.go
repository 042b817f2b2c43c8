// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// A small demonstration program walking through templates, typed
// parameters, transactions and multi parameter expansion.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/canonical/sqltemplate"
)

func demo() error {
	ctx := context.Background()

	sqldb, err := sql.Open("sqlite3", "file:demo?mode=memory&cache=shared")
	if err != nil {
		return err
	}
	defer sqldb.Close()

	db := sqltemplate.NewDB(sqldb)
	db.Hooks = &sqltemplate.Hooks{
		OnSuccess: func(ev sqltemplate.Event, d time.Duration) {
			fmt.Printf("-- %s ok in %s: %s\n", ev.Kind, d.Round(time.Millisecond), ev.SQL)
		},
	}

	if _, err := sqldb.Exec(`
		CREATE TABLE people (
			id integer PRIMARY KEY AUTOINCREMENT,
			name text,
			height_cm integer,
			home_town text
		)`); err != nil {
		return err
	}

	insert := sqltemplate.MustPrepare(`
		INSERT INTO people (name, height_cm, home_town)
		VALUES (^string $name, ^int $height, ^string $town)`)

	people := []any{
		sqltemplate.M{"name": "Jim", "height": 150, "town": "Kabul"},
		sqltemplate.M{"name": "Saba", "height": 162, "town": "Berlin"},
		sqltemplate.M{"name": "Dave", "height": 169, "town": "Brasília"},
		sqltemplate.M{"name": "Sophie", "height": 174, "town": "Berlin"},
		sqltemplate.M{"name": "Kiri", "height": 168, "town": "Cape Town"},
	}

	// Load everyone in one transaction.
	err = db.WithTransaction(ctx, nil, func(tx *sqltemplate.TX) error {
		_, err := tx.BatchUpdate(ctx, insert, people)
		return err
	})
	if err != nil {
		return err
	}

	// Find people taller than Jim.
	tallerThan := sqltemplate.MustPrepare(`
		SELECT ^string name, ^int height_cm
		FROM people
		WHERE height_cm > $height
		ORDER BY height_cm`)
	err = db.Query(ctx, tallerThan, sqltemplate.M{"height": 150}, func(rows *sqltemplate.Rows) error {
		for rows.Next() {
			row, err := rows.Get()
			if err != nil {
				return err
			}
			fmt.Printf("%s is taller than Jim at %dcm.\n", row[0], row[1])
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	// Generated keys come back from inserts.
	res, err := db.GenKey(ctx, insert, sqltemplate.M{"name": "Gustavo", "height": 180, "town": "São Paulo"})
	if err != nil {
		return err
	}
	fmt.Printf("Gustavo got id %d.\n", res.LastInsertID)

	// A multi parameter expands per call.
	inTowns := sqltemplate.MustPrepare(`
		SELECT count(*) FROM people WHERE home_town IN (^multi $towns)`)
	n, err := db.QueryScalar(ctx, inTowns, sqltemplate.M{"towns": []string{"Berlin", "Cape Town"}})
	if err != nil {
		return err
	}
	fmt.Printf("%d people live in Berlin or Cape Town.\n", n)

	return nil
}

func main() {
	if err := demo(); err != nil {
		panic(err)
	}
}
