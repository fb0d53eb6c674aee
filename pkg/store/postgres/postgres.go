/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package postgres is the production store.DocumentStore: a single
// `metadata_records(collection, id, doc JSONB, created_at, updated_at)`
// table, queried with sqlx over a *sql.DB opened via pgx's stdlib
// driver, with scalar dotted-path criteria translated to jsonb_path
// expressions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS metadata_records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// DocumentStore is a store.DocumentStore backed by Postgres JSONB.
type DocumentStore struct {
	db *sqlx.DB
}

// Open wraps an existing *sql.DB (opened by the caller via
// pgx/v5/stdlib.GetDefaultDriver or lib/pq) and ensures the backing
// table exists.
func Open(ctx context.Context, db *sql.DB) (*DocumentStore, error) {
	sx := sqlx.NewDb(db, "pgx")
	if _, err := sx.ExecContext(ctx, schemaDDL); err != nil {
		return nil, selfherrors.DatabaseError("ensure metadata_records schema", err)
	}
	return &DocumentStore{db: sx}, nil
}

type row struct {
	Collection string    `db:"collection"`
	ID         string    `db:"id"`
	Doc        []byte    `db:"doc"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (s *DocumentStore) Set(ctx context.Context, collection, id string, doc map[string]interface{}) error {
	payload, err := marshalDoc(doc)
	if err != nil {
		return selfherrors.Wrapf(err, "marshal document for %s/%s", collection, id)
	}

	const q = `
INSERT INTO metadata_records (collection, id, doc, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, now(), now())
ON CONFLICT (collection, id) DO UPDATE
SET doc = EXCLUDED.doc, updated_at = now()
`
	if _, err := s.db.ExecContext(ctx, q, collection, id, payload); err != nil {
		return selfherrors.DatabaseError(fmt.Sprintf("set %s/%s", collection, id), err)
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*store.Record, error) {
	var r row
	const q = `SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2`
	err := s.db.GetContext(ctx, &r, q, collection, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, selfherrors.DatabaseError(fmt.Sprintf("get %s/%s", collection, id), err)
	}
	return rowToRecord(r)
}

// Update performs an atomic read-modify-write inside a single Postgres
// transaction: the row is locked with SELECT ... FOR UPDATE (inserting
// an empty placeholder row first if absent is not needed — a missing
// row simply passes nil to fn), fn's return value is upserted, and the
// transaction commits only once both the read and the write have
// completed, so two concurrent Update calls against the same
// (collection, id) never lose an update.
func (s *DocumentStore) Update(ctx context.Context, collection, id string, fn func(doc map[string]interface{}) (map[string]interface{}, error)) (*store.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, selfherrors.DatabaseError("begin update transaction for "+collection+"/"+id, err)
	}
	defer tx.Rollback()

	var r row
	const selectQ = `SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2 FOR UPDATE`
	err = tx.GetContext(ctx, &r, selectQ, collection, id)

	var current map[string]interface{}
	switch {
	case err == sql.ErrNoRows:
		current = nil
	case err != nil:
		return nil, selfherrors.DatabaseError(fmt.Sprintf("lock %s/%s for update", collection, id), err)
	default:
		if jsonErr := json.Unmarshal(r.Doc, &current); jsonErr != nil {
			return nil, selfherrors.Wrapf(jsonErr, "unmarshal document for %s/%s", collection, id)
		}
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	payload, err := marshalDoc(next)
	if err != nil {
		return nil, selfherrors.Wrapf(err, "marshal updated document for %s/%s", collection, id)
	}

	const upsertQ = `
INSERT INTO metadata_records (collection, id, doc, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, now(), now())
ON CONFLICT (collection, id) DO UPDATE
SET doc = EXCLUDED.doc, updated_at = now()
`
	if _, err := tx.ExecContext(ctx, upsertQ, collection, id, payload); err != nil {
		return nil, selfherrors.DatabaseError(fmt.Sprintf("write updated %s/%s", collection, id), err)
	}

	if err := tx.Commit(); err != nil {
		return nil, selfherrors.DatabaseError(fmt.Sprintf("commit update for %s/%s", collection, id), err)
	}
	return s.Get(ctx, collection, id)
}

// TransactUpdate runs every mutation's lock-read-modify-write inside
// one Postgres transaction: each row is locked with SELECT ... FOR
// UPDATE in turn, every fn must succeed before anything is upserted,
// and the whole batch commits (or rolls back) together.
func (s *DocumentStore) TransactUpdate(ctx context.Context, mutations []store.Mutation) ([]*store.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, selfherrors.DatabaseError("begin transact-update", err)
	}
	defer tx.Rollback()

	type pending struct {
		collection, id string
		payload        []byte
	}
	staged := make([]pending, 0, len(mutations))

	for _, m := range mutations {
		var r row
		const selectQ = `SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2 FOR UPDATE`
		err := tx.GetContext(ctx, &r, selectQ, m.Collection, m.ID)

		var current map[string]interface{}
		switch {
		case err == sql.ErrNoRows:
			current = nil
		case err != nil:
			return nil, selfherrors.DatabaseError(fmt.Sprintf("lock %s/%s for transact-update", m.Collection, m.ID), err)
		default:
			if jsonErr := json.Unmarshal(r.Doc, &current); jsonErr != nil {
				return nil, selfherrors.Wrapf(jsonErr, "unmarshal document for %s/%s", m.Collection, m.ID)
			}
		}

		next, err := m.Fn(current)
		if err != nil {
			return nil, err
		}
		payload, err := marshalDoc(next)
		if err != nil {
			return nil, selfherrors.Wrapf(err, "marshal updated document for %s/%s", m.Collection, m.ID)
		}
		staged = append(staged, pending{collection: m.Collection, id: m.ID, payload: payload})
	}

	const upsertQ = `
INSERT INTO metadata_records (collection, id, doc, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, now(), now())
ON CONFLICT (collection, id) DO UPDATE
SET doc = EXCLUDED.doc, updated_at = now()
`
	for _, p := range staged {
		if _, err := tx.ExecContext(ctx, upsertQ, p.collection, p.id, p.payload); err != nil {
			return nil, selfherrors.DatabaseError(fmt.Sprintf("write updated %s/%s", p.collection, p.id), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, selfherrors.DatabaseError("commit transact-update", err)
	}

	out := make([]*store.Record, len(mutations))
	for i, m := range mutations {
		rec, err := s.Get(ctx, m.Collection, m.ID)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	const q = `DELETE FROM metadata_records WHERE collection=$1 AND id=$2`
	if _, err := s.db.ExecContext(ctx, q, collection, id); err != nil {
		return selfherrors.DatabaseError(fmt.Sprintf("delete %s/%s", collection, id), err)
	}
	return nil
}

// Query supports equality, store.Gte, store.Lte, and store.Regex over
// scalar JSONB fields addressed by dotted path, translated to
// `doc #>> '{a,b}'` text extraction compared against the bound value.
func (s *DocumentStore) Query(ctx context.Context, collection string, criteria store.Criteria, limit int) ([]*store.Record, error) {
	clauses := []string{"collection = $1"}
	args := []interface{}{collection}

	for path, want := range criteria {
		pgPath := "{" + strings.ReplaceAll(path, ".", ",") + "}"
		switch w := want.(type) {
		case store.Gte:
			args = append(args, pgPath, fmt.Sprintf("%v", w.Value))
			clauses = append(clauses, fmt.Sprintf("(doc #>> $%d)::numeric >= $%d::numeric", len(args)-1, len(args)))
		case store.Lte:
			args = append(args, pgPath, fmt.Sprintf("%v", w.Value))
			clauses = append(clauses, fmt.Sprintf("(doc #>> $%d)::numeric <= $%d::numeric", len(args)-1, len(args)))
		case store.Regex:
			args = append(args, pgPath, w.Pattern)
			clauses = append(clauses, fmt.Sprintf("(doc #>> $%d) ~ $%d", len(args)-1, len(args)))
		default:
			args = append(args, pgPath, fmt.Sprintf("%v", w))
			clauses = append(clauses, fmt.Sprintf("(doc #>> $%d) = $%d", len(args)-1, len(args)))
		}
	}

	q := "SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE " + strings.Join(clauses, " AND ") + " ORDER BY id"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, selfherrors.DatabaseError(fmt.Sprintf("query %s", collection), err)
	}

	records := make([]*store.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := rowToRecord(r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
