// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
)

const extremitiesSchema = `
-- Events in the room DAG that no other known event references.
CREATE TABLE IF NOT EXISTS roomserver_forward_extremities (
    room_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    CONSTRAINT roomserver_forward_extremities_unique UNIQUE (room_id, event_id)
);

-- Events referenced as prev_events that we don't have yet.
CREATE TABLE IF NOT EXISTS roomserver_backward_extremities (
    room_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    depth BIGINT NOT NULL,
    CONSTRAINT roomserver_backward_extremities_unique UNIQUE (room_id, event_id)
);
`

const insertForwardExtremitySQL = "" +
	"INSERT INTO roomserver_forward_extremities (room_id, event_id) VALUES ($1, $2)" +
	" ON CONFLICT ON CONSTRAINT roomserver_forward_extremities_unique DO NOTHING"

const deleteForwardExtremitiesSQL = "" +
	"DELETE FROM roomserver_forward_extremities WHERE room_id = $1 AND event_id = ANY($2)"

const selectForwardExtremitiesSQL = "" +
	"SELECT event_id FROM roomserver_forward_extremities WHERE room_id = $1 ORDER BY event_id"

const insertBackwardExtremitySQL = "" +
	"INSERT INTO roomserver_backward_extremities AS b (room_id, event_id, depth) VALUES ($1, $2, $3)" +
	" ON CONFLICT ON CONSTRAINT roomserver_backward_extremities_unique" +
	" DO UPDATE SET depth = GREATEST(b.depth, excluded.depth)"

const deleteBackwardExtremitySQL = "" +
	"DELETE FROM roomserver_backward_extremities WHERE room_id = $1 AND event_id = $2"

const selectBackwardExtremitiesSQL = "" +
	"SELECT event_id, depth FROM roomserver_backward_extremities WHERE room_id = $1"

type extremitiesStatements struct {
	insertForwardExtremityStmt    *sql.Stmt
	deleteForwardExtremitiesStmt  *sql.Stmt
	selectForwardExtremitiesStmt  *sql.Stmt
	insertBackwardExtremityStmt   *sql.Stmt
	deleteBackwardExtremityStmt   *sql.Stmt
	selectBackwardExtremitiesStmt *sql.Stmt
}

func CreateExtremitiesTable(db *sql.DB) error {
	_, err := db.Exec(extremitiesSchema)
	return err
}

func PrepareExtremitiesTable(db *sql.DB) (tables.Extremities, error) {
	s := &extremitiesStatements{}
	return s, sqlutil.StatementList{
		{&s.insertForwardExtremityStmt, insertForwardExtremitySQL},
		{&s.deleteForwardExtremitiesStmt, deleteForwardExtremitiesSQL},
		{&s.selectForwardExtremitiesStmt, selectForwardExtremitiesSQL},
		{&s.insertBackwardExtremityStmt, insertBackwardExtremitySQL},
		{&s.deleteBackwardExtremityStmt, deleteBackwardExtremitySQL},
		{&s.selectBackwardExtremitiesStmt, selectBackwardExtremitiesSQL},
	}.Prepare(db)
}

func (s *extremitiesStatements) InsertForwardExtremity(ctx context.Context, txn *sql.Tx, roomID, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.insertForwardExtremityStmt).ExecContext(ctx, roomID, eventID)
	return err
}

func (s *extremitiesStatements) DeleteForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := sqlutil.TxStmt(txn, s.deleteForwardExtremitiesStmt).ExecContext(ctx, roomID, pq.StringArray(eventIDs))
	return err
}

func (s *extremitiesStatements) SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectForwardExtremitiesStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectForwardExtremities: rows.close() failed")
	var eventIDs []string
	for rows.Next() {
		var eventID string
		if err = rows.Scan(&eventID); err != nil {
			return nil, err
		}
		eventIDs = append(eventIDs, eventID)
	}
	return eventIDs, rows.Err()
}

func (s *extremitiesStatements) InsertBackwardExtremity(ctx context.Context, txn *sql.Tx, roomID, eventID string, depth int64) error {
	_, err := sqlutil.TxStmt(txn, s.insertBackwardExtremityStmt).ExecContext(ctx, roomID, eventID, depth)
	return err
}

func (s *extremitiesStatements) DeleteBackwardExtremity(ctx context.Context, txn *sql.Tx, roomID, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteBackwardExtremityStmt).ExecContext(ctx, roomID, eventID)
	return err
}

func (s *extremitiesStatements) SelectBackwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) (map[string]int64, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectBackwardExtremitiesStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectBackwardExtremities: rows.close() failed")
	result := make(map[string]int64)
	for rows.Next() {
		var eventID string
		var depth int64
		if err = rows.Scan(&eventID, &depth); err != nil {
			return nil, err
		}
		result[eventID] = depth
	}
	return result, rows.Err()
}
