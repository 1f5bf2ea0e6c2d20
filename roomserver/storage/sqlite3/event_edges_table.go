// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
)

// Edges are only stored for events that are part of the room DAG, so
// outliers never appear here.
const eventEdgesSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_event_edges (
    event_id TEXT NOT NULL,
    prev_event_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    UNIQUE (event_id, prev_event_id)
  );
  CREATE INDEX IF NOT EXISTS roomserver_event_edges_prev_idx ON roomserver_event_edges(prev_event_id);

  CREATE TABLE IF NOT EXISTS roomserver_event_auth (
    event_id TEXT NOT NULL,
    auth_event_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    UNIQUE (event_id, auth_event_id)
  );
`

const insertEventEdgeSQL = "" +
	"INSERT INTO roomserver_event_edges (event_id, prev_event_id, room_id) VALUES ($1, $2, $3)" +
	" ON CONFLICT DO NOTHING"

const selectIsReferencedSQL = "" +
	"SELECT EXISTS(SELECT 1 FROM roomserver_event_edges WHERE prev_event_id = $1)"

const insertEventAuthSQL = "" +
	"INSERT INTO roomserver_event_auth (event_id, auth_event_id, room_id) VALUES ($1, $2, $3)" +
	" ON CONFLICT DO NOTHING"

const selectAuthEventIDsSQL = "" +
	"SELECT event_id, auth_event_id FROM roomserver_event_auth WHERE event_id IN ($1)"

type eventEdgesStatements struct {
	db                     *sql.DB
	insertEventEdgeStmt    *sql.Stmt
	selectIsReferencedStmt *sql.Stmt
	insertEventAuthStmt    *sql.Stmt
}

func CreateEventEdgesTable(db *sql.DB) error {
	_, err := db.Exec(eventEdgesSchema)
	return err
}

func PrepareEventEdgesTable(db *sql.DB) (tables.EventGraph, error) {
	s := &eventEdgesStatements{
		db: db,
	}
	return s, sqlutil.StatementList{
		{&s.insertEventEdgeStmt, insertEventEdgeSQL},
		{&s.selectIsReferencedStmt, selectIsReferencedSQL},
		{&s.insertEventAuthStmt, insertEventAuthSQL},
	}.Prepare(db)
}

func (s *eventEdgesStatements) InsertEventEdges(
	ctx context.Context, txn *sql.Tx, roomID, eventID string, prevEventIDs []string,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventEdgeStmt)
	for _, prevEventID := range prevEventIDs {
		if _, err := stmt.ExecContext(ctx, eventID, prevEventID, roomID); err != nil {
			return err
		}
	}
	return nil
}

func (s *eventEdgesStatements) SelectIsReferenced(ctx context.Context, txn *sql.Tx, eventID string) (bool, error) {
	var referenced bool
	err := sqlutil.TxStmt(txn, s.selectIsReferencedStmt).QueryRowContext(ctx, eventID).Scan(&referenced)
	return referenced, err
}

func (s *eventEdgesStatements) InsertEventAuth(
	ctx context.Context, txn *sql.Tx, roomID, eventID string, authEventIDs []string,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventAuthStmt)
	for _, authEventID := range authEventIDs {
		if _, err := stmt.ExecContext(ctx, eventID, authEventID, roomID); err != nil {
			return err
		}
	}
	return nil
}

func (s *eventEdgesStatements) SelectAuthEventIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}
	var qp sqlutil.QueryProvider = s.db
	if txn != nil {
		qp = txn
	}
	err := sqlutil.RunLimitedVariablesQuery(
		ctx, selectAuthEventIDsSQL, qp, stringsToInterfaces(eventIDs), sqlutil.SQLiteVariableLimit,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var eventID, authEventID string
				if err := rows.Scan(&eventID, &authEventID); err != nil {
					return fmt.Errorf("rows.Scan: %w", err)
				}
				result[eventID] = append(result[eventID], authEventID)
			}
			return rows.Err()
		},
	)
	return result, err
}
