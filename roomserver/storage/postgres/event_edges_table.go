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

// Edges are only stored for events that are part of the room DAG, so
// outliers never appear here.
const eventEdgesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_edges (
    event_id TEXT NOT NULL,
    prev_event_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    CONSTRAINT roomserver_event_edges_unique UNIQUE (event_id, prev_event_id)
);
CREATE INDEX IF NOT EXISTS roomserver_event_edges_prev_idx ON roomserver_event_edges(prev_event_id);

CREATE TABLE IF NOT EXISTS roomserver_event_auth (
    event_id TEXT NOT NULL,
    auth_event_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    CONSTRAINT roomserver_event_auth_unique UNIQUE (event_id, auth_event_id)
);
`

const insertEventEdgesSQL = "" +
	"INSERT INTO roomserver_event_edges (event_id, prev_event_id, room_id)" +
	" SELECT $1, unnest($2::text[]), $3" +
	" ON CONFLICT ON CONSTRAINT roomserver_event_edges_unique DO NOTHING"

const selectIsReferencedSQL = "" +
	"SELECT EXISTS(SELECT 1 FROM roomserver_event_edges WHERE prev_event_id = $1)"

const insertEventAuthSQL = "" +
	"INSERT INTO roomserver_event_auth (event_id, auth_event_id, room_id)" +
	" SELECT $1, unnest($2::text[]), $3" +
	" ON CONFLICT ON CONSTRAINT roomserver_event_auth_unique DO NOTHING"

const selectAuthEventIDsSQL = "" +
	"SELECT event_id, auth_event_id FROM roomserver_event_auth WHERE event_id = ANY($1)"

type eventEdgesStatements struct {
	insertEventEdgesStmt   *sql.Stmt
	selectIsReferencedStmt *sql.Stmt
	insertEventAuthStmt    *sql.Stmt
	selectAuthEventIDsStmt *sql.Stmt
}

func CreateEventEdgesTable(db *sql.DB) error {
	_, err := db.Exec(eventEdgesSchema)
	return err
}

func PrepareEventEdgesTable(db *sql.DB) (tables.EventGraph, error) {
	s := &eventEdgesStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventEdgesStmt, insertEventEdgesSQL},
		{&s.selectIsReferencedStmt, selectIsReferencedSQL},
		{&s.insertEventAuthStmt, insertEventAuthSQL},
		{&s.selectAuthEventIDsStmt, selectAuthEventIDsSQL},
	}.Prepare(db)
}

func (s *eventEdgesStatements) InsertEventEdges(
	ctx context.Context, txn *sql.Tx, roomID, eventID string, prevEventIDs []string,
) error {
	if len(prevEventIDs) == 0 {
		return nil
	}
	_, err := sqlutil.TxStmt(txn, s.insertEventEdgesStmt).ExecContext(ctx, eventID, pq.StringArray(prevEventIDs), roomID)
	return err
}

func (s *eventEdgesStatements) SelectIsReferenced(ctx context.Context, txn *sql.Tx, eventID string) (bool, error) {
	var referenced bool
	err := sqlutil.TxStmt(txn, s.selectIsReferencedStmt).QueryRowContext(ctx, eventID).Scan(&referenced)
	return referenced, err
}

func (s *eventEdgesStatements) InsertEventAuth(
	ctx context.Context, txn *sql.Tx, roomID, eventID string, authEventIDs []string,
) error {
	if len(authEventIDs) == 0 {
		return nil
	}
	_, err := sqlutil.TxStmt(txn, s.insertEventAuthStmt).ExecContext(ctx, eventID, pq.StringArray(authEventIDs), roomID)
	return err
}

func (s *eventEdgesStatements) SelectAuthEventIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string][]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAuthEventIDsStmt).QueryContext(ctx, pq.StringArray(eventIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAuthEventIDs: rows.close() failed")
	result := make(map[string][]string, len(eventIDs))
	for rows.Next() {
		var eventID, authEventID string
		if err = rows.Scan(&eventID, &authEventID); err != nil {
			return nil, err
		}
		result[eventID] = append(result[eventID], authEventID)
	}
	return result, rows.Err()
}
