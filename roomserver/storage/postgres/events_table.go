// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const eventsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_event_stream_pos_seq;
CREATE TABLE IF NOT EXISTS roomserver_events (
    -- Local stream position, assigned in persistence order.
    stream_pos BIGINT PRIMARY KEY DEFAULT nextval('roomserver_event_stream_pos_seq'),
    event_id TEXT NOT NULL CONSTRAINT roomserver_event_id_unique UNIQUE,
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    -- NULL for non-state events.
    state_key TEXT,
    depth BIGINT NOT NULL,
    event_json TEXT NOT NULL,
    -- Outliers have no known state and are not part of the room DAG.
    outlier BOOLEAN NOT NULL DEFAULT FALSE,
    -- Empty unless the event failed authorization.
    rejected_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS roomserver_events_room_depth_idx ON roomserver_events(room_id, depth);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events AS e (room_id, event_id, type, state_key, depth, event_json, outlier, rejected_reason)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT ON CONSTRAINT roomserver_event_id_unique DO UPDATE" +
	" SET outlier = excluded.outlier, rejected_reason = excluded.rejected_reason, event_json = excluded.event_json" +
	" WHERE e.outlier = TRUE AND excluded.outlier = FALSE" +
	" RETURNING stream_pos"

const selectEventsSQL = "" +
	"SELECT stream_pos, event_id, room_id, depth, outlier, rejected_reason, event_json FROM roomserver_events" +
	" WHERE event_id = ANY($1)"

const selectEventMetadataSQL = "" +
	"SELECT stream_pos, event_id, room_id, depth, outlier, rejected_reason FROM roomserver_events" +
	" WHERE event_id = ANY($1)"

const selectMaxDepthSQL = "" +
	"SELECT COALESCE(MAX(depth), 0) FROM roomserver_events WHERE room_id = $1 AND outlier = FALSE"

type eventStatements struct {
	insertEventStmt         *sql.Stmt
	selectEventsStmt        *sql.Stmt
	selectEventMetadataStmt *sql.Stmt
	selectMaxDepthStmt      *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventsStmt, selectEventsSQL},
		{&s.selectEventMetadataStmt, selectEventMetadataSQL},
		{&s.selectMaxDepthStmt, selectMaxDepthSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, roomID, eventID, eventType string, stateKey *string,
	depth int64, eventJSON []byte, outlier bool, rejectedReason types.RejectionReason,
) (types.StreamPosition, bool, error) {
	var pos types.StreamPosition
	err := sqlutil.TxStmt(txn, s.insertEventStmt).QueryRowContext(
		ctx, roomID, eventID, eventType, stateKey, depth, string(eventJSON), outlier, rejectedReason,
	).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pos, true, nil
}

func (s *eventStatements) SelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]tables.EventRow, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventsStmt).QueryContext(ctx, pq.StringArray(eventIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEvents: rows.close() failed")
	result := make([]tables.EventRow, 0, len(eventIDs))
	for rows.Next() {
		var row tables.EventRow
		var eventJSON string
		if err = rows.Scan(
			&row.StreamPosition, &row.EventID, &row.RoomID, &row.Depth,
			&row.Outlier, &row.RejectedReason, &eventJSON,
		); err != nil {
			return nil, err
		}
		row.JSON = []byte(eventJSON)
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *eventStatements) SelectEventMetadata(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventMetadata, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventMetadataStmt).QueryContext(ctx, pq.StringArray(eventIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventMetadata: rows.close() failed")
	result := make(map[string]types.EventMetadata, len(eventIDs))
	for rows.Next() {
		var md types.EventMetadata
		if err = rows.Scan(&md.StreamPosition, &md.EventID, &md.RoomID, &md.Depth, &md.Outlier, &md.RejectedReason); err != nil {
			return nil, err
		}
		result[md.EventID] = md
	}
	return result, rows.Err()
}

func (s *eventStatements) SelectMaxDepth(ctx context.Context, txn *sql.Tx, roomID string) (int64, error) {
	var depth int64
	err := sqlutil.TxStmt(txn, s.selectMaxDepthStmt).QueryRowContext(ctx, roomID).Scan(&depth)
	return depth, err
}
