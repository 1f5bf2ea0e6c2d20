// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const eventsSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_events (
    -- Local stream position, assigned in persistence order.
    stream_pos INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    -- NULL for non-state events.
    state_key TEXT,
    depth INTEGER NOT NULL,
    event_json TEXT NOT NULL,
    -- Outliers have no known state and are not part of the room DAG.
    outlier BOOLEAN NOT NULL DEFAULT FALSE,
    -- Empty unless the event failed authorization.
    rejected_reason TEXT NOT NULL DEFAULT ''
  );
  CREATE INDEX IF NOT EXISTS roomserver_events_room_depth_idx ON roomserver_events(room_id, depth);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (room_id, event_id, type, state_key, depth, event_json, outlier, rejected_reason)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT (event_id) DO UPDATE SET outlier = excluded.outlier, rejected_reason = excluded.rejected_reason, event_json = excluded.event_json" +
	" WHERE roomserver_events.outlier = TRUE AND excluded.outlier = FALSE" +
	" RETURNING stream_pos"

const selectEventsSQL = "" +
	"SELECT stream_pos, event_id, room_id, depth, outlier, rejected_reason, event_json FROM roomserver_events" +
	" WHERE event_id IN ($1)"

const selectEventMetadataSQL = "" +
	"SELECT stream_pos, event_id, room_id, depth, outlier, rejected_reason FROM roomserver_events" +
	" WHERE event_id IN ($1)"

const selectMaxDepthSQL = "" +
	"SELECT COALESCE(MAX(depth), 0) FROM roomserver_events WHERE room_id = $1 AND outlier = FALSE"

type eventStatements struct {
	db                 *sql.DB
	insertEventStmt    *sql.Stmt
	selectMaxDepthStmt *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{
		db: db,
	}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
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
	if len(eventIDs) == 0 {
		return nil, nil
	}
	var qp sqlutil.QueryProvider = s.db
	if txn != nil {
		qp = txn
	}
	result := make([]tables.EventRow, 0, len(eventIDs))
	err := sqlutil.RunLimitedVariablesQuery(
		ctx, selectEventsSQL, qp, stringsToInterfaces(eventIDs), sqlutil.SQLiteVariableLimit,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var row tables.EventRow
				var eventJSON string
				if err := rows.Scan(
					&row.StreamPosition, &row.EventID, &row.RoomID, &row.Depth,
					&row.Outlier, &row.RejectedReason, &eventJSON,
				); err != nil {
					return fmt.Errorf("rows.Scan: %w", err)
				}
				row.JSON = []byte(eventJSON)
				result = append(result, row)
			}
			return rows.Err()
		},
	)
	return result, err
}

func (s *eventStatements) SelectEventMetadata(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventMetadata, error) {
	result := make(map[string]types.EventMetadata, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}
	var qp sqlutil.QueryProvider = s.db
	if txn != nil {
		qp = txn
	}
	err := sqlutil.RunLimitedVariablesQuery(
		ctx, selectEventMetadataSQL, qp, stringsToInterfaces(eventIDs), sqlutil.SQLiteVariableLimit,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var md types.EventMetadata
				if err := rows.Scan(
					&md.StreamPosition, &md.EventID, &md.RoomID, &md.Depth, &md.Outlier, &md.RejectedReason,
				); err != nil {
					return fmt.Errorf("rows.Scan: %w", err)
				}
				result[md.EventID] = md
			}
			return rows.Err()
		},
	)
	return result, err
}

func (s *eventStatements) SelectMaxDepth(ctx context.Context, txn *sql.Tx, roomID string) (int64, error) {
	var depth int64
	err := sqlutil.TxStmt(txn, s.selectMaxDepthStmt).QueryRowContext(ctx, roomID).Scan(&depth)
	return depth, err
}

func stringsToInterfaces(s []string) []interface{} {
	result := make([]interface{}, len(s))
	for i, v := range s {
		result[i] = v
	}
	return result
}
