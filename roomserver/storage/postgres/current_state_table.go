// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/postgres/deltas"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const currentStateSchema = `
CREATE TABLE IF NOT EXISTS roomserver_current_state_events (
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    event_id TEXT NOT NULL,
    -- The membership of m.room.member events, empty otherwise.
    membership TEXT NOT NULL DEFAULT '',
    CONSTRAINT roomserver_current_state_events_unique UNIQUE (room_id, type, state_key)
);
CREATE INDEX IF NOT EXISTS roomserver_current_state_events_membership_idx
    ON roomserver_current_state_events(room_id, type, membership);
`

const upsertCurrentStateSQL = "" +
	"INSERT INTO roomserver_current_state_events (room_id, type, state_key, event_id, membership)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT ON CONSTRAINT roomserver_current_state_events_unique DO UPDATE SET event_id = excluded.event_id, membership = excluded.membership"

const deleteCurrentStateSQL = "" +
	"DELETE FROM roomserver_current_state_events WHERE room_id = $1 AND type = $2 AND state_key = $3"

const selectCurrentStateSQL = "" +
	"SELECT type, state_key, event_id FROM roomserver_current_state_events WHERE room_id = $1"

const selectJoinedUsersWithDepthSQL = "" +
	"SELECT c.state_key, e.depth FROM roomserver_current_state_events c" +
	" INNER JOIN roomserver_events e ON c.event_id = e.event_id" +
	" WHERE c.room_id = $1 AND c.type = 'm.room.member' AND c.membership = $2"

type currentStateStatements struct {
	upsertCurrentStateStmt         *sql.Stmt
	deleteCurrentStateStmt         *sql.Stmt
	selectCurrentStateStmt         *sql.Stmt
	selectJoinedUsersWithDepthStmt *sql.Stmt
}

func CreateCurrentStateTable(db *sql.DB) error {
	if _, err := db.Exec(currentStateSchema); err != nil {
		return err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "roomserver: add membership to current state",
		Up:      deltas.UpCurrentStateMembership,
		Down:    deltas.DownCurrentStateMembership,
	})
	return m.Up(context.Background())
}

func PrepareCurrentStateTable(db *sql.DB) (tables.CurrentState, error) {
	s := &currentStateStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertCurrentStateStmt, upsertCurrentStateSQL},
		{&s.deleteCurrentStateStmt, deleteCurrentStateSQL},
		{&s.selectCurrentStateStmt, selectCurrentStateSQL},
		{&s.selectJoinedUsersWithDepthStmt, selectJoinedUsersWithDepthSQL},
	}.Prepare(db)
}

func (s *currentStateStatements) UpsertCurrentState(
	ctx context.Context, txn *sql.Tx, roomID string, key types.StateKeyTuple, eventID, membership string,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertCurrentStateStmt).ExecContext(ctx, roomID, key.EventType, key.StateKey, eventID, membership)
	return err
}

func (s *currentStateStatements) DeleteCurrentState(ctx context.Context, txn *sql.Tx, roomID string, key types.StateKeyTuple) error {
	_, err := sqlutil.TxStmt(txn, s.deleteCurrentStateStmt).ExecContext(ctx, roomID, key.EventType, key.StateKey)
	return err
}

func (s *currentStateStatements) SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string) (types.StateMap, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectCurrentStateStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCurrentState: rows.close() failed")
	state := make(types.StateMap)
	for rows.Next() {
		var key types.StateKeyTuple
		var eventID string
		if err = rows.Scan(&key.EventType, &key.StateKey, &eventID); err != nil {
			return nil, err
		}
		state[key] = eventID
	}
	return state, rows.Err()
}

func (s *currentStateStatements) SelectJoinedUsersWithDepth(ctx context.Context, txn *sql.Tx, roomID string) (map[string]int64, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectJoinedUsersWithDepthStmt).QueryContext(ctx, roomID, spec.Join)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectJoinedUsersWithDepth: rows.close() failed")
	result := make(map[string]int64)
	for rows.Next() {
		var userID string
		var depth int64
		if err = rows.Scan(&userID, &depth); err != nil {
			return nil, err
		}
		result[userID] = depth
	}
	return result, rows.Err()
}
