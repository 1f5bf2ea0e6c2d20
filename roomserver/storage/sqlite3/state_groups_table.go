// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

// A state group either holds a full snapshot of the room state in
// roomserver_state_groups_state, or only the entries that differ from the
// group it points at in roomserver_state_group_edges.
const stateGroupsSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_state_groups (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL,
    -- The event whose state this group was first created for.
    event_id TEXT NOT NULL
  );

  CREATE TABLE IF NOT EXISTS roomserver_state_group_edges (
    state_group INTEGER NOT NULL PRIMARY KEY,
    prev_state_group INTEGER NOT NULL
  );

  CREATE TABLE IF NOT EXISTS roomserver_state_groups_state (
    state_group INTEGER NOT NULL,
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    event_id TEXT NOT NULL,
    UNIQUE (state_group, type, state_key)
  );
`

const insertStateGroupSQL = "" +
	"INSERT INTO roomserver_state_groups (room_id, event_id) VALUES ($1, $2) RETURNING id"

const insertStateGroupEdgeSQL = "" +
	"INSERT INTO roomserver_state_group_edges (state_group, prev_state_group) VALUES ($1, $2)"

const insertStateGroupStateSQL = "" +
	"INSERT INTO roomserver_state_groups_state (state_group, room_id, type, state_key, event_id)" +
	" VALUES ($1, $2, $3, $4, $5)"

const selectStateGroupExistsSQL = "" +
	"SELECT EXISTS(SELECT 1 FROM roomserver_state_groups WHERE id = $1)"

const selectPrevGroupSQL = "" +
	"SELECT prev_state_group FROM roomserver_state_group_edges WHERE state_group = $1"

const selectStateGroupStateSQL = "" +
	"SELECT type, state_key, event_id FROM roomserver_state_groups_state WHERE state_group = $1"

const selectStateGroupStateForKeySQL = "" +
	"SELECT event_id FROM roomserver_state_groups_state WHERE state_group = $1 AND type = $2 AND state_key = $3"

type stateGroupsStatements struct {
	insertStateGroupStmt            *sql.Stmt
	insertStateGroupEdgeStmt        *sql.Stmt
	insertStateGroupStateStmt       *sql.Stmt
	selectStateGroupExistsStmt      *sql.Stmt
	selectPrevGroupStmt             *sql.Stmt
	selectStateGroupStateStmt       *sql.Stmt
	selectStateGroupStateForKeyStmt *sql.Stmt
}

func CreateStateGroupsTable(db *sql.DB) error {
	_, err := db.Exec(stateGroupsSchema)
	return err
}

func PrepareStateGroupsTable(db *sql.DB) (tables.StateGroups, error) {
	s := &stateGroupsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStateGroupStmt, insertStateGroupSQL},
		{&s.insertStateGroupEdgeStmt, insertStateGroupEdgeSQL},
		{&s.insertStateGroupStateStmt, insertStateGroupStateSQL},
		{&s.selectStateGroupExistsStmt, selectStateGroupExistsSQL},
		{&s.selectPrevGroupStmt, selectPrevGroupSQL},
		{&s.selectStateGroupStateStmt, selectStateGroupStateSQL},
		{&s.selectStateGroupStateForKeyStmt, selectStateGroupStateForKeySQL},
	}.Prepare(db)
}

func (s *stateGroupsStatements) InsertStateGroup(ctx context.Context, txn *sql.Tx, roomID, eventID string) (types.StateGroupID, error) {
	var group types.StateGroupID
	err := sqlutil.TxStmt(txn, s.insertStateGroupStmt).QueryRowContext(ctx, roomID, eventID).Scan(&group)
	return group, err
}

func (s *stateGroupsStatements) InsertStateGroupEdge(ctx context.Context, txn *sql.Tx, group, prevGroup types.StateGroupID) error {
	_, err := sqlutil.TxStmt(txn, s.insertStateGroupEdgeStmt).ExecContext(ctx, group, prevGroup)
	return err
}

func (s *stateGroupsStatements) InsertStateGroupState(
	ctx context.Context, txn *sql.Tx, group types.StateGroupID, roomID string, state types.StateMap,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertStateGroupStateStmt)
	for _, key := range state.Keys() {
		if _, err := stmt.ExecContext(ctx, group, roomID, key.EventType, key.StateKey, state[key]); err != nil {
			return err
		}
	}
	return nil
}

func (s *stateGroupsStatements) SelectStateGroupExists(ctx context.Context, txn *sql.Tx, group types.StateGroupID) (bool, error) {
	var exists bool
	err := sqlutil.TxStmt(txn, s.selectStateGroupExistsStmt).QueryRowContext(ctx, group).Scan(&exists)
	return exists, err
}

func (s *stateGroupsStatements) SelectPrevGroup(ctx context.Context, txn *sql.Tx, group types.StateGroupID) (types.StateGroupID, error) {
	var prevGroup types.StateGroupID
	err := sqlutil.TxStmt(txn, s.selectPrevGroupStmt).QueryRowContext(ctx, group).Scan(&prevGroup)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return prevGroup, err
}

func (s *stateGroupsStatements) SelectStateGroupState(ctx context.Context, txn *sql.Tx, group types.StateGroupID) (types.StateMap, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectStateGroupStateStmt).QueryContext(ctx, group)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateGroupState: rows.close() failed")
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

func (s *stateGroupsStatements) SelectStateGroupStateForKey(
	ctx context.Context, txn *sql.Tx, group types.StateGroupID, key types.StateKeyTuple,
) (string, bool, error) {
	var eventID string
	err := sqlutil.TxStmt(txn, s.selectStateGroupStateForKeyStmt).QueryRowContext(ctx, group, key.EventType, key.StateKey).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return eventID, true, nil
}
