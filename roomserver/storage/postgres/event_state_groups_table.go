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
	"github.com/element-hq/fedcore/roomserver/types"
)

// The state group holding the room state after each non-outlier event.
const eventStateGroupsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_to_state_groups (
    event_id TEXT NOT NULL PRIMARY KEY,
    state_group BIGINT NOT NULL
);
`

const insertEventStateGroupSQL = "" +
	"INSERT INTO roomserver_event_to_state_groups (event_id, state_group) VALUES ($1, $2)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectEventStateGroupsSQL = "" +
	"SELECT event_id, state_group FROM roomserver_event_to_state_groups WHERE event_id = ANY($1)"

type eventStateGroupsStatements struct {
	insertEventStateGroupStmt  *sql.Stmt
	selectEventStateGroupsStmt *sql.Stmt
}

func CreateEventStateGroupsTable(db *sql.DB) error {
	_, err := db.Exec(eventStateGroupsSchema)
	return err
}

func PrepareEventStateGroupsTable(db *sql.DB) (tables.EventStateGroups, error) {
	s := &eventStateGroupsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventStateGroupStmt, insertEventStateGroupSQL},
		{&s.selectEventStateGroupsStmt, selectEventStateGroupsSQL},
	}.Prepare(db)
}

func (s *eventStateGroupsStatements) InsertEventStateGroup(ctx context.Context, txn *sql.Tx, eventID string, group types.StateGroupID) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventStateGroupStmt).ExecContext(ctx, eventID, group)
	return err
}

func (s *eventStateGroupsStatements) SelectEventStateGroups(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.StateGroupID, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventStateGroupsStmt).QueryContext(ctx, pq.StringArray(eventIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventStateGroups: rows.close() failed")
	result := make(map[string]types.StateGroupID, len(eventIDs))
	for rows.Next() {
		var eventID string
		var group types.StateGroupID
		if err = rows.Scan(&eventID, &group); err != nil {
			return nil, err
		}
		result[eventID] = group
	}
	return result, rows.Err()
}
