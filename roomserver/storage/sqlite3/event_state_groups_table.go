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
	"github.com/element-hq/fedcore/roomserver/types"
)

// The state group holding the room state after each non-outlier event.
const eventStateGroupsSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_event_to_state_groups (
    event_id TEXT NOT NULL PRIMARY KEY,
    state_group INTEGER NOT NULL
  );
`

const insertEventStateGroupSQL = "" +
	"INSERT INTO roomserver_event_to_state_groups (event_id, state_group) VALUES ($1, $2)" +
	" ON CONFLICT DO NOTHING"

const selectEventStateGroupsSQL = "" +
	"SELECT event_id, state_group FROM roomserver_event_to_state_groups WHERE event_id IN ($1)"

type eventStateGroupsStatements struct {
	db                        *sql.DB
	insertEventStateGroupStmt *sql.Stmt
}

func CreateEventStateGroupsTable(db *sql.DB) error {
	_, err := db.Exec(eventStateGroupsSchema)
	return err
}

func PrepareEventStateGroupsTable(db *sql.DB) (tables.EventStateGroups, error) {
	s := &eventStateGroupsStatements{
		db: db,
	}
	return s, sqlutil.StatementList{
		{&s.insertEventStateGroupStmt, insertEventStateGroupSQL},
	}.Prepare(db)
}

func (s *eventStateGroupsStatements) InsertEventStateGroup(ctx context.Context, txn *sql.Tx, eventID string, group types.StateGroupID) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventStateGroupStmt).ExecContext(ctx, eventID, group)
	return err
}

func (s *eventStateGroupsStatements) SelectEventStateGroups(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.StateGroupID, error) {
	result := make(map[string]types.StateGroupID, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}
	var qp sqlutil.QueryProvider = s.db
	if txn != nil {
		qp = txn
	}
	err := sqlutil.RunLimitedVariablesQuery(
		ctx, selectEventStateGroupsSQL, qp, stringsToInterfaces(eventIDs), sqlutil.SQLiteVariableLimit,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var eventID string
				var group types.StateGroupID
				if err := rows.Scan(&eventID, &group); err != nil {
					return fmt.Errorf("rows.Scan: %w", err)
				}
				result[eventID] = group
			}
			return rows.Err()
		},
	)
	return result, err
}
