// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const roomsSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_id TEXT NOT NULL PRIMARY KEY,
    room_version TEXT NOT NULL,
    -- The room this room was upgraded from, or empty.
    predecessor TEXT NOT NULL DEFAULT ''
  );
`

const insertRoomSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version, predecessor) VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_id) DO NOTHING"

const selectRoomInfoSQL = "" +
	"SELECT room_version, predecessor FROM roomserver_rooms WHERE room_id = $1"

type roomStatements struct {
	db                 *sql.DB
	insertRoomStmt     *sql.Stmt
	selectRoomInfoStmt *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{
		db: db,
	}
	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
	}.Prepare(db)
}

func (s *roomStatements) InsertRoom(
	ctx context.Context, txn *sql.Tx, roomID string, roomVersion gomatrixserverlib.RoomVersion, predecessor string,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertRoomStmt).ExecContext(ctx, roomID, roomVersion, predecessor)
	return err
}

func (s *roomStatements) SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error) {
	info := &types.RoomInfo{RoomID: roomID}
	err := sqlutil.TxStmt(txn, s.selectRoomInfoStmt).QueryRowContext(ctx, roomID).Scan(&info.RoomVersion, &info.Predecessor)
	if err != nil {
		return nil, err
	}
	return info, nil
}
