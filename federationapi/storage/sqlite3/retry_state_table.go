// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/storage/sqlite3/deltas"
	"github.com/element-hq/fedcore/federationapi/storage/tables"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/sqlutil"
)

const retryStateSchema = `
CREATE TABLE IF NOT EXISTS federationsender_retry_state (
    -- The server name being tracked
    server_name TEXT NOT NULL PRIMARY KEY,
    -- Number of consecutive failures
    failure_count INTEGER NOT NULL DEFAULT 0,
    -- Timestamp (ms since epoch) when the backoff expires
    retry_until BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS federationsender_retry_state_until_idx
    ON federationsender_retry_state (retry_until);
`

const upsertRetryStateSQL = "" +
	"INSERT INTO federationsender_retry_state (server_name, failure_count, retry_until) VALUES ($1, $2, $3)" +
	" ON CONFLICT (server_name) DO UPDATE SET failure_count = excluded.failure_count, retry_until = excluded.retry_until"

const selectRetryStateSQL = "" +
	"SELECT failure_count, retry_until FROM federationsender_retry_state WHERE server_name = $1"

const selectAllRetryStatesSQL = "" +
	"SELECT server_name, failure_count, retry_until FROM federationsender_retry_state"

const deleteRetryStateSQL = "" +
	"DELETE FROM federationsender_retry_state WHERE server_name = $1"

const deleteExpiredRetryStatesSQL = "" +
	"DELETE FROM federationsender_retry_state WHERE retry_until < $1"

type retryStateStatements struct {
	upsertRetryStateStmt         *sql.Stmt
	selectRetryStateStmt         *sql.Stmt
	selectAllRetryStatesStmt     *sql.Stmt
	deleteRetryStateStmt         *sql.Stmt
	deleteExpiredRetryStatesStmt *sql.Stmt
}

func CreateRetryStateTable(db *sql.DB) error {
	if _, err := db.Exec(retryStateSchema); err != nil {
		return err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "federationapi: lowercase server names",
		Up:      deltas.UpNormalizeServerNames,
		Down:    deltas.DownNormalizeServerNames,
	})
	return m.Up(context.Background())
}

func PrepareRetryStateTable(db *sql.DB) (tables.FederationRetryState, error) {
	s := &retryStateStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertRetryStateStmt, upsertRetryStateSQL},
		{&s.selectRetryStateStmt, selectRetryStateSQL},
		{&s.selectAllRetryStatesStmt, selectAllRetryStatesSQL},
		{&s.deleteRetryStateStmt, deleteRetryStateSQL},
		{&s.deleteExpiredRetryStatesStmt, deleteExpiredRetryStatesSQL},
	}.Prepare(db)
}

func (s *retryStateStatements) UpsertRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertRetryStateStmt)
	_, err := stmt.ExecContext(ctx, serverName, failureCount, retryUntil)
	return err
}

func (s *retryStateStatements) SelectRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectRetryStateStmt)
	err = stmt.QueryRowContext(ctx, serverName).Scan(&failureCount, &retryUntil)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return failureCount, retryUntil, true, nil
}

func (s *retryStateStatements) SelectAllRetryStates(
	ctx context.Context, txn *sql.Tx,
) (map[spec.ServerName]types.RetryState, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAllRetryStatesStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	result := make(map[spec.ServerName]types.RetryState)
	for rows.Next() {
		var serverName spec.ServerName
		var state types.RetryState
		if err = rows.Scan(&serverName, &state.FailureCount, &state.RetryUntil); err != nil {
			return nil, err
		}
		result[serverName] = state
	}
	return result, rows.Err()
}

func (s *retryStateStatements) DeleteRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteRetryStateStmt)
	_, err := stmt.ExecContext(ctx, serverName)
	return err
}

func (s *retryStateStatements) DeleteExpiredRetryStates(
	ctx context.Context, txn *sql.Tx, before spec.Timestamp,
) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.deleteExpiredRetryStatesStmt)
	res, err := stmt.ExecContext(ctx, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
