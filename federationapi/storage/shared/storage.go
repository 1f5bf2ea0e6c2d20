// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/storage/tables"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/sqlutil"
	internalutil "github.com/element-hq/fedcore/internal/util"
)

type Database struct {
	DB                   *sql.DB
	Writer               sqlutil.Writer
	FederationRetryState tables.FederationRetryState
}

func (d *Database) SetRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error {
	serverName = internalutil.NormalizeServerName(serverName)
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationRetryState.UpsertRetryState(ctx, txn, serverName, state.FailureCount, state.RetryUntil)
	})
}

func (d *Database) GetRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error) {
	failures, until, exists, err := d.FederationRetryState.SelectRetryState(ctx, nil, internalutil.NormalizeServerName(serverName))
	return types.RetryState{FailureCount: failures, RetryUntil: until}, exists, err
}

func (d *Database) GetAllRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error) {
	return d.FederationRetryState.SelectAllRetryStates(ctx, nil)
}

func (d *Database) ClearRetryState(ctx context.Context, serverName spec.ServerName) error {
	serverName = internalutil.NormalizeServerName(serverName)
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationRetryState.DeleteRetryState(ctx, txn, serverName)
	})
}

func (d *Database) PurgeExpiredRetryStates(ctx context.Context, before spec.Timestamp) (purged int64, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		purged, err = d.FederationRetryState.DeleteExpiredRetryStates(ctx, txn, before)
		return err
	})
	return
}
