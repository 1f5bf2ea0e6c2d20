// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/types"
)

type FederationRetryState interface {
	UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error
	SelectRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error)
	SelectAllRetryStates(ctx context.Context, txn *sql.Tx) (map[spec.ServerName]types.RetryState, error)
	DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
	// DeleteExpiredRetryStates removes entries whose backoff ended before
	// the given time, returning how many were removed.
	DeleteExpiredRetryStates(ctx context.Context, txn *sql.Tx, before spec.Timestamp) (int64, error)
}
