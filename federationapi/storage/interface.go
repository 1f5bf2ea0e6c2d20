// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/types"
)

// Database stores the backoff state of remote servers so that it survives
// restarts.
type Database interface {
	SetRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error
	GetRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error)
	GetAllRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error)
	ClearRetryState(ctx context.Context, serverName spec.ServerName) error
	PurgeExpiredRetryStates(ctx context.Context, before spec.Timestamp) (int64, error)
}
