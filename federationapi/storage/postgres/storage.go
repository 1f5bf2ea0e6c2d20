// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	_ "github.com/lib/pq"

	"github.com/element-hq/fedcore/federationapi/storage/shared"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/setup/config"
)

// Open opens the federation API database.
func Open(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	if err = CreateRetryStateTable(db); err != nil {
		return nil, err
	}
	retryState, err := PrepareRetryStateTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:                   db,
		Writer:               writer,
		FederationRetryState: retryState,
	}, nil
}
