// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/postgres"
	"github.com/element-hq/fedcore/roomserver/storage/sqlite3"
	"github.com/element-hq/fedcore/setup/config"
)

// Open opens a database connection.
func Open(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, cache caching.RoomServerCaches, maxStateDeltaHops int) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.Open(conMan, dbProperties, cache, maxStateDeltaHops)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.Open(conMan, dbProperties, cache, maxStateDeltaHops)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
