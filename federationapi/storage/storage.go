// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/element-hq/fedcore/federationapi/storage/postgres"
	"github.com/element-hq/fedcore/federationapi/storage/sqlite3"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/setup/config"
)

// NewDatabase opens a new database
func NewDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.Open(conMan, dbProperties)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.Open(conMan, dbProperties)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
