// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/setup/config"
)

var skipSanityChecks = false

// Open opens a database specified by its database driver name and a data source name.
func Open(dbProperties *config.DatabaseOptions, writer Writer) (*sql.DB, error) {
	var err error
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = SQLITE_DRIVER_NAME
		dsn, err = ParseFileURI(dbProperties.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("ParseFileURI: %w", err)
		}
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}
	if dsn == "" {
		return nil, fmt.Errorf("no database connection string")
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName != SQLITE_DRIVER_NAME {
		logrus.WithFields(logrus.Fields{
			"MaxOpenConns":    dbProperties.MaxOpenConns(),
			"MaxIdleConns":    dbProperties.MaxIdleConns(),
			"ConnMaxLifetime": dbProperties.ConnMaxLifetime(),
			"dataSourceName":  regexp.MustCompile(`://[^@]*@`).ReplaceAllLiteralString(dsn, "://"),
		}).Debug("Setting DB connection limits")
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	if !skipSanityChecks {
		if err = db.Ping(); err != nil {
			return nil, fmt.Errorf("db.Ping: %w", err)
		}
	}
	return db, nil
}

// ParseFileURI returns the filepath in the given file: URI. Specifically, this will handle
// both relative (file:foo.db) and absolute (file:///path/to/foo) paths.
func ParseFileURI(dataSourceName config.DataSource) (string, error) {
	if !dataSourceName.IsSQLite() {
		return "", fmt.Errorf("ParseFileURI expects SQLite connection string")
	}
	s := strings.TrimPrefix(string(dataSourceName), "file://")
	if s == string(dataSourceName) {
		s = strings.TrimPrefix(string(dataSourceName), "file:")
	}
	if s == "" {
		return "", fmt.Errorf("invalid SQLite connection string %q", dataSourceName)
	}
	return s + "?_busy_timeout=5000&_txlock=immediate", nil
}
