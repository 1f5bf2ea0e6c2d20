// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lib/pq"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

// PostgresConnectionStringEnv names the environment variable holding a
// connection string for a postgres server which tests may create databases on.
const PostgresConnectionStringEnv = "POSTGRES_CONNECTION_STRING"

func createLocalDB(t *testing.T, connStr, dbName string) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open postgres: %s", err)
	}
	defer db.Close() // nolint:errcheck
	if _, err = db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(dbName)); err != nil {
		pqErr, ok := err.(*pq.Error)
		// 42P04: duplicate_database
		if !ok || pqErr.Code != "42P04" {
			t.Fatalf("failed to create database %s: %s", dbName, err)
		}
	}
}

func dropLocalDB(t *testing.T, connStr, dbName string) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Logf("failed to open postgres: %s", err)
		return
	}
	defer db.Close() // nolint:errcheck
	if _, err = db.Exec("DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(dbName)); err != nil {
		t.Logf("failed to drop database %s: %s", dbName, err)
	}
}

// PrepareDBConnectionString returns a connection string to an empty
// database of the given type, and a function to clean it up afterwards.
// Postgres tests are skipped unless POSTGRES_CONNECTION_STRING is set.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (connStr string, close func()) {
	if dbType == DBTypeSQLite {
		dbName := filepath.Join(t.TempDir(), "fedcore_test.db")
		return fmt.Sprintf("file:%s", dbName), func() {}
	}

	baseConnStr := os.Getenv(PostgresConnectionStringEnv)
	if baseConnStr == "" {
		t.Skipf("%s not set, skipping postgres test", PostgresConnectionStringEnv)
	}
	hash := sha256.Sum256([]byte(t.Name()))
	dbName := "fedcore_test_" + hex.EncodeToString(hash[:8])
	createLocalDB(t, baseConnStr, dbName)

	if strings.HasPrefix(baseConnStr, "postgres://") || strings.HasPrefix(baseConnStr, "postgresql://") {
		u := strings.SplitN(baseConnStr, "?", 2)
		base := u[0][:strings.LastIndex(u[0], "/")+1] + dbName
		if len(u) == 2 {
			base += "?" + u[1]
		}
		connStr = base
	} else {
		connStr = baseConnStr + " dbname=" + dbName
	}
	return connStr, func() {
		dropLocalDB(t, baseConnStr, dbName)
	}
}

// WithAllDatabases runs the test function once against every database type.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, db DBType)) {
	dbs := map[string]DBType{
		"postgres": DBTypePostgres,
		"sqlite":   DBTypeSQLite,
	}
	for dbName, dbType := range dbs {
		dbt := dbType
		t.Run(dbName, func(tt *testing.T) {
			tt.Parallel()
			testFn(tt, dbt)
		})
	}
}
