// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/setup/config"
)

func TestQueryVariadic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		count  int
		offset int
		want   string
	}{
		{count: 1, want: "($1)"},
		{count: 3, want: "($1, $2, $3)"},
		{count: 2, offset: 2, want: "($3, $4)"},
		{count: 0, want: "()"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QueryVariadicOffset(tt.count, tt.offset))
	}
	assert.Equal(t, "SELECT x FROM t WHERE id IN ($1, $2)", ExpandSQL("SELECT x FROM t WHERE id IN ($1)", 2))
}

func TestEndTransactionWithCheck(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint:errcheck

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	run := func() (err error) {
		txn, err := db.Begin()
		if err != nil {
			return err
		}
		succeeded := true
		defer EndTransactionWithCheck(txn, &succeeded, &err)
		return nil
	}
	err = run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint:errcheck

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err = WithTransaction(db, func(txn *sql.Tx) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLimitedVariablesQuery(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close() // nolint:errcheck

	mock.ExpectQuery("SELECT id FROM t WHERE id IN ($1, $2)").
		WithArgs("a", "b").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))
	mock.ExpectQuery("SELECT id FROM t WHERE id IN ($1)").
		WithArgs("c").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c"))

	var got []string
	err = RunLimitedVariablesQuery(
		context.Background(), "SELECT id FROM t WHERE id IN ($1)", db,
		[]interface{}{"a", "b", "c"}, 2,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					return err
				}
				got = append(got, id)
			}
			return rows.Err()
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExclusiveWriterSerialisesTasks(t *testing.T) {
	t.Parallel()

	w := NewExclusiveWriter()
	var running, maxRunning int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			_ = w.Do(nil, nil, func(txn *sql.Tx) error {
				running++
				if running > maxRunning {
					maxRunning = running
				}
				running--
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 1, maxRunning)
}

func TestParseFileURI(t *testing.T) {
	t.Parallel()

	got, err := ParseFileURI(config.DataSource("file:roomserver.db"))
	require.NoError(t, err)
	assert.Contains(t, got, "roomserver.db")

	got, err = ParseFileURI(config.DataSource("file:///var/lib/fedcore/roomserver.db"))
	require.NoError(t, err)
	assert.Contains(t, got, "/var/lib/fedcore/roomserver.db")

	_, err = ParseFileURI(config.DataSource("postgres://localhost/db"))
	assert.Error(t, err)
}
