// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/federationapi/types"
)

func prepareMockedRetryStateTable(t *testing.T) (*retryStateStatements, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, query := range []string{
		upsertRetryStateSQL, selectRetryStateSQL, selectAllRetryStatesSQL,
		deleteRetryStateSQL, deleteExpiredRetryStatesSQL,
	} {
		mock.ExpectPrepare(regexp.QuoteMeta(query))
	}
	table, err := PrepareRetryStateTable(db)
	require.NoError(t, err)
	return table.(*retryStateStatements), mock
}

func TestRetryStateTableUpsert(t *testing.T) {
	table, mock := prepareMockedRetryStateTable(t)
	mock.ExpectExec(regexp.QuoteMeta(upsertRetryStateSQL)).
		WithArgs(spec.ServerName("remote.example"), uint32(2), spec.Timestamp(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, table.UpsertRetryState(context.Background(), nil, "remote.example", 2, 1000))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryStateTableSelectMissing(t *testing.T) {
	table, mock := prepareMockedRetryStateTable(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectRetryStateSQL)).
		WithArgs(spec.ServerName("remote.example")).
		WillReturnRows(sqlmock.NewRows([]string{"failure_count", "retry_until"}))

	_, _, exists, err := table.SelectRetryState(context.Background(), nil, "remote.example")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryStateTableSelectAll(t *testing.T) {
	table, mock := prepareMockedRetryStateTable(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectAllRetryStatesSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"server_name", "failure_count", "retry_until"}).
			AddRow("a.example", 1, 100).
			AddRow("b.example", 5, 900))

	all, err := table.SelectAllRetryStates(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[spec.ServerName]types.RetryState{
		"a.example": {FailureCount: 1, RetryUntil: 100},
		"b.example": {FailureCount: 5, RetryUntil: 900},
	}, all)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryStateTableDeleteExpired(t *testing.T) {
	table, mock := prepareMockedRetryStateTable(t)
	mock.ExpectExec(regexp.QuoteMeta(deleteExpiredRetryStatesSQL)).
		WithArgs(spec.Timestamp(500)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	purged, err := table.DeleteExpiredRetryStates(context.Background(), nil, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)
	require.NoError(t, mock.ExpectationsWereMet())
}
