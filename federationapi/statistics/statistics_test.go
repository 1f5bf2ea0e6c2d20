// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statistics

import (
	"context"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/test"
)

func TestBackoff(t *testing.T) {
	stats := NewStatistics(test.NewInMemoryFederationDatabase(), 7, 2)
	server := stats.ForServer("remote.example")

	_, blacklisted := server.BackoffInfo()
	assert.False(t, blacklisted)

	for i := uint32(1); i <= 7; i++ {
		until, blacklisted := server.Failure()
		assert.True(t, until.After(time.Now()))
		assert.Equal(t, i, server.FailureCount())
		assert.Equal(t, i >= 7, blacklisted, "failure %d", i)
		assert.Equal(t, i >= 2, server.AssumedOffline(), "failure %d", i)

		backoffUntil, _ := server.BackoffInfo()
		require.NotNil(t, backoffUntil)
	}

	server.Success()
	assert.False(t, server.Blacklisted())
	assert.Zero(t, server.FailureCount())
	until, _ := server.BackoffInfo()
	assert.Nil(t, until)
}

func TestBackoffDurationIsBounded(t *testing.T) {
	for failures := uint32(0); failures < 64; failures++ {
		d := backoffDuration(failures)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxBackoff)
	}
	// The jitter never takes the backoff below 0.8 of its nominal value.
	assert.GreaterOrEqual(t, backoffDuration(3), time.Duration(float64(8*time.Second)*minJitterMultiplier))
}

func TestForServerIsCaseInsensitive(t *testing.T) {
	stats := NewStatistics(nil, 3, 1)
	assert.Same(t, stats.ForServer("Remote.Example"), stats.ForServer("remote.example"))
}

func TestRetryStateSurvivesRestart(t *testing.T) {
	db := test.NewInMemoryFederationDatabase()
	stats := NewStatistics(db, 2, 1)
	stats.ForServer("remote.example").Failure()
	stats.ForServer("remote.example").Failure()

	persisted, ok, err := db.GetRetryState(context.Background(), "remote.example")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), persisted.FailureCount)

	restarted := NewStatistics(db, 2, 1)
	server := restarted.ForServer("remote.example")
	assert.Equal(t, uint32(2), server.FailureCount())
	assert.True(t, server.Blacklisted())
	until, _ := server.BackoffInfo()
	assert.NotNil(t, until)

	server.Success()
	_, ok, err = db.GetRetryState(context.Background(), "remote.example")
	require.NoError(t, err)
	assert.False(t, ok, "success clears the persisted state")
}

func TestSweep(t *testing.T) {
	db := test.NewInMemoryFederationDatabase()
	now := time.Now()
	require.NoError(t, db.SetRetryState(context.Background(), "stale.example", types.RetryState{
		FailureCount: 1,
		RetryUntil:   spec.AsTimestamp(now.Add(-48 * time.Hour)),
	}))

	stats := NewStatistics(db, 5, 1)
	healthy := stats.ForServer("healthy.example")
	healthy.Success()
	busy := stats.ForServer("busy.example")
	done := busy.StartRequest()
	stats.ForServer("failing.example").Failure()
	require.Equal(t, 3, stats.size())

	stats.sweep(context.Background(), now)
	assert.Equal(t, 2, stats.size(), "only the idle healthy server is dropped")

	done()
	stats.sweep(context.Background(), now)
	assert.Equal(t, 1, stats.size())

	all, err := db.GetAllRetryStates(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, all, spec.ServerName("stale.example"))
	assert.Contains(t, all, spec.ServerName("failing.example"))
}
