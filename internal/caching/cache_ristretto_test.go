// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/test"
)

// =============================================================================
// Helper Functions
// =============================================================================

func createTestCache(t *testing.T, maxCost config.DataUnit, maxAge time.Duration) *Caches {
	t.Helper()
	return NewRistrettoCache(maxCost, maxAge, DisableMetrics)
}

func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return createTestCache(t, 1024*1024, time.Hour)
}

// waitForCacheProcessing waits for ristretto's buffered writes to land.
func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond)
}

// =============================================================================
// Partition Basics
// =============================================================================

func TestRistrettoCachePartition_Set_StoresValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	cache.StoreRoomVersion("!room1:server", gomatrixserverlib.RoomVersionV10)
	waitForCacheProcessing(t)

	version, ok := cache.GetRoomVersion("!room1:server")
	assert.True(t, ok, "Expected value to be found in cache")
	assert.Equal(t, gomatrixserverlib.RoomVersionV10, version)
}

func TestRistrettoCachePartition_Get_ReturnsFalseWhenMissing(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	version, ok := cache.GetRoomVersion("!nonexistent:server")
	assert.False(t, ok)
	assert.Equal(t, gomatrixserverlib.RoomVersion(""), version)
}

func TestRistrettoCachePartition_PrefixesKeepPartitionsApart(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	cache.StoreEventStateGroup("$same", 7)
	waitForCacheProcessing(t)

	_, ok := cache.GetEvent("$same")
	assert.False(t, ok, "event partition must not see the state group partition")
	group, ok := cache.GetEventStateGroup("$same")
	assert.True(t, ok)
	assert.Equal(t, types.StateGroupID(7), group)
}

func TestRistrettoCachePartition_TTL_ExpiresAfterMaxAge(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, 1024*1024, 50*time.Millisecond)
	cache.StoreRoomVersion("!room1:server", gomatrixserverlib.RoomVersionV10)
	waitForCacheProcessing(t)

	_, ok := cache.GetRoomVersion("!room1:server")
	assert.True(t, ok, "Value should be present immediately after Set")

	require.Eventually(t, func() bool {
		_, found := cache.GetRoomVersion("!room1:server")
		return !found
	}, 500*time.Millisecond, 10*time.Millisecond, "Value should have expired after MaxAge")
}

func TestRistrettoCachePartition_JoinedServersUseShorterTTL(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, 1024*1024, 2*time.Hour)
	partition, ok := cache.JoinedServers.(*RistrettoCachePartition[string, map[spec.ServerName]struct{}])
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, partition.MaxAge)

	short := createTestCache(t, 1024*1024, time.Minute)
	partition = short.JoinedServers.(*RistrettoCachePartition[string, map[spec.ServerName]struct{}])
	assert.Equal(t, time.Minute, partition.MaxAge)
}

// =============================================================================
// Immutable Partitions
// =============================================================================

func TestRistrettoCachePartition_ImmutableCache_PanicsOnValueChange(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	cache.StoreRoomVersion("!room1:server", gomatrixserverlib.RoomVersionV10)
	waitForCacheProcessing(t)

	assert.Panics(t, func() {
		cache.StoreRoomVersion("!room1:server", gomatrixserverlib.RoomVersionV9)
	}, "Setting different value in immutable cache should panic")
	assert.NotPanics(t, func() {
		cache.StoreRoomVersion("!room1:server", gomatrixserverlib.RoomVersionV10)
	}, "Setting same value in immutable cache should not panic")
}

func TestRistrettoCachePartition_ImmutableCache_PanicsOnUnset(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	assert.Panics(t, func() {
		cache.EventStateGroups.Unset("$event")
	})
}

// =============================================================================
// Room Server Caches
// =============================================================================

func TestCaches_Events_StoreAndInvalidate(t *testing.T) {
	t.Parallel()

	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	cache := createDefaultTestCache(t)

	for _, ev := range room.Events() {
		cache.StoreEvent(ev)
	}
	waitForCacheProcessing(t)

	for _, ev := range room.Events() {
		got, ok := cache.GetEvent(ev.EventID())
		require.True(t, ok, "missing %s", ev.EventID())
		assert.Equal(t, ev.JSON(), got.JSON())
	}

	latest := room.Latest().EventID()
	cache.InvalidateEvent(latest)
	waitForCacheProcessing(t)
	_, ok := cache.GetEvent(latest)
	assert.False(t, ok)
}

func TestCaches_StateGroups_PartialEntryIsReplaced(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	create := types.StateKeyTuple{EventType: spec.MRoomCreate}
	topic := types.StateKeyTuple{EventType: "m.room.topic"}

	cache.StoreStateGroup(1, StateGroupEntry{State: types.StateMap{create: "$create"}})
	waitForCacheProcessing(t)
	entry, ok := cache.GetStateGroup(1)
	require.True(t, ok)
	assert.False(t, entry.Complete)

	full := types.StateMap{create: "$create", topic: "$topic"}
	cache.StoreStateGroup(1, StateGroupEntry{State: full, Complete: true})
	waitForCacheProcessing(t)
	entry, ok = cache.GetStateGroup(1)
	require.True(t, ok)
	assert.True(t, entry.Complete)
	assert.Equal(t, full, entry.State)

	cache.InvalidateStateGroup(1)
	waitForCacheProcessing(t)
	_, ok = cache.GetStateGroup(1)
	assert.False(t, ok)
}

func TestCaches_JoinedServers(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	servers := map[spec.ServerName]struct{}{"a": {}, "b": {}}
	cache.StoreJoinedServers("!room:server", servers)
	waitForCacheProcessing(t)

	got, ok := cache.GetJoinedServers("!room:server")
	require.True(t, ok)
	assert.Equal(t, servers, got)

	cache.InvalidateJoinedServers("!room:server")
	waitForCacheProcessing(t)
	_, ok = cache.GetJoinedServers("!room:server")
	assert.False(t, ok)
}

func TestCaches_ServerKeys(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	req := gomatrixserverlib.PublicKeyLookupRequest{ServerName: "remote", KeyID: "ed25519:a"}
	key := gomatrixserverlib.PublicKeyLookupResult{
		VerifyKey:    gomatrixserverlib.VerifyKey{Key: spec.Base64Bytes(test.ServerPublicKey("remote"))},
		ExpiredTS:    gomatrixserverlib.PublicKeyNotExpired,
		ValidUntilTS: 2000,
	}
	cache.StoreServerKey(req, key)
	waitForCacheProcessing(t)

	got, ok := cache.GetServerKey(req, 1500)
	require.True(t, ok)
	assert.Equal(t, key, got)
	_, ok = cache.GetServerKey(gomatrixserverlib.PublicKeyLookupRequest{ServerName: "remote", KeyID: "ed25519:b"}, 1500)
	assert.False(t, ok)

	// Keys can be refreshed.
	key.ValidUntilTS = 3000
	assert.NotPanics(t, func() {
		cache.StoreServerKey(req, key)
	})
}

func TestCaches_ServerKeyNotValidAtTimestamp(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	req := gomatrixserverlib.PublicKeyLookupRequest{ServerName: "remote", KeyID: "ed25519:old"}
	cache.StoreServerKey(req, gomatrixserverlib.PublicKeyLookupResult{
		VerifyKey: gomatrixserverlib.VerifyKey{Key: spec.Base64Bytes(test.ServerPublicKey("remote"))},
		ExpiredTS: 500,
	})
	waitForCacheProcessing(t)

	_, ok := cache.GetServerKey(req, 499)
	assert.True(t, ok)
	_, ok = cache.GetServerKey(req, 500)
	assert.False(t, ok, "expired keys miss so that they are refetched")
	waitForCacheProcessing(t)
	_, ok = cache.GetServerKey(req, 499)
	assert.False(t, ok, "the expired entry was dropped")
}

func TestCaches_FederationEvents(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ev := room.Latest()

	fetchedAt := time.Now()
	cache.StoreFederationEvent(ev, fetchedAt)
	waitForCacheProcessing(t)

	got, ok := cache.GetFederationEvent(ev.EventID(), time.Minute)
	require.True(t, ok)
	assert.Equal(t, ev.EventID(), got.EventID())

	_, ok = cache.GetFederationEvent(ev.EventID(), 0)
	assert.False(t, ok, "entries older than the TTL are not served")
}

func TestStateGroupEntry_CacheCost(t *testing.T) {
	empty := StateGroupEntry{}
	full := StateGroupEntry{State: types.StateMap{
		{EventType: spec.MRoomMember, StateKey: "@alice:server"}: "$member",
	}}
	assert.Greater(t, full.CacheCost(), empty.CacheCost())
}

// =============================================================================
// Concurrency
// =============================================================================

func TestCaches_ConcurrentMutableAccess(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				group := types.StateGroupID(j % 5)
				cache.StoreStateGroup(group, StateGroupEntry{State: types.StateMap{
					{EventType: "m.room.topic"}: fmt.Sprintf("$%d-%d", i, j),
				}, Complete: true})
				cache.GetStateGroup(group)
				cache.InvalidateJoinedServers(fmt.Sprintf("!room%d:server", j))
			}
		}(i)
	}
	wg.Wait()
}
