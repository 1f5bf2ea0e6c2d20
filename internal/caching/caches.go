// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/roomserver/types"
)

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	RoomVersions     Cache[string, gomatrixserverlib.RoomVersion]           // room ID -> room version
	Events           Cache[string, *types.Event]                            // event ID -> event
	EventStateGroups Cache[string, types.StateGroupID]                      // event ID -> state group
	StateGroups      Cache[types.StateGroupID, StateGroupEntry]             // state group -> state
	ServerKeys       Cache[string, gomatrixserverlib.PublicKeyLookupResult] // server name + key ID -> key
	JoinedServers    Cache[string, map[spec.ServerName]struct{}]            // room ID -> joined servers
	FederationEvents Cache[string, FederationEvent]                         // event ID -> event fetched over federation
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

type keyable interface {
	// from https://github.com/dgraph-io/ristretto/blob/8e850b710d6df0383c375ec6a7beae4ce48fc8d5/z/z.go#L34
	~uint64 | ~string | []byte | byte | ~int | ~int32 | ~uint32 | ~int64
}

type costable interface {
	CacheCost() int
}

// StateGroupEntry is a cached state group. When Complete is false State only
// holds the keys that some earlier filtered lookup asked for.
type StateGroupEntry struct {
	State    types.StateMap
	Complete bool
}

// CacheCost estimates the memory footprint of the entry.
func (e StateGroupEntry) CacheCost() int {
	cost := 16
	for k, v := range e.State {
		cost += len(k.EventType) + len(k.StateKey) + len(v)
	}
	return cost
}

// FederationEvent is an event fetched from a remote server with /event.
type FederationEvent struct {
	Event     *types.Event
	FetchedAt time.Time
}

func (e FederationEvent) CacheCost() int {
	return e.Event.CacheCost() + 24
}

// RoomVersionCache contains the subset of functions needed for
// a room version cache.
type RoomVersionCache interface {
	GetRoomVersion(roomID string) (roomVersion gomatrixserverlib.RoomVersion, ok bool)
	StoreRoomVersion(roomID string, roomVersion gomatrixserverlib.RoomVersion)
}

func (c Caches) GetRoomVersion(roomID string) (gomatrixserverlib.RoomVersion, bool) {
	return c.RoomVersions.Get(roomID)
}

func (c Caches) StoreRoomVersion(roomID string, roomVersion gomatrixserverlib.RoomVersion) {
	c.RoomVersions.Set(roomID, roomVersion)
}

// EventCache caches events by event ID.
type EventCache interface {
	GetEvent(eventID string) (*types.Event, bool)
	StoreEvent(event *types.Event)
	InvalidateEvent(eventID string)
}

func (c Caches) GetEvent(eventID string) (*types.Event, bool) {
	return c.Events.Get(eventID)
}

func (c Caches) StoreEvent(event *types.Event) {
	c.Events.Set(event.EventID(), event)
}

func (c Caches) InvalidateEvent(eventID string) {
	c.Events.Unset(eventID)
}

// StateGroupCache caches state group contents and the state group that each
// event points at.
type StateGroupCache interface {
	GetStateGroup(group types.StateGroupID) (StateGroupEntry, bool)
	StoreStateGroup(group types.StateGroupID, entry StateGroupEntry)
	InvalidateStateGroup(group types.StateGroupID)
	GetEventStateGroup(eventID string) (types.StateGroupID, bool)
	StoreEventStateGroup(eventID string, group types.StateGroupID)
}

func (c Caches) GetStateGroup(group types.StateGroupID) (StateGroupEntry, bool) {
	return c.StateGroups.Get(group)
}

func (c Caches) StoreStateGroup(group types.StateGroupID, entry StateGroupEntry) {
	c.StateGroups.Set(group, entry)
}

func (c Caches) InvalidateStateGroup(group types.StateGroupID) {
	c.StateGroups.Unset(group)
}

func (c Caches) GetEventStateGroup(eventID string) (types.StateGroupID, bool) {
	return c.EventStateGroups.Get(eventID)
}

func (c Caches) StoreEventStateGroup(eventID string, group types.StateGroupID) {
	c.EventStateGroups.Set(eventID, group)
}

// ServerKeyCache caches verified signing keys of remote servers.
type ServerKeyCache interface {
	// GetServerKey returns the key for the request if it is still usable
	// for signatures made at timestamp.
	GetServerKey(request gomatrixserverlib.PublicKeyLookupRequest, timestamp spec.Timestamp) (gomatrixserverlib.PublicKeyLookupResult, bool)
	StoreServerKey(request gomatrixserverlib.PublicKeyLookupRequest, response gomatrixserverlib.PublicKeyLookupResult)
}

func serverKeyCacheKey(request gomatrixserverlib.PublicKeyLookupRequest) string {
	return string(request.ServerName) + "\000" + string(request.KeyID)
}

func (c Caches) GetServerKey(request gomatrixserverlib.PublicKeyLookupRequest, timestamp spec.Timestamp) (gomatrixserverlib.PublicKeyLookupResult, bool) {
	key := serverKeyCacheKey(request)
	val, found := c.ServerKeys.Get(key)
	if found && !val.WasValidAt(timestamp, gomatrixserverlib.StrictValiditySignatureCheck) {
		// The key is no longer valid for this timestamp, drop it so that it
		// gets refetched.
		c.ServerKeys.Unset(key)
		return gomatrixserverlib.PublicKeyLookupResult{}, false
	}
	return val, found
}

func (c Caches) StoreServerKey(request gomatrixserverlib.PublicKeyLookupRequest, response gomatrixserverlib.PublicKeyLookupResult) {
	c.ServerKeys.Set(serverKeyCacheKey(request), response)
}

// JoinedServersCache caches the set of servers with joined members per room.
type JoinedServersCache interface {
	GetJoinedServers(roomID string) (map[spec.ServerName]struct{}, bool)
	StoreJoinedServers(roomID string, servers map[spec.ServerName]struct{})
	InvalidateJoinedServers(roomID string)
}

func (c Caches) GetJoinedServers(roomID string) (map[spec.ServerName]struct{}, bool) {
	return c.JoinedServers.Get(roomID)
}

func (c Caches) StoreJoinedServers(roomID string, servers map[spec.ServerName]struct{}) {
	c.JoinedServers.Set(roomID, servers)
}

func (c Caches) InvalidateJoinedServers(roomID string) {
	c.JoinedServers.Unset(roomID)
}

// FederationEventCache caches events fetched over federation, so that
// repeated lookups of the same event don't hit remote servers again.
type FederationEventCache interface {
	// GetFederationEvent returns the event if it was fetched less than ttl
	// ago.
	GetFederationEvent(eventID string, ttl time.Duration) (*types.Event, bool)
	StoreFederationEvent(event *types.Event, fetchedAt time.Time)
}

func (c Caches) GetFederationEvent(eventID string, ttl time.Duration) (*types.Event, bool) {
	entry, ok := c.FederationEvents.Get(eventID)
	if !ok || time.Since(entry.FetchedAt) >= ttl {
		return nil, false
	}
	return entry.Event, true
}

func (c Caches) StoreFederationEvent(event *types.Event, fetchedAt time.Time) {
	c.FederationEvents.Set(event.EventID(), FederationEvent{Event: event, FetchedAt: fetchedAt})
}

func lesserOf(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// RoomServerCaches contains the caches used by the room server storage.
type RoomServerCaches interface {
	RoomVersionCache
	EventCache
	StateGroupCache
	JoinedServersCache
}
