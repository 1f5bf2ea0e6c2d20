// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/roomserver/types"
)

type Database interface {
	// StoreRoom records the version of a room. Storing a room twice is a no-op.
	StoreRoom(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion, predecessor string) error
	// RoomInfo returns nil if the room is not known.
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error)
	RoomVersion(ctx context.Context, roomID string) (gomatrixserverlib.IRoomVersion, error)

	// StoreEvents persists events and their contexts in a single transaction.
	// Events that are already stored are skipped, except that an outlier is
	// promoted when it arrives again as part of the DAG. The stream positions
	// of the events that were written are returned.
	StoreEvents(ctx context.Context, events []types.EventWithContext) (map[string]types.StreamPosition, error)
	// EventsByID returns the accepted events among eventIDs, outliers included.
	EventsByID(ctx context.Context, eventIDs []string) (map[string]*types.Event, error)
	// EventMetadata returns the processing outcome of every stored event
	// among eventIDs, rejected events included.
	EventMetadata(ctx context.Context, eventIDs []string) (map[string]types.EventMetadata, error)
	HaveSeenEvents(ctx context.Context, eventIDs []string) (map[string]bool, error)
	AuthChainIDs(ctx context.Context, eventIDs []string) ([]string, error)

	ForwardExtremities(ctx context.Context, roomID string) ([]string, error)
	BackwardExtremities(ctx context.Context, roomID string) (map[string]int64, error)
	MaxDepth(ctx context.Context, roomID string) (int64, error)
	GetMissingEvents(ctx context.Context, roomID string, earliest, latest []string, limit int, minDepth int64) ([]*types.Event, error)
	BackfillEvents(ctx context.Context, roomID string, fromEventIDs []string, limit int) ([]*types.Event, error)

	StateGroupsForEvents(ctx context.Context, eventIDs []string) (map[string]types.StateGroupID, error)
	GetStateGroupsIDs(ctx context.Context, roomID string, eventIDs []string) (map[types.StateGroupID]types.StateMap, error)
	GetStateForGroupsFiltered(ctx context.Context, groups []types.StateGroupID, filter []types.StateKeyTuple) (map[types.StateGroupID]types.StateMap, error)
	StoreStateGroup(ctx context.Context, eventID, roomID string, prevGroup types.StateGroupID, delta, current types.StateMap) (types.StateGroupID, error)
	StateAfterEvent(ctx context.Context, eventID string) (types.StateMap, error)

	CurrentState(ctx context.Context, roomID string) (types.StateMap, error)
	SetCurrentState(ctx context.Context, roomID string, state types.StateMap) error
	// JoinedServers returns the servers with joined members, ordered by the
	// depth of their earliest current join.
	JoinedServers(ctx context.Context, roomID string) ([]spec.ServerName, error)
	ServerInRoom(ctx context.Context, serverName spec.ServerName, roomID string) (bool, error)
}
