// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/element-hq/fedcore/roomserver/types"
)

type Rooms interface {
	InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, roomVersion gomatrixserverlib.RoomVersion, predecessor string) error
	// SelectRoomInfo returns sql.ErrNoRows if the room is unknown.
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
}

// EventRow is a persisted event as stored, before it is parsed.
type EventRow struct {
	types.EventMetadata
	JSON []byte
}

type Events interface {
	// InsertEvent stores the event if it isn't known yet. An existing outlier
	// is promoted when the incoming copy is not an outlier. Returns false if
	// nothing was written.
	InsertEvent(
		ctx context.Context, txn *sql.Tx, roomID, eventID, eventType string, stateKey *string,
		depth int64, eventJSON []byte, outlier bool, rejectedReason types.RejectionReason,
	) (types.StreamPosition, bool, error)
	SelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]EventRow, error)
	SelectEventMetadata(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventMetadata, error)
	SelectMaxDepth(ctx context.Context, txn *sql.Tx, roomID string) (int64, error)
}

type EventEdges interface {
	InsertEventEdges(ctx context.Context, txn *sql.Tx, roomID, eventID string, prevEventIDs []string) error
	// SelectIsReferenced returns true if any stored event lists eventID as a prev_event.
	SelectIsReferenced(ctx context.Context, txn *sql.Tx, eventID string) (bool, error)
}

type EventAuth interface {
	InsertEventAuth(ctx context.Context, txn *sql.Tx, roomID, eventID string, authEventIDs []string) error
	SelectAuthEventIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string][]string, error)
}

// EventGraph stores the prev_events and auth_events edges of events.
type EventGraph interface {
	EventEdges
	EventAuth
}

type Extremities interface {
	InsertForwardExtremity(ctx context.Context, txn *sql.Tx, roomID, eventID string) error
	DeleteForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string, eventIDs []string) error
	SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	InsertBackwardExtremity(ctx context.Context, txn *sql.Tx, roomID, eventID string, depth int64) error
	DeleteBackwardExtremity(ctx context.Context, txn *sql.Tx, roomID, eventID string) error
	// SelectBackwardExtremities returns each backward extremity with the
	// depth of the deepest known event that references it.
	SelectBackwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) (map[string]int64, error)
}

type StateGroups interface {
	InsertStateGroup(ctx context.Context, txn *sql.Tx, roomID, eventID string) (types.StateGroupID, error)
	InsertStateGroupEdge(ctx context.Context, txn *sql.Tx, group, prevGroup types.StateGroupID) error
	InsertStateGroupState(ctx context.Context, txn *sql.Tx, group types.StateGroupID, roomID string, state types.StateMap) error
	SelectStateGroupExists(ctx context.Context, txn *sql.Tx, group types.StateGroupID) (bool, error)
	// SelectPrevGroup returns 0 if the group is a full snapshot.
	SelectPrevGroup(ctx context.Context, txn *sql.Tx, group types.StateGroupID) (types.StateGroupID, error)
	SelectStateGroupState(ctx context.Context, txn *sql.Tx, group types.StateGroupID) (types.StateMap, error)
	SelectStateGroupStateForKey(ctx context.Context, txn *sql.Tx, group types.StateGroupID, key types.StateKeyTuple) (string, bool, error)
}

type EventStateGroups interface {
	InsertEventStateGroup(ctx context.Context, txn *sql.Tx, eventID string, group types.StateGroupID) error
	SelectEventStateGroups(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.StateGroupID, error)
}

type CurrentState interface {
	UpsertCurrentState(ctx context.Context, txn *sql.Tx, roomID string, key types.StateKeyTuple, eventID, membership string) error
	DeleteCurrentState(ctx context.Context, txn *sql.Tx, roomID string, key types.StateKeyTuple) error
	SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string) (types.StateMap, error)
	// SelectJoinedUsersWithDepth returns the joined users of a room along with
	// the depth of their join event.
	SelectJoinedUsersWithDepth(ctx context.Context, txn *sql.Tx, roomID string) (map[string]int64, error)
}
