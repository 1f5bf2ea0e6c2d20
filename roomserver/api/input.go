// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api contains the types used to feed events into the roomserver and
// to hear about the events it accepted.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/eventauth"
	"github.com/element-hq/fedcore/roomserver/types"
)

// Kind says how an input event relates to the room DAG.
type Kind int

const (
	// KindOutlier events are stored without a state context, e.g. auth
	// events fetched while authorising something else or invites for rooms
	// we are not in.
	KindOutlier Kind = iota + 1
	// KindNew events are new events at the edge of the room DAG.
	KindNew
	// KindOld events were fetched by backfilling history. They never move
	// the current state or generate notifications.
	KindOld
)

func (k Kind) String() string {
	switch k {
	case KindOutlier:
		return "KindOutlier"
	case KindNew:
		return "KindNew"
	case KindOld:
		return "KindOld"
	default:
		return "unknown"
	}
}

// InputRoomEvent is a matrix room event to add to the room server database.
type InputRoomEvent struct {
	// Whether this event is new, backfilled or an outlier.
	Kind Kind
	// The event. Its signatures and hashes have already been checked.
	Event *types.Event
	// The server that handed us the event. Missing ancestors and auth events
	// are requested from it first.
	Origin spec.ServerName
	// True if StateEventIDs is the state before the event, as handed to us
	// by a trusted response such as send_join.
	HasState bool
	// The state event IDs before the event, if HasState is set.
	StateEventIDs []string
}

// InputRoomEventsRequest is a request to InputRoomEvents.
type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent
	// Asynchronous requests return as soon as the events are queued.
	Asynchronous bool
}

// InputRoomEventsResponse is a response to InputRoomEvents.
type InputRoomEventsResponse struct {
	ErrMsg     string
	NotAllowed bool
	// Rejected maps the IDs of events that were stored as rejected to the
	// reason they were rejected.
	Rejected map[string]types.RejectionReason
}

func (r *InputRoomEventsResponse) Err() error {
	if r.ErrMsg == "" {
		return nil
	}
	if r.NotAllowed {
		return &eventauth.NotAllowed{Message: r.ErrMsg}
	}
	return fmt.Errorf("InputRoomEventsResponse: %s", r.ErrMsg)
}

// ErrJoinInProgress is returned when a join is attempted for a room that
// already has one running.
var ErrJoinInProgress = errors.New("a join for this room is already in progress")

// InputRoomEventsAPI feeds events into the roomserver.
type InputRoomEventsAPI interface {
	InputRoomEvents(ctx context.Context, req *InputRoomEventsRequest, res *InputRoomEventsResponse)
	// ProcessRoomEvent runs one event through the input pipeline. A
	// types.RejectedError means the event was stored as rejected.
	ProcessRoomEvent(ctx context.Context, input *InputRoomEvent) error
	// ProcessJoinResponse stores the result of a send_join together with the
	// join event.
	ProcessJoinResponse(ctx context.Context, join *types.Event, res *fedapi.SendJoinResult) error
	// ProcessInvite stores an invite received for one of our users.
	ProcessInvite(ctx context.Context, event *types.Event, origin spec.ServerName) error
	// ProcessOutliers stores events of the room as outliers.
	ProcessOutliers(ctx context.Context, roomID string, events []*types.Event) error
	// ProcessBackfill authorises backfilled events of the room and stores
	// them all or none of them. It returns how many events were stored.
	ProcessBackfill(ctx context.Context, roomID string, origin spec.ServerName, events []*types.Event) (int, error)

	// BeginJoin marks a join for the room as in progress, buffering events
	// for the room until release is called. The join runs under joinCtx,
	// which is cancelled if it takes too long. Returns ErrJoinInProgress if
	// there already is one.
	BeginJoin(ctx context.Context, roomID string) (joinCtx context.Context, release func(), err error)
	// AwaitJoin waits for a join in progress for the room to complete.
	AwaitJoin(ctx context.Context, roomID string) error
}
