// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/element-hq/fedcore/roomserver/types"
)

// Notifier hears about every accepted event once it has been persisted.
// Rejected events and events stored a second time are never notified.
type Notifier interface {
	OnNewRoomEvent(ctx context.Context, event *types.Event, pos types.StreamPosition, extraUsers []string) error
}

// OutputType is the kind of an OutputEvent.
type OutputType string

const (
	// OutputTypeNewRoomEvent is an OutputNewRoomEvent.
	OutputTypeNewRoomEvent OutputType = "new_room_event"
	// OutputTypeNewInviteEvent is an OutputNewRoomEvent carrying an invite.
	OutputTypeNewInviteEvent OutputType = "new_invite_event"
)

// OutputEvent is what is published to the output stream.
type OutputEvent struct {
	Type         OutputType          `json:"type"`
	NewRoomEvent *OutputNewRoomEvent `json:"new_room_event,omitempty"`
}

// OutputNewRoomEvent is written when the roomserver accepts a new event.
type OutputNewRoomEvent struct {
	Event          json.RawMessage               `json:"event"`
	RoomVersion    gomatrixserverlib.RoomVersion `json:"room_version"`
	StreamPosition types.StreamPosition          `json:"stream_position"`
	// Users other than the joined members that should hear about the
	// event, e.g. the target of a membership change.
	ExtraUsers []string `json:"extra_users,omitempty"`
}
