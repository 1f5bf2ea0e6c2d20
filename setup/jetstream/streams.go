// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"time"

	"github.com/nats-io/nats.go"
)

const (
	UserID         = "user_id"
	RoomID         = "room_id"
	EventID        = "event_id"
	EventType      = "event_type"
	StreamPosition = "stream_pos"
)

var (
	OutputRoomEvent = "OutputRoomEvent"
)

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    time.Hour * 24,
	},
}
