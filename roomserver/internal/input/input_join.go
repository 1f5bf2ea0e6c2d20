// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/types"
)

// ProcessJoinResponse stores what a resident server returned from send_join:
// the auth chain and the room state as outliers, then the join event itself
// with that state. Events buffered for the room are only replayed once the
// caller releases its join.
func (r *Inputer) ProcessJoinResponse(ctx context.Context, join *types.Event, res *fedapi.SendJoinResult) error {
	roomID := join.RoomID()
	logger := logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"event_id": join.EventID(),
		"origin":   res.Origin,
	})

	var predecessor string
	stateEventIDs := make([]string, 0, len(res.StateEvents))
	for _, ev := range res.StateEvents {
		if ev.Type() == spec.MRoomCreate && ev.StateKeyEquals("") {
			predecessor = gjson.GetBytes(ev.Content(), "predecessor.room_id").Str
		}
		stateEventIDs = append(stateEventIDs, ev.EventID())
	}
	if err := checkEventsContainCreateEvent(res.StateEvents); err != nil {
		return err
	}
	if err := r.DB.StoreRoom(ctx, roomID, join.RoomVersion(), predecessor); err != nil {
		return fmt.Errorf("r.DB.StoreRoom: %w", err)
	}

	outliers := make([]*types.Event, 0, len(res.AuthChain)+len(res.StateEvents))
	outliers = append(outliers, res.AuthChain...)
	outliers = append(outliers, res.StateEvents...)
	if err := r.persistOutliers(ctx, roomID, withoutEvent(outliers, join.EventID())); err != nil {
		return fmt.Errorf("r.persistOutliers: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"auth_chain": len(res.AuthChain),
		"state":      len(res.StateEvents),
	}).Info("Stored the state returned by send_join")

	return r.processRoomEvent(ctx, &api.InputRoomEvent{
		Kind:          api.KindNew,
		Event:         join,
		Origin:        res.Origin,
		HasState:      true,
		StateEventIDs: stateEventIDs,
	}, processOpts{bypassQueue: true})
}

// checkEventsContainCreateEvent makes sure that a room state includes the
// create event of the room, without which nothing in it can be authorised.
func checkEventsContainCreateEvent(events []*types.Event) error {
	for _, ev := range events {
		if ev.Type() == spec.MRoomCreate && ev.StateKeyEquals("") {
			return nil
		}
	}
	return types.MissingStateError("room state is missing the m.room.create event")
}
