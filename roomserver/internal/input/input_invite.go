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

	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/types"
)

// ProcessInvite stores an invite for one of our users as an outlier. If we
// know every auth event of the invite it is authorised like any other
// outlier. Otherwise we are not in the room and can't fetch its auth chain,
// so the invite is stored as handed to us.
func (r *Inputer) ProcessInvite(ctx context.Context, event *types.Event, origin spec.ServerName) error {
	logger := logrus.WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"room_id":  event.RoomID(),
		"origin":   origin,
	})
	input := &api.InputRoomEvent{Kind: api.KindOutlier, Event: event, Origin: origin}

	seen, err := r.DB.HaveSeenEvents(ctx, event.AuthEventIDs())
	if err != nil {
		return fmt.Errorf("r.DB.HaveSeenEvents: %w", err)
	}
	haveAuth := true
	for _, authID := range event.AuthEventIDs() {
		if !seen[authID] {
			haveAuth = false
			break
		}
	}
	if haveAuth {
		return r.ProcessRoomEvent(ctx, input)
	}

	if err = r.checkSanity(event); err != nil {
		return err
	}
	if err = r.ensureRoom(ctx, input); err != nil {
		return err
	}
	evCtx := &types.EventContext{Outlier: true}
	pos, written, err := r.persist(ctx, input, evCtx, 0, nil)
	if err != nil {
		return err
	}
	if !written {
		return nil
	}
	logger.Info("Stored invite for a room we are not in")
	r.notify(ctx, input, evCtx, pos, logger)
	return nil
}

// ProcessOutliers authorises and stores events handed to us by another
// server as outliers, e.g. the auth chain sent with a query_auth request.
func (r *Inputer) ProcessOutliers(ctx context.Context, roomID string, events []*types.Event) error {
	return r.persistOutliers(ctx, roomID, events)
}
