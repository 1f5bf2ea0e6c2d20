// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/roomserver/eventauth"
	"github.com/element-hq/fedcore/roomserver/types"
)

// persistOutliers authorises each event against the auth events it names and
// stores the lot as outliers in a single transaction. Auth events may come
// from the batch itself. Events whose auth events can't be found anywhere
// are dropped. Events of other rooms and events we already have are
// skipped.
func (r *Inputer) persistOutliers(ctx context.Context, roomID string, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}
	logger := logrus.WithField("room_id", roomID)

	batch := make([]*types.Event, 0, len(events))
	ids := make([]string, 0, len(events))
	dedupe := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.RoomID() != roomID {
			logger.WithField("event_id", ev.EventID()).Warn("Dropping outlier from another room")
			continue
		}
		if _, ok := dedupe[ev.EventID()]; ok {
			continue
		}
		dedupe[ev.EventID()] = struct{}{}
		batch = append(batch, ev)
		ids = append(ids, ev.EventID())
	}
	newIDs, err := r.unseen(ctx, ids)
	if err != nil {
		return err
	}
	if len(newIDs) == 0 {
		return nil
	}
	isNew := make(map[string]struct{}, len(newIDs))
	for _, id := range newIDs {
		isNew[id] = struct{}{}
	}
	pending := make([]*types.Event, 0, len(newIDs))
	for _, ev := range batch {
		if _, ok := isNew[ev.EventID()]; ok {
			pending = append(pending, ev)
		}
	}
	pending = sortByAuthChain(pending)

	// Load every auth event we might already have in one go.
	var storedIDs []string
	for _, ev := range pending {
		for _, authID := range ev.AuthEventIDs() {
			if _, ok := isNew[authID]; !ok {
				storedIDs = append(storedIDs, authID)
			}
		}
	}
	stored, err := r.DB.EventsByID(ctx, storedIDs)
	if err != nil {
		return fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	seen, err := r.DB.HaveSeenEvents(ctx, storedIDs)
	if err != nil {
		return fmt.Errorf("r.DB.HaveSeenEvents: %w", err)
	}

	accepted := make(map[string]*types.Event, len(pending))
	settled := make(map[string]struct{}, len(pending))
	toStore := make([]types.EventWithContext, 0, len(pending))
	for _, ev := range pending {
		authEvents := make([]*types.Event, 0, len(ev.AuthEventIDs()))
		complete := true
		for _, authID := range ev.AuthEventIDs() {
			authEv, ok := accepted[authID]
			if !ok {
				authEv, ok = stored[authID]
			}
			if ok {
				authEvents = append(authEvents, authEv)
				continue
			}
			// Auth events rejected here or earlier are left out, so the
			// check below fails.
			if _, rejected := settled[authID]; !rejected && !seen[authID] {
				complete = false
			}
		}
		if !complete {
			logger.WithField("event_id", ev.EventID()).Warn("Dropping outlier with unknown auth events")
			continue
		}
		evCtx := &types.EventContext{Outlier: true}
		if err = r.RuleSet.Check(ev, authEvents); err != nil {
			var notAllowed *eventauth.NotAllowed
			if !errors.As(err, &notAllowed) {
				return fmt.Errorf("r.RuleSet.Check: %w", err)
			}
			logger.WithError(err).WithField("event_id", ev.EventID()).Info("Outlier failed auth checks")
			evCtx.RejectedReason = types.RejectedAuthError
		} else {
			accepted[ev.EventID()] = ev
		}
		settled[ev.EventID()] = struct{}{}
		toStore = append(toStore, types.EventWithContext{Event: ev, Context: evCtx})
	}
	if len(toStore) == 0 {
		return nil
	}
	if _, err = r.DB.StoreEvents(ctx, toStore); err != nil {
		return fmt.Errorf("r.DB.StoreEvents: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"stored":   len(toStore),
		"accepted": len(accepted),
	}).Debug("Stored outliers")
	return nil
}

// sortByAuthChain orders events so that every event comes after the events
// of the slice that it names as auth events. Ties are broken by depth and
// then by event ID.
func sortByAuthChain(events []*types.Event) []*types.Event {
	sorted := make([]*types.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Depth() != sorted[j].Depth() {
			return sorted[i].Depth() < sorted[j].Depth()
		}
		return sorted[i].EventID() < sorted[j].EventID()
	})
	byID := make(map[string]*types.Event, len(sorted))
	for _, ev := range sorted {
		byID[ev.EventID()] = ev
	}
	result := make([]*types.Event, 0, len(sorted))
	visited := make(map[string]struct{}, len(sorted))
	var visit func(ev *types.Event)
	visit = func(ev *types.Event) {
		if _, ok := visited[ev.EventID()]; ok {
			return
		}
		visited[ev.EventID()] = struct{}{}
		for _, authID := range ev.AuthEventIDs() {
			if authEv, ok := byID[authID]; ok {
				visit(authEv)
			}
		}
		result = append(result, ev)
	}
	for _, ev := range sorted {
		visit(ev)
	}
	return result
}
