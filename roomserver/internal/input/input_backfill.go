// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/state"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
)

// backfilledEvent is an event of a backfill batch whose context has been
// worked out but not stored yet.
type backfilledEvent struct {
	event *types.Event
	ctx   *types.EventContext
	// The state group to store the state after the event against, either a
	// stored one or that of an earlier event of the batch.
	prevGroup      types.StateGroupID
	prevEventID    string
	prevGroupState types.StateMap
}

// ProcessBackfill authorises backfilled events of the room, oldest first,
// and stores them in a single transaction. If any of them can't be
// processed, none are stored. Events of other rooms, events failing sanity
// checks and events we already have are skipped. It returns how many events
// were stored, rejected ones included.
func (r *Inputer) ProcessBackfill(ctx context.Context, roomID string, origin spec.ServerName, events []*types.Event) (int, error) {
	trace, ctx := internal.StartRegion(ctx, "ProcessBackfill")
	trace.SetTag("room_id", roomID)
	defer trace.EndRegion()
	logger := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"origin":  origin,
	})

	info, err := r.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if info == nil {
		return 0, fmt.Errorf("room %s: %w", roomID, types.ErrorInvalidRoomInfo)
	}

	pending, err := r.pendingBackfill(ctx, roomID, info, events, logger)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	// Batch events are visible to authorisation and state resolution before
	// they are stored.
	overlay := &batchDatabase{
		Database: r.DB,
		accepted: make(map[string]*types.Event, len(pending)),
		settled:  make(map[string]struct{}, len(pending)),
	}
	view := *r
	view.DB = overlay

	done := make(map[string]*backfilledEvent, len(pending))
	batch := make([]*backfilledEvent, 0, len(pending))
	for _, ev := range pending {
		input := &api.InputRoomEvent{Kind: api.KindOld, Event: ev, Origin: origin}
		b, err := view.contextForBackfilled(ctx, input, done)
		if err != nil {
			trace.SetError(err)
			return 0, fmt.Errorf("event %s: %w", ev.EventID(), err)
		}
		rejection, err := view.doAuth(ctx, ev, b.ctx, origin)
		if err != nil {
			trace.SetError(err)
			return 0, fmt.Errorf("event %s: r.doAuth: %w", ev.EventID(), err)
		}
		after := b.ctx.PrevState.Copy()
		if rejection != nil {
			logger.WithError(rejection).WithField("event_id", ev.EventID()).Info("Backfilled event failed auth checks")
		} else {
			if tuple, ok := ev.StateKeyTuple(); ok {
				after[tuple] = ev.EventID()
			}
			overlay.accepted[ev.EventID()] = ev
		}
		b.ctx.CurrentState = after
		overlay.settled[ev.EventID()] = struct{}{}
		done[ev.EventID()] = b
		batch = append(batch, b)
	}

	unlock, err := r.persistLinearizer.Lock(ctx, roomID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	// State groups nothing refers to are harmless, so they are allocated
	// ahead of the single transaction storing the events.
	toStore := make([]types.EventWithContext, 0, len(batch))
	for _, b := range batch {
		prevGroup, prevGroupState := b.prevGroup, b.prevGroupState
		if prev, ok := done[b.prevEventID]; ok {
			prevGroup, prevGroupState = prev.ctx.StateGroup, prev.ctx.CurrentState
		}
		if err = r.allocateStateGroup(ctx, b.event, b.ctx, prevGroup, prevGroupState); err != nil {
			trace.SetError(err)
			return 0, fmt.Errorf("event %s: %w", b.event.EventID(), err)
		}
		toStore = append(toStore, types.EventWithContext{Event: b.event, Context: b.ctx})
	}
	written, err := r.DB.StoreEvents(ctx, toStore)
	if err != nil {
		trace.SetError(err)
		return 0, fmt.Errorf("r.DB.StoreEvents: %w", err)
	}
	for _, b := range batch {
		if _, ok := written[b.event.EventID()]; !ok {
			continue
		}
		outcome := outcomeAccepted
		if b.ctx.Rejected() {
			outcome = outcomeRejected
		}
		processedEvents.WithLabelValues(api.KindOld.String(), outcome).Inc()
	}
	logger.WithFields(logrus.Fields{
		"received": len(events),
		"stored":   len(written),
	}).Debug("Stored backfilled events")
	return len(written), nil
}

// pendingBackfill returns the events of the batch that still need storing,
// oldest first.
func (r *Inputer) pendingBackfill(
	ctx context.Context, roomID string, info *types.RoomInfo, events []*types.Event, logger *logrus.Entry,
) ([]*types.Event, error) {
	byID := make(map[string]*types.Event, len(events))
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.RoomID() != roomID || ev.RoomVersion() != info.RoomVersion {
			logger.WithField("event_id", ev.EventID()).Warn("Dropping backfilled event from another room")
			continue
		}
		if _, ok := byID[ev.EventID()]; ok {
			continue
		}
		if err := r.checkSanity(ev); err != nil {
			logger.WithError(err).WithField("event_id", ev.EventID()).Warn("Backfilled event failed sanity checks")
			processedEvents.WithLabelValues(api.KindOld.String(), outcomeSanity).Inc()
			continue
		}
		byID[ev.EventID()] = ev
		ids = append(ids, ev.EventID())
	}
	known, err := r.DB.EventMetadata(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("r.DB.EventMetadata: %w", err)
	}
	pending := make([]*types.Event, 0, len(ids))
	for _, id := range ids {
		if md, ok := known[id]; ok && !md.Outlier {
			continue
		}
		pending = append(pending, byID[id])
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Depth() != pending[j].Depth() {
			return pending[i].Depth() < pending[j].Depth()
		}
		return pending[i].EventID() < pending[j].EventID()
	})
	return pending, nil
}

// contextForBackfilled works out the state before a backfilled event from
// the events of the batch already handled and from stored state groups.
// Prev events known to neither are asked from the origin.
func (r *Inputer) contextForBackfilled(
	ctx context.Context, input *api.InputRoomEvent, done map[string]*backfilledEvent,
) (*backfilledEvent, error) {
	event := input.Event
	b := &backfilledEvent{event: event, ctx: &types.EventContext{}}

	var stateSets []types.StateMap
	var stored []string
	for _, prevID := range event.PrevEventIDs() {
		if prev, ok := done[prevID]; ok {
			stateSets = append(stateSets, prev.ctx.CurrentState)
			b.prevEventID = prevID
			continue
		}
		stored = append(stored, prevID)
	}
	if len(stored) > 0 {
		missing, err := r.missingPrevEvents(ctx, stored)
		if err != nil {
			return nil, err
		}
		groupStates, err := r.DB.GetStateGroupsIDs(ctx, event.RoomID(), stored)
		if err != nil {
			return nil, fmt.Errorf("r.DB.GetStateGroupsIDs: %w", err)
		}
		groups := make([]types.StateGroupID, 0, len(groupStates))
		for group := range groupStates {
			groups = append(groups, group)
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
		for _, group := range groups {
			stateSets = append(stateSets, groupStates[group])
		}
		if b.prevEventID == "" && len(groups) > 0 {
			b.prevGroup = groups[len(groups)-1]
			b.prevGroupState = groupStates[b.prevGroup]
		}
		for _, prevID := range missing {
			if input.Origin == "" {
				return nil, types.MissingStateError(fmt.Sprintf("no state known for the prev events of %s", event.EventID()))
			}
			after, err := r.stateAfterMissingPrev(ctx, input, prevID)
			if err != nil {
				return nil, err
			}
			stateSets = append(stateSets, after)
		}
	}

	switch len(stateSets) {
	case 0:
		b.ctx.PrevState = types.StateMap{}
	case 1:
		b.ctx.PrevState = stateSets[0].Copy()
	default:
		resolved, err := state.Resolve(ctx, event.Version(), stateSets, r.DB)
		if err != nil {
			return nil, fmt.Errorf("state.Resolve: %w", err)
		}
		b.ctx.PrevState = resolved
	}
	return b, nil
}

// batchDatabase lets the events of a batch that is being authorised be
// looked up as if they had been stored already.
type batchDatabase struct {
	storage.Database
	// accepted events are returned by EventsByID.
	accepted map[string]*types.Event
	// settled events were accepted or rejected and count as seen.
	settled map[string]struct{}
}

func (d *batchDatabase) EventsByID(ctx context.Context, eventIDs []string) (map[string]*types.Event, error) {
	rest := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		if _, ok := d.accepted[id]; !ok {
			rest = append(rest, id)
		}
	}
	result, err := d.Database.EventsByID(ctx, rest)
	if err != nil {
		return nil, err
	}
	for _, id := range eventIDs {
		if ev, ok := d.accepted[id]; ok {
			result[id] = ev
		}
	}
	return result, nil
}

func (d *batchDatabase) HaveSeenEvents(ctx context.Context, eventIDs []string) (map[string]bool, error) {
	seen, err := d.Database.HaveSeenEvents(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range eventIDs {
		if _, ok := d.settled[id]; ok {
			seen[id] = true
		}
	}
	return seen, nil
}
