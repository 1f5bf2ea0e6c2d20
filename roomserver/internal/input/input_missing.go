// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/state"
	"github.com/element-hq/fedcore/roomserver/types"
)

// maxConcurrentFetches bounds the /event requests made to fill in a state
// snapshot.
const maxConcurrentFetches = 10

// stateBeforeEvent works out the state before a non-outlier event from the
// state after each of its prev events. Gaps are filled from the origin if
// allowed, and prev events that are still unknown afterwards are replaced by
// the state the origin reports at them.
//
// It also returns a state group of one of the prev events with its state, so
// that the new state group can be stored as a delta on top of it.
func (r *Inputer) stateBeforeEvent(
	ctx context.Context, input *api.InputRoomEvent, opts processOpts,
) (types.StateMap, types.StateGroupID, types.StateMap, error) {
	event := input.Event
	prevIDs := event.PrevEventIDs()
	if len(prevIDs) == 0 {
		return types.StateMap{}, 0, nil, nil
	}

	missing, err := r.missingPrevEvents(ctx, prevIDs)
	if err != nil {
		return nil, 0, nil, err
	}
	if len(missing) > 0 && opts.fetchMissing && input.Kind == api.KindNew && input.Origin != "" {
		if err = r.fetchMissingPrevEvents(ctx, input); err != nil {
			logrus.WithError(err).WithField("event_id", event.EventID()).Warn("Failed to fetch missing prev events")
		}
		if missing, err = r.missingPrevEvents(ctx, prevIDs); err != nil {
			return nil, 0, nil, err
		}
	}

	groupStates, err := r.DB.GetStateGroupsIDs(ctx, event.RoomID(), prevIDs)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("r.DB.GetStateGroupsIDs: %w", err)
	}
	groups := make([]types.StateGroupID, 0, len(groupStates))
	for group := range groupStates {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	stateSets := make([]types.StateMap, 0, len(groups)+len(missing))
	for _, group := range groups {
		stateSets = append(stateSets, groupStates[group])
	}
	if len(missing) > 0 {
		if input.Origin == "" {
			return nil, 0, nil, types.MissingStateError(fmt.Sprintf("no state known for the prev events of %s", event.EventID()))
		}
		for _, prevID := range missing {
			after, err := r.stateAfterMissingPrev(ctx, input, prevID)
			if err != nil {
				return nil, 0, nil, err
			}
			stateSets = append(stateSets, after)
		}
	}

	var prevGroup types.StateGroupID
	var prevGroupState types.StateMap
	if len(groups) > 0 {
		prevGroup = groups[len(groups)-1]
		prevGroupState = groupStates[prevGroup]
	}
	if len(stateSets) == 1 {
		return stateSets[0].Copy(), prevGroup, prevGroupState, nil
	}
	resolved, err := state.Resolve(ctx, event.Version(), stateSets, r.DB)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("state.Resolve: %w", err)
	}
	return resolved, prevGroup, prevGroupState, nil
}

// missingPrevEvents returns the prev events that have no state group, i.e.
// that are unknown or only known as outliers.
func (r *Inputer) missingPrevEvents(ctx context.Context, prevIDs []string) ([]string, error) {
	groups, err := r.DB.StateGroupsForEvents(ctx, prevIDs)
	if err != nil {
		return nil, fmt.Errorf("r.DB.StateGroupsForEvents: %w", err)
	}
	var missing []string
	for _, prevID := range prevIDs {
		if _, ok := groups[prevID]; !ok {
			missing = append(missing, prevID)
		}
	}
	return missing, nil
}

// fetchMissingPrevEvents asks the origin for the events between our forward
// extremities and the event, and processes them oldest first. Only one gap
// per room is filled at a time.
func (r *Inputer) fetchMissingPrevEvents(ctx context.Context, input *api.InputRoomEvent) error {
	event := input.Event
	roomID := event.RoomID()
	logger := logrus.WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"room_id":  roomID,
		"origin":   input.Origin,
	})

	unlock, err := r.missingLinearizer.Lock(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	// Somebody else may have filled the gap while we waited.
	missing, err := r.missingPrevEvents(ctx, event.PrevEventIDs())
	if err != nil || len(missing) == 0 {
		return err
	}

	maxDepth, err := r.DB.MaxDepth(ctx, roomID)
	if err != nil {
		return fmt.Errorf("r.DB.MaxDepth: %w", err)
	}
	if event.Depth()+r.Cfg.MaxMissingEventsDepthDelta < maxDepth {
		logger.WithFields(logrus.Fields{
			"depth":     event.Depth(),
			"max_depth": maxDepth,
		}).Debug("Event is too far behind to fill the gap from get_missing_events")
		return nil
	}
	latest, err := r.DB.ForwardExtremities(ctx, roomID)
	if err != nil {
		return fmt.Errorf("r.DB.ForwardExtremities: %w", err)
	}
	minDepth := maxDepth - r.Cfg.MaxMissingEventsDepthDelta
	if minDepth < 0 {
		minDepth = 0
	}

	logger.WithField("missing", len(missing)).Debug("Fetching missing prev events")
	events, err := r.FSAPI.GetMissingEvents(ctx, input.Origin, roomID, fedapi.MissingEventsRequest{
		Limit:          r.Cfg.MissingEventsLimit,
		MinDepth:       minDepth,
		EarliestEvents: latest,
		LatestEvents:   []string{event.EventID()},
	}, event.Version())
	if err != nil {
		return fmt.Errorf("r.FSAPI.GetMissingEvents: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Depth() < events[j].Depth()
	})
	for _, ev := range events {
		if ev.EventID() == event.EventID() || ev.RoomID() != roomID {
			continue
		}
		err = r.processRoomEvent(ctx, &api.InputRoomEvent{
			Kind:   api.KindNew,
			Event:  ev,
			Origin: input.Origin,
		}, processOpts{bypassQueue: true})
		if err != nil {
			logger.WithError(err).WithField("missing_event_id", ev.EventID()).Warn("Failed to process missing event")
		}
	}
	return nil
}

// stateAfterMissingPrev asks the origin for the state at a prev event we
// don't have, fetches the events we haven't seen and stores them as
// outliers. The result is the state after the prev event.
func (r *Inputer) stateAfterMissingPrev(ctx context.Context, input *api.InputRoomEvent, prevID string) (types.StateMap, error) {
	event := input.Event
	roomID := event.RoomID()
	logger := logrus.WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"room_id":  roomID,
		"prev_id":  prevID,
		"origin":   input.Origin,
	})
	logger.Debug("Requesting the state at a missing prev event")

	ids, err := r.FSAPI.GetRoomStateIDs(ctx, input.Origin, roomID, prevID)
	if err != nil {
		return nil, fmt.Errorf("r.FSAPI.GetRoomStateIDs: %w", err)
	}

	wanted := make([]string, 0, len(ids.StateEventIDs)+len(ids.AuthChainIDs)+1)
	wanted = append(wanted, prevID)
	wanted = append(wanted, ids.StateEventIDs...)
	wanted = append(wanted, ids.AuthChainIDs...)
	seen, err := r.DB.HaveSeenEvents(ctx, wanted)
	if err != nil {
		return nil, fmt.Errorf("r.DB.HaveSeenEvents: %w", err)
	}
	unknown := make([]string, 0, len(wanted))
	dedupe := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		if _, ok := dedupe[id]; ok || seen[id] {
			continue
		}
		dedupe[id] = struct{}{}
		unknown = append(unknown, id)
	}

	servers, err := r.serversToAsk(ctx, roomID, input.Origin)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	fetched := make([]*types.Event, 0, len(unknown))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, id := range unknown {
		g.Go(func() error {
			ev, err := r.FSAPI.GetPDU(gctx, servers, id, event.Version())
			if err != nil {
				return fmt.Errorf("r.FSAPI.GetPDU(%s): %w", id, err)
			}
			mu.Lock()
			fetched = append(fetched, ev)
			mu.Unlock()
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	logger.WithField("fetched", len(fetched)).Debug("Fetched unknown state events")
	if err = r.persistOutliers(ctx, roomID, fetched); err != nil {
		return nil, err
	}

	after, err := r.stateFromEventIDs(ctx, ids.StateEventIDs)
	if err != nil {
		return nil, err
	}
	prev, err := r.DB.EventsByID(ctx, []string{prevID})
	if err != nil {
		return nil, fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	if prevEv, ok := prev[prevID]; ok {
		if tuple, ok := prevEv.StateKeyTuple(); ok {
			after[tuple] = prevID
		}
	}
	return after, nil
}

// serversToAsk lists the origin first, then the other servers in the room.
func (r *Inputer) serversToAsk(ctx context.Context, roomID string, origin spec.ServerName) ([]spec.ServerName, error) {
	joined, err := r.DB.JoinedServers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.JoinedServers: %w", err)
	}
	servers := make([]spec.ServerName, 0, len(joined)+1)
	servers = append(servers, origin)
	for _, server := range joined {
		if server != origin {
			servers = append(servers, server)
		}
	}
	return servers, nil
}
