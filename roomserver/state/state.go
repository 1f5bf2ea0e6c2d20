// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state resolves conflicting room state.
package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/types"
)

// EventProvider loads events by ID. Events that are unknown or were rejected
// are left out of the result.
type EventProvider interface {
	EventsByID(ctx context.Context, eventIDs []string) (map[string]*types.Event, error)
}

// EventProviderFunc adapts a function to EventProvider.
type EventProviderFunc func(ctx context.Context, eventIDs []string) (map[string]*types.Event, error)

func (f EventProviderFunc) EventsByID(ctx context.Context, eventIDs []string) (map[string]*types.Event, error) {
	return f(ctx, eventIDs)
}

// Resolve merges the given state sets into a single state using the
// algorithm of the room version. The result does not depend on the order of
// stateSets.
func Resolve(ctx context.Context, ver gomatrixserverlib.IRoomVersion, stateSets []types.StateMap, provider EventProvider) (types.StateMap, error) {
	trace, ctx := internal.StartRegion(ctx, "state.Resolve")
	defer trace.EndRegion()

	switch len(stateSets) {
	case 0:
		return types.StateMap{}, nil
	case 1:
		return stateSets[0].Copy(), nil
	}

	r := &resolver{
		provider: provider,
		events:   make(map[string]*types.Event),
	}
	switch algo := ver.StateResAlgorithm(); algo {
	case gomatrixserverlib.StateResV1:
		unconflicted, conflicted := SeparateConflicts(stateSets, false)
		if len(conflicted) == 0 {
			return unconflicted, nil
		}
		return r.resolveV1(ctx, unconflicted, conflicted)
	case gomatrixserverlib.StateResV2, gomatrixserverlib.StateResV2_1:
		unconflicted, conflicted := SeparateConflicts(stateSets, true)
		if len(conflicted) == 0 {
			return unconflicted, nil
		}
		return r.resolveV2(ctx, unconflicted, conflicted)
	default:
		return nil, fmt.Errorf("room version %s has unsupported state resolution algorithm %v", ver.Version(), algo)
	}
}

func (r *resolver) resolveV1(ctx context.Context, unconflicted types.StateMap, conflicted map[types.StateKeyTuple][]string) (types.StateMap, error) {
	conflictedEvents, err := r.conflictedEvents(ctx, conflicted)
	if err != nil {
		return nil, err
	}

	// The auth events of the conflicted events come first so that the
	// unconflicted state overrides them.
	var authIDs []string
	for _, ev := range conflictedEvents {
		authIDs = append(authIDs, ev.AuthEventIDs()...)
	}
	for tuple, id := range unconflicted {
		if isAuthTuple(tuple) {
			authIDs = append(authIDs, id)
		}
	}
	if err = r.load(ctx, authIDs); err != nil {
		return nil, err
	}
	authEvents := make([]gomatrixserverlib.PDU, 0, len(authIDs))
	for _, id := range authIDs {
		if ev := r.event(id); ev != nil {
			authEvents = append(authEvents, ev.PDU)
		}
	}

	resolved := unconflicted.Copy()
	for _, pdu := range gomatrixserverlib.ResolveStateConflicts(types.ToPDUs(conflictedEvents), authEvents, types.UserIDForSender) {
		addToState(resolved, pdu)
	}
	return resolved, nil
}

func (r *resolver) resolveV2(ctx context.Context, unconflicted types.StateMap, conflicted map[types.StateKeyTuple][]string) (types.StateMap, error) {
	conflictedEvents, err := r.conflictedEvents(ctx, conflicted)
	if err != nil {
		return nil, err
	}
	if err = r.load(ctx, unconflicted.EventIDs()); err != nil {
		return nil, err
	}
	unconflictedEvents := make([]gomatrixserverlib.PDU, 0, len(unconflicted))
	for _, id := range unconflicted.EventIDs() {
		if ev := r.event(id); ev != nil {
			unconflictedEvents = append(unconflictedEvents, ev.PDU)
		}
	}

	// The auth difference is worked out from the auth chains of the
	// conflicted events, which also hold every event that the iterative
	// auth checks and the mainline ordering need.
	conflictedIDs := make([]string, 0, len(conflictedEvents))
	for _, ev := range conflictedEvents {
		conflictedIDs = append(conflictedIDs, ev.EventID())
	}
	chain, err := r.authChain(ctx, append(conflictedIDs, unconflicted.EventIDs()...))
	if err != nil {
		return nil, err
	}
	authEvents := make([]gomatrixserverlib.PDU, 0, len(chain))
	for id := range chain {
		if ev := r.event(id); ev != nil {
			authEvents = append(authEvents, ev.PDU)
		}
	}
	sort.Slice(authEvents, func(i, j int) bool {
		return authEvents[i].EventID() < authEvents[j].EventID()
	})

	// Unknown and rejected events are never handed out by the provider.
	isRejected := func(eventID string) bool {
		if err := r.load(ctx, []string{eventID}); err != nil {
			return true
		}
		return r.event(eventID) == nil
	}
	result := gomatrixserverlib.ResolveStateConflictsV2(
		types.ToPDUs(conflictedEvents), unconflictedEvents, authEvents, types.UserIDForSender, isRejected,
	)
	if result == nil {
		return nil, fmt.Errorf("state resolution found no create event")
	}
	resolved := make(types.StateMap, len(result))
	for _, pdu := range result {
		addToState(resolved, pdu)
	}
	return resolved, nil
}

// conflictedEvents loads the candidates of every conflicted key, in a stable
// order. Candidates the provider doesn't know are left out.
func (r *resolver) conflictedEvents(ctx context.Context, conflicted map[types.StateKeyTuple][]string) ([]*types.Event, error) {
	var ids []string
	for _, candidates := range conflicted {
		ids = append(ids, candidates...)
	}
	sort.Strings(ids)
	if err := r.load(ctx, ids); err != nil {
		return nil, err
	}
	events := make([]*types.Event, 0, len(ids))
	for _, id := range ids {
		if ev := r.event(id); ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

func isAuthTuple(tuple types.StateKeyTuple) bool {
	switch tuple.EventType {
	case spec.MRoomCreate, spec.MRoomPowerLevels, spec.MRoomJoinRules:
		return tuple.StateKey == ""
	case spec.MRoomMember, spec.MRoomThirdPartyInvite:
		return true
	}
	return false
}

func addToState(state types.StateMap, pdu gomatrixserverlib.PDU) {
	if pdu.StateKey() == nil {
		return
	}
	state[types.StateKeyTuple{EventType: pdu.Type(), StateKey: *pdu.StateKey()}] = pdu.EventID()
}

// SeparateConflicts splits the state sets into the keys everyone agrees on
// and, for the rest, the sorted candidate event IDs. With requireAll a key
// missing from any set counts as conflicted.
func SeparateConflicts(stateSets []types.StateMap, requireAll bool) (types.StateMap, map[types.StateKeyTuple][]string) {
	candidates := make(map[types.StateKeyTuple]map[string]struct{})
	counts := make(map[types.StateKeyTuple]int)
	for _, set := range stateSets {
		for tuple, eventID := range set {
			ids, ok := candidates[tuple]
			if !ok {
				ids = make(map[string]struct{})
				candidates[tuple] = ids
			}
			ids[eventID] = struct{}{}
			counts[tuple]++
		}
	}

	unconflicted := make(types.StateMap)
	conflicted := make(map[types.StateKeyTuple][]string)
	for tuple, ids := range candidates {
		if len(ids) == 1 && (!requireAll || counts[tuple] == len(stateSets)) {
			for id := range ids {
				unconflicted[tuple] = id
			}
			continue
		}
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		conflicted[tuple] = list
	}
	return unconflicted, conflicted
}

type resolver struct {
	provider EventProvider
	events   map[string]*types.Event
}

// load makes sure that every known event in ids is in r.events.
func (r *resolver) load(ctx context.Context, ids []string) error {
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.events[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	loaded, err := r.provider.EventsByID(ctx, missing)
	if err != nil {
		return fmt.Errorf("r.provider.EventsByID: %w", err)
	}
	for _, id := range missing {
		// Remember misses so that they aren't requested again.
		r.events[id] = loaded[id]
	}
	return nil
}

func (r *resolver) event(id string) *types.Event {
	return r.events[id]
}
