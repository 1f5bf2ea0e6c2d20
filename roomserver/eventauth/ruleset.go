// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package eventauth

import (
	"github.com/element-hq/fedcore/roomserver/types"
)

// RuleSet decides which state an event is authorised against and whether it
// passes.
type RuleSet interface {
	// ComputeAuthEvents returns the IDs of the events in state that ev
	// should be authorised against.
	ComputeAuthEvents(ev *types.Event, state types.StateMap) []string
	// Check authorises ev against the given auth events.
	Check(ev *types.Event, authEvents []*types.Event) error
}

// DefaultRuleSet applies the authorisation rules of the event's room version.
type DefaultRuleSet struct{}

var _ RuleSet = DefaultRuleSet{}

func (DefaultRuleSet) ComputeAuthEvents(ev *types.Event, state types.StateMap) []string {
	tuples := AuthEventTuples(ev)
	ids := make([]string, 0, len(tuples))
	seen := make(map[string]struct{}, len(tuples))
	for _, tuple := range tuples {
		id, ok := state[tuple]
		if !ok {
			continue
		}
		if _, ok = seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (DefaultRuleSet) Check(ev *types.Event, authEvents []*types.Event) error {
	expected := make(map[types.StateKeyTuple]struct{})
	for _, tuple := range AuthEventTuples(ev) {
		expected[tuple] = struct{}{}
	}
	seen := make(map[types.StateKeyTuple]struct{}, len(authEvents))
	for _, authEv := range authEvents {
		if authEv.RoomID() != ev.RoomID() {
			return errorf("auth event %s is in room %s, not %s", authEv.EventID(), authEv.RoomID(), ev.RoomID())
		}
		tuple, ok := authEv.StateKeyTuple()
		if !ok {
			return errorf("auth event %s is not a state event", authEv.EventID())
		}
		if _, ok = seen[tuple]; ok {
			return errorf("duplicate auth events for %s", tuple)
		}
		if _, ok = expected[tuple]; !ok {
			return errorf("unexpected auth event %s for %s", authEv.EventID(), tuple)
		}
		seen[tuple] = struct{}{}
	}
	return Allowed(ev, authEvents)
}
