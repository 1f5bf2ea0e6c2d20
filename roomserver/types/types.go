// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types provides the types that are used across the roomserver.
package types

import (
	"sort"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
)

// StreamPosition is the position of an event in the local persisted stream.
type StreamPosition int64

// StateGroupID identifies an immutable snapshot of room state.
type StateGroupID int64

// A StateKeyTuple is a pair of an event type and state_key.
// This is used when looking up state entries.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// LessThan returns true if this state key is less than the other state key.
// The ordering is arbitrary and is used to implement binary search and to efficiently deduplicate entries.
func (a StateKeyTuple) LessThan(b StateKeyTuple) bool {
	if a.EventType != b.EventType {
		return a.EventType < b.EventType
	}
	return a.StateKey < b.StateKey
}

func (a StateKeyTuple) String() string {
	return a.EventType + "|" + a.StateKey
}

// ParseStateKeyTuple reverses StateKeyTuple.String.
func ParseStateKeyTuple(s string) StateKeyTuple {
	eventType, stateKey, _ := strings.Cut(s, "|")
	return StateKeyTuple{EventType: eventType, StateKey: stateKey}
}

// StateMap maps state keys to the ID of the event that currently holds them.
type StateMap map[StateKeyTuple]string

// Copy returns a shallow copy of the map.
func (m StateMap) Copy() StateMap {
	c := make(StateMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// EventIDs returns the sorted, de-duplicated event IDs referenced by the map.
func (m StateMap) EventIDs() []string {
	seen := make(map[string]struct{}, len(m))
	ids := make([]string, 0, len(m))
	for _, id := range m {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Keys returns the state keys in the map in sorted order.
func (m StateMap) Keys() []StateKeyTuple {
	keys := make([]StateKeyTuple, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].LessThan(keys[j])
	})
	return keys
}

// Filter returns the subset of the map whose keys are in wanted. A key with an
// empty EventType in wanted is ignored. If wanted is nil the whole map is returned.
func (m StateMap) Filter(wanted []StateKeyTuple) StateMap {
	if wanted == nil {
		return m.Copy()
	}
	c := make(StateMap, len(wanted))
	for _, k := range wanted {
		if id, ok := m[k]; ok {
			c[k] = id
		}
	}
	return c
}

// Delta returns the entries of m that are absent from, or different in, prev.
// The second result is false if prev contains a key that m does not.
func (m StateMap) Delta(prev StateMap) (StateMap, bool) {
	for k := range prev {
		if _, ok := m[k]; !ok {
			return nil, false
		}
	}
	delta := make(StateMap)
	for k, id := range m {
		if prevID, ok := prev[k]; !ok || prevID != id {
			delta[k] = id
		}
	}
	return delta, true
}

// RejectionReason explains why an event was persisted as rejected.
type RejectionReason string

const (
	RejectedNone        RejectionReason = ""
	RejectedAuthError   RejectionReason = "auth_error"
	RejectedReplaced    RejectionReason = "replaced"
	RejectedNotAncestor RejectionReason = "not_ancestor"
)

// Superseded reports whether the rejection can be revisited once more of the
// room's history is known.
func (r RejectionReason) Superseded() bool {
	return r == RejectedReplaced || r == RejectedNotAncestor
}

// EventContext is the mutable record carried alongside an immutable Event
// while it is being processed.
type EventContext struct {
	// Outlier events have no known state and are never part of the DAG's
	// forward edges.
	Outlier bool
	// RejectedReason is set when the event failed authorization.
	RejectedReason RejectionReason
	// SendOnBehalfOf is the local server we are acting for, if any.
	SendOnBehalfOf string
	// PrevState is the state before the event.
	PrevState StateMap
	// CurrentState is the state after the event.
	CurrentState StateMap
	// StateGroup holds CurrentState once persisted.
	StateGroup StateGroupID
	// PrevGroup and Delta express CurrentState relative to an existing group,
	// when that is possible.
	PrevGroup StateGroupID
	Delta     StateMap
}

// Rejected reports whether the event failed authorization.
func (c *EventContext) Rejected() bool {
	return c.RejectedReason != RejectedNone
}

// EventWithContext pairs an event with its processing context.
type EventWithContext struct {
	Event   *Event
	Context *EventContext
}

// RoomInfo describes a room known to the local server.
type RoomInfo struct {
	RoomID      string
	RoomVersion gomatrixserverlib.RoomVersion
	// Predecessor is the room ID this room was upgraded from, if any.
	Predecessor string
}

// EventMetadata is the persisted processing outcome of an event.
type EventMetadata struct {
	EventID        string
	RoomID         string
	StreamPosition StreamPosition
	Depth          int64
	Outlier        bool
	RejectedReason RejectionReason
}
