// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"encoding/json"
	"sort"

	"github.com/element-hq/fedcore/roomserver/types"
)

// SortByDepth orders events by depth, then event ID.
func SortByDepth(events []*types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Depth() != events[j].Depth() {
			return events[i].Depth() < events[j].Depth()
		}
		return events[i].EventID() < events[j].EventID()
	})
}

// EventIDs returns the IDs of the events in order.
func EventIDs(events []*types.Event) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID())
	}
	return ids
}

// RawJSON returns the events as raw JSON suitable for a transaction or
// federation response body.
func RawJSON(events []*types.Event) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.JSON())
	}
	return out
}
