// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"context"
	"sort"

	"github.com/element-hq/fedcore/roomserver/types"
)

// AuthChain returns the transitive closure of the auth events of the given
// events, not including the events themselves unless one authorises another.
// Events the provider doesn't know are skipped. The result is ordered by
// depth and then event ID.
func AuthChain(ctx context.Context, provider EventProvider, eventIDs []string) ([]*types.Event, error) {
	r := &resolver{provider: provider, events: make(map[string]*types.Event)}
	chain, err := r.authChain(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	result := make([]*types.Event, 0, len(chain))
	for id := range chain {
		if ev := r.event(id); ev != nil {
			result = append(result, ev)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Depth() != result[j].Depth() {
			return result[i].Depth() < result[j].Depth()
		}
		return result[i].EventID() < result[j].EventID()
	})
	return result, nil
}

// authChain returns the IDs of the auth chain of the given events.
func (r *resolver) authChain(ctx context.Context, eventIDs []string) (map[string]struct{}, error) {
	if err := r.load(ctx, eventIDs); err != nil {
		return nil, err
	}
	chain := make(map[string]struct{})
	var frontier []string
	for _, id := range eventIDs {
		if ev := r.event(id); ev != nil {
			frontier = append(frontier, ev.AuthEventIDs()...)
		}
	}
	for len(frontier) > 0 {
		if err := r.load(ctx, frontier); err != nil {
			return nil, err
		}
		var next []string
		for _, id := range frontier {
			if _, ok := chain[id]; ok {
				continue
			}
			chain[id] = struct{}{}
			if ev := r.event(id); ev != nil {
				next = append(next, ev.AuthEventIDs()...)
			}
		}
		frontier = next
	}
	return chain, nil
}
