// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/roomserver/types"
)

func (d *Database) StateGroupsForEvents(ctx context.Context, eventIDs []string) (map[string]types.StateGroupID, error) {
	result := make(map[string]types.StateGroupID, len(eventIDs))
	missing := make([]string, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		if group, ok := d.Cache.GetEventStateGroup(eventID); ok {
			result[eventID] = group
		} else {
			missing = append(missing, eventID)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}
	groups, err := d.EventStateGroupsTable.SelectEventStateGroups(ctx, nil, missing)
	if err != nil {
		return nil, fmt.Errorf("d.EventStateGroupsTable.SelectEventStateGroups: %w", err)
	}
	for eventID, group := range groups {
		d.Cache.StoreEventStateGroup(eventID, group)
		result[eventID] = group
	}
	return result, nil
}

// GetStateGroupsIDs returns the state after each of eventIDs, keyed by state
// group. Events with no known state are left out.
func (d *Database) GetStateGroupsIDs(ctx context.Context, roomID string, eventIDs []string) (map[types.StateGroupID]types.StateMap, error) {
	groups, err := d.StateGroupsForEvents(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	result := make(map[types.StateGroupID]types.StateMap, len(groups))
	for _, group := range groups {
		if _, ok := result[group]; ok {
			continue
		}
		state, err := d.stateForGroup(ctx, nil, group)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", roomID, err)
		}
		result[group] = state
	}
	return result, nil
}

// StateAfterEvent returns the room state after eventID.
func (d *Database) StateAfterEvent(ctx context.Context, eventID string) (types.StateMap, error) {
	groups, err := d.StateGroupsForEvents(ctx, []string{eventID})
	if err != nil {
		return nil, err
	}
	group, ok := groups[eventID]
	if !ok {
		return nil, types.MissingStateError(fmt.Sprintf("no state known for event %s", eventID))
	}
	return d.stateForGroup(ctx, nil, group)
}

// stateForGroup resolves a state group to its full state by walking its
// delta chain back to a full snapshot, or to a complete cached group.
func (d *Database) stateForGroup(ctx context.Context, txn *sql.Tx, group types.StateGroupID) (types.StateMap, error) {
	if entry, ok := d.Cache.GetStateGroup(group); ok && entry.Complete {
		return entry.State.Copy(), nil
	}
	exists, err := d.StateGroupsTable.SelectStateGroupExists(ctx, txn, group)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("state group %d: %w", group, types.ErrStateGroupNotFound)
	}

	var base types.StateMap
	chain := []types.StateGroupID{}
	visited := map[types.StateGroupID]struct{}{}
	for current := group; current != 0; {
		if _, ok := visited[current]; ok {
			return nil, fmt.Errorf("state group %d: delta chain loops at %d", group, current)
		}
		visited[current] = struct{}{}
		if entry, ok := d.Cache.GetStateGroup(current); ok && entry.Complete {
			base = entry.State.Copy()
			break
		}
		chain = append(chain, current)
		prev, err := d.StateGroupsTable.SelectPrevGroup(ctx, txn, current)
		if err != nil {
			return nil, err
		}
		current = prev
	}
	if base == nil {
		base = types.StateMap{}
	}
	// Apply the oldest delta first so that newer entries win.
	for i := len(chain) - 1; i >= 0; i-- {
		delta, err := d.StateGroupsTable.SelectStateGroupState(ctx, txn, chain[i])
		if err != nil {
			return nil, err
		}
		for key, eventID := range delta {
			base[key] = eventID
		}
	}
	d.Cache.StoreStateGroup(group, caching.StateGroupEntry{State: base.Copy(), Complete: true})
	return base, nil
}

// GetStateForGroupsFiltered returns the state of each group restricted to
// filter. A nil filter returns the full state.
func (d *Database) GetStateForGroupsFiltered(
	ctx context.Context, groups []types.StateGroupID, filter []types.StateKeyTuple,
) (map[types.StateGroupID]types.StateMap, error) {
	result := make(map[types.StateGroupID]types.StateMap, len(groups))
	for _, group := range groups {
		if _, ok := result[group]; ok {
			continue
		}
		var state types.StateMap
		var err error
		if filter == nil {
			state, err = d.stateForGroup(ctx, nil, group)
		} else {
			state, err = d.filteredStateForGroup(ctx, group, filter)
		}
		if err != nil {
			return nil, err
		}
		result[group] = state
	}
	return result, nil
}

func (d *Database) filteredStateForGroup(ctx context.Context, group types.StateGroupID, filter []types.StateKeyTuple) (types.StateMap, error) {
	entry, cached := d.Cache.GetStateGroup(group)
	if cached && entry.Complete {
		return entry.State.Filter(filter), nil
	}
	if !cached {
		exists, err := d.StateGroupsTable.SelectStateGroupExists(ctx, nil, group)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("state group %d: %w", group, types.ErrStateGroupNotFound)
		}
		entry = caching.StateGroupEntry{State: types.StateMap{}}
	}

	result := entry.State.Filter(filter)
	fetched := false
	for _, key := range filter {
		if _, ok := result[key]; ok {
			continue
		}
		eventID, found, err := d.lookupStateKey(ctx, group, key)
		if err != nil {
			return nil, err
		}
		if found {
			result[key] = eventID
			fetched = true
		}
	}
	if fetched {
		merged := entry.State.Copy()
		for key, eventID := range result {
			merged[key] = eventID
		}
		// Don't replace an entry that was completed in the meantime.
		if latest, ok := d.Cache.GetStateGroup(group); !ok || !latest.Complete {
			d.Cache.StoreStateGroup(group, caching.StateGroupEntry{State: merged})
		}
	}
	return result, nil
}

// lookupStateKey finds a single state entry by walking the delta chain until
// some group mentions the key.
func (d *Database) lookupStateKey(ctx context.Context, group types.StateGroupID, key types.StateKeyTuple) (string, bool, error) {
	visited := map[types.StateGroupID]struct{}{}
	for current := group; current != 0; {
		if _, ok := visited[current]; ok {
			return "", false, fmt.Errorf("state group %d: delta chain loops at %d", group, current)
		}
		visited[current] = struct{}{}
		eventID, found, err := d.StateGroupsTable.SelectStateGroupStateForKey(ctx, nil, current, key)
		if err != nil || found {
			return eventID, found, err
		}
		prev, err := d.StateGroupsTable.SelectPrevGroup(ctx, nil, current)
		if err != nil {
			return "", false, err
		}
		current = prev
	}
	return "", false, nil
}

// StoreStateGroup allocates a new state group holding current. When prevGroup
// is set and delta holds the entries that differ from it, the group is
// stored as a delta on top of prevGroup, unless that would make the chain
// longer than MaxStateDeltaHops.
func (d *Database) StoreStateGroup(
	ctx context.Context, eventID, roomID string, prevGroup types.StateGroupID, delta, current types.StateMap,
) (types.StateGroupID, error) {
	useDelta := prevGroup != 0 && delta != nil && isAdditiveDelta(delta, current)
	var group types.StateGroupID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if prevGroup != 0 {
			exists, err := d.StateGroupsTable.SelectStateGroupExists(ctx, txn, prevGroup)
			if err != nil {
				return fmt.Errorf("d.StateGroupsTable.SelectStateGroupExists: %w", err)
			}
			if !exists {
				return fmt.Errorf("prev state group %d: %w", prevGroup, types.ErrStateGroupNotFound)
			}
		}
		if useDelta {
			hops, err := d.chainLength(ctx, txn, prevGroup)
			if err != nil {
				return err
			}
			useDelta = hops < d.MaxStateDeltaHops
		}
		var err error
		group, err = d.StateGroupsTable.InsertStateGroup(ctx, txn, roomID, eventID)
		if err != nil {
			return fmt.Errorf("d.StateGroupsTable.InsertStateGroup: %w", err)
		}
		if !useDelta {
			return d.StateGroupsTable.InsertStateGroupState(ctx, txn, group, roomID, current)
		}
		if err = d.StateGroupsTable.InsertStateGroupEdge(ctx, txn, group, prevGroup); err != nil {
			return fmt.Errorf("d.StateGroupsTable.InsertStateGroupEdge: %w", err)
		}
		return d.StateGroupsTable.InsertStateGroupState(ctx, txn, group, roomID, delta)
	})
	if err != nil {
		return 0, err
	}
	d.Cache.StoreStateGroup(group, caching.StateGroupEntry{State: current.Copy(), Complete: true})
	return group, nil
}

// chainLength counts the delta edges between group and its full snapshot,
// giving up once the bound is reached.
func (d *Database) chainLength(ctx context.Context, txn *sql.Tx, group types.StateGroupID) (int, error) {
	hops := 0
	for current := group; hops < d.MaxStateDeltaHops; hops++ {
		prev, err := d.StateGroupsTable.SelectPrevGroup(ctx, txn, current)
		if err != nil {
			return 0, fmt.Errorf("d.StateGroupsTable.SelectPrevGroup: %w", err)
		}
		if prev == 0 {
			return hops, nil
		}
		current = prev
	}
	return hops, nil
}

// isAdditiveDelta reports whether every entry of delta is present in current.
// Deltas can't express removed keys, so anything else needs a full snapshot.
func isAdditiveDelta(delta, current types.StateMap) bool {
	for key, eventID := range delta {
		if current[key] != eventID {
			return false
		}
	}
	return true
}
