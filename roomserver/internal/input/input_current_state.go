// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/roomserver/state"
	"github.com/element-hq/fedcore/roomserver/types"
)

// updateCurrentState resolves the states after the forward extremities of
// the room into its new current state. The caller must hold the persist lock
// of the room.
func (r *Inputer) updateCurrentState(ctx context.Context, roomID string) error {
	logger := logrus.WithField("room_id", roomID)

	extremities, err := r.DB.ForwardExtremities(ctx, roomID)
	if err != nil {
		return fmt.Errorf("r.DB.ForwardExtremities: %w", err)
	}
	if len(extremities) == 0 {
		return nil
	}
	groupStates, err := r.DB.GetStateGroupsIDs(ctx, roomID, extremities)
	if err != nil {
		return fmt.Errorf("r.DB.GetStateGroupsIDs: %w", err)
	}
	groups := make([]types.StateGroupID, 0, len(groupStates))
	for group := range groupStates {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	stateSets := make([]types.StateMap, 0, len(groups))
	for _, group := range groups {
		stateSets = append(stateSets, groupStates[group])
	}

	ver, err := r.DB.RoomVersion(ctx, roomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomVersion: %w", err)
	}
	current, err := state.Resolve(ctx, ver, stateSets, r.DB)
	if err != nil {
		return fmt.Errorf("state.Resolve: %w", err)
	}

	old, err := r.DB.CurrentState(ctx, roomID)
	if err != nil {
		return fmt.Errorf("r.DB.CurrentState: %w", err)
	}
	var added, removed int
	for tuple, id := range current {
		if old[tuple] != id {
			added++
		}
	}
	for tuple, id := range old {
		if current[tuple] != id {
			removed++
		}
	}
	if added == 0 && removed == 0 {
		return nil
	}
	logger.WithFields(logrus.Fields{
		"extremities": len(extremities),
		"added":       added,
		"removed":     removed,
	}).Debug("Updating current state")

	if err = r.DB.SetCurrentState(ctx, roomID, current); err != nil {
		return fmt.Errorf("r.DB.SetCurrentState: %w", err)
	}
	return nil
}
