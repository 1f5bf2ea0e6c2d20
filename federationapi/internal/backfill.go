// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/types"
)

// maxBackfillExtremities is how many backward extremities we ask for at once.
const maxBackfillExtremities = 5

// MaybeBackfill backfills the room if we are missing history near
// currentDepth, i.e. some backward extremity is no more than two pages of
// limit events below it. It reports whether anything was fetched.
func (a *FederationInternalAPI) MaybeBackfill(ctx context.Context, roomID string, currentDepth int64, limit int) (bool, error) {
	extremities, err := a.db.BackwardExtremities(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("a.db.BackwardExtremities: %w", err)
	}
	if len(extremities) == 0 {
		return false, nil
	}

	type extremity struct {
		eventID string
		depth   int64
	}
	sorted := make([]extremity, 0, len(extremities))
	for eventID, depth := range extremities {
		sorted = append(sorted, extremity{eventID, depth})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].depth != sorted[j].depth {
			return sorted[i].depth > sorted[j].depth
		}
		return sorted[i].eventID < sorted[j].eventID
	})

	// Nothing to do if even the deepest gap is well below what was asked
	// for.
	if sorted[0].depth < currentDepth-2*int64(limit) {
		logrus.WithFields(logrus.Fields{
			"room_id":       roomID,
			"current_depth": currentDepth,
			"max_depth":     sorted[0].depth,
		}).Debug("Not backfilling, history is far below the requested depth")
		return false, nil
	}

	// Prefer the gaps at or below the requested depth.
	candidates := make([]extremity, 0, len(sorted))
	for _, e := range sorted {
		if e.depth <= currentDepth {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		candidates = sorted
	}
	fromIDs := make([]string, 0, maxBackfillExtremities)
	for _, e := range candidates {
		fromIDs = append(fromIDs, e.eventID)
		if len(fromIDs) == maxBackfillExtremities {
			break
		}
	}
	n, err := a.Backfill(ctx, roomID, fromIDs, limit)
	return n > 0, err
}

// Backfill fetches up to limit events preceding fromIDs from the resident
// servers of the room, oldest joined server first, and stores the new ones
// as backfilled events. It returns how many events were stored.
func (a *FederationInternalAPI) Backfill(ctx context.Context, roomID string, fromIDs []string, limit int) (int, error) {
	trace, ctx := internal.StartRegion(ctx, "Backfill")
	trace.SetTag("room_id", roomID)
	defer trace.EndRegion()

	ver, err := a.db.RoomVersion(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("a.db.RoomVersion: %w", err)
	}
	joined, err := a.db.JoinedServers(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("a.db.JoinedServers: %w", err)
	}
	servers := make([]spec.ServerName, 0, len(joined))
	for _, server := range joined {
		if a.isLocalServerName(server) || a.isBackingOff(server) {
			continue
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return 0, nil
	}

	stored := 0
	err = a.client.TryDestinations(ctx, "backfill", servers, nil, func(ctx context.Context, server spec.ServerName) error {
		events, err := a.client.Backfill(ctx, server, roomID, limit, fromIDs, ver)
		if err != nil {
			return fmt.Errorf("a.client.Backfill: %w", err)
		}
		if len(events) == 0 {
			return fmt.Errorf("%s returned no events", server)
		}
		stored, err = a.storeBackfilled(ctx, server, roomID, events)
		return err
	})
	if err != nil {
		trace.SetError(err)
		return stored, err
	}
	return stored, nil
}

// storeBackfilled hands the backfilled events to the roomserver, which
// stores the ones we haven't seen yet in one go.
func (a *FederationInternalAPI) storeBackfilled(ctx context.Context, origin spec.ServerName, roomID string, events []*types.Event) (int, error) {
	stored, err := a.inputer.ProcessBackfill(ctx, roomID, origin, events)
	if err != nil {
		return 0, fmt.Errorf("a.inputer.ProcessBackfill: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"server":   origin,
		"received": len(events),
		"stored":   stored,
	}).Debug("Backfilled room")
	return stored, nil
}
