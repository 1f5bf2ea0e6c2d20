// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

type Database struct {
	DB     *sql.DB
	Cache  caching.RoomServerCaches
	Writer sqlutil.Writer
	// MaxStateDeltaHops bounds the length of state group delta chains.
	MaxStateDeltaHops     int
	RoomsTable            tables.Rooms
	EventsTable           tables.Events
	EventGraphTable       tables.EventGraph
	ExtremitiesTable      tables.Extremities
	StateGroupsTable      tables.StateGroups
	EventStateGroupsTable tables.EventStateGroups
	CurrentStateTable     tables.CurrentState
}

func (d *Database) StoreRoom(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion, predecessor string) error {
	if _, err := types.GetRoomVersion(roomVersion); err != nil {
		return err
	}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RoomsTable.InsertRoom(ctx, txn, roomID, roomVersion, predecessor)
	})
	if err != nil {
		return fmt.Errorf("d.RoomsTable.InsertRoom: %w", err)
	}
	return nil
}

func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	info, err := d.RoomsTable.SelectRoomInfo(ctx, nil, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Cache.StoreRoomVersion(roomID, info.RoomVersion)
	return info, nil
}

func (d *Database) RoomVersion(ctx context.Context, roomID string) (gomatrixserverlib.IRoomVersion, error) {
	if roomVersion, ok := d.Cache.GetRoomVersion(roomID); ok {
		return types.GetRoomVersion(roomVersion)
	}
	info, err := d.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, types.ErrorInvalidRoomInfo)
	}
	return types.GetRoomVersion(info.RoomVersion)
}

func (d *Database) StoreEvents(ctx context.Context, events []types.EventWithContext) (map[string]types.StreamPosition, error) {
	written := make(map[string]types.StreamPosition, len(events))
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for _, ev := range events {
			pos, ok, err := d.storeEvent(ctx, txn, ev.Event, ev.Context)
			if err != nil {
				return fmt.Errorf("event %s: %w", ev.Event.EventID(), err)
			}
			if ok {
				written[ev.Event.EventID()] = pos
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Only touch the caches once the transaction has committed.
	for _, ev := range events {
		if _, ok := written[ev.Event.EventID()]; !ok {
			continue
		}
		if ev.Context.Rejected() {
			d.Cache.InvalidateEvent(ev.Event.EventID())
		} else {
			d.Cache.StoreEvent(ev.Event)
		}
		if !ev.Context.Outlier && ev.Context.StateGroup != 0 {
			d.Cache.StoreEventStateGroup(ev.Event.EventID(), ev.Context.StateGroup)
		}
	}
	return written, nil
}

func (d *Database) storeEvent(ctx context.Context, txn *sql.Tx, event *types.Event, evCtx *types.EventContext) (types.StreamPosition, bool, error) {
	pos, ok, err := d.EventsTable.InsertEvent(
		ctx, txn, event.RoomID(), event.EventID(), event.Type(), event.StateKey(),
		event.Depth(), event.JSON(), evCtx.Outlier, evCtx.RejectedReason,
	)
	if err != nil || !ok {
		return 0, false, err
	}
	if err = d.EventGraphTable.InsertEventAuth(ctx, txn, event.RoomID(), event.EventID(), event.AuthEventIDs()); err != nil {
		return 0, false, fmt.Errorf("d.EventGraphTable.InsertEventAuth: %w", err)
	}
	if evCtx.Outlier {
		return pos, true, nil
	}
	if evCtx.StateGroup != 0 {
		if err = d.EventStateGroupsTable.InsertEventStateGroup(ctx, txn, event.EventID(), evCtx.StateGroup); err != nil {
			return 0, false, fmt.Errorf("d.EventStateGroupsTable.InsertEventStateGroup: %w", err)
		}
	}
	if err = d.EventGraphTable.InsertEventEdges(ctx, txn, event.RoomID(), event.EventID(), event.PrevEventIDs()); err != nil {
		return 0, false, fmt.Errorf("d.EventGraphTable.InsertEventEdges: %w", err)
	}
	if err = d.updateExtremities(ctx, txn, event, evCtx); err != nil {
		return 0, false, fmt.Errorf("d.updateExtremities: %w", err)
	}
	return pos, true, nil
}

// updateExtremities maintains the forward and backward extremities of the
// room for an event that just became part of the DAG.
func (d *Database) updateExtremities(ctx context.Context, txn *sql.Tx, event *types.Event, evCtx *types.EventContext) error {
	roomID := event.RoomID()
	if err := d.ExtremitiesTable.DeleteBackwardExtremity(ctx, txn, roomID, event.EventID()); err != nil {
		return err
	}
	prevIDs := event.PrevEventIDs()
	known, err := d.EventsTable.SelectEventMetadata(ctx, txn, prevIDs)
	if err != nil {
		return err
	}
	for _, prevID := range prevIDs {
		if md, ok := known[prevID]; ok && !md.Outlier {
			continue
		}
		if err = d.ExtremitiesTable.InsertBackwardExtremity(ctx, txn, roomID, prevID, event.Depth()); err != nil {
			return err
		}
	}
	if evCtx.Rejected() {
		return nil
	}
	if err = d.ExtremitiesTable.DeleteForwardExtremities(ctx, txn, roomID, prevIDs); err != nil {
		return err
	}
	referenced, err := d.EventGraphTable.SelectIsReferenced(ctx, txn, event.EventID())
	if err != nil {
		return err
	}
	if referenced {
		return nil
	}
	return d.ExtremitiesTable.InsertForwardExtremity(ctx, txn, roomID, event.EventID())
}

func (d *Database) EventsByID(ctx context.Context, eventIDs []string) (map[string]*types.Event, error) {
	result := make(map[string]*types.Event, len(eventIDs))
	missing := make([]string, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		if event, ok := d.Cache.GetEvent(eventID); ok {
			result[eventID] = event
		} else {
			missing = append(missing, eventID)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}
	rows, err := d.EventsTable.SelectEvents(ctx, nil, missing)
	if err != nil {
		return nil, fmt.Errorf("d.EventsTable.SelectEvents: %w", err)
	}
	for _, row := range rows {
		if row.RejectedReason != types.RejectedNone {
			continue
		}
		ver, err := d.RoomVersion(ctx, row.RoomID)
		if err != nil {
			return nil, fmt.Errorf("d.RoomVersion: %w", err)
		}
		event, err := types.NewEventFromTrustedJSON(row.JSON, false, ver)
		if err != nil {
			logrus.WithError(err).WithField("event_id", row.EventID).Error("Failed to parse stored event")
			continue
		}
		d.Cache.StoreEvent(event)
		result[event.EventID()] = event
	}
	return result, nil
}

func (d *Database) EventMetadata(ctx context.Context, eventIDs []string) (map[string]types.EventMetadata, error) {
	return d.EventsTable.SelectEventMetadata(ctx, nil, eventIDs)
}

func (d *Database) HaveSeenEvents(ctx context.Context, eventIDs []string) (map[string]bool, error) {
	known, err := d.EventsTable.SelectEventMetadata(ctx, nil, eventIDs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(eventIDs))
	for _, eventID := range eventIDs {
		_, result[eventID] = known[eventID]
	}
	return result, nil
}

// AuthChainIDs walks the stored auth edges from eventIDs. The starting events
// are not included unless some other event in the chain refers to them.
func (d *Database) AuthChainIDs(ctx context.Context, eventIDs []string) ([]string, error) {
	seen := make(map[string]struct{})
	frontier := eventIDs
	for len(frontier) > 0 {
		edges, err := d.EventGraphTable.SelectAuthEventIDs(ctx, nil, frontier)
		if err != nil {
			return nil, fmt.Errorf("d.EventGraphTable.SelectAuthEventIDs: %w", err)
		}
		var next []string
		for _, authIDs := range edges {
			for _, authID := range authIDs {
				if _, ok := seen[authID]; ok {
					continue
				}
				seen[authID] = struct{}{}
				next = append(next, authID)
			}
		}
		frontier = next
	}
	result := make([]string, 0, len(seen))
	for eventID := range seen {
		result = append(result, eventID)
	}
	sort.Strings(result)
	return result, nil
}

func (d *Database) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	return d.ExtremitiesTable.SelectForwardExtremities(ctx, nil, roomID)
}

func (d *Database) BackwardExtremities(ctx context.Context, roomID string) (map[string]int64, error) {
	return d.ExtremitiesTable.SelectBackwardExtremities(ctx, nil, roomID)
}

func (d *Database) MaxDepth(ctx context.Context, roomID string) (int64, error) {
	return d.EventsTable.SelectMaxDepth(ctx, nil, roomID)
}

// GetMissingEvents walks backwards from latest, breadth first, stopping at
// earliest, and returns up to limit events ordered oldest first.
func (d *Database) GetMissingEvents(
	ctx context.Context, roomID string, earliest, latest []string, limit int, minDepth int64,
) ([]*types.Event, error) {
	seen := make(map[string]struct{}, len(earliest)+len(latest))
	for _, eventID := range earliest {
		seen[eventID] = struct{}{}
	}
	for _, eventID := range latest {
		seen[eventID] = struct{}{}
	}
	start, err := d.EventsByID(ctx, latest)
	if err != nil {
		return nil, err
	}
	var frontier []string
	for _, eventID := range latest {
		event, ok := start[eventID]
		if !ok || event.RoomID() != roomID {
			continue
		}
		frontier = appendUnseen(frontier, seen, event.PrevEventIDs())
	}

	var result []*types.Event
	for len(frontier) > 0 && len(result) < limit {
		events, err := d.EventsByID(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, eventID := range frontier {
			event, ok := events[eventID]
			if !ok || event.RoomID() != roomID || event.Depth() < minDepth {
				continue
			}
			result = append(result, event)
			next = appendUnseen(next, seen, event.PrevEventIDs())
		}
		frontier = next
	}
	sortByDepth(result)
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// BackfillEvents returns up to limit events, starting with fromEventIDs and
// walking prev_events deepest first.
func (d *Database) BackfillEvents(ctx context.Context, roomID string, fromEventIDs []string, limit int) ([]*types.Event, error) {
	seen := make(map[string]struct{}, len(fromEventIDs))
	start, err := d.EventsByID(ctx, appendUnseen(nil, seen, fromEventIDs))
	if err != nil {
		return nil, err
	}
	var queue []*types.Event
	for _, event := range start {
		if event.RoomID() == roomID {
			queue = append(queue, event)
		}
	}

	var result []*types.Event
	for len(queue) > 0 && len(result) < limit {
		sort.Slice(queue, func(i, j int) bool {
			if queue[i].Depth() != queue[j].Depth() {
				return queue[i].Depth() > queue[j].Depth()
			}
			return queue[i].EventID() < queue[j].EventID()
		})
		event := queue[0]
		queue = queue[1:]
		result = append(result, event)

		prevIDs := appendUnseen(nil, seen, event.PrevEventIDs())
		if len(prevIDs) == 0 {
			continue
		}
		prevs, err := d.EventsByID(ctx, prevIDs)
		if err != nil {
			return nil, err
		}
		for _, prev := range prevs {
			if prev.RoomID() == roomID {
				queue = append(queue, prev)
			}
		}
	}
	return result, nil
}

func (d *Database) CurrentState(ctx context.Context, roomID string) (types.StateMap, error) {
	return d.CurrentStateTable.SelectCurrentState(ctx, nil, roomID)
}

// SetCurrentState replaces the current state of the room with state.
func (d *Database) SetCurrentState(ctx context.Context, roomID string, state types.StateMap) error {
	old, err := d.CurrentStateTable.SelectCurrentState(ctx, nil, roomID)
	if err != nil {
		return fmt.Errorf("d.CurrentStateTable.SelectCurrentState: %w", err)
	}
	changed := make(types.StateMap)
	for key, eventID := range state {
		if old[key] != eventID {
			changed[key] = eventID
		}
	}
	var memberIDs []string
	for key, eventID := range changed {
		if key.EventType == spec.MRoomMember {
			memberIDs = append(memberIDs, eventID)
		}
	}
	members, err := d.EventsByID(ctx, memberIDs)
	if err != nil {
		return err
	}
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for key := range old {
			if _, ok := state[key]; ok {
				continue
			}
			if err := d.CurrentStateTable.DeleteCurrentState(ctx, txn, roomID, key); err != nil {
				return err
			}
		}
		for _, key := range changed.Keys() {
			eventID := changed[key]
			var membership string
			if member, ok := members[eventID]; ok {
				membership, _ = member.Membership()
			}
			if err := d.CurrentStateTable.UpsertCurrentState(ctx, txn, roomID, key, eventID, membership); err != nil {
				return err
			}
		}
		return nil
	})
	// Membership may have changed even if the write failed half way.
	d.Cache.InvalidateJoinedServers(roomID)
	return err
}

func (d *Database) JoinedServers(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	users, err := d.CurrentStateTable.SelectJoinedUsersWithDepth(ctx, nil, roomID)
	if err != nil {
		return nil, err
	}
	earliest := make(map[spec.ServerName]int64)
	for userID, depth := range users {
		_, serverName, err := gomatrixserverlib.SplitID('@', userID)
		if err != nil {
			continue
		}
		if prev, ok := earliest[serverName]; !ok || depth < prev {
			earliest[serverName] = depth
		}
	}
	servers := make([]spec.ServerName, 0, len(earliest))
	for serverName := range earliest {
		servers = append(servers, serverName)
	}
	sort.Slice(servers, func(i, j int) bool {
		if earliest[servers[i]] != earliest[servers[j]] {
			return earliest[servers[i]] < earliest[servers[j]]
		}
		return servers[i] < servers[j]
	})
	return servers, nil
}

func (d *Database) ServerInRoom(ctx context.Context, serverName spec.ServerName, roomID string) (bool, error) {
	if servers, ok := d.Cache.GetJoinedServers(roomID); ok {
		_, joined := servers[serverName]
		return joined, nil
	}
	joined, err := d.JoinedServers(ctx, roomID)
	if err != nil {
		return false, err
	}
	servers := make(map[spec.ServerName]struct{}, len(joined))
	for _, s := range joined {
		servers[s] = struct{}{}
	}
	d.Cache.StoreJoinedServers(roomID, servers)
	_, ok := servers[serverName]
	return ok, nil
}

func appendUnseen(dst []string, seen map[string]struct{}, eventIDs []string) []string {
	for _, eventID := range eventIDs {
		if _, ok := seen[eventID]; ok {
			continue
		}
		seen[eventID] = struct{}{}
		dst = append(dst, eventID)
	}
	return dst
}

func sortByDepth(events []*types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Depth() != events[j].Depth() {
			return events[i].Depth() < events[j].Depth()
		}
		return events[i].EventID() < events[j].EventID()
	})
}
