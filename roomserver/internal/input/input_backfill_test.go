// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input_test

import (
	"context"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

func TestProcessBackfillStoresBatch(t *testing.T) {
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	create := room.Events()[0]

	first := message(t, room, alice, "first")
	// bob never joined, so his rename is rejected.
	rename := room.CreateEvent(t, bob, spec.MRoomName, map[string]interface{}{"name": "bob's room"}, test.WithStateKey(""))
	second := message(t, room, alice, "second")

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, create)
		batch := append(room.Events()[1:], rename, create)

		stored, err := c.inputer.ProcessBackfill(ctx, room.ID, test.Origin, batch)
		require.NoError(t, err)
		assert.Equal(t, len(room.Events()), stored, "everything but the create event, rejected rename included")
		assert.Zero(t, c.fed.total(), "the batch holds everything needed")
		assert.Equal(t, []string{create.EventID()}, c.notifier.eventIDs(), "backfilled events are not notified")

		md, err := c.db.EventMetadata(ctx, []string{rename.EventID(), second.EventID()})
		require.NoError(t, err)
		assert.Equal(t, types.RejectedAuthError, md[rename.EventID()].RejectedReason)
		assert.Equal(t, types.RejectedNone, md[second.EventID()].RejectedReason)

		after, err := c.db.StateAfterEvent(ctx, second.EventID())
		require.NoError(t, err)
		assert.Equal(t, room.CurrentState(), after)
		groups, err := c.db.StateGroupsForEvents(ctx, []string{first.EventID(), rename.EventID(), second.EventID()})
		require.NoError(t, err)
		assert.Equal(t, groups[first.EventID()], groups[rename.EventID()])
		assert.Equal(t, groups[first.EventID()], groups[second.EventID()])

		// Backfilled events never move the current state.
		current, err := c.db.CurrentState(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StateMap{{EventType: spec.MRoomCreate}: create.EventID()}, current)

		// Seeing the batch again stores nothing.
		stored, err = c.inputer.ProcessBackfill(ctx, room.ID, test.Origin, batch)
		require.NoError(t, err)
		assert.Zero(t, stored)
	})
}

func TestProcessBackfillStoresNothingOnFailure(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	create := room.Events()[0]
	skipped := message(t, room, alice, "never sent")
	last := message(t, room, alice, "names a prev event we can't get state for")

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, create)
		var batch []*types.Event
		for _, ev := range room.Events()[1:] {
			if ev.EventID() != skipped.EventID() {
				batch = append(batch, ev)
			}
		}

		stored, err := c.inputer.ProcessBackfill(ctx, room.ID, test.Origin, batch)
		require.Error(t, err)
		assert.ErrorContains(t, err, last.EventID())
		assert.Zero(t, stored)
		assert.Equal(t, 1, c.fed.count("GetRoomStateIDs"))

		seen, err := c.db.HaveSeenEvents(ctx, test.EventIDs(batch))
		require.NoError(t, err)
		for _, ev := range batch {
			assert.False(t, seen[ev.EventID()], "event %s was stored", ev.EventID())
		}
	})
}
