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

	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

var powerLevelsTuple = types.StateKeyTuple{EventType: spec.MRoomPowerLevels}

// forkedPowerLevels returns a power levels event that raises bob, which is
// known to the remote room but not part of its timeline, and a message of
// alice's that names it as an auth event.
func forkedPowerLevels(t *testing.T, room *test.Room, alice, bob *test.User) (powerLevels, msg *types.Event) {
	t.Helper()
	powerLevels = room.CreateEvent(t, alice, spec.MRoomPowerLevels, map[string]interface{}{
		"events": map[string]int64{spec.MRoomPowerLevels: 100},
		"users":  map[string]int64{alice.ID: 100, bob.ID: 50},
	}, test.WithStateKey(""))
	room.AddKnownEvent(powerLevels)
	msg = room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hi"},
		test.WithPrevIDs([]string{room.Latest().EventID()}),
		test.WithAuthIDs([]string{
			room.StateEvent(spec.MRoomCreate, "").EventID(),
			powerLevels.EventID(),
			room.StateEvent(spec.MRoomMember, alice.ID).EventID(),
		}),
	)
	room.AddKnownEvent(msg)
	return powerLevels, msg
}

func TestClaimedAuthEventsAreResolvedIntoState(t *testing.T) {
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	known := room.Events()
	oldPowerLevels := room.StateEvent(spec.MRoomPowerLevels, "")
	powerLevels, msg := forkedPowerLevels(t, room, alice, bob)

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, known...)
		before, err := c.db.StateAfterEvent(ctx, room.Latest().EventID())
		require.NoError(t, err)
		require.Equal(t, oldPowerLevels.EventID(), before[powerLevelsTuple])

		require.NoError(t, c.inputer.ProcessRoomEvent(ctx, newInput(msg)))
		assert.Equal(t, 1, c.fed.count("GetEventAuth"))
		assert.Zero(t, c.fed.count("QueryAuth"), "nothing left to disagree about")

		// The message doesn't change the state, so the state after it is the
		// resolved state before it.
		after, err := c.db.StateAfterEvent(ctx, msg.EventID())
		require.NoError(t, err)
		assert.Equal(t, powerLevels.EventID(), after[powerLevelsTuple])
		for tuple, eventID := range before {
			if tuple != powerLevelsTuple {
				assert.Equal(t, eventID, after[tuple], "tuple %v", tuple)
			}
		}
		assert.Len(t, after, len(before))

		md, err := c.db.EventMetadata(ctx, []string{msg.EventID()})
		require.NoError(t, err)
		assert.Equal(t, types.RejectedNone, md[msg.EventID()].RejectedReason)
	})
}

func TestSupersededAuthEventsAreQueriedOnce(t *testing.T) {
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	known := room.Events()
	oldPowerLevels := room.StateEvent(spec.MRoomPowerLevels, "")
	powerLevels, msg := forkedPowerLevels(t, room, alice, bob)

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, known...)
		// We once rejected the power levels the message names, for a
		// reason that more history could overturn.
		_, err := c.db.StoreEvents(ctx, []types.EventWithContext{{
			Event:   powerLevels,
			Context: &types.EventContext{Outlier: true, RejectedReason: types.RejectedReplaced},
		}})
		require.NoError(t, err)

		require.NoError(t, c.inputer.ProcessRoomEvent(ctx, newInput(msg)))
		assert.Zero(t, c.fed.count("GetEventAuth"), "every auth event has been seen")
		require.Equal(t, 1, c.fed.count("QueryAuth"))
		assert.Equal(t, []map[string]fedapi.RejectInfo{{
			powerLevels.EventID(): {Reason: types.RejectedReplaced},
		}}, c.fed.rejects)

		// Our rejection stands, so the message is checked against our
		// power levels.
		after, err := c.db.StateAfterEvent(ctx, msg.EventID())
		require.NoError(t, err)
		assert.Equal(t, oldPowerLevels.EventID(), after[powerLevelsTuple])
		md, err := c.db.EventMetadata(ctx, []string{msg.EventID()})
		require.NoError(t, err)
		assert.Equal(t, types.RejectedNone, md[msg.EventID()].RejectedReason)
	})
}
