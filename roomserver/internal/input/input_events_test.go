// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/poll"

	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/internal/input"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

func newInput(ev *types.Event) *api.InputRoomEvent {
	return &api.InputRoomEvent{Kind: api.KindNew, Event: ev, Origin: test.Origin}
}

func message(t *testing.T, room *test.Room, user *test.User, body string) *types.Event {
	t.Helper()
	return room.CreateAndInsert(t, user, "m.room.message", map[string]interface{}{"body": body})
}

func TestProcessRoomEventBuildsCurrentState(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, room.Events()...)

		current, err := c.db.CurrentState(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, room.CurrentState(), current)
		assert.Equal(t, test.EventIDs(room.Events()), c.notifier.eventIDs())
		assert.Zero(t, c.fed.total(), "no network requests for a complete room")

		member, ok := c.notifier.find(room.StateEvent(spec.MRoomMember, alice.ID).EventID())
		require.True(t, ok)
		assert.Equal(t, []string{alice.ID}, member.extraUsers)
	})
}

func TestProcessRoomEventIsIdempotent(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	msg := message(t, room, alice, "once")
	ctx := context.Background()

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, room.Events()...)
		notified := c.notifier.eventIDs()
		before, err := c.db.CurrentState(ctx, room.ID)
		require.NoError(t, err)

		// Again as a new event, and as an outlier.
		c.ingest(t, msg)
		require.NoError(t, c.inputer.ProcessRoomEvent(ctx, &api.InputRoomEvent{
			Kind: api.KindOutlier, Event: msg, Origin: test.Origin,
		}))

		assert.Equal(t, notified, c.notifier.eventIDs())
		after, err := c.db.CurrentState(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		md, err := c.db.EventMetadata(ctx, []string{msg.EventID()})
		require.NoError(t, err)
		assert.False(t, md[msg.EventID()].Outlier)
	})
}

func TestOutlierIsPromotedWhenSeenAgain(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	msg := message(t, room, alice, "outlier first")
	ctx := context.Background()

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		events := room.Events()
		c.ingest(t, events[:len(events)-1]...)
		require.NoError(t, c.inputer.ProcessRoomEvent(ctx, &api.InputRoomEvent{
			Kind: api.KindOutlier, Event: msg, Origin: test.Origin,
		}))
		_, notified := c.notifier.find(msg.EventID())
		assert.False(t, notified, "outliers that aren't invites are not notified")

		c.ingest(t, msg)
		md, err := c.db.EventMetadata(ctx, []string{msg.EventID()})
		require.NoError(t, err)
		assert.False(t, md[msg.EventID()].Outlier)
		_, notified = c.notifier.find(msg.EventID())
		assert.True(t, notified)

		extremities, err := c.db.ForwardExtremities(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{msg.EventID()}, extremities)
	})
}

func TestRejectedEventIsExcludedFromState(t *testing.T) {
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()

	// bob never joined, so can't name the room.
	name := room.CreateEvent(t, bob, spec.MRoomName, map[string]interface{}{"name": "bob's room"}, test.WithStateKey(""))

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, room.Events()...)
		before, err := c.db.CurrentState(ctx, room.ID)
		require.NoError(t, err)

		res := &api.InputRoomEventsResponse{}
		c.inputer.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
			InputRoomEvents: []api.InputRoomEvent{*newInput(name)},
		}, res)
		assert.True(t, res.NotAllowed)
		assert.Equal(t, types.RejectedAuthError, res.Rejected[name.EventID()])

		md, err := c.db.EventMetadata(ctx, []string{name.EventID()})
		require.NoError(t, err)
		assert.Equal(t, types.RejectedAuthError, md[name.EventID()].RejectedReason)

		after, err := c.db.CurrentState(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		_, ok := after[types.StateKeyTuple{EventType: spec.MRoomName}]
		assert.False(t, ok)

		_, notified := c.notifier.find(name.EventID())
		assert.False(t, notified)

		found, err := c.db.EventsByID(ctx, []string{name.EventID()})
		require.NoError(t, err)
		assert.Empty(t, found, "rejected events are never returned as accepted")

		// Seeing it again changes nothing.
		require.NoError(t, c.inputer.ProcessRoomEvent(ctx, newInput(name)))
	})
}

func TestStateGroupsAreSharedWhenStateIsUnchanged(t *testing.T) {
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()

	lastState := room.Latest()
	msg := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "hi"})
	// bob never joined, so his rename is rejected.
	rename := room.CreateEvent(t, bob, spec.MRoomName, map[string]interface{}{"name": "bob's room"}, test.WithStateKey(""))
	topic := room.CreateAndInsert(t, alice, spec.MRoomTopic, map[string]interface{}{"topic": "t"}, test.WithStateKey(""))

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, room.Events()...)
		res := &api.InputRoomEventsResponse{}
		c.inputer.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
			InputRoomEvents: []api.InputRoomEvent{*newInput(rename)},
		}, res)
		require.True(t, res.NotAllowed)

		groups, err := c.db.StateGroupsForEvents(ctx, []string{lastState.EventID(), msg.EventID(), rename.EventID(), topic.EventID()})
		require.NoError(t, err)
		require.Len(t, groups, 4)
		assert.Equal(t, groups[lastState.EventID()], groups[msg.EventID()], "a message keeps the state of its prev event")
		assert.Equal(t, groups[msg.EventID()], groups[rename.EventID()], "a rejected state event keeps the state of its prev event")
		assert.NotEqual(t, groups[msg.EventID()], groups[topic.EventID()])

		after, err := c.db.StateAfterEvent(ctx, topic.EventID())
		require.NoError(t, err)
		assert.Equal(t, room.CurrentState(), after)
	})
}

func TestProcessRoomEventReturnsRejectedError(t *testing.T) {
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	msg := room.CreateEvent(t, bob, "m.room.message", map[string]interface{}{"body": "not a member"})

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, room.Events()...)
		err := c.inputer.ProcessRoomEvent(context.Background(), newInput(msg))
		var rejected types.RejectedError
		assert.True(t, errors.As(err, &rejected), "got %v", err)
	})
}

func TestSanityChecksRunBeforeNetwork(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)

	ids := func(n int) []string {
		result := make([]string, n)
		for i := range result {
			result[i] = fmt.Sprintf("$unknown%d", i)
		}
		return result
	}
	tooManyPrevs := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "a"}, test.WithPrevIDs(ids(21)))
	tooManyAuth := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "b"}, test.WithAuthIDs(ids(11)))

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		for _, ev := range []*types.Event{tooManyPrevs, tooManyAuth} {
			err := c.inputer.ProcessRoomEvent(context.Background(), newInput(ev))
			var sanityErr *types.SanityError
			require.True(t, errors.As(err, &sanityErr), "got %v", err)
			assert.Equal(t, ev.EventID(), sanityErr.EventID)
		}
		assert.Zero(t, c.fed.total())

		seen, err := c.db.HaveSeenEvents(context.Background(), []string{tooManyPrevs.EventID(), tooManyAuth.EventID()})
		require.NoError(t, err)
		assert.False(t, seen[tooManyPrevs.EventID()])
		assert.False(t, seen[tooManyAuth.EventID()])
	})
}

func TestEventForUnknownRoomIsDropped(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		// The creator's join, without the create event before it.
		err := c.inputer.ProcessRoomEvent(context.Background(), newInput(room.Events()[1]))
		assert.ErrorIs(t, err, types.ErrorInvalidRoomInfo)
		assert.Empty(t, c.notifier.eventIDs())
	})
}

func TestMissingAuthEventsAreFetchedOnce(t *testing.T) {
	alice := test.NewUser(t)
	bob := test.NewUser(t, test.WithServerName("other"))
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	known := room.Events()

	// bob's join never reaches us, but his message names it.
	bobJoin := room.CreateEvent(t, bob, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Join,
	}, test.WithStateKey(bob.ID))
	room.AddKnownEvent(bobJoin)
	msg := room.CreateEvent(t, bob, "m.room.message", map[string]interface{}{"body": "hi"},
		test.WithPrevIDs([]string{room.Latest().EventID()}),
		test.WithAuthIDs([]string{
			room.StateEvent(spec.MRoomCreate, "").EventID(),
			room.StateEvent(spec.MRoomPowerLevels, "").EventID(),
			bobJoin.EventID(),
		}),
	)
	room.AddKnownEvent(msg)

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.ingest(t, known...)
		require.NoError(t, c.inputer.ProcessRoomEvent(ctx, newInput(msg)))

		assert.Equal(t, 1, c.fed.count("GetEventAuth"))
		seen, err := c.db.HaveSeenEvents(ctx, []string{bobJoin.EventID()})
		require.NoError(t, err)
		assert.True(t, seen[bobJoin.EventID()])

		md, err := c.db.EventMetadata(ctx, []string{msg.EventID(), bobJoin.EventID()})
		require.NoError(t, err)
		assert.Equal(t, types.RejectedNone, md[msg.EventID()].RejectedReason)
		assert.True(t, md[bobJoin.EventID()].Outlier)

		current, err := c.db.CurrentState(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, bobJoin.EventID(), current[types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: bob.ID}])
	})
}

func TestMissingPrevEventsAreFilledFromOrigin(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	known := room.Events()
	m1 := message(t, room, alice, "one")
	m2 := message(t, room, alice, "two")
	m3 := message(t, room, alice, "three")

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		var requested fedapi.MissingEventsRequest
		c.fed.missingEvents = func(req fedapi.MissingEventsRequest) ([]*types.Event, error) {
			requested = req
			return []*types.Event{m2, m1}, nil
		}
		c.ingest(t, known...)
		require.NoError(t, c.inputer.ProcessRoomEvent(ctx, newInput(m3)))

		assert.Equal(t, 1, c.fed.count("GetMissingEvents"))
		assert.Zero(t, c.fed.count("GetRoomStateIDs"))
		assert.Equal(t, []string{m3.EventID()}, requested.LatestEvents)
		assert.Equal(t, []string{known[len(known)-1].EventID()}, requested.EarliestEvents)

		notified := c.notifier.eventIDs()
		assert.Equal(t, []string{m1.EventID(), m2.EventID(), m3.EventID()}, notified[len(notified)-3:])

		extremities, err := c.db.ForwardExtremities(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{m3.EventID()}, extremities)
	})
}

func TestStateIDsFallbackWhenGapCannotBeFilled(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	known := room.Events()
	message(t, room, alice, "one")
	m2 := message(t, room, alice, "two")
	m3 := message(t, room, alice, "three")
	stateAtM2 := room.CurrentState()

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.fed.stateIDs = func(eventID string) (*fedapi.RespStateIDs, error) {
			require.Equal(t, m2.EventID(), eventID)
			return &fedapi.RespStateIDs{
				StateEventIDs: stateAtM2.EventIDs(),
				AuthChainIDs:  test.EventIDs(room.AuthChain(m2.EventID())),
			}, nil
		}
		c.ingest(t, known...)
		require.NoError(t, c.inputer.ProcessRoomEvent(ctx, newInput(m3)))

		assert.Equal(t, 1, c.fed.count("GetMissingEvents"))
		assert.Equal(t, 1, c.fed.count("GetRoomStateIDs"))
		assert.Equal(t, 1, c.fed.count("GetPDU"), "only the prev event is unknown")

		md, err := c.db.EventMetadata(ctx, []string{m2.EventID(), m3.EventID()})
		require.NoError(t, err)
		assert.True(t, md[m2.EventID()].Outlier)
		assert.False(t, md[m3.EventID()].Outlier)

		backwards, err := c.db.BackwardExtremities(ctx, room.ID)
		require.NoError(t, err)
		assert.Contains(t, backwards, m2.EventID())

		stateAfter, err := c.db.StateAfterEvent(ctx, m3.EventID())
		require.NoError(t, err)
		assert.Equal(t, stateAtM2, stateAfter)
	})
}

func TestFailedStateFetchFailsClosed(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	known := room.Events()
	message(t, room, alice, "one")
	m2 := message(t, room, alice, "two")
	m3 := message(t, room, alice, "three")

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		c.fed.stateIDs = func(eventID string) (*fedapi.RespStateIDs, error) {
			return &fedapi.RespStateIDs{StateEventIDs: room.CurrentState().EventIDs()}, nil
		}
		c.fed.getPDU = func(eventID string) (*types.Event, error) {
			return nil, fmt.Errorf("%s is unavailable", eventID)
		}
		c.ingest(t, known...)
		err := c.inputer.ProcessRoomEvent(ctx, newInput(m3))
		assert.Error(t, err)

		seen, err := c.db.HaveSeenEvents(ctx, []string{m2.EventID(), m3.EventID()})
		require.NoError(t, err)
		assert.False(t, seen[m2.EventID()])
		assert.False(t, seen[m3.EventID()])
		_, notified := c.notifier.find(m3.EventID())
		assert.False(t, notified)
	})
}

func TestEventsAreBufferedDuringJoin(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ctx := context.Background()
	known := room.Events()
	msgs := []*types.Event{
		message(t, room, alice, "one"),
		message(t, room, alice, "two"),
		message(t, room, alice, "three"),
	}

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()
		c.ingest(t, known...)

		_, release, err := c.inputer.Queues.BeginJoin(ctx, room.ID)
		require.NoError(t, err)
		_, _, err = c.inputer.Queues.BeginJoin(ctx, room.ID)
		assert.ErrorIs(t, err, input.ErrJoinInProgress)

		c.ingest(t, msgs...)
		assert.Equal(t, len(msgs), c.inputer.Queues.Buffered(room.ID))
		seen, err := c.db.HaveSeenEvents(ctx, test.EventIDs(msgs))
		require.NoError(t, err)
		for _, ev := range msgs {
			assert.False(t, seen[ev.EventID()], "buffered events are not processed yet")
		}

		release()
		poll.WaitOn(t, func(poll.LogT) poll.Result {
			if len(c.notifier.eventIDs()) == len(known)+len(msgs) {
				return poll.Success()
			}
			return poll.Continue("waiting for buffered events to be replayed")
		}, poll.WithTimeout(10*time.Second), poll.WithDelay(20*time.Millisecond))

		notified := c.notifier.eventIDs()
		assert.Equal(t, test.EventIDs(msgs), notified[len(known):])
	})
}

func TestOutlierInvitesAreNotifiedForLocalUsers(t *testing.T) {
	alice := test.NewUser(t)
	carol := test.NewUser(t, test.WithServerName(localServerName))
	dave := test.NewUser(t, test.WithServerName("elsewhere"))
	room := test.NewRoom(t, alice)
	ctx := context.Background()

	invite := func(target *test.User) *types.Event {
		return room.CreateEvent(t, alice, spec.MRoomMember, map[string]interface{}{
			"membership": spec.Invite,
		}, test.WithStateKey(target.ID))
	}
	inviteCarol := invite(carol)
	inviteDave := invite(dave)

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()
		c.ingest(t, room.Events()...)

		for _, ev := range []*types.Event{inviteCarol, inviteDave} {
			require.NoError(t, c.inputer.ProcessRoomEvent(ctx, &api.InputRoomEvent{
				Kind: api.KindOutlier, Event: ev, Origin: test.Origin,
			}))
		}

		note, ok := c.notifier.find(inviteCarol.EventID())
		require.True(t, ok)
		assert.Equal(t, []string{carol.ID}, note.extraUsers)
		_, ok = c.notifier.find(inviteDave.EventID())
		assert.False(t, ok)
	})
}

func TestInviteForUnknownRoomIsStoredWithoutAuthChain(t *testing.T) {
	alice := test.NewUser(t)
	carol := test.NewUser(t, test.WithServerName(localServerName))
	room := test.NewRoom(t, alice)
	invite := room.CreateEvent(t, alice, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Invite,
	}, test.WithStateKey(carol.ID))
	ctx := context.Background()

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		require.NoError(t, c.inputer.ProcessInvite(ctx, invite, test.Origin))
		assert.Zero(t, c.fed.total(), "nothing to fetch from a room we are not in")

		md, err := c.db.EventMetadata(ctx, []string{invite.EventID()})
		require.NoError(t, err)
		require.Contains(t, md, invite.EventID())
		assert.True(t, md[invite.EventID()].Outlier)

		note, ok := c.notifier.find(invite.EventID())
		require.True(t, ok)
		assert.Equal(t, []string{carol.ID}, note.extraUsers)

		// Receiving it again is a no-op.
		require.NoError(t, c.inputer.ProcessInvite(ctx, invite, test.Origin))
		assert.Len(t, c.notifier.eventIDs(), 1)
	})
}

func TestProcessJoinResponse(t *testing.T) {
	alice := test.NewUser(t)
	carol := test.NewUser(t, test.WithServerName(localServerName))
	room := test.NewRoom(t, alice)
	message(t, room, alice, "before carol")
	ctx := context.Background()

	join := room.CreateEvent(t, carol, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Join,
	}, test.WithStateKey(carol.ID))
	room.AddKnownEvent(join)

	var stateEvents []*types.Event
	for _, tuple := range room.CurrentState().Keys() {
		stateEvents = append(stateEvents, room.StateEvent(tuple.EventType, tuple.StateKey))
	}

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		err := c.inputer.ProcessJoinResponse(ctx, join, &fedapi.SendJoinResult{
			Origin:      test.Origin,
			StateEvents: stateEvents,
			AuthChain:   room.AuthChain(join.EventID()),
		})
		require.NoError(t, err)
		assert.Zero(t, c.fed.total())

		current, err := c.db.CurrentState(ctx, room.ID)
		require.NoError(t, err)
		expected := room.CurrentState()
		expected[types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: carol.ID}] = join.EventID()
		assert.Equal(t, expected, current)

		note, ok := c.notifier.find(join.EventID())
		require.True(t, ok)
		assert.Equal(t, []string{carol.ID}, note.extraUsers)

		servers, err := c.db.JoinedServers(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, []spec.ServerName{test.Origin, localServerName}, servers)
	})
}

func TestProcessJoinResponseWithoutCreateEvent(t *testing.T) {
	alice := test.NewUser(t)
	carol := test.NewUser(t, test.WithServerName(localServerName))
	room := test.NewRoom(t, alice)

	join := room.CreateEvent(t, carol, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Join,
	}, test.WithStateKey(carol.ID))

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		c, closeDB := mustCreateInputer(t, dbType, room)
		defer closeDB()

		err := c.inputer.ProcessJoinResponse(context.Background(), join, &fedapi.SendJoinResult{
			Origin:      test.Origin,
			StateEvents: []*types.Event{room.StateEvent(spec.MRoomPowerLevels, "")},
		})
		var missing types.MissingStateError
		assert.True(t, errors.As(err, &missing), "got %v", err)

		info, err := c.db.RoomInfo(context.Background(), room.ID)
		require.NoError(t, err)
		assert.Nil(t, info)
	})
}
