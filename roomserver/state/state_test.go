// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/roomserver/state"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

// roomProvider serves events out of a test room.
func roomProvider(rooms ...*test.Room) state.EventProvider {
	return state.EventProviderFunc(func(ctx context.Context, eventIDs []string) (map[string]*types.Event, error) {
		result := make(map[string]*types.Event, len(eventIDs))
		for _, id := range eventIDs {
			for _, room := range rooms {
				if ev := room.Event(id); ev != nil {
					result[id] = ev
				}
			}
		}
		return result, nil
	})
}

func withEvent(base types.StateMap, ev *types.Event) types.StateMap {
	s := base.Copy()
	tuple, _ := ev.StateKeyTuple()
	s[tuple] = ev.EventID()
	return s
}

func TestSeparateConflicts(t *testing.T) {
	t.Parallel()
	name := types.StateKeyTuple{EventType: "m.room.name"}
	topic := types.StateKeyTuple{EventType: "m.room.topic"}
	create := types.StateKeyTuple{EventType: spec.MRoomCreate}
	sets := []types.StateMap{
		{create: "$c", name: "$n1", topic: "$t"},
		{create: "$c", name: "$n2"},
	}

	unconflicted, conflicted := state.SeparateConflicts(sets, true)
	assert.Equal(t, types.StateMap{create: "$c"}, unconflicted)
	assert.Equal(t, map[types.StateKeyTuple][]string{name: {"$n1", "$n2"}, topic: {"$t"}}, conflicted)

	unconflicted, conflicted = state.SeparateConflicts(sets, false)
	assert.Equal(t, types.StateMap{create: "$c", topic: "$t"}, unconflicted)
	assert.Equal(t, map[types.StateKeyTuple][]string{name: {"$n1", "$n2"}}, conflicted)
}

func TestResolveTrivialCases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ver := types.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10)
	provider := roomProvider()

	resolved, err := state.Resolve(ctx, ver, nil, provider)
	require.NoError(t, err)
	assert.Empty(t, resolved)

	single := types.StateMap{{EventType: spec.MRoomCreate}: "$c"}
	resolved, err = state.Resolve(ctx, ver, []types.StateMap{single}, provider)
	require.NoError(t, err)
	assert.Equal(t, single, resolved)
}

func TestResolveV2BanBeatsStateChange(t *testing.T) {
	ctx := context.Background()
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	room.CreateAndInsert(t, bob, spec.MRoomMember, map[string]interface{}{"membership": spec.Join}, test.WithStateKey(bob.ID))
	room.CreateAndInsert(t, alice, spec.MRoomPowerLevels, map[string]interface{}{
		"users":  map[string]int64{alice.ID: 100, bob.ID: 50},
		"events": map[string]int64{spec.MRoomPowerLevels: 100},
	}, test.WithStateKey(""))
	base := room.CurrentState()

	ban := room.CreateEvent(t, alice, spec.MRoomMember, map[string]interface{}{"membership": spec.Ban}, test.WithStateKey(bob.ID))
	rename := room.CreateEvent(t, bob, "m.room.name", map[string]interface{}{"name": "bob's room"}, test.WithStateKey(""))
	room.AddKnownEvent(ban)
	room.AddKnownEvent(rename)

	sets := []types.StateMap{withEvent(base, ban), withEvent(base, rename)}
	resolved, err := state.Resolve(ctx, room.Version, sets, roomProvider(room))
	require.NoError(t, err)

	assert.Equal(t, ban.EventID(), resolved[types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: bob.ID}])
	_, hasName := resolved[types.StateKeyTuple{EventType: "m.room.name"}]
	assert.False(t, hasName, "the banned user's state change must not survive")
}

func TestResolveIsOrderIndependent(t *testing.T) {
	alice := test.NewUser(t)
	for _, ver := range []gomatrixserverlib.RoomVersion{gomatrixserverlib.RoomVersionV1, gomatrixserverlib.RoomVersionV10} {
		t.Run(string(ver), func(t *testing.T) {
			ctx := context.Background()
			room := test.NewRoom(t, alice, test.RoomVersion(ver))
			base := room.CurrentState()
			topicA := room.CreateEvent(t, alice, "m.room.topic", map[string]interface{}{"topic": "a"}, test.WithStateKey(""))
			topicB := room.CreateEvent(t, alice, "m.room.topic", map[string]interface{}{"topic": "b"}, test.WithStateKey(""))
			room.AddKnownEvent(topicA)
			room.AddKnownEvent(topicB)

			setA, setB := withEvent(base, topicA), withEvent(base, topicB)
			ab, err := state.Resolve(ctx, room.Version, []types.StateMap{setA, setB}, roomProvider(room))
			require.NoError(t, err)
			ba, err := state.Resolve(ctx, room.Version, []types.StateMap{setB, setA}, roomProvider(room))
			require.NoError(t, err)
			if diff := cmp.Diff(ab, ba); diff != "" {
				t.Fatalf("resolution depends on order (-ab +ba):\n%s", diff)
			}
			winner := ab[types.StateKeyTuple{EventType: "m.room.topic"}]
			assert.Contains(t, []string{topicA.EventID(), topicB.EventID()}, winner)
		})
	}
}

func TestResolveV1PrefersDeeperEvent(t *testing.T) {
	ctx := context.Background()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomVersion(gomatrixserverlib.RoomVersionV1))
	base := room.CurrentState()
	shallow := room.CreateEvent(t, alice, "m.room.topic", map[string]interface{}{"topic": "shallow"}, test.WithStateKey(""))
	deep := room.CreateEvent(t, alice, "m.room.topic", map[string]interface{}{"topic": "deep"}, test.WithStateKey(""), test.WithDepth(100))
	room.AddKnownEvent(shallow)
	room.AddKnownEvent(deep)

	resolved, err := state.Resolve(ctx, room.Version, []types.StateMap{withEvent(base, shallow), withEvent(base, deep)}, roomProvider(room))
	require.NoError(t, err)
	assert.Equal(t, deep.EventID(), resolved[types.StateKeyTuple{EventType: "m.room.topic"}])
}

func TestAuthChainIsComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	room.CreateAndInsert(t, bob, spec.MRoomMember, map[string]interface{}{"membership": spec.Join}, test.WithStateKey(bob.ID))
	msg := room.CreateAndInsert(t, bob, "m.room.message", map[string]interface{}{"body": "hi"})

	chain, err := state.AuthChain(ctx, roomProvider(room), []string{msg.EventID()})
	require.NoError(t, err)
	assert.Equal(t, test.EventIDs(room.AuthChain(msg.EventID())), test.EventIDs(chain))

	// Every auth event of every event in the chain is in the chain.
	inChain := map[string]bool{}
	for _, ev := range chain {
		inChain[ev.EventID()] = true
	}
	for _, ev := range chain {
		for _, id := range ev.AuthEventIDs() {
			assert.True(t, inChain[id], "auth event %s of %s missing from chain", id, ev.EventID())
		}
	}
}
