// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/roomserver/types"
)

type Preset int

var (
	PresetNone        Preset = 0
	PresetPrivateChat Preset = 1
	PresetPublicChat  Preset = 2

	roomIDCounter = int64(0)

	// baseTime keeps generated timestamps stable across runs.
	baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Room is an in-memory room which produces correctly signed and
// auth-referenced events for tests.
type Room struct {
	ID      string
	Version gomatrixserverlib.IRoomVersion
	preset  Preset
	creator *User

	mu           sync.Mutex
	events       []*types.Event
	eventsByID   map[string]*types.Event
	currentState map[types.StateKeyTuple]*types.Event
	latest       *types.Event
	depth        int64
}

type roomModifier func(t *testing.T, r *Room)

// RoomVersion selects the room version. Defaults to the current default.
func RoomVersion(ver gomatrixserverlib.RoomVersion) roomModifier {
	return func(t *testing.T, r *Room) {
		impl, err := types.GetRoomVersion(ver)
		if err != nil {
			t.Fatalf("RoomVersion: %s", err)
		}
		r.Version = impl
	}
}

// RoomPreset selects the initial join rules.
func RoomPreset(p Preset) roomModifier {
	return func(t *testing.T, r *Room) {
		r.preset = p
	}
}

// NewRoom creates a room with create, creator join, power levels, join rules
// and history visibility events.
func NewRoom(t *testing.T, creator *User, modifiers ...roomModifier) *Room {
	t.Helper()
	counter := atomic.AddInt64(&roomIDCounter, 1)
	r := &Room{
		ID:           fmt.Sprintf("!%d:%s", counter, creator.ServerName),
		Version:      types.MustGetRoomVersion(types.RoomVersionDefault),
		preset:       PresetPublicChat,
		creator:      creator,
		eventsByID:   make(map[string]*types.Event),
		currentState: make(map[types.StateKeyTuple]*types.Event),
	}
	for _, m := range modifiers {
		m(t, r)
	}
	r.insertCreateEvents(t)
	return r
}

func (r *Room) insertCreateEvents(t *testing.T) {
	t.Helper()
	joinRule := spec.Public
	if r.preset == PresetPrivateChat {
		joinRule = spec.Invite
	}
	r.CreateAndInsert(t, r.creator, spec.MRoomCreate, map[string]interface{}{
		"creator":      r.creator.ID,
		"room_version": r.Version.Version(),
	}, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Join,
	}, WithStateKey(r.creator.ID))
	r.CreateAndInsert(t, r.creator, spec.MRoomPowerLevels, map[string]interface{}{
		"ban":            50,
		"events":         map[string]int64{spec.MRoomPowerLevels: 100, spec.MRoomHistoryVisibility: 100},
		"events_default": 0,
		"invite":         0,
		"kick":           50,
		"redact":         50,
		"state_default":  50,
		"users":          map[string]int64{r.creator.ID: 100},
		"users_default":  0,
	}, WithStateKey(""))
	if r.preset != PresetNone {
		r.CreateAndInsert(t, r.creator, spec.MRoomJoinRules, map[string]interface{}{
			"join_rule": joinRule,
		}, WithStateKey(""))
	}
	r.CreateAndInsert(t, r.creator, spec.MRoomHistoryVisibility, map[string]interface{}{
		"history_visibility": "shared",
	}, WithStateKey(""))
}

type eventMods struct {
	stateKey   *string
	authIDs    []string
	prevIDs    []string
	depth      int64
	originTS   time.Time
	redacts    string
	unsigned   map[string]interface{}
	overridePL bool
}

type eventModifier func(e *eventMods)

func WithStateKey(skey string) eventModifier {
	return func(e *eventMods) {
		e.stateKey = &skey
	}
}

// WithAuthIDs replaces the computed auth events.
func WithAuthIDs(evs []string) eventModifier {
	return func(e *eventMods) {
		e.authIDs = evs
	}
}

// WithPrevIDs replaces the latest event as the only prev event.
func WithPrevIDs(evs []string) eventModifier {
	return func(e *eventMods) {
		e.prevIDs = evs
	}
}

func WithDepth(depth int64) eventModifier {
	return func(e *eventMods) {
		e.depth = depth
	}
}

func WithTimestamp(ts time.Time) eventModifier {
	return func(e *eventMods) {
		e.originTS = ts
	}
}

func WithRedacts(eventID string) eventModifier {
	return func(e *eventMods) {
		e.redacts = eventID
	}
}

func WithUnsigned(unsigned map[string]interface{}) eventModifier {
	return func(e *eventMods) {
		e.unsigned = unsigned
	}
}

// CreateEvent builds and signs an event without inserting it into the room.
func (r *Room) CreateEvent(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *types.Event {
	t.Helper()
	proto, originTS := r.protoEvent(t, creator, eventType, content, mods...)
	builder := r.Version.NewEventBuilderFromProtoEvent(proto)
	ev, err := types.BuildEvent(builder, originTS, creator.ServerName, creator.KeyID, creator.PrivateKey, r.Version)
	if err != nil {
		t.Fatalf("CreateEvent: failed to build event: %s", err)
	}
	return ev
}

// CreateProtoEvent returns the unsigned template of the event that
// CreateEvent would build, as served by /make_join.
func (r *Room) CreateProtoEvent(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *gomatrixserverlib.ProtoEvent {
	t.Helper()
	proto, _ := r.protoEvent(t, creator, eventType, content, mods...)
	return proto
}

func (r *Room) protoEvent(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) (*gomatrixserverlib.ProtoEvent, time.Time) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var mod eventMods
	for _, m := range mods {
		m(&mod)
	}
	depth := r.depth + 1
	if mod.depth != 0 {
		depth = mod.depth
	}
	if mod.originTS.IsZero() {
		mod.originTS = baseTime.Add(time.Duration(depth) * time.Second)
	}

	proto := gomatrixserverlib.ProtoEvent{
		SenderID: creator.ID,
		RoomID:   r.ID,
		Type:     eventType,
		StateKey: mod.stateKey,
		Depth:    depth,
		Redacts:  mod.redacts,
	}
	if err := proto.SetContent(content); err != nil {
		t.Fatalf("CreateEvent: failed to SetContent: %s", err)
	}
	if mod.unsigned != nil {
		if err := proto.SetUnsigned(mod.unsigned); err != nil {
			t.Fatalf("CreateEvent: failed to SetUnsigned: %s", err)
		}
	}

	prevIDs := mod.prevIDs
	if prevIDs == nil && r.latest != nil {
		prevIDs = []string{r.latest.EventID()}
	}
	if prevIDs == nil {
		prevIDs = []string{}
	}
	proto.PrevEvents = prevIDs

	authIDs := mod.authIDs
	if authIDs == nil {
		var err error
		if authIDs, err = r.authEventIDsLocked(&proto); err != nil {
			t.Fatalf("CreateEvent: failed to work out auth events: %s", err)
		}
	}
	proto.AuthEvents = authIDs
	return &proto, mod.originTS
}

// CreateAndInsert creates a new event and inserts it into the room timeline.
func (r *Room) CreateAndInsert(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *types.Event {
	t.Helper()
	ev := r.CreateEvent(t, creator, eventType, content, mods...)
	r.InsertEvent(t, ev)
	return ev
}

// InsertEvent adds an event to the timeline and, if it is a state event, to
// the current state.
func (r *Room) InsertEvent(t *testing.T, ev *types.Event) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.eventsByID[ev.EventID()] = ev
	if tuple, ok := ev.StateKeyTuple(); ok {
		r.currentState[tuple] = ev
	}
	if ev.Depth() > r.depth {
		r.depth = ev.Depth()
	}
	r.latest = ev
}

// AddKnownEvent makes an event referenceable without adding it to the
// timeline or the state.
func (r *Room) AddKnownEvent(ev *types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventsByID[ev.EventID()] = ev
}

func (r *Room) authEventIDsLocked(proto *gomatrixserverlib.ProtoEvent) ([]string, error) {
	needed, err := gomatrixserverlib.StateNeededForProtoEvent(proto)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	ids := []string{}
	for _, tuple := range needed.Tuples() {
		ev, ok := r.currentState[types.StateKeyTuple{EventType: tuple.EventType, StateKey: tuple.StateKey}]
		if ok && !seen[ev.EventID()] {
			seen[ev.EventID()] = true
			ids = append(ids, ev.EventID())
		}
	}
	return ids, nil
}

// Events returns the room timeline in insertion order.
func (r *Room) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event{}, r.events...)
}

// Event returns a known event by ID.
func (r *Room) Event(eventID string) *types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventsByID[eventID]
}

// CurrentState returns the state IDs after the latest inserted event.
func (r *Room) CurrentState() types.StateMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := make(types.StateMap, len(r.currentState))
	for tuple, ev := range r.currentState {
		state[tuple] = ev.EventID()
	}
	return state
}

// StateEvent returns the current state event for the tuple, or nil.
func (r *Room) StateEvent(eventType, stateKey string) *types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentState[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
}

// Latest returns the most recently inserted event.
func (r *Room) Latest() *types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// AuthChain returns the auth chain of the given events in depth order.
func (r *Room) AuthChain(eventIDs ...string) []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var chain []*types.Event
	queue := append([]string{}, eventIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ev, ok := r.eventsByID[id]
		if !ok {
			continue
		}
		for _, authID := range ev.AuthEventIDs() {
			if !seen[authID] {
				seen[authID] = true
				if authEv, ok := r.eventsByID[authID]; ok {
					chain = append(chain, authEv)
				}
				queue = append(queue, authID)
			}
		}
	}
	SortByDepth(chain)
	return chain
}
