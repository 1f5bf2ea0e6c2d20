// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/federationapi/client"
	"github.com/element-hq/fedcore/federationapi/keyring"
	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/test"
)

const (
	localServerName  spec.ServerName = "localhost"
	remoteServerName spec.ServerName = "remote.example"
)

func notFound() error {
	return gomatrix.HTTPError{
		Code:         404,
		Message:      "room not found",
		WrappedError: gomatrix.RespError{ErrCode: string(spec.ErrorNotFound), Err: "Unknown room"},
	}
}

// fakeResidentServer answers federation requests as the resident servers of
// a test room.
type fakeResidentServer struct {
	t     *testing.T
	room  *test.Room
	users map[string]*test.User
	// unknownRoom lists servers that answer make_* with M_NOT_FOUND.
	unknownRoom map[spec.ServerName]bool

	mu      sync.Mutex
	calls   map[string][]spec.ServerName
	invites []*types.Event
}

func newFakeResidentServer(t *testing.T, room *test.Room, users ...*test.User) *fakeResidentServer {
	f := &fakeResidentServer{
		t:           t,
		room:        room,
		users:       map[string]*test.User{},
		unknownRoom: map[spec.ServerName]bool{},
		calls:       map[string][]spec.ServerName{},
	}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeResidentServer) record(method string, destination spec.ServerName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method] = append(f.calls[method], destination)
}

func (f *fakeResidentServer) called(method string) []spec.ServerName {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spec.ServerName{}, f.calls[method]...)
}

func (f *fakeResidentServer) GetPDU(ctx context.Context, destinations []spec.ServerName, eventID string, ver gomatrixserverlib.IRoomVersion) (*types.Event, error) {
	f.record("GetPDU", "")
	if ev := f.room.Event(eventID); ev != nil {
		return ev, nil
	}
	return nil, notFound()
}

func (f *fakeResidentServer) GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, req api.MissingEventsRequest, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error) {
	f.record("GetMissingEvents", destination)
	return nil, nil
}

// Backfill returns the events up to and including the deepest of
// fromEventIDs, newest first.
func (f *fakeResidentServer) Backfill(ctx context.Context, destination spec.ServerName, roomID string, limit int, fromEventIDs []string, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error) {
	f.record("Backfill", destination)
	var maxDepth int64
	for _, id := range fromEventIDs {
		if ev := f.room.Event(id); ev != nil && ev.Depth() > maxDepth {
			maxDepth = ev.Depth()
		}
	}
	var events []*types.Event
	for _, ev := range f.room.Events() {
		if ev.Depth() <= maxDepth {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Depth() > events[j].Depth() })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (f *fakeResidentServer) GetRoomState(ctx context.Context, destination spec.ServerName, roomID, eventID string, ver gomatrixserverlib.IRoomVersion) (*api.RoomState, error) {
	f.record("GetRoomState", destination)
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeResidentServer) GetRoomStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (*api.RespStateIDs, error) {
	f.record("GetRoomStateIDs", destination)
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeResidentServer) GetEventAuth(ctx context.Context, destination spec.ServerName, roomID, eventID string, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error) {
	f.record("GetEventAuth", destination)
	return f.room.AuthChain(eventID), nil
}

func (f *fakeResidentServer) QueryAuth(ctx context.Context, destination spec.ServerName, event *types.Event, authChain []*types.Event, missing []string, rejects map[string]api.RejectInfo) (*api.QueryAuthResult, error) {
	f.record("QueryAuth", destination)
	return &api.QueryAuthResult{AuthChain: f.room.AuthChain(event.EventID())}, nil
}

func (f *fakeResidentServer) MakeMembershipEvent(ctx context.Context, destination spec.ServerName, membership, roomID, userID string, supported []gomatrixserverlib.RoomVersion) (*api.RespMakeMembership, error) {
	f.record("MakeMembershipEvent", destination)
	if f.unknownRoom[destination] {
		return nil, notFound()
	}
	user, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("unknown user %s", userID)
	}
	proto, err := json.Marshal(f.room.CreateProtoEvent(f.t, user, spec.MRoomMember, map[string]interface{}{"membership": membership}, test.WithStateKey(userID)))
	if err != nil {
		return nil, err
	}
	return &api.RespMakeMembership{Event: proto, RoomVersion: f.room.Version.Version()}, nil
}

func (f *fakeResidentServer) SendJoin(ctx context.Context, destination spec.ServerName, event *types.Event) (*api.SendJoinResult, error) {
	f.record("SendJoin", destination)
	current := f.room.CurrentState()
	stateEvents := make([]*types.Event, 0, len(current))
	for _, id := range current.EventIDs() {
		stateEvents = append(stateEvents, f.room.Event(id))
	}
	res := &api.SendJoinResult{
		StateEvents: stateEvents,
		AuthChain:   f.room.AuthChain(current.EventIDs()...),
	}
	f.room.InsertEvent(f.t, event)
	return res, nil
}

func (f *fakeResidentServer) SendLeave(ctx context.Context, destination spec.ServerName, event *types.Event) error {
	f.record("SendLeave", destination)
	f.room.InsertEvent(f.t, event)
	return nil
}

func (f *fakeResidentServer) SendInvite(ctx context.Context, destination spec.ServerName, event *types.Event, inviteRoomState []json.RawMessage) (*types.Event, error) {
	f.record("SendInvite", destination)
	f.mu.Lock()
	f.invites = append(f.invites, event)
	f.mu.Unlock()
	keyID, priv := test.ServerKey(destination)
	return event.Sign(destination, keyID, priv)
}

func (f *fakeResidentServer) TryDestinations(
	ctx context.Context, description string, destinations []spec.ServerName,
	failover func(error) bool, fn func(ctx context.Context, destination spec.ServerName) error,
) error {
	var err error
	for _, destination := range destinations {
		if err = fn(ctx, destination); err == nil {
			return nil
		}
		if client.IsAuthoritative(err) && (failover == nil || !failover(err)) {
			return err
		}
	}
	return err
}

type fedTestContext struct {
	api  *FederationInternalAPI
	db   storage.Database
	fed  *fakeResidentServer
	room *test.Room
	// bob is the local user joined to the room.
	bob   *test.User
	alice *test.User
}

func mustCreateFederationAPI(t *testing.T, dbType test.DBType) (*fedTestContext, func()) {
	t.Helper()
	connStr, closeDB := test.PrepareDBConnectionString(t, dbType)

	keyID, priv := test.ServerKey(localServerName)
	global := &config.Global{ServerName: localServerName, KeyID: keyID, PrivateKey: priv}
	rsCfg := &config.RoomServer{Matrix: global}
	rsCfg.Defaults(config.DefaultOpts{})
	rsCfg.Database.ConnectionString = config.DataSource(connStr)
	fedCfg := &config.FederationAPI{Matrix: global}
	fedCfg.Defaults(config.DefaultOpts{})

	conMan := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	db, err := storage.Open(conMan, &rsCfg.Database, caches, rsCfg.MaxStateDeltaHops)
	require.NoError(t, err)

	alice := test.NewUser(t, test.WithServerName(remoteServerName))
	bob := test.NewUser(t, test.WithServerName(localServerName), test.WithLocalpart("bob"))
	room := test.NewRoom(t, alice)
	room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "before bob"})
	room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "still before bob"})
	fed := newFakeResidentServer(t, room, alice, bob)

	keyRing := keyring.NewKeyRing(global, caches, []gomatrixserverlib.KeyFetcher{test.NewKeyFetcher()}, 4)
	inputer := roomserver.NewInternalAPI(rsCfg, db, fed, nil)

	return &fedTestContext{
		api:   NewFederationInternalAPI(fedCfg, rsCfg, db, fed, keyRing, inputer, nil),
		db:    db,
		fed:   fed,
		room:  room,
		bob:   bob,
		alice: alice,
	}, closeDB
}

// join makes bob join the room through the remote server.
func (c *fedTestContext) join(t *testing.T) *api.PerformJoinResponse {
	t.Helper()
	res := &api.PerformJoinResponse{}
	require.NoError(t, c.api.PerformJoin(context.Background(), &api.PerformJoinRequest{
		RoomID:      c.room.ID,
		UserID:      c.bob.ID,
		ServerNames: []spec.ServerName{remoteServerName},
	}, res))
	return res
}
