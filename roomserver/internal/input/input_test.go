// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/require"

	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/internal/input"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/test"
)

const localServerName spec.ServerName = "localhost"

// fakeFederation serves events of a test room and counts every request.
type fakeFederation struct {
	room *test.Room

	mu    sync.Mutex
	calls map[string]int

	missingEvents func(req fedapi.MissingEventsRequest) ([]*types.Event, error)
	stateIDs      func(eventID string) (*fedapi.RespStateIDs, error)
	getPDU        func(eventID string) (*types.Event, error)

	// rejects holds the rejections sent with each query_auth request.
	rejects []map[string]fedapi.RejectInfo
}

func newFakeFederation(room *test.Room) *fakeFederation {
	return &fakeFederation{room: room, calls: map[string]int{}}
}

func (f *fakeFederation) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeFederation) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeFederation) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFederation) GetPDU(ctx context.Context, destinations []spec.ServerName, eventID string, ver gomatrixserverlib.IRoomVersion) (*types.Event, error) {
	f.record("GetPDU")
	if f.getPDU != nil {
		return f.getPDU(eventID)
	}
	if ev := f.room.Event(eventID); ev != nil {
		return ev, nil
	}
	return nil, fmt.Errorf("event %s not found", eventID)
}

func (f *fakeFederation) GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, req fedapi.MissingEventsRequest, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error) {
	f.record("GetMissingEvents")
	if f.missingEvents == nil {
		return nil, nil
	}
	return f.missingEvents(req)
}

func (f *fakeFederation) Backfill(ctx context.Context, destination spec.ServerName, roomID string, limit int, fromEventIDs []string, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error) {
	f.record("Backfill")
	return nil, nil
}

func (f *fakeFederation) GetRoomState(ctx context.Context, destination spec.ServerName, roomID, eventID string, ver gomatrixserverlib.IRoomVersion) (*fedapi.RoomState, error) {
	f.record("GetRoomState")
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeFederation) GetRoomStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (*fedapi.RespStateIDs, error) {
	f.record("GetRoomStateIDs")
	if f.stateIDs == nil {
		return nil, fmt.Errorf("not implemented")
	}
	return f.stateIDs(eventID)
}

func (f *fakeFederation) GetEventAuth(ctx context.Context, destination spec.ServerName, roomID, eventID string, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error) {
	f.record("GetEventAuth")
	return f.room.AuthChain(eventID), nil
}

func (f *fakeFederation) QueryAuth(ctx context.Context, destination spec.ServerName, event *types.Event, authChain []*types.Event, missing []string, rejects map[string]fedapi.RejectInfo) (*fedapi.QueryAuthResult, error) {
	f.record("QueryAuth")
	f.mu.Lock()
	f.rejects = append(f.rejects, rejects)
	f.mu.Unlock()
	return &fedapi.QueryAuthResult{AuthChain: f.room.AuthChain(event.EventID())}, nil
}

func (f *fakeFederation) MakeMembershipEvent(ctx context.Context, destination spec.ServerName, membership, roomID, userID string, supported []gomatrixserverlib.RoomVersion) (*fedapi.RespMakeMembership, error) {
	f.record("MakeMembershipEvent")
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeFederation) SendJoin(ctx context.Context, destination spec.ServerName, event *types.Event) (*fedapi.SendJoinResult, error) {
	f.record("SendJoin")
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeFederation) SendLeave(ctx context.Context, destination spec.ServerName, event *types.Event) error {
	f.record("SendLeave")
	return fmt.Errorf("not implemented")
}

func (f *fakeFederation) SendInvite(ctx context.Context, destination spec.ServerName, event *types.Event, inviteRoomState []json.RawMessage) (*types.Event, error) {
	f.record("SendInvite")
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeFederation) TryDestinations(
	ctx context.Context, description string, destinations []spec.ServerName,
	failover func(error) bool, fn func(ctx context.Context, destination spec.ServerName) error,
) error {
	f.record("TryDestinations")
	var err error
	for _, destination := range destinations {
		if err = fn(ctx, destination); err == nil {
			return nil
		}
	}
	return err
}

type notification struct {
	eventID    string
	pos        types.StreamPosition
	extraUsers []string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (n *recordingNotifier) OnNewRoomEvent(ctx context.Context, event *types.Event, pos types.StreamPosition, extraUsers []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{eventID: event.EventID(), pos: pos, extraUsers: extraUsers})
	return nil
}

func (n *recordingNotifier) eventIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		ids = append(ids, note.eventID)
	}
	return ids
}

func (n *recordingNotifier) find(eventID string) (notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.notes {
		if note.eventID == eventID {
			return note, true
		}
	}
	return notification{}, false
}

type inputTestContext struct {
	inputer  *input.Inputer
	db       storage.Database
	fed      *fakeFederation
	notifier *recordingNotifier
}

func mustCreateInputer(t *testing.T, dbType test.DBType, room *test.Room) (*inputTestContext, func()) {
	t.Helper()
	connStr, closeDB := test.PrepareDBConnectionString(t, dbType)
	cfg := &config.RoomServer{Matrix: &config.Global{ServerName: localServerName}}
	cfg.Defaults(config.DefaultOpts{})
	cfg.Database.ConnectionString = config.DataSource(connStr)

	conMan := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	db, err := storage.Open(conMan, &cfg.Database, caches, cfg.MaxStateDeltaHops)
	require.NoError(t, err)

	fed := newFakeFederation(room)
	notifier := &recordingNotifier{}
	return &inputTestContext{
		inputer:  input.NewInputer(cfg, db, fed, notifier),
		db:       db,
		fed:      fed,
		notifier: notifier,
	}, closeDB
}

// ingest processes the events in order as new events from test.Origin.
func (c *inputTestContext) ingest(t *testing.T, events ...*types.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, c.inputer.ProcessRoomEvent(context.Background(), newInput(ev)), "event %s", ev.EventID())
	}
}
