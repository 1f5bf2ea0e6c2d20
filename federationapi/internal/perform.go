// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/federationapi/client"
	"github.com/element-hq/fedcore/internal"
	internalutil "github.com/element-hq/fedcore/internal/util"
	rsapi "github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/types"
)

// membershipFailover moves on to the next resident server if one of them
// doesn't know the room.
func membershipFailover(err error) bool {
	return client.MatrixErrorCode(err) == string(spec.ErrorNotFound)
}

// PerformJoin joins a local user to a room through the first of the given
// servers that lets us in. Events for the room that arrive while the join
// is in progress are held back until it completes.
func (a *FederationInternalAPI) PerformJoin(ctx context.Context, req *api.PerformJoinRequest, res *api.PerformJoinResponse) error {
	if err := a.checkLocalUser(req.UserID); err != nil {
		return err
	}
	servers := a.resolveServers(req.RoomID, req.ServerNames, nil)
	if len(servers) == 0 {
		return fmt.Errorf("no servers to join %s through", req.RoomID)
	}

	trace, ctx := internal.StartRegion(ctx, "PerformJoin")
	trace.SetTag("room_id", req.RoomID)
	defer trace.EndRegion()

	ctx, release, err := a.inputer.BeginJoin(ctx, req.RoomID)
	if err != nil {
		return err
	}
	defer release()

	logger := logrus.WithFields(logrus.Fields{
		"room_id": req.RoomID,
		"user_id": req.UserID,
	})
	err = a.client.TryDestinations(ctx, "join", servers, membershipFailover, func(ctx context.Context, server spec.ServerName) error {
		join, err := a.performJoinUsingServer(ctx, req, server)
		if err != nil {
			logger.WithError(err).WithField("server", server).Warn("Failed to join room through server")
			return err
		}
		res.JoinedVia = server
		res.EventID = join.EventID()
		return nil
	})
	if err != nil {
		trace.SetError(err)
		return err
	}
	logger.WithField("server", res.JoinedVia).Info("Joined room")

	if a.backfiller != nil {
		a.backfiller.QueueRoom(req.RoomID)
	}
	return nil
}

func (a *FederationInternalAPI) performJoinUsingServer(ctx context.Context, req *api.PerformJoinRequest, server spec.ServerName) (*types.Event, error) {
	respMake, err := a.client.MakeMembershipEvent(ctx, server, spec.Join, req.RoomID, req.UserID, supportedRoomVersions())
	if err != nil {
		return nil, fmt.Errorf("a.client.MakeMembershipEvent: %w", err)
	}
	builder, ver, err := membershipTemplate(respMake, req.RoomID, req.UserID, spec.Join)
	if err != nil {
		return nil, err
	}

	content := map[string]interface{}{}
	if len(builder.Content) > 0 {
		if err = json.Unmarshal(builder.Content, &content); err != nil {
			return nil, fmt.Errorf("json.Unmarshal: %w", err)
		}
	}
	for k, v := range req.Content {
		content[k] = v
	}
	content["membership"] = spec.Join
	if err = builder.SetContent(content); err != nil {
		return nil, fmt.Errorf("builder.SetContent: %w", err)
	}
	event, err := types.BuildEvent(builder, time.Now(), a.serverName(), a.cfg.Matrix.KeyID, a.cfg.Matrix.PrivateKey, ver)
	if err != nil {
		return nil, err
	}

	// The join is sent to the server that gave us the template.
	respSend, err := a.client.SendJoin(ctx, server, event)
	if err != nil {
		return nil, fmt.Errorf("a.client.SendJoin: %w", err)
	}
	if respSend.Origin == "" {
		respSend.Origin = server
	}
	join := event
	if respSend.Event != nil && respSend.Event.EventID() == event.EventID() {
		join = respSend.Event
	}
	if err = a.inputer.ProcessJoinResponse(ctx, join, respSend); err != nil {
		return nil, fmt.Errorf("a.inputer.ProcessJoinResponse: %w", err)
	}
	return join, nil
}

// PerformLeave makes a local user leave a room through one of its resident
// servers, then stores the leave event.
func (a *FederationInternalAPI) PerformLeave(ctx context.Context, req *api.PerformLeaveRequest, res *api.PerformLeaveResponse) error {
	if err := a.checkLocalUser(req.UserID); err != nil {
		return err
	}
	if err := a.inputer.AwaitJoin(ctx, req.RoomID); err != nil {
		return err
	}
	joined, err := a.db.JoinedServers(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("a.db.JoinedServers: %w", err)
	}
	servers := a.resolveServers(req.RoomID, req.ServerNames, joined)
	if len(servers) == 0 {
		return fmt.Errorf("no servers to leave %s through", req.RoomID)
	}
	logger := logrus.WithFields(logrus.Fields{
		"room_id": req.RoomID,
		"user_id": req.UserID,
	})

	var leave *types.Event
	err = a.client.TryDestinations(ctx, "leave", servers, membershipFailover, func(ctx context.Context, server spec.ServerName) error {
		respMake, err := a.client.MakeMembershipEvent(ctx, server, spec.Leave, req.RoomID, req.UserID, supportedRoomVersions())
		if err != nil {
			return fmt.Errorf("a.client.MakeMembershipEvent: %w", err)
		}
		builder, ver, err := membershipTemplate(respMake, req.RoomID, req.UserID, spec.Leave)
		if err != nil {
			return err
		}
		event, err := types.BuildEvent(builder, time.Now(), a.serverName(), a.cfg.Matrix.KeyID, a.cfg.Matrix.PrivateKey, ver)
		if err != nil {
			return err
		}
		if err = a.client.SendLeave(ctx, server, event); err != nil {
			return fmt.Errorf("a.client.SendLeave: %w", err)
		}
		leave = event
		res.LeftVia = server
		res.EventID = event.EventID()
		return nil
	})
	if err != nil {
		return err
	}

	// The leave has happened by now, even if we fail to store it.
	if err = a.inputer.ProcessRoomEvent(ctx, &rsapi.InputRoomEvent{
		Kind:   rsapi.KindNew,
		Event:  leave,
		Origin: res.LeftVia,
	}); err != nil {
		logger.WithError(err).Warn("Failed to store our leave event")
	}
	logger.WithField("server", res.LeftVia).Info("Left room")
	return nil
}

// PerformInvite sends an invite built by us to the server of the invited
// user and stores the countersigned invite.
func (a *FederationInternalAPI) PerformInvite(ctx context.Context, req *api.PerformInviteRequest, res *api.PerformInviteResponse) error {
	event := req.Event
	membership, err := event.Membership()
	if err != nil || membership != spec.Invite || event.StateKey() == nil {
		return fmt.Errorf("event %s is not an invite", event.EventID())
	}
	_, destination, err := gomatrixserverlib.SplitID('@', *event.StateKey())
	if err != nil {
		return fmt.Errorf("invalid invitee %q: %w", *event.StateKey(), err)
	}

	signed := event
	if !a.isLocalServerName(destination) {
		inviteRoomState := req.InviteRoomState
		if len(inviteRoomState) == 0 {
			if inviteRoomState, err = a.strippedState(ctx, event.RoomID()); err != nil {
				return err
			}
		}
		signed, err = a.client.SendInvite(ctx, destination, event, inviteRoomState)
		if err != nil {
			return fmt.Errorf("a.client.SendInvite: %w", err)
		}
		if signed.EventID() != event.EventID() {
			return fmt.Errorf("%s returned a different invite event %s", destination, signed.EventID())
		}
	}

	if err = a.inputer.ProcessRoomEvent(ctx, &rsapi.InputRoomEvent{
		Kind:   rsapi.KindNew,
		Event:  signed,
		Origin: a.serverName(),
	}); err != nil {
		return fmt.Errorf("a.inputer.ProcessRoomEvent: %w", err)
	}
	res.Event = signed
	return nil
}

// strippedStateTypes are the state events that an invited user gets to see
// before joining.
var strippedStateTypes = []string{
	spec.MRoomCreate,
	spec.MRoomJoinRules,
	spec.MRoomName,
	spec.MRoomCanonicalAlias,
	"m.room.avatar",
	"m.room.encryption",
}

type strippedEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
	Sender   string          `json:"sender"`
}

// strippedState returns the stripped form of the state an invited user gets
// to see.
func (a *FederationInternalAPI) strippedState(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	current, err := a.db.CurrentState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("a.db.CurrentState: %w", err)
	}
	tuples := make([]types.StateKeyTuple, 0, len(strippedStateTypes))
	for _, eventType := range strippedStateTypes {
		tuples = append(tuples, types.StateKeyTuple{EventType: eventType})
	}
	wanted := current.Filter(tuples)
	events, err := a.db.EventsByID(ctx, wanted.EventIDs())
	if err != nil {
		return nil, fmt.Errorf("a.db.EventsByID: %w", err)
	}
	stripped := make([]json.RawMessage, 0, len(events))
	for _, tuple := range wanted.Keys() {
		ev, ok := events[wanted[tuple]]
		if !ok {
			continue
		}
		raw, err := json.Marshal(strippedEvent{
			Type:     ev.Type(),
			StateKey: tuple.StateKey,
			Content:  ev.Content(),
			Sender:   ev.Sender(),
		})
		if err != nil {
			return nil, err
		}
		stripped = append(stripped, raw)
	}
	return stripped, nil
}

// membershipTemplate checks that a make_join or make_leave template is the
// membership event we asked for.
func membershipTemplate(res *api.RespMakeMembership, roomID, userID, membership string) (*gomatrixserverlib.EventBuilder, gomatrixserverlib.IRoomVersion, error) {
	roomVersion := res.RoomVersion
	if roomVersion == "" {
		roomVersion = gomatrixserverlib.RoomVersionV1
	}
	ver, err := types.GetRoomVersion(roomVersion)
	if err != nil {
		return nil, ver, err
	}
	builder, err := types.NewEventBuilderFromProtoJSON(res.Event, ver)
	if err != nil {
		return nil, ver, fmt.Errorf("types.NewEventBuilderFromProtoJSON: %w", err)
	}
	switch {
	case builder.Type != spec.MRoomMember:
		err = fmt.Errorf("template has type %q", builder.Type)
	case builder.RoomID != roomID:
		err = fmt.Errorf("template is for room %q", builder.RoomID)
	case builder.SenderID != userID:
		err = fmt.Errorf("template has sender %q", builder.SenderID)
	case builder.StateKey == nil || *builder.StateKey != userID:
		err = fmt.Errorf("template has the wrong state key")
	case gjson.GetBytes(builder.Content, "membership").Str != membership:
		err = fmt.Errorf("template has membership %q", gjson.GetBytes(builder.Content, "membership").Str)
	}
	if err != nil {
		return nil, ver, fmt.Errorf("make_%s: %w", membership, err)
	}
	return builder, ver, nil
}

func (a *FederationInternalAPI) checkLocalUser(userID string) error {
	_, domain, err := gomatrixserverlib.SplitID('@', userID)
	if err != nil {
		return fmt.Errorf("invalid user ID %q: %w", userID, err)
	}
	if !a.isLocalServerName(domain) {
		return fmt.Errorf("user %s is not local", userID)
	}
	return nil
}

// resolveServers returns the remote servers to try for a room: the given
// ones first, then the known resident servers, then the server of the room
// ID.
func (a *FederationInternalAPI) resolveServers(roomID string, given, known []spec.ServerName) []spec.ServerName {
	servers := make([]spec.ServerName, 0, len(given)+len(known)+1)
	seen := make(map[spec.ServerName]struct{}, cap(servers))
	add := func(server spec.ServerName) {
		server = internalutil.NormalizeServerName(server)
		if server == "" || a.isLocalServerName(server) {
			return
		}
		if _, ok := seen[server]; ok {
			return
		}
		seen[server] = struct{}{}
		servers = append(servers, server)
	}
	for _, server := range given {
		add(server)
	}
	for _, server := range known {
		add(server)
	}
	if _, domain, err := gomatrixserverlib.SplitID('!', roomID); err == nil {
		add(domain)
	}
	return servers
}
