// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/fedcore/federationapi/api"
	rsapi "github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/eventauth"
	"github.com/element-hq/fedcore/roomserver/state"
	"github.com/element-hq/fedcore/roomserver/types"
)

const (
	// Upper bounds on the number of events served per request.
	maxServedBackfill      = 100
	maxServedMissingEvents = 20
	// transactionRoomWorkers bounds how many rooms of a transaction are
	// processed at the same time. Events of the same room are processed in
	// order.
	transactionRoomWorkers = 8
)

// OnPDURequest returns an event to a server that is in its room.
func (a *FederationInternalAPI) OnPDURequest(ctx context.Context, origin spec.ServerName, eventID string) (*types.Event, error) {
	events, err := a.db.EventsByID(ctx, []string{eventID})
	if err != nil {
		return nil, fmt.Errorf("a.db.EventsByID: %w", err)
	}
	ev, ok := events[eventID]
	if !ok {
		return nil, spec.NotFound("Unknown event")
	}
	if err = a.checkOriginInRoom(ctx, origin, ev.RoomID()); err != nil {
		return nil, err
	}
	return ev, nil
}

// OnContextStateRequest returns the state before an event together with its
// auth chain.
func (a *FederationInternalAPI) OnContextStateRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string) (*api.RoomState, error) {
	if err := a.checkOriginInRoom(ctx, origin, roomID); err != nil {
		return nil, err
	}
	ev, err := a.roomEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, err
	}
	before, err := a.stateBeforeEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	stateEvents, authChain, err := a.stateWithAuthChain(ctx, before)
	if err != nil {
		return nil, err
	}
	return &api.RoomState{StateEvents: stateEvents, AuthChain: authChain}, nil
}

// OnStateIDsRequest is OnContextStateRequest returning event IDs only.
func (a *FederationInternalAPI) OnStateIDsRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string) (*api.RespStateIDs, error) {
	if err := a.checkOriginInRoom(ctx, origin, roomID); err != nil {
		return nil, err
	}
	ev, err := a.roomEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, err
	}
	before, err := a.stateBeforeEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	stateIDs := before.EventIDs()
	authIDs, err := a.db.AuthChainIDs(ctx, stateIDs)
	if err != nil {
		return nil, fmt.Errorf("a.db.AuthChainIDs: %w", err)
	}
	return &api.RespStateIDs{StateEventIDs: stateIDs, AuthChainIDs: authIDs}, nil
}

// OnBackfillRequest returns up to limit events preceding eventIDs, newest
// first.
func (a *FederationInternalAPI) OnBackfillRequest(ctx context.Context, origin spec.ServerName, roomID string, eventIDs []string, limit int) ([]*types.Event, error) {
	if err := a.checkOriginInRoom(ctx, origin, roomID); err != nil {
		return nil, err
	}
	if len(eventIDs) == 0 {
		return nil, spec.MissingParam("At least one event ID must be given")
	}
	if limit <= 0 || limit > maxServedBackfill {
		limit = maxServedBackfill
	}
	events, err := a.db.BackfillEvents(ctx, roomID, eventIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("a.db.BackfillEvents: %w", err)
	}
	return events, nil
}

// OnGetMissingEvents walks back from latest_events until earliest_events or
// min_depth is reached.
func (a *FederationInternalAPI) OnGetMissingEvents(ctx context.Context, origin spec.ServerName, roomID string, req *api.MissingEventsRequest) ([]*types.Event, error) {
	if err := a.checkOriginInRoom(ctx, origin, roomID); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > maxServedMissingEvents {
		limit = maxServedMissingEvents
	}
	events, err := a.db.GetMissingEvents(ctx, roomID, req.EarliestEvents, req.LatestEvents, limit, req.MinDepth)
	if err != nil {
		return nil, fmt.Errorf("a.db.GetMissingEvents: %w", err)
	}
	return events, nil
}

// OnEventAuth returns the full auth chain of an event.
func (a *FederationInternalAPI) OnEventAuth(ctx context.Context, origin spec.ServerName, roomID, eventID string) ([]*types.Event, error) {
	if err := a.checkOriginInRoom(ctx, origin, roomID); err != nil {
		return nil, err
	}
	if _, err := a.roomEvent(ctx, roomID, eventID); err != nil {
		return nil, err
	}
	authIDs, err := a.db.AuthChainIDs(ctx, []string{eventID})
	if err != nil {
		return nil, fmt.Errorf("a.db.AuthChainIDs: %w", err)
	}
	return a.eventsInDepthOrder(ctx, authIDs)
}

// OnQueryAuth compares the auth chain of an event that another server holds
// with ours. We store the events they sent that we didn't have, and answer
// with our chain, the events they are missing and the ones we rejected.
func (a *FederationInternalAPI) OnQueryAuth(ctx context.Context, origin spec.ServerName, roomID, eventID string, req *api.QueryAuthRequest) (*api.QueryAuthRequest, error) {
	if err := a.checkOriginInRoom(ctx, origin, roomID); err != nil {
		return nil, err
	}
	if _, err := a.roomEvent(ctx, roomID, eventID); err != nil {
		return nil, err
	}
	ver, err := a.db.RoomVersion(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("a.db.RoomVersion: %w", err)
	}

	theirs := a.parseAndVerify(ctx, origin, req.AuthChain, ver)
	if err = a.inputer.ProcessOutliers(ctx, roomID, theirs); err != nil {
		return nil, fmt.Errorf("a.inputer.ProcessOutliers: %w", err)
	}
	theirIDs := make(map[string]struct{}, len(theirs))
	ids := make([]string, 0, len(theirs))
	for _, ev := range theirs {
		theirIDs[ev.EventID()] = struct{}{}
		ids = append(ids, ev.EventID())
	}

	ourIDs, err := a.db.AuthChainIDs(ctx, []string{eventID})
	if err != nil {
		return nil, fmt.Errorf("a.db.AuthChainIDs: %w", err)
	}
	ours, err := a.eventsInDepthOrder(ctx, ourIDs)
	if err != nil {
		return nil, err
	}
	res := &api.QueryAuthRequest{
		AuthChain: rawEvents(ours),
		Missing:   []string{},
		Rejects:   map[string]api.RejectInfo{},
	}
	for _, id := range ourIDs {
		if _, ok := theirIDs[id]; !ok {
			res.Missing = append(res.Missing, id)
		}
	}
	known, err := a.db.EventMetadata(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("a.db.EventMetadata: %w", err)
	}
	for id, md := range known {
		if md.RejectedReason != types.RejectedNone {
			res.Rejects[id] = api.RejectInfo{Reason: md.RejectedReason}
		}
	}
	return res, nil
}

// OnMakeJoinRequest returns a join event template for a user of the origin.
func (a *FederationInternalAPI) OnMakeJoinRequest(
	ctx context.Context, origin spec.ServerName, roomID, userID string, remoteVersions []gomatrixserverlib.RoomVersion,
) (*api.RespMakeMembership, error) {
	return a.makeMembership(ctx, origin, roomID, userID, spec.Join, remoteVersions)
}

// OnMakeLeaveRequest returns a leave event template for a user of the origin.
func (a *FederationInternalAPI) OnMakeLeaveRequest(ctx context.Context, origin spec.ServerName, roomID, userID string) (*api.RespMakeMembership, error) {
	return a.makeMembership(ctx, origin, roomID, userID, spec.Leave, nil)
}

func (a *FederationInternalAPI) makeMembership(
	ctx context.Context, origin spec.ServerName, roomID, userID, membership string, remoteVersions []gomatrixserverlib.RoomVersion,
) (*api.RespMakeMembership, error) {
	_, domain, err := gomatrixserverlib.SplitID('@', userID)
	if err != nil {
		return nil, spec.InvalidParam("Invalid user ID")
	}
	if domain != origin {
		return nil, spec.Forbidden("The user must belong to the requesting server")
	}
	if err = a.checkLocalServerInRoom(ctx, roomID); err != nil {
		return nil, err
	}
	ver, err := a.db.RoomVersion(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("a.db.RoomVersion: %w", err)
	}
	if membership == spec.Join {
		if len(remoteVersions) == 0 {
			remoteVersions = []gomatrixserverlib.RoomVersion{gomatrixserverlib.RoomVersionV1}
		}
		supported := false
		for _, v := range remoteVersions {
			if v == ver.Version() {
				supported = true
				break
			}
		}
		if !supported {
			return nil, api.IncompatibleRoomVersion(ver.Version())
		}
	}

	extremities, err := a.db.ForwardExtremities(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("a.db.ForwardExtremities: %w", err)
	}
	sort.Strings(extremities)
	if len(extremities) > a.rsCfg.MaxPrevEvents {
		extremities = extremities[:a.rsCfg.MaxPrevEvents]
	}
	prevs, err := a.eventsInDepthOrder(ctx, extremities)
	if err != nil {
		return nil, err
	}
	proto := gomatrixserverlib.ProtoEvent{
		SenderID: userID,
		RoomID:   roomID,
		Type:     spec.MRoomMember,
		StateKey: &userID,
	}
	prevIDs := make([]string, 0, len(prevs))
	for _, prev := range prevs {
		prevIDs = append(prevIDs, prev.EventID())
		if prev.Depth() >= proto.Depth {
			proto.Depth = prev.Depth() + 1
		}
	}
	proto.PrevEvents = prevIDs
	if err = proto.SetContent(map[string]interface{}{"membership": membership}); err != nil {
		return nil, err
	}

	// Build a locally signed copy of the template to pick its auth events
	// and to find out whether the membership would be allowed at all.
	current, err := a.db.CurrentState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("a.db.CurrentState: %w", err)
	}
	now := time.Now()
	candidate, err := types.BuildEvent(ver.NewEventBuilderFromProtoEvent(&proto), now, a.serverName(), a.cfg.Matrix.KeyID, a.cfg.Matrix.PrivateKey, ver)
	if err != nil {
		return nil, err
	}
	authEvents, err := a.eventsInDepthOrder(ctx, a.ruleSet.ComputeAuthEvents(candidate, current))
	if err != nil {
		return nil, err
	}
	authIDs := make([]string, 0, len(authEvents))
	for _, authEv := range authEvents {
		authIDs = append(authIDs, authEv.EventID())
	}
	proto.AuthEvents = authIDs
	if candidate, err = types.BuildEvent(ver.NewEventBuilderFromProtoEvent(&proto), now, a.serverName(), a.cfg.Matrix.KeyID, a.cfg.Matrix.PrivateKey, ver); err != nil {
		return nil, err
	}
	if err = a.ruleSet.Check(candidate, authEvents); err != nil {
		var notAllowed *eventauth.NotAllowed
		if errors.As(err, &notAllowed) {
			return nil, spec.Forbidden(notAllowed.Message)
		}
		return nil, err
	}

	template, err := json.Marshal(proto)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return &api.RespMakeMembership{Event: template, RoomVersion: ver.Version()}, nil
}

// OnSendJoinRequest stores a join event signed by the origin and returns the
// state of the room before it.
func (a *FederationInternalAPI) OnSendJoinRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string, eventJSON []byte) (*api.RespSendJoin, error) {
	event, countersigned, err := a.receiveMembership(ctx, origin, roomID, eventID, eventJSON, spec.Join)
	if err != nil {
		return nil, err
	}
	before, err := a.stateBeforeEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	stateEvents, authChain, err := a.stateWithAuthChain(ctx, before)
	if err != nil {
		return nil, err
	}
	res := &api.RespSendJoin{
		Origin:      a.serverName(),
		StateEvents: rawEvents(stateEvents),
		AuthChain:   rawEvents(authChain),
	}
	if countersigned {
		res.Event = event.JSON()
	}
	return res, nil
}

// OnSendLeaveRequest stores a leave event signed by the origin.
func (a *FederationInternalAPI) OnSendLeaveRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string, eventJSON []byte) error {
	_, _, err := a.receiveMembership(ctx, origin, roomID, eventID, eventJSON, spec.Leave)
	return err
}

// receiveMembership checks a membership event sent to send_join or
// send_leave and runs it through the input pipeline. Joins authorised by one
// of our users are countersigned first.
func (a *FederationInternalAPI) receiveMembership(
	ctx context.Context, origin spec.ServerName, roomID, eventID string, eventJSON []byte, membership string,
) (*types.Event, bool, error) {
	if err := a.checkLocalServerInRoom(ctx, roomID); err != nil {
		return nil, false, err
	}
	ver, err := a.db.RoomVersion(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("a.db.RoomVersion: %w", err)
	}
	event, err := types.NewEventFromUntrustedJSON(eventJSON, ver)
	if err != nil {
		return nil, false, spec.BadJSON("The event could not be parsed: " + err.Error())
	}
	if err = checkMembershipEvent(event, roomID, eventID, membership); err != nil {
		return nil, false, err
	}
	if event.SenderDomain() != origin {
		return nil, false, spec.Forbidden("The sender of the event must belong to the requesting server")
	}

	countersigned := false
	if authoriser := gjson.GetBytes(event.Content(), "join_authorised_via_users_server").Str; membership == spec.Join && authoriser != "" {
		if _, domain, err := gomatrixserverlib.SplitID('@', authoriser); err == nil && a.isLocalServerName(domain) {
			if event, err = event.Sign(a.serverName(), a.cfg.Matrix.KeyID, a.cfg.Matrix.PrivateKey); err != nil {
				return nil, false, fmt.Errorf("event.Sign: %w", err)
			}
			countersigned = true
		}
	}
	if verifyErr := a.keyRing.VerifyEvents(ctx, []*types.Event{event})[0]; verifyErr != nil {
		return nil, false, spec.Forbidden("The event signature could not be verified: " + verifyErr.Error())
	}

	err = a.inputer.ProcessRoomEvent(ctx, &rsapi.InputRoomEvent{
		Kind:   rsapi.KindNew,
		Event:  event,
		Origin: origin,
	})
	var rejected types.RejectedError
	switch {
	case errors.As(err, &rejected):
		return nil, false, spec.Forbidden(err.Error())
	case err != nil:
		return nil, false, fmt.Errorf("a.inputer.ProcessRoomEvent: %w", err)
	}
	// Sent before and rejected back then.
	known, err := a.db.EventMetadata(ctx, []string{event.EventID()})
	if err != nil {
		return nil, false, fmt.Errorf("a.db.EventMetadata: %w", err)
	}
	if md, ok := known[event.EventID()]; ok && md.RejectedReason != types.RejectedNone {
		return nil, false, spec.Forbidden("The event was rejected")
	}
	return event, countersigned, nil
}

// OnInviteRequest countersigns and stores an invite for one of our users.
func (a *FederationInternalAPI) OnInviteRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string, req *api.InviteRequest) (*types.Event, error) {
	roomVersion := req.RoomVersion
	if roomVersion == "" {
		roomVersion = gomatrixserverlib.RoomVersionV1
	}
	ver, err := types.GetRoomVersion(roomVersion)
	if err != nil {
		return nil, spec.MatrixError{
			ErrCode: spec.ErrorUnsupportedRoomVersion,
			Err:     fmt.Sprintf("Room version %q is not supported", roomVersion),
		}
	}
	event, err := types.NewEventFromUntrustedJSON(req.Event, ver)
	if err != nil {
		return nil, spec.BadJSON("The event could not be parsed: " + err.Error())
	}
	if err = checkMembershipEvent(event, roomID, eventID, spec.Invite); err != nil {
		return nil, err
	}
	if _, domain, err := gomatrixserverlib.SplitID('@', *event.StateKey()); err != nil || !a.isLocalServerName(domain) {
		return nil, spec.Forbidden("The invited user does not belong to this server")
	}
	if event.SenderDomain() != origin {
		return nil, spec.Forbidden("The sender of the invite must belong to the requesting server")
	}
	if verifyErr := a.keyRing.VerifyEvents(ctx, []*types.Event{event})[0]; verifyErr != nil {
		return nil, spec.Forbidden("The event signature could not be verified: " + verifyErr.Error())
	}

	signed, err := event.Sign(a.serverName(), a.cfg.Matrix.KeyID, a.cfg.Matrix.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("event.Sign: %w", err)
	}
	err = a.inputer.ProcessInvite(ctx, signed, origin)
	var rejected types.RejectedError
	switch {
	case errors.As(err, &rejected):
		return nil, spec.Forbidden(err.Error())
	case err != nil:
		return nil, fmt.Errorf("a.inputer.ProcessInvite: %w", err)
	}
	return signed, nil
}

// OnIncomingTransaction processes the PDUs of a transaction. Rooms are
// processed concurrently, the events of each room in the order they were
// sent. Failures are reported per event. EDUs are not processed.
func (a *FederationInternalAPI) OnIncomingTransaction(ctx context.Context, txn *api.Transaction) (*api.RespSend, error) {
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"origin": txn.Origin,
		"txn_id": txn.TransactionID,
	})
	res := &api.RespSend{PDUs: make(map[string]api.PDUResult, len(txn.PDUs))}

	var rooms []string
	byRoom := make(map[string][]*types.Event)
	var events []*types.Event
	for _, raw := range txn.PDUs {
		roomID := gjson.GetBytes(raw, "room_id").Str
		ver, err := a.db.RoomVersion(ctx, roomID)
		if err != nil {
			// Without the room version we can't even work out the event ID.
			logger.WithError(err).WithField("room_id", roomID).Debug("Ignoring PDU for unknown room")
			continue
		}
		ev, err := types.NewEventFromUntrustedJSON(raw, ver)
		if err != nil {
			logger.WithError(err).WithField("room_id", roomID).Warn("Ignoring malformed PDU")
			continue
		}
		events = append(events, ev)
	}
	verifyErrs := a.keyRing.VerifyEvents(ctx, events)
	for i, ev := range events {
		if verifyErrs[i] != nil {
			res.PDUs[ev.EventID()] = api.PDUResult{Error: verifyErrs[i].Error()}
			continue
		}
		if _, ok := byRoom[ev.RoomID()]; !ok {
			rooms = append(rooms, ev.RoomID())
		}
		byRoom[ev.RoomID()] = append(byRoom[ev.RoomID()], ev)
	}
	if len(txn.EDUs) > 0 {
		logger.WithField("edus", len(txn.EDUs)).Debug("Ignoring EDUs")
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(transactionRoomWorkers)
	for _, roomID := range rooms {
		roomEvents := byRoom[roomID]
		g.Go(func() error {
			for _, ev := range roomEvents {
				result := api.PDUResult{}
				if err := a.inputer.ProcessRoomEvent(ctx, &rsapi.InputRoomEvent{
					Kind:   rsapi.KindNew,
					Event:  ev,
					Origin: txn.Origin,
				}); err != nil {
					result.Error = err.Error()
				}
				mu.Lock()
				res.PDUs[ev.EventID()] = result
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

// checkOriginInRoom allows room data to be served only to servers that have
// a joined member in the room.
func (a *FederationInternalAPI) checkOriginInRoom(ctx context.Context, origin spec.ServerName, roomID string) error {
	info, err := a.db.RoomInfo(ctx, roomID)
	if err != nil {
		return fmt.Errorf("a.db.RoomInfo: %w", err)
	}
	if info == nil {
		return spec.NotFound("Unknown room")
	}
	inRoom, err := a.db.ServerInRoom(ctx, origin, roomID)
	if err != nil {
		return fmt.Errorf("a.db.ServerInRoom: %w", err)
	}
	if !inRoom {
		return spec.Forbidden("The requesting server is not in the room")
	}
	return nil
}

// checkLocalServerInRoom makes sure we can act as a resident server.
func (a *FederationInternalAPI) checkLocalServerInRoom(ctx context.Context, roomID string) error {
	info, err := a.db.RoomInfo(ctx, roomID)
	if err != nil {
		return fmt.Errorf("a.db.RoomInfo: %w", err)
	}
	if info == nil {
		return spec.NotFound("Unknown room")
	}
	inRoom, err := a.db.ServerInRoom(ctx, a.serverName(), roomID)
	if err != nil {
		return fmt.Errorf("a.db.ServerInRoom: %w", err)
	}
	if !inRoom {
		return spec.NotFound("This server is not in the room")
	}
	return nil
}

func (a *FederationInternalAPI) roomEvent(ctx context.Context, roomID, eventID string) (*types.Event, error) {
	events, err := a.db.EventsByID(ctx, []string{eventID})
	if err != nil {
		return nil, fmt.Errorf("a.db.EventsByID: %w", err)
	}
	ev, ok := events[eventID]
	if !ok || ev.RoomID() != roomID {
		return nil, spec.NotFound("Unknown event")
	}
	return ev, nil
}

// stateBeforeEvent returns the state of the room before ev. Only the state
// after each event is stored, so for a state event the entry it replaced is
// recovered from the states after its prev events.
func (a *FederationInternalAPI) stateBeforeEvent(ctx context.Context, ev *types.Event) (types.StateMap, error) {
	after, err := a.db.StateAfterEvent(ctx, ev.EventID())
	if err != nil {
		var missing types.MissingStateError
		if errors.As(err, &missing) {
			return nil, spec.NotFound("No state is known at the event")
		}
		return nil, fmt.Errorf("a.db.StateAfterEvent: %w", err)
	}
	tuple, ok := ev.StateKeyTuple()
	if !ok || after[tuple] != ev.EventID() {
		return after, nil
	}
	before := after.Copy()
	delete(before, tuple)

	prevStates, err := a.db.GetStateGroupsIDs(ctx, ev.RoomID(), ev.PrevEventIDs())
	if err != nil {
		return nil, fmt.Errorf("a.db.GetStateGroupsIDs: %w", err)
	}
	values := map[string]struct{}{}
	stateSets := make([]types.StateMap, 0, len(prevStates))
	for _, prevState := range prevStates {
		if id, ok := prevState[tuple]; ok {
			values[id] = struct{}{}
		}
		stateSets = append(stateSets, prevState)
	}
	switch len(values) {
	case 0:
	case 1:
		for id := range values {
			before[tuple] = id
		}
	default:
		resolved, err := state.Resolve(ctx, ev.Version(), stateSets, a.db)
		if err != nil {
			return nil, fmt.Errorf("state.Resolve: %w", err)
		}
		if id, ok := resolved[tuple]; ok {
			before[tuple] = id
		}
	}
	return before, nil
}

// stateWithAuthChain loads the events of a state and of its auth chain.
func (a *FederationInternalAPI) stateWithAuthChain(ctx context.Context, st types.StateMap) ([]*types.Event, []*types.Event, error) {
	stateIDs := st.EventIDs()
	stateEvents, err := a.eventsInDepthOrder(ctx, stateIDs)
	if err != nil {
		return nil, nil, err
	}
	authIDs, err := a.db.AuthChainIDs(ctx, stateIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("a.db.AuthChainIDs: %w", err)
	}
	authChain, err := a.eventsInDepthOrder(ctx, authIDs)
	if err != nil {
		return nil, nil, err
	}
	return stateEvents, authChain, nil
}

// eventsInDepthOrder loads the known events among eventIDs, oldest first.
func (a *FederationInternalAPI) eventsInDepthOrder(ctx context.Context, eventIDs []string) ([]*types.Event, error) {
	byID, err := a.db.EventsByID(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("a.db.EventsByID: %w", err)
	}
	events := make([]*types.Event, 0, len(byID))
	for _, ev := range byID {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Depth() != events[j].Depth() {
			return events[i].Depth() < events[j].Depth()
		}
		return events[i].EventID() < events[j].EventID()
	})
	return events, nil
}

// parseAndVerify parses events sent to us in a request body, dropping the
// ones that are malformed or badly signed.
func (a *FederationInternalAPI) parseAndVerify(ctx context.Context, origin spec.ServerName, raws []json.RawMessage, ver gomatrixserverlib.IRoomVersion) []*types.Event {
	logger := util.GetLogger(ctx).WithField("origin", origin)
	events := make([]*types.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := types.NewEventFromUntrustedJSON(raw, ver)
		if err != nil {
			logger.WithError(err).Warn("Dropping malformed event")
			continue
		}
		events = append(events, ev)
	}
	verified := events[:0]
	for i, err := range a.keyRing.VerifyEvents(ctx, events) {
		if err != nil {
			logger.WithError(err).WithField("event_id", events[i].EventID()).Warn("Dropping event with bad signatures")
			continue
		}
		verified = append(verified, events[i])
	}
	return verified
}

func checkMembershipEvent(event *types.Event, roomID, eventID, membership string) error {
	if event.EventID() != eventID {
		return spec.BadJSON("The event ID does not match the request")
	}
	if event.RoomID() != roomID {
		return spec.BadJSON("The room ID does not match the request")
	}
	if event.Type() != spec.MRoomMember || event.StateKey() == nil {
		return spec.BadJSON("The event is not a membership event")
	}
	if m, err := event.Membership(); err != nil || m != membership {
		return spec.BadJSON(fmt.Sprintf("The membership must be %q", membership))
	}
	if membership != spec.Invite && event.Sender() != *event.StateKey() {
		return spec.BadJSON("The sender must be the user whose membership changes")
	}
	return nil
}

func rawEvents(events []*types.Event) []json.RawMessage {
	raws := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		raws = append(raws, ev.JSON())
	}
	return raws
}
