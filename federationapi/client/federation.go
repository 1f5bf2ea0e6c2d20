// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/types"
)

const (
	federationPathPrefixV1 = "/_matrix/federation/v1"
	federationPathPrefixV2 = "/_matrix/federation/v2"
)

// GetPDU fetches an event from the first of destinations able to serve it.
// Destinations already asked for the event within PDURetryTime are skipped,
// and the result is cached for PDUCacheTTL.
func (c *Client) GetPDU(ctx context.Context, destinations []spec.ServerName, eventID string, ver gomatrixserverlib.IRoomVersion) (*types.Event, error) {
	if cached, ok := c.pduCache.GetFederationEvent(eventID, c.cfg.PDUCacheTTL); ok {
		return cached, nil
	}
	res, err, _ := c.pduFetches.Do(pduFetchKey(eventID, destinations), func() (interface{}, error) {
		return c.getPDU(ctx, destinations, eventID, ver)
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.Event), nil
}

// pduFetchKey identifies lookups that can share one fetch: the same event
// from the same set of destinations.
func pduFetchKey(eventID string, destinations []spec.ServerName) string {
	names := make([]string, 0, len(destinations))
	for _, destination := range destinations {
		names = append(names, string(destination))
	}
	sort.Strings(names)
	return eventID + "|" + strings.Join(names, ",")
}

func pduTriedKey(eventID string, destination spec.ServerName) string {
	return eventID + "|" + string(destination)
}

func (c *Client) getPDU(ctx context.Context, destinations []spec.ServerName, eventID string, ver gomatrixserverlib.IRoomVersion) (*types.Event, error) {
	untried := make([]spec.ServerName, 0, len(destinations))
	for _, destination := range destinations {
		if _, tried := c.pduTried.Get(pduTriedKey(eventID, destination)); !tried {
			untried = append(untried, destination)
		}
	}

	var event *types.Event
	// A server that doesn't have the event says so with a 404, which
	// shouldn't stop us from asking the others.
	failover := func(error) bool { return true }
	err := c.tryDestinationList(ctx, "get_pdu", untried, failover, func(ctx context.Context, destination spec.ServerName) error {
		c.pduTried.SetDefault(pduTriedKey(eventID, destination), struct{}{})

		var txn api.Transaction
		path := federationPathPrefixV1 + "/event/" + url.PathEscape(eventID)
		if err := c.doRequest(ctx, destination, http.MethodGet, path, nil, &txn); err != nil {
			return err
		}
		if len(txn.PDUs) == 0 {
			return fmt.Errorf("%s returned no events for %s", destination, eventID)
		}
		ev, err := types.NewEventFromUntrustedJSON(txn.PDUs[0], ver)
		if err != nil {
			return err
		}
		if ev.EventID() != eventID {
			return fmt.Errorf("%s returned event %s when asked for %s", destination, ev.EventID(), eventID)
		}
		if errs := c.keyRing.VerifyEvents(ctx, []*types.Event{ev}); errs[0] != nil {
			return errs[0]
		}
		event = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.pduCache.StoreFederationEvent(event, time.Now())
	return event, nil
}

// GetMissingEvents asks destination for the events between earliest and
// latest in req.
func (c *Client) GetMissingEvents(
	ctx context.Context, destination spec.ServerName, roomID string, req api.MissingEventsRequest, ver gomatrixserverlib.IRoomVersion,
) ([]*types.Event, error) {
	var res api.RespMissingEvents
	path := federationPathPrefixV1 + "/get_missing_events/" + url.PathEscape(roomID)
	err := c.tryDestinationList(ctx, "get_missing_events", []spec.ServerName{destination}, nil, func(ctx context.Context, destination spec.ServerName) error {
		return c.doRequest(ctx, destination, http.MethodPost, path, req, &res)
	})
	if err != nil {
		return nil, err
	}
	return c.parseAndVerify(ctx, destination, res.Events, ver), nil
}

// Backfill asks destination for up to limit events preceding fromEventIDs.
// Events with bad signatures are dropped.
func (c *Client) Backfill(
	ctx context.Context, destination spec.ServerName, roomID string, limit int, fromEventIDs []string, ver gomatrixserverlib.IRoomVersion,
) ([]*types.Event, error) {
	query := url.Values{}
	for _, eventID := range fromEventIDs {
		query.Add("v", eventID)
	}
	query.Set("limit", strconv.Itoa(limit))
	path := federationPathPrefixV1 + "/backfill/" + url.PathEscape(roomID) + "?" + query.Encode()

	var txn api.Transaction
	if err := c.doRequest(ctx, destination, http.MethodGet, path, nil, &txn); err != nil {
		return nil, err
	}
	events := c.parseAndVerify(ctx, destination, txn.PDUs, ver)
	kept := events[:0]
	for _, event := range events {
		if event.RoomID() == roomID {
			kept = append(kept, event)
		}
	}
	return kept, nil
}

// GetRoomState fetches the state of the room at eventID, with its auth chain.
func (c *Client) GetRoomState(
	ctx context.Context, destination spec.ServerName, roomID, eventID string, ver gomatrixserverlib.IRoomVersion,
) (*api.RoomState, error) {
	var res api.RespState
	path := federationPathPrefixV1 + "/state/" + url.PathEscape(roomID) + "?event_id=" + url.QueryEscape(eventID)
	if err := c.doRequest(ctx, destination, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &api.RoomState{
		AuthChain:   c.parseAndVerify(ctx, destination, res.AuthChain, ver),
		StateEvents: c.parseAndVerify(ctx, destination, res.StateEvents, ver),
	}, nil
}

// GetRoomStateIDs fetches the IDs of the state at eventID and of its auth
// chain.
func (c *Client) GetRoomStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (*api.RespStateIDs, error) {
	var res api.RespStateIDs
	path := federationPathPrefixV1 + "/state_ids/" + url.PathEscape(roomID) + "?event_id=" + url.QueryEscape(eventID)
	if err := c.doRequest(ctx, destination, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetEventAuth fetches the full auth chain of eventID.
func (c *Client) GetEventAuth(
	ctx context.Context, destination spec.ServerName, roomID, eventID string, ver gomatrixserverlib.IRoomVersion,
) ([]*types.Event, error) {
	var res api.RespEventAuth
	path := federationPathPrefixV1 + "/event_auth/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	if err := c.doRequest(ctx, destination, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return c.parseAndVerify(ctx, destination, res.AuthChain, ver), nil
}

// QueryAuth compares our auth chain for event with that of destination.
func (c *Client) QueryAuth(
	ctx context.Context, destination spec.ServerName, event *types.Event,
	authChain []*types.Event, missing []string, rejects map[string]api.RejectInfo,
) (*api.QueryAuthResult, error) {
	req := api.QueryAuthRequest{
		AuthChain: make([]json.RawMessage, 0, len(authChain)),
		Missing:   missing,
		Rejects:   rejects,
	}
	for _, authEvent := range authChain {
		req.AuthChain = append(req.AuthChain, authEvent.JSON())
	}
	if req.Missing == nil {
		req.Missing = []string{}
	}
	if req.Rejects == nil {
		req.Rejects = map[string]api.RejectInfo{}
	}
	var res api.QueryAuthRequest
	path := federationPathPrefixV1 + "/query_auth/" + url.PathEscape(event.RoomID()) + "/" + url.PathEscape(event.EventID())
	if err := c.doRequest(ctx, destination, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &api.QueryAuthResult{
		AuthChain: c.parseAndVerify(ctx, destination, res.AuthChain, event.Version()),
		Missing:   res.Missing,
		Rejects:   res.Rejects,
	}, nil
}

// MakeMembershipEvent asks destination for a join or leave event template.
func (c *Client) MakeMembershipEvent(
	ctx context.Context, destination spec.ServerName, membership, roomID, userID string, supported []gomatrixserverlib.RoomVersion,
) (*api.RespMakeMembership, error) {
	if membership != spec.Join && membership != spec.Leave {
		return nil, fmt.Errorf("cannot make a %q membership event", membership)
	}
	path := federationPathPrefixV1 + "/make_" + membership + "/" + url.PathEscape(roomID) + "/" + url.PathEscape(userID)
	if len(supported) > 0 {
		query := url.Values{}
		for _, ver := range supported {
			query.Add("ver", string(ver))
		}
		path += "?" + query.Encode()
	}
	var res api.RespMakeMembership
	if err := c.doRequest(ctx, destination, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	if res.RoomVersion == "" {
		res.RoomVersion = gomatrixserverlib.RoomVersionV1
	}
	return &res, nil
}

// SendJoin sends a signed join event to destination and returns the room
// state it answered with.
func (c *Client) SendJoin(ctx context.Context, destination spec.ServerName, event *types.Event) (*api.SendJoinResult, error) {
	var res api.RespSendJoin
	path := federationPathPrefixV2 + "/send_join/" + url.PathEscape(event.RoomID()) + "/" + url.PathEscape(event.EventID())
	if err := c.doRequest(ctx, destination, http.MethodPut, path, json.RawMessage(event.JSON()), &res); err != nil {
		return nil, err
	}
	result := &api.SendJoinResult{
		Origin:      res.Origin,
		StateEvents: c.parseAndVerify(ctx, destination, res.StateEvents, event.Version()),
		AuthChain:   c.parseAndVerify(ctx, destination, res.AuthChain, event.Version()),
	}
	if len(res.Event) > 0 {
		signed := c.parseAndVerify(ctx, destination, []json.RawMessage{res.Event}, event.Version())
		if len(signed) == 1 && signed[0].EventID() == event.EventID() {
			result.Event = signed[0]
		}
	}
	return result, nil
}

// SendLeave sends a signed leave event to destination.
func (c *Client) SendLeave(ctx context.Context, destination spec.ServerName, event *types.Event) error {
	path := federationPathPrefixV2 + "/send_leave/" + url.PathEscape(event.RoomID()) + "/" + url.PathEscape(event.EventID())
	var res struct{}
	return c.doRequest(ctx, destination, http.MethodPut, path, json.RawMessage(event.JSON()), &res)
}

// SendInvite sends an invite to the server of the invited user and returns
// the event countersigned by that server.
func (c *Client) SendInvite(
	ctx context.Context, destination spec.ServerName, event *types.Event, inviteRoomState []json.RawMessage,
) (*types.Event, error) {
	req := api.InviteRequest{
		Event:           event.JSON(),
		RoomVersion:     event.RoomVersion(),
		InviteRoomState: inviteRoomState,
	}
	var res api.RespInvite
	path := federationPathPrefixV2 + "/invite/" + url.PathEscape(event.RoomID()) + "/" + url.PathEscape(event.EventID())
	if err := c.doRequest(ctx, destination, http.MethodPut, path, req, &res); err != nil {
		return nil, err
	}
	signed, err := types.NewEventFromUntrustedJSON(res.Event, event.Version())
	if err != nil {
		return nil, err
	}
	if signed.EventID() != event.EventID() {
		return nil, fmt.Errorf("%s returned a different invite event %s", destination, signed.EventID())
	}
	if errs := c.keyRing.VerifyEvents(ctx, []*types.Event{signed}); errs[0] != nil {
		return nil, errs[0]
	}
	redacted, err := signed.RedactedJSON()
	if err != nil {
		return nil, err
	}
	results, err := c.keyRing.VerifyJSONs(ctx, []gomatrixserverlib.VerifyJSONRequest{{
		ServerName:           destination,
		Message:              redacted,
		AtTS:                 signed.OriginServerTS(),
		ValidityCheckingFunc: gomatrixserverlib.StrictValiditySignatureCheck,
	}})
	if err != nil {
		return nil, err
	}
	if results[0].Error != nil {
		return nil, fmt.Errorf("invite was not countersigned by %s: %w", destination, results[0].Error)
	}
	return signed, nil
}
