// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api contains the federation request and response bodies, and the
// interface of the outbound federation client.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/roomserver/types"
)

// FederationClient makes outbound federation requests. Every method that
// returns events has already checked their hashes and signatures.
type FederationClient interface {
	// GetPDU fetches an event from the first destination able to serve it.
	GetPDU(ctx context.Context, destinations []spec.ServerName, eventID string, ver gomatrixserverlib.IRoomVersion) (*types.Event, error)
	GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, req MissingEventsRequest, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error)
	Backfill(ctx context.Context, destination spec.ServerName, roomID string, limit int, fromEventIDs []string, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error)
	GetRoomState(ctx context.Context, destination spec.ServerName, roomID, eventID string, ver gomatrixserverlib.IRoomVersion) (*RoomState, error)
	GetRoomStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (*RespStateIDs, error)
	GetEventAuth(ctx context.Context, destination spec.ServerName, roomID, eventID string, ver gomatrixserverlib.IRoomVersion) ([]*types.Event, error)
	QueryAuth(ctx context.Context, destination spec.ServerName, event *types.Event, authChain []*types.Event, missing []string, rejects map[string]RejectInfo) (*QueryAuthResult, error)

	MakeMembershipEvent(ctx context.Context, destination spec.ServerName, membership, roomID, userID string, supported []gomatrixserverlib.RoomVersion) (*RespMakeMembership, error)
	SendJoin(ctx context.Context, destination spec.ServerName, event *types.Event) (*SendJoinResult, error)
	SendLeave(ctx context.Context, destination spec.ServerName, event *types.Event) error
	SendInvite(ctx context.Context, destination spec.ServerName, event *types.Event, inviteRoomState []json.RawMessage) (*types.Event, error)

	// TryDestinations calls fn for each destination in turn until one
	// succeeds. Authoritative rejections stop the loop unless failover
	// returns true for them.
	TryDestinations(ctx context.Context, description string, destinations []spec.ServerName, failover func(error) bool, fn func(ctx context.Context, destination spec.ServerName) error) error
}

// KeyRing verifies the signatures of events and other signed JSON.
type KeyRing interface {
	gomatrixserverlib.JSONVerifier
	// VerifyEvents returns one error per event, nil where the event was
	// signed by every server that should have signed it.
	VerifyEvents(ctx context.Context, events []*types.Event) []error
}

// Transaction is the body of PUT /send/{txnID}.
type Transaction struct {
	TransactionID  string            `json:"-"`
	Origin         spec.ServerName   `json:"origin"`
	Destination    spec.ServerName   `json:"destination,omitempty"`
	OriginServerTS spec.Timestamp    `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

// RespSend is the response to PUT /send/{txnID}, one entry per PDU.
type RespSend struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// PDUResult holds an error message if the PDU was not accepted.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// MissingEventsRequest is the body of POST /get_missing_events/{roomID}.
type MissingEventsRequest struct {
	Limit          int      `json:"limit"`
	MinDepth       int64    `json:"min_depth"`
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
}

type RespMissingEvents struct {
	Events []json.RawMessage `json:"events"`
}

// RespState is the response to GET /state/{roomID}.
type RespState struct {
	AuthChain   []json.RawMessage `json:"auth_chain"`
	StateEvents []json.RawMessage `json:"pdus"`
}

// RoomState is a parsed and verified RespState.
type RoomState struct {
	AuthChain   []*types.Event
	StateEvents []*types.Event
}

// RespStateIDs is the response to GET /state_ids/{roomID}.
type RespStateIDs struct {
	AuthChainIDs  []string `json:"auth_chain_ids"`
	StateEventIDs []string `json:"pdu_ids"`
}

// RespEventAuth is the response to GET /event_auth/{roomID}/{eventID}.
type RespEventAuth struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// RejectInfo explains why a server rejected an event.
type RejectInfo struct {
	Reason types.RejectionReason `json:"reason"`
}

// QueryAuthRequest is both the body and the response of
// POST /query_auth/{roomID}/{eventID}.
type QueryAuthRequest struct {
	AuthChain []json.RawMessage     `json:"auth_chain"`
	Missing   []string              `json:"missing"`
	Rejects   map[string]RejectInfo `json:"rejects"`
}

// QueryAuthResult is a parsed and verified QueryAuthRequest.
type QueryAuthResult struct {
	AuthChain []*types.Event
	Missing   []string
	Rejects   map[string]RejectInfo
}

// RespMakeMembership is the response to make_join and make_leave.
type RespMakeMembership struct {
	Event       json.RawMessage               `json:"event"`
	RoomVersion gomatrixserverlib.RoomVersion `json:"room_version"`
}

// RespSendJoin is the response to PUT /send_join/{roomID}/{eventID}.
type RespSendJoin struct {
	Origin      spec.ServerName   `json:"origin"`
	StateEvents []json.RawMessage `json:"state"`
	AuthChain   []json.RawMessage `json:"auth_chain"`
	// Event is the join event countersigned by the resident server, if it
	// had to be.
	Event json.RawMessage `json:"event,omitempty"`
}

// SendJoinResult is a parsed and verified RespSendJoin.
type SendJoinResult struct {
	Origin      spec.ServerName
	StateEvents []*types.Event
	AuthChain   []*types.Event
	Event       *types.Event
}

// InviteRequest is the body of PUT /invite/{roomID}/{eventID}.
type InviteRequest struct {
	Event           json.RawMessage               `json:"event"`
	RoomVersion     gomatrixserverlib.RoomVersion `json:"room_version"`
	InviteRoomState []json.RawMessage             `json:"invite_room_state,omitempty"`
}

type RespInvite struct {
	Event json.RawMessage `json:"event"`
}

// PerformJoinRequest asks to join a local user to a remote room through one
// of the given resident servers.
type PerformJoinRequest struct {
	RoomID      string
	UserID      string
	ServerNames []spec.ServerName
	// Content is merged into the content of the join event.
	Content map[string]interface{}
}

type PerformJoinResponse struct {
	JoinedVia spec.ServerName
	EventID   string
}

// PerformLeaveRequest asks to leave a room that a local user is joined or
// invited to.
type PerformLeaveRequest struct {
	RoomID      string
	UserID      string
	ServerNames []spec.ServerName
}

type PerformLeaveResponse struct {
	LeftVia spec.ServerName
	EventID string
}

// PerformInviteRequest asks to invite a remote user with an invite event
// built and signed by us. InviteRoomState is computed from the current state
// of the room when empty.
type PerformInviteRequest struct {
	Event           *types.Event
	InviteRoomState []json.RawMessage
}

type PerformInviteResponse struct {
	// Event is the invite countersigned by the invited user's server.
	Event *types.Event
}

// IncompatibleRoomVersionError is returned by make_join when the joining
// server does not support the version of the room.
type IncompatibleRoomVersionError struct {
	Code        spec.MatrixErrorCode `json:"errcode"`
	Err         string               `json:"error"`
	RoomVersion string               `json:"room_version"`
}

func (e IncompatibleRoomVersionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

func IncompatibleRoomVersion(ver gomatrixserverlib.RoomVersion) IncompatibleRoomVersionError {
	return IncompatibleRoomVersionError{
		Code:        "M_INCOMPATIBLE_ROOM_VERSION",
		Err:         fmt.Sprintf("Your homeserver does not support the features required to join this version %q room", ver),
		RoomVersion: string(ver),
	}
}
