// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/types"
)

// pduResponse is the body of /event and /backfill responses.
type pduResponse struct {
	Origin         spec.ServerName   `json:"origin"`
	OriginServerTS spec.Timestamp    `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

func (r *Routes) pduResponse(events []*types.Event) pduResponse {
	return pduResponse{
		Origin:         r.cfg.Matrix.ServerName,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		PDUs:           eventJSONs(events),
	}
}

func eventJSONs(events []*types.Event) []json.RawMessage {
	raws := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		raws = append(raws, ev.JSON())
	}
	return raws
}

func missingParam(msg string) util.JSONResponse {
	return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.MissingParam(msg)}
}

// GetEvent implements GET /_matrix/federation/v1/event/{eventID}
func (r *Routes) GetEvent(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	ev, err := r.serverAPI.OnPDURequest(req.Context(), fedReq.Origin(), vars["eventID"])
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(r.pduResponse([]*types.Event{ev}))
}

// GetState implements GET /_matrix/federation/v1/state/{roomID}?event_id=
func (r *Routes) GetState(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	eventID := req.URL.Query().Get("event_id")
	if eventID == "" {
		return missingParam("event_id missing")
	}
	state, err := r.serverAPI.OnContextStateRequest(req.Context(), fedReq.Origin(), vars["roomID"], eventID)
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(api.RespState{
		AuthChain:   eventJSONs(state.AuthChain),
		StateEvents: eventJSONs(state.StateEvents),
	})
}

// GetStateIDs implements GET /_matrix/federation/v1/state_ids/{roomID}?event_id=
func (r *Routes) GetStateIDs(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	eventID := req.URL.Query().Get("event_id")
	if eventID == "" {
		return missingParam("event_id missing")
	}
	res, err := r.serverAPI.OnStateIDsRequest(req.Context(), fedReq.Origin(), vars["roomID"], eventID)
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(res)
}

// GetEventAuth implements GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}
func (r *Routes) GetEventAuth(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	chain, err := r.serverAPI.OnEventAuth(req.Context(), fedReq.Origin(), vars["roomID"], vars["eventID"])
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(api.RespEventAuth{AuthChain: eventJSONs(chain)})
}

// QueryAuth implements POST /_matrix/federation/v1/query_auth/{roomID}/{eventID}
func (r *Routes) QueryAuth(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	var body api.QueryAuthRequest
	if err := json.Unmarshal(fedReq.Content(), &body); err != nil {
		return badJSON("The request body could not be decoded into valid JSON. " + err.Error())
	}
	res, err := r.serverAPI.OnQueryAuth(req.Context(), fedReq.Origin(), vars["roomID"], vars["eventID"], &body)
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(res)
}

// Backfill implements GET /_matrix/federation/v1/backfill/{roomID}?v=&limit=
func (r *Routes) Backfill(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	query := req.URL.Query()
	eventIDs := query["v"]
	if len(eventIDs) == 0 {
		return missingParam("v is missing")
	}
	limitStr := query.Get("limit")
	if limitStr == "" {
		return missingParam("limit is missing")
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("limit must be a non-negative integer"),
		}
	}
	events, err := r.serverAPI.OnBackfillRequest(req.Context(), fedReq.Origin(), vars["roomID"], eventIDs, limit)
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(r.pduResponse(events))
}

// GetMissingEvents implements POST /_matrix/federation/v1/get_missing_events/{roomID}
func (r *Routes) GetMissingEvents(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	var body api.MissingEventsRequest
	if err := json.Unmarshal(fedReq.Content(), &body); err != nil {
		return badJSON("The request body could not be decoded into valid JSON. " + err.Error())
	}
	events, err := r.serverAPI.OnGetMissingEvents(req.Context(), fedReq.Origin(), vars["roomID"], &body)
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(api.RespMissingEvents{Events: eventJSONs(events)})
}
