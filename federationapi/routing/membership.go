// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/util"
)

// MakeJoin implements GET /_matrix/federation/v1/make_join/{roomID}/{userID}?ver=
func (r *Routes) MakeJoin(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	var remoteVersions []gomatrixserverlib.RoomVersion
	for _, v := range req.URL.Query()["ver"] {
		remoteVersions = append(remoteVersions, gomatrixserverlib.RoomVersion(v))
	}
	res, err := r.serverAPI.OnMakeJoinRequest(req.Context(), fedReq.Origin(), vars["roomID"], vars["userID"], remoteVersions)
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(res)
}

// MakeLeave implements GET /_matrix/federation/v1/make_leave/{roomID}/{userID}
func (r *Routes) MakeLeave(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	res, err := r.serverAPI.OnMakeLeaveRequest(req.Context(), fedReq.Origin(), vars["roomID"], vars["userID"])
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(res)
}

// SendJoin implements PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}
func (r *Routes) SendJoin(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	res, err := r.serverAPI.OnSendJoinRequest(req.Context(), fedReq.Origin(), vars["roomID"], vars["eventID"], fedReq.Content())
	if err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(res)
}

// SendJoinV1 implements PUT /_matrix/federation/v1/send_join/{roomID}/{eventID},
// which wraps the v2 response in a [200, body] array.
func (r *Routes) SendJoinV1(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	res := r.SendJoin(req, fedReq, vars)
	if res.Code != http.StatusOK {
		return res
	}
	return jsonOK([]interface{}{http.StatusOK, res.JSON})
}

// SendLeave implements PUT /_matrix/federation/v2/send_leave/{roomID}/{eventID}
func (r *Routes) SendLeave(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	if err := r.serverAPI.OnSendLeaveRequest(req.Context(), fedReq.Origin(), vars["roomID"], vars["eventID"], fedReq.Content()); err != nil {
		return errorResponse(req, err)
	}
	return jsonOK(struct{}{})
}

// SendLeaveV1 implements PUT /_matrix/federation/v1/send_leave/{roomID}/{eventID}
func (r *Routes) SendLeaveV1(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	res := r.SendLeave(req, fedReq, vars)
	if res.Code != http.StatusOK {
		return res
	}
	return jsonOK([]interface{}{http.StatusOK, struct{}{}})
}
