// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/types"
)

// InviteV2 implements PUT /_matrix/federation/v2/invite/{roomID}/{eventID}
func (r *Routes) InviteV2(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	var body api.InviteRequest
	if err := json.Unmarshal(fedReq.Content(), &body); err != nil {
		return badJSON("The request body could not be decoded into an invite request. " + err.Error())
	}
	ev, err := r.serverAPI.OnInviteRequest(req.Context(), fedReq.Origin(), vars["roomID"], vars["eventID"], &body)
	signed, errResp := handleInviteResult(req.Context(), ev, err)
	if errResp != nil {
		return *errResp
	}
	return jsonOK(api.RespInvite{Event: signed.JSON()})
}

// handleInviteResult turns the outcome of an inbound invite into either the
// countersigned event or an error response.
func handleInviteResult(ctx context.Context, event *types.Event, err error) (*types.Event, *util.JSONResponse) {
	switch e := err.(type) {
	case nil:
		return event, nil
	case spec.InternalServerError:
		util.GetLogger(ctx).WithError(err).Error("Failed to handle invite")
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	case spec.MatrixError:
		util.GetLogger(ctx).WithError(err).Error("Failed to handle invite")
		code := http.StatusInternalServerError
		switch e.ErrCode {
		case spec.ErrorForbidden:
			code = http.StatusForbidden
		case spec.ErrorUnsupportedRoomVersion, spec.ErrorBadJSON:
			code = http.StatusBadRequest
		}
		return nil, &util.JSONResponse{Code: code, JSON: e}
	default:
		var matrixErr spec.MatrixError
		if errors.As(err, &matrixErr) {
			return handleInviteResult(ctx, event, matrixErr)
		}
		util.GetLogger(ctx).WithError(err).Error("Failed to handle invite")
		return nil, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.Unknown("unknown error"),
		}
	}
}
