// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing serves the federation API to other servers.
package routing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/federationapi/queue"
	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/httputil"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

const (
	PublicFederationPathPrefix = "/_matrix/federation/"
	PublicKeyPathPrefix        = "/_matrix/key/"
)

// ServerAPI answers the requests of other servers.
type ServerAPI interface {
	OnIncomingTransaction(ctx context.Context, txn *api.Transaction) (*api.RespSend, error)
	OnPDURequest(ctx context.Context, origin spec.ServerName, eventID string) (*types.Event, error)
	OnContextStateRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string) (*api.RoomState, error)
	OnStateIDsRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string) (*api.RespStateIDs, error)
	OnBackfillRequest(ctx context.Context, origin spec.ServerName, roomID string, eventIDs []string, limit int) ([]*types.Event, error)
	OnGetMissingEvents(ctx context.Context, origin spec.ServerName, roomID string, req *api.MissingEventsRequest) ([]*types.Event, error)
	OnEventAuth(ctx context.Context, origin spec.ServerName, roomID, eventID string) ([]*types.Event, error)
	OnQueryAuth(ctx context.Context, origin spec.ServerName, roomID, eventID string, req *api.QueryAuthRequest) (*api.QueryAuthRequest, error)
	OnMakeJoinRequest(ctx context.Context, origin spec.ServerName, roomID, userID string, remoteVersions []gomatrixserverlib.RoomVersion) (*api.RespMakeMembership, error)
	OnSendJoinRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string, eventJSON []byte) (*api.RespSendJoin, error)
	OnMakeLeaveRequest(ctx context.Context, origin spec.ServerName, roomID, userID string) (*api.RespMakeMembership, error)
	OnSendLeaveRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string, eventJSON []byte) error
	OnInviteRequest(ctx context.Context, origin spec.ServerName, roomID, eventID string, req *api.InviteRequest) (*types.Event, error)
}

type federationHandler func(req *http.Request, request *fclient.FederationRequest, vars map[string]string) util.JSONResponse

// Routes holds what the federation handlers share.
type Routes struct {
	cfg        *config.FederationAPI
	serverAPI  ServerAPI
	keyRing    api.KeyRing
	rateLimits *httputil.RateLimits
	txnQueue   *queue.TransactionQueue
	// txnResponses remembers the responses to recent transactions so that
	// retries of the same transaction are not processed twice.
	txnResponses *cache.Cache
}

// Setup registers the federation API on fedMux and the server key API on
// keyMux.
func Setup(
	fedMux, keyMux *mux.Router, cfg *config.FederationAPI, serverAPI ServerAPI,
	keyRing api.KeyRing, rateLimits *httputil.RateLimits,
) *Routes {
	r := &Routes{
		cfg:          cfg,
		serverAPI:    serverAPI,
		keyRing:      keyRing,
		rateLimits:   rateLimits,
		txnQueue:     queue.NewTransactionQueue(),
		txnResponses: cache.New(txnResponseTTL, txnResponseTTL),
	}

	v1fedmux := fedMux.PathPrefix("/v1").Subrouter()
	v2fedmux := fedMux.PathPrefix("/v2").Subrouter()
	v2keysmux := keyMux.PathPrefix("/v2").Subrouter()

	v2keysmux.Handle("/server", httputil.MakeJSONAPI("localkeys", true, func(req *http.Request) util.JSONResponse {
		return LocalKeys(cfg.Matrix, time.Now())
	})).Methods(http.MethodGet)
	v2keysmux.Handle("/server/", httputil.MakeJSONAPI("localkeys", true, func(req *http.Request) util.JSONResponse {
		return LocalKeys(cfg.Matrix, time.Now())
	})).Methods(http.MethodGet)

	v1fedmux.Handle("/version", httputil.MakeJSONAPI("federation_version", true, func(req *http.Request) util.JSONResponse {
		return util.JSONResponse{Code: http.StatusOK, JSON: Version()}
	})).Methods(http.MethodGet)

	v1fedmux.Handle("/send/{txnID}", r.makeFedAPI("federation_send", r.Send)).Methods(http.MethodPut)
	v1fedmux.Handle("/event/{eventID}", r.makeFedAPI("federation_get_event", r.GetEvent)).Methods(http.MethodGet)
	v1fedmux.Handle("/state/{roomID}", r.makeFedAPI("federation_get_state", r.GetState)).Methods(http.MethodGet)
	v1fedmux.Handle("/state_ids/{roomID}", r.makeFedAPI("federation_get_state_ids", r.GetStateIDs)).Methods(http.MethodGet)
	v1fedmux.Handle("/event_auth/{roomID}/{eventID}", r.makeFedAPI("federation_get_event_auth", r.GetEventAuth)).Methods(http.MethodGet)
	v1fedmux.Handle("/query_auth/{roomID}/{eventID}", r.makeFedAPI("federation_query_auth", r.QueryAuth)).Methods(http.MethodPost)
	v1fedmux.Handle("/backfill/{roomID}", r.makeFedAPI("federation_backfill", r.Backfill)).Methods(http.MethodGet)
	v1fedmux.Handle("/get_missing_events/{roomID}", r.makeFedAPI("federation_get_missing_events", r.GetMissingEvents)).Methods(http.MethodPost)
	v1fedmux.Handle("/make_join/{roomID}/{userID}", r.makeFedAPI("federation_make_join", r.MakeJoin)).Methods(http.MethodGet)
	v1fedmux.Handle("/make_leave/{roomID}/{userID}", r.makeFedAPI("federation_make_leave", r.MakeLeave)).Methods(http.MethodGet)
	v1fedmux.Handle("/send_join/{roomID}/{eventID}", r.makeFedAPI("federation_send_join_v1", r.SendJoinV1)).Methods(http.MethodPut)
	v1fedmux.Handle("/send_leave/{roomID}/{eventID}", r.makeFedAPI("federation_send_leave_v1", r.SendLeaveV1)).Methods(http.MethodPut)
	v2fedmux.Handle("/send_join/{roomID}/{eventID}", r.makeFedAPI("federation_send_join", r.SendJoin)).Methods(http.MethodPut)
	v2fedmux.Handle("/send_leave/{roomID}/{eventID}", r.makeFedAPI("federation_send_leave", r.SendLeave)).Methods(http.MethodPut)
	v2fedmux.Handle("/invite/{roomID}/{eventID}", r.makeFedAPI("federation_invite", r.InviteV2)).Methods(http.MethodPut)
	return r
}

// makeFedAPI authenticates the X-Matrix signature of a request and applies
// the rate limits of its origin before calling f.
func (r *Routes) makeFedAPI(metricsName string, f federationHandler) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		fedReq, errResp := fclient.VerifyHTTPRequest(req, time.Now(), r.cfg.Matrix.ServerName, r.cfg.Matrix.IsLocalServerName, r.keyRing)
		if fedReq == nil {
			return errResp
		}
		if r.cfg.Matrix.IsLocalServerName(fedReq.Origin()) {
			return util.JSONResponse{
				Code: http.StatusForbidden,
				JSON: spec.Forbidden("Requests must come from another server"),
			}
		}
		if r.rateLimits != nil {
			if limited := r.rateLimits.Limit(req, fedReq.Origin()); limited != nil {
				return *limited
			}
		}
		vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid URL encoding"),
			}
		}
		ctx, log := internal.LoggerWithRequest(req, string(fedReq.Origin()))
		log.Trace("Federation request")
		return f(req.WithContext(ctx), fedReq, vars)
	}
	return httputil.MakeJSONAPI(metricsName, true, h)
}

// errorResponse renders an error returned by the ServerAPI.
func errorResponse(req *http.Request, err error) util.JSONResponse {
	var matrixErr spec.MatrixError
	if errors.As(err, &matrixErr) {
		return util.JSONResponse{Code: statusForErrorCode(matrixErr.ErrCode), JSON: matrixErr}
	}
	var incompatible api.IncompatibleRoomVersionError
	if errors.As(err, &incompatible) {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: incompatible}
	}
	var internalErr spec.InternalServerError
	if errors.As(err, &internalErr) {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: internalErr}
	}
	util.GetLogger(req.Context()).WithError(err).Error("Federation request failed")
	return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
}

func statusForErrorCode(code spec.MatrixErrorCode) int {
	switch code {
	case spec.ErrorNotFound:
		return http.StatusNotFound
	case spec.ErrorForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// jsonOK is a 200 response with the given body.
func jsonOK(body interface{}) util.JSONResponse {
	return util.JSONResponse{Code: http.StatusOK, JSON: body}
}

func badJSON(msg string) util.JSONResponse {
	return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON(msg)}
}
