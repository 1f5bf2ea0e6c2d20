// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package federationapi

import (
	"github.com/gorilla/mux"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/federationapi/internal"
	"github.com/element-hq/fedcore/federationapi/routing"
	"github.com/element-hq/fedcore/federationapi/statistics"
	"github.com/element-hq/fedcore/internal/httputil"
	rsapi "github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/process"
)

// NewInternalAPI returns the federation API, which performs joins, leaves
// and invites for local users and answers the requests of other servers.
func NewInternalAPI(
	cfg *config.FedCore, db storage.Database, fedClient api.FederationClient,
	keyRing api.KeyRing, inputer rsapi.InputRoomEventsAPI, stats *statistics.Statistics,
) *internal.FederationInternalAPI {
	return internal.NewFederationInternalAPI(&cfg.FederationAPI, &cfg.RoomServer, db, fedClient, keyRing, inputer, stats)
}

// AddPublicRoutes sets up the federation and server key endpoints. The rate
// limiter stops when the process shuts down.
func AddPublicRoutes(
	processCtx *process.ProcessContext, fedMux, keyMux *mux.Router,
	cfg *config.FederationAPI, serverAPI routing.ServerAPI, keyRing api.KeyRing,
) {
	rateLimits := httputil.NewRateLimits(&cfg.RateLimiting)
	go func() {
		<-processCtx.WaitForShutdown()
		rateLimits.Stop()
	}()
	routing.Setup(fedMux, keyMux, cfg, serverAPI, keyRing, rateLimits)
}
