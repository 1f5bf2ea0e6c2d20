// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/federationapi/statistics"
	rsapi "github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/eventauth"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/process"
)

// FederationInternalAPI joins, leaves and invites on behalf of local users,
// backfills room history and answers the room requests of other servers.
type FederationInternalAPI struct {
	cfg        *config.FederationAPI
	rsCfg      *config.RoomServer
	db         storage.Database
	client     api.FederationClient
	keyRing    api.KeyRing
	inputer    rsapi.InputRoomEventsAPI
	stats      *statistics.Statistics
	ruleSet    eventauth.RuleSet
	backfiller *BackfillWorker
}

func NewFederationInternalAPI(
	cfg *config.FederationAPI, rsCfg *config.RoomServer,
	db storage.Database, client api.FederationClient, keyRing api.KeyRing,
	inputer rsapi.InputRoomEventsAPI, stats *statistics.Statistics,
) *FederationInternalAPI {
	return &FederationInternalAPI{
		cfg:     cfg,
		rsCfg:   rsCfg,
		db:      db,
		client:  client,
		keyRing: keyRing,
		inputer: inputer,
		stats:   stats,
		ruleSet: eventauth.DefaultRuleSet{},
	}
}

// StartBackfillWorker starts backfilling history in the background for rooms
// we join from now on.
func (a *FederationInternalAPI) StartBackfillWorker(processCtx *process.ProcessContext) {
	a.backfiller = NewBackfillWorker(processCtx, a)
	a.backfiller.Start()
}

func (a *FederationInternalAPI) serverName() spec.ServerName {
	return a.cfg.Matrix.ServerName
}

func (a *FederationInternalAPI) isLocalServerName(serverName spec.ServerName) bool {
	return a.cfg.Matrix.IsLocalServerName(serverName)
}

// isBackingOff reports whether we are currently not sending requests to the
// destination because of earlier failures.
func (a *FederationInternalAPI) isBackingOff(serverName spec.ServerName) bool {
	if a.stats == nil {
		return false
	}
	stats := a.stats.ForServer(serverName)
	if stats.Blacklisted() {
		return true
	}
	_, backingOff := stats.BackoffInfo()
	return backingOff
}

// supportedRoomVersions lists the room versions we can participate in.
func supportedRoomVersions() []gomatrixserverlib.RoomVersion {
	versions := make([]gomatrixserverlib.RoomVersion, 0, len(types.RoomVersions()))
	for ver := range types.RoomVersions() {
		versions = append(versions, ver)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}
