// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomserver

import (
	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/internal/input"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/setup/config"
)

// NewInternalAPI returns the input pipeline of the roomserver. Accepted
// events are handed to notifier.
func NewInternalAPI(
	cfg *config.RoomServer, db storage.Database, fsAPI fedapi.FederationClient, notifier api.Notifier,
) api.InputRoomEventsAPI {
	return input.NewInputer(cfg, db, fsAPI, notifier)
}
