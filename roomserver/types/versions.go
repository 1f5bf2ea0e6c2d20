// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// RoomVersionDefault is used for new rooms created locally.
const RoomVersionDefault = gomatrixserverlib.RoomVersionV10

// supportedRoomVersions are the versions this server federates in. Later
// versions change how senders and room IDs are represented.
var supportedRoomVersions = map[gomatrixserverlib.RoomVersion]struct{}{
	gomatrixserverlib.RoomVersionV1:  {},
	gomatrixserverlib.RoomVersionV2:  {},
	gomatrixserverlib.RoomVersionV3:  {},
	gomatrixserverlib.RoomVersionV4:  {},
	gomatrixserverlib.RoomVersionV5:  {},
	gomatrixserverlib.RoomVersionV6:  {},
	gomatrixserverlib.RoomVersionV7:  {},
	gomatrixserverlib.RoomVersionV8:  {},
	gomatrixserverlib.RoomVersionV9:  {},
	gomatrixserverlib.RoomVersionV10: {},
}

// GetRoomVersion returns the rule table for a room version.
func GetRoomVersion(ver gomatrixserverlib.RoomVersion) (gomatrixserverlib.IRoomVersion, error) {
	if _, ok := supportedRoomVersions[ver]; !ok {
		return nil, UnsupportedRoomVersionError{Version: ver}
	}
	return gomatrixserverlib.GetRoomVersion(ver)
}

// MustGetRoomVersion is GetRoomVersion for versions known to be supported.
func MustGetRoomVersion(ver gomatrixserverlib.RoomVersion) gomatrixserverlib.IRoomVersion {
	impl, err := GetRoomVersion(ver)
	if err != nil {
		panic(err)
	}
	return impl
}

// RoomVersions returns every supported room version.
func RoomVersions() map[gomatrixserverlib.RoomVersion]gomatrixserverlib.IRoomVersion {
	versions := make(map[gomatrixserverlib.RoomVersion]gomatrixserverlib.IRoomVersion, len(supportedRoomVersions))
	for ver := range supportedRoomVersions {
		versions[ver] = gomatrixserverlib.MustGetRoomVersion(ver)
	}
	return versions
}

// UserIDForSender maps a sender to a user ID. Every supported room version
// uses full user IDs as senders.
func UserIDForSender(_ spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
	return spec.NewUserID(string(senderID), true)
}
