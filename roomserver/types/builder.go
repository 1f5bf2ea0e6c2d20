// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NewEventBuilderFromProtoJSON parses an event template as returned by a
// remote server's /make_join or /make_leave.
func NewEventBuilderFromProtoJSON(protoJSON []byte, verImpl gomatrixserverlib.IRoomVersion) (*gomatrixserverlib.EventBuilder, error) {
	var proto gomatrixserverlib.ProtoEvent
	if err := json.Unmarshal(protoJSON, &proto); err != nil {
		return nil, BadJSONError{err}
	}
	if proto.Type == "" || proto.RoomID == "" || proto.SenderID == "" {
		return nil, BadJSONError{fmt.Errorf("event template is missing required fields")}
	}
	return verImpl.NewEventBuilderFromProtoEvent(&proto), nil
}

// BuildEvent hashes and signs the event under construction.
func BuildEvent(
	builder *gomatrixserverlib.EventBuilder, now time.Time, origin spec.ServerName,
	keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey, verImpl gomatrixserverlib.IRoomVersion,
) (*Event, error) {
	pdu, err := builder.Build(now, origin, keyID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("builder.Build: %w", err)
	}
	return NewEvent(pdu, verImpl), nil
}
