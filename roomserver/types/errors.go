// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
)

// ErrorInvalidRoomInfo is returned when a room is referenced that we don't
// have any record of.
var ErrorInvalidRoomInfo = errors.New("room info is invalid")

// ErrStateGroupNotFound is returned when a state group is referenced but was
// never persisted, which means the database is inconsistent.
var ErrStateGroupNotFound = errors.New("state group not found")

// ErrEventNotFound is returned when an event that must exist locally does not.
var ErrEventNotFound = errors.New("event not found")

// A RejectedError is returned when an event is stored as rejected. The error
// contains the reason why.
type RejectedError string

func (e RejectedError) Error() string { return string(e) }

// A MissingStateError is returned when we cannot determine the state before an
// event, even after asking remote servers.
type MissingStateError string

func (e MissingStateError) Error() string { return string(e) }

// A SanityError is returned for events that are structurally unacceptable and
// are dropped without any network activity.
type SanityError struct {
	EventID string
	Reason  string
}

func (e *SanityError) Error() string {
	return fmt.Sprintf("event %s failed sanity checks: %s", e.EventID, e.Reason)
}

// A BadJSONError is returned when event JSON can't be parsed or fails
// structural validation.
type BadJSONError struct {
	err error
}

func (e BadJSONError) Error() string {
	return fmt.Sprintf("bad event JSON: %s", e.err.Error())
}

func (e BadJSONError) Unwrap() error {
	return e.err
}

// UnsupportedRoomVersionError is returned when a room version is unknown.
type UnsupportedRoomVersionError struct {
	Version gomatrixserverlib.RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("unsupported room version %q", e.Version)
}
