// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventauth applies the room authorisation rules of gomatrixserverlib
// to roomserver events.
package eventauth

import (
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/element-hq/fedcore/roomserver/types"
)

// NotAllowed is returned when an event fails the authorisation rules.
type NotAllowed = gomatrixserverlib.NotAllowed

func errorf(message string, args ...interface{}) error {
	return &NotAllowed{Message: fmt.Sprintf(message, args...)}
}

// Allowed checks whether ev is allowed given the state in authEvents. Every
// failure is reported as a *NotAllowed.
func Allowed(ev *types.Event, authEvents []*types.Event) error {
	provider, err := gomatrixserverlib.NewAuthEvents(types.ToPDUs(authEvents))
	if err != nil {
		return errorf("%s", err)
	}
	if err = gomatrixserverlib.Allowed(ev.PDU, provider, types.UserIDForSender); err != nil {
		var notAllowed *NotAllowed
		if errors.As(err, &notAllowed) {
			return err
		}
		return errorf("%s", err)
	}
	return nil
}

// AuthEventTuples returns the state that ev has to be authorised against.
func AuthEventTuples(ev *types.Event) []types.StateKeyTuple {
	needed := gomatrixserverlib.StateNeededForAuth([]gomatrixserverlib.PDU{ev.PDU}).Tuples()
	tuples := make([]types.StateKeyTuple, len(needed))
	for i, tuple := range needed {
		tuples[i] = types.StateKeyTuple{EventType: tuple.EventType, StateKey: tuple.StateKey}
	}
	return tuples
}
