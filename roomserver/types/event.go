// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"crypto/ed25519"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// Event is an immutable, signed room event. It wraps the PDU parsed by
// gomatrixserverlib together with the rule table of the room it belongs to.
// Every mutable piece of processing state lives in EventContext instead.
type Event struct {
	gomatrixserverlib.PDU
	verImpl gomatrixserverlib.IRoomVersion
}

// NewEventFromTrustedJSON loads an event that has already been checked, e.g.
// from our own database.
func NewEventFromTrustedJSON(eventJSON []byte, redacted bool, verImpl gomatrixserverlib.IRoomVersion) (*Event, error) {
	if err := validateEventJSON(eventJSON); err != nil {
		return nil, BadJSONError{err}
	}
	pdu, err := verImpl.NewEventFromTrustedJSON(eventJSON, redacted)
	if err != nil {
		return nil, BadJSONError{err}
	}
	return NewEvent(pdu, verImpl), nil
}

// NewEventFromUntrustedJSON loads an event received from a remote server. The
// unsigned section is discarded and, if the content hash doesn't match, the
// event is redacted before being returned.
func NewEventFromUntrustedJSON(eventJSON []byte, verImpl gomatrixserverlib.IRoomVersion) (*Event, error) {
	if err := validateEventJSON(eventJSON); err != nil {
		return nil, BadJSONError{err}
	}
	pdu, err := verImpl.NewEventFromUntrustedJSON(eventJSON)
	if err != nil {
		return nil, BadJSONError{err}
	}
	return NewEvent(pdu, verImpl), nil
}

// NewEvent wraps an already parsed PDU.
func NewEvent(pdu gomatrixserverlib.PDU, verImpl gomatrixserverlib.IRoomVersion) *Event {
	return &Event{PDU: pdu, verImpl: verImpl}
}

// validateEventJSON checks the fields that gomatrixserverlib assumes are
// well formed before it is asked to parse an event.
func validateEventJSON(eventJSON []byte) error {
	if !gjson.ValidBytes(eventJSON) {
		return fmt.Errorf("invalid JSON")
	}
	res := gjson.ParseBytes(eventJSON)
	if !res.IsObject() {
		return fmt.Errorf("event must be an object")
	}
	if res.Get("type").Str == "" {
		return fmt.Errorf("missing type")
	}
	if _, err := spec.NewUserID(res.Get("sender").Str, true); err != nil {
		return fmt.Errorf("invalid sender %q: %w", res.Get("sender").Str, err)
	}
	if _, err := spec.NewRoomID(res.Get("room_id").Str); err != nil {
		return fmt.Errorf("invalid room ID %q: %w", res.Get("room_id").Str, err)
	}
	if depth := res.Get("depth"); depth.Int() < 0 {
		return fmt.Errorf("depth %d must not be negative", depth.Int())
	}
	if content := res.Get("content"); content.Exists() && !content.IsObject() {
		return fmt.Errorf("content must be an object")
	}
	return nil
}

// ToPDUs unwraps events for the gomatrixserverlib helpers.
func ToPDUs(events []*Event) []gomatrixserverlib.PDU {
	pdus := make([]gomatrixserverlib.PDU, 0, len(events))
	for _, ev := range events {
		pdus = append(pdus, ev.PDU)
	}
	return pdus
}

// RoomID returns the room ID of the room the event is in.
func (e *Event) RoomID() string {
	return e.PDU.RoomID().String()
}

// Sender returns the user ID of the sender of the event.
func (e *Event) Sender() string {
	return string(e.PDU.SenderID())
}

// SenderDomain returns the server name part of the sender.
func (e *Event) SenderDomain() spec.ServerName {
	userID, err := spec.NewUserID(e.Sender(), true)
	if err != nil {
		return ""
	}
	return userID.Domain()
}

// Origin returns the name of the server that sent the event.
func (e *Event) Origin() spec.ServerName {
	if origin := gjson.GetBytes(e.JSON(), "origin").Str; origin != "" {
		return spec.ServerName(origin)
	}
	return e.SenderDomain()
}

// StateKeyTuple returns the state key tuple for a state event.
func (e *Event) StateKeyTuple() (StateKeyTuple, bool) {
	if e.StateKey() == nil {
		return StateKeyTuple{}, false
	}
	return StateKeyTuple{EventType: e.Type(), StateKey: *e.StateKey()}, true
}

// Content returns the content JSON of the event.
func (e *Event) Content() []byte {
	if content := e.PDU.Content(); len(content) > 0 {
		return content
	}
	return []byte("{}")
}

// Version returns the rule table of the room the event belongs to.
func (e *Event) Version() gomatrixserverlib.IRoomVersion { return e.verImpl }

// RoomVersion returns the version identifier of the room.
func (e *Event) RoomVersion() gomatrixserverlib.RoomVersion { return e.verImpl.Version() }

// Signatures returns the key IDs and signatures made by the given server.
func (e *Event) Signatures(server spec.ServerName) map[gomatrixserverlib.KeyID]string {
	sigs := make(map[gomatrixserverlib.KeyID]string)
	gjson.GetBytes(e.JSON(), "signatures").ForEach(func(name, keys gjson.Result) bool {
		if name.Str != string(server) {
			return true
		}
		keys.ForEach(func(keyID, sig gjson.Result) bool {
			sigs[gomatrixserverlib.KeyID(keyID.Str)] = sig.Str
			return true
		})
		return false
	})
	return sigs
}

// Sign returns a copy of the event with an additional signature from the
// given key, e.g. a resident server countersigning an invite.
func (e *Event) Sign(origin spec.ServerName, keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey) (*Event, error) {
	// PDU.Sign rewrites the receiver, so sign a fresh copy.
	pdu, err := e.verImpl.NewEventFromTrustedJSON(e.JSON(), e.Redacted())
	if err != nil {
		return nil, err
	}
	return NewEvent(pdu.Sign(string(origin), keyID, privateKey), e.verImpl), nil
}

// Redact returns a redacted copy of the event. The event ID is unchanged.
func (e *Event) Redact() (*Event, error) {
	if e.Redacted() {
		return e, nil
	}
	redactedJSON, err := e.RedactedJSON()
	if err != nil {
		return nil, err
	}
	pdu, err := e.verImpl.NewEventFromTrustedJSON(redactedJSON, true)
	if err != nil {
		return nil, err
	}
	return NewEvent(pdu, e.verImpl), nil
}

// RedactedJSON returns the form of the event that is covered by signatures.
func (e *Event) RedactedJSON() ([]byte, error) {
	redacted, err := e.verImpl.RedactEventJSON(e.JSON())
	if err != nil {
		return nil, BadJSONError{err}
	}
	return redacted, nil
}

// CacheCost estimates the memory footprint of the event.
func (e *Event) CacheCost() int {
	return len(e.JSON()) + len(e.EventID()) + 64
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (type=%s, room=%s)", e.EventID(), e.Type(), e.RoomID())
}
