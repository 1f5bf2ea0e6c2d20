// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const (
	// Origin is the server name used for users and rooms unless overridden.
	Origin spec.ServerName = "test"
	// KeyID is the signing key ID every test server uses.
	KeyID gomatrixserverlib.KeyID = "ed25519:test"
)

var userIDCounter int64

// User is a test user with the signing key of its home server.
type User struct {
	ID         string
	Localpart  string
	ServerName spec.ServerName
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey
}

type userOpt func(*User)

// WithServerName puts the user on a different server.
func WithServerName(serverName spec.ServerName) userOpt {
	return func(u *User) {
		u.ServerName = serverName
	}
}

// WithLocalpart sets a fixed localpart instead of a generated one.
func WithLocalpart(localpart string) userOpt {
	return func(u *User) {
		u.Localpart = localpart
	}
}

func NewUser(t *testing.T, opts ...userOpt) *User {
	counter := atomic.AddInt64(&userIDCounter, 1)
	u := &User{
		Localpart:  fmt.Sprintf("%d", counter),
		ServerName: Origin,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.ID = fmt.Sprintf("@%s:%s", u.Localpart, u.ServerName)
	u.KeyID, u.PrivateKey = ServerKey(u.ServerName)
	return u
}

// ServerKey returns the deterministic signing key of a test server, so that
// tests can verify signatures without a key server.
func ServerKey(serverName spec.ServerName) (gomatrixserverlib.KeyID, ed25519.PrivateKey) {
	seed := sha256.Sum256([]byte("fedcore-test-key:" + serverName))
	return KeyID, ed25519.NewKeyFromSeed(seed[:])
}

// ServerPublicKey returns the public half of ServerKey.
func ServerPublicKey(serverName spec.ServerName) ed25519.PublicKey {
	_, priv := ServerKey(serverName)
	return priv.Public().(ed25519.PublicKey)
}
