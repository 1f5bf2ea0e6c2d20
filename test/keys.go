// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"go.uber.org/atomic"
)

// KeyFetcher serves the deterministic ServerKey of every server except the
// offline ones.
type KeyFetcher struct {
	Offline map[spec.ServerName]struct{}
	Fetches atomic.Int32
}

// NewKeyFetcher returns a fetcher that fails for the given servers.
func NewKeyFetcher(offline ...spec.ServerName) *KeyFetcher {
	f := &KeyFetcher{Offline: map[spec.ServerName]struct{}{}}
	for _, serverName := range offline {
		f.Offline[serverName] = struct{}{}
	}
	return f
}

func (f *KeyFetcher) FetcherName() string {
	return "test.KeyFetcher"
}

func (f *KeyFetcher) FetchKeys(
	ctx context.Context, requests map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp,
) (map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, error) {
	f.Fetches.Inc()
	results := make(map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, len(requests))
	for req := range requests {
		if _, offline := f.Offline[req.ServerName]; offline {
			return nil, fmt.Errorf("%s: connection refused", req.ServerName)
		}
		if req.KeyID != KeyID {
			continue
		}
		results[req] = gomatrixserverlib.PublicKeyLookupResult{
			VerifyKey:    gomatrixserverlib.VerifyKey{Key: spec.Base64Bytes(ServerPublicKey(req.ServerName))},
			ExpiredTS:    gomatrixserverlib.PublicKeyNotExpired,
			ValidUntilTS: spec.AsTimestamp(time.Now().Add(24 * time.Hour)),
		}
	}
	return results, nil
}
