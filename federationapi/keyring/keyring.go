// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/internal/caching"
	internalutil "github.com/element-hq/fedcore/internal/util"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

// SignatureError is returned when an event lacks a valid signature from a
// server that must have signed it.
type SignatureError struct {
	EventID string
	Err     error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("event %s: bad signatures: %s", e.EventID, e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// KeyRing verifies signed JSON with a gomatrixserverlib.KeyRing whose key
// database is the server key cache, backed by our own keys for local names.
type KeyRing struct {
	verifier gomatrixserverlib.KeyRing
	workers  int
}

var _ api.KeyRing = &KeyRing{}

// NewKeyRing returns a key ring that asks fetchers, in order, for keys that
// are neither local nor cached.
func NewKeyRing(cfg *config.Global, cache caching.ServerKeyCache, fetchers []gomatrixserverlib.KeyFetcher, workers int) *KeyRing {
	if workers <= 0 {
		workers = 1
	}
	return &KeyRing{
		verifier: gomatrixserverlib.KeyRing{
			KeyFetchers: fetchers,
			KeyDatabase: &keyDatabase{cfg: cfg, cache: cache},
		},
		workers: workers,
	}
}

// NewDirectKeyFetcher fetches keys from each server's own key endpoint,
// falling back to asking it as a notary.
func NewDirectKeyFetcher(cfg *config.Global, keyClient gomatrixserverlib.KeyClient) gomatrixserverlib.KeyFetcher {
	fetcher := &gomatrixserverlib.DirectKeyFetcher{
		Client:            keyClient,
		IsLocalServerName: cfg.IsLocalServerName,
	}
	if cfg.PrivateKey != nil {
		fetcher.LocalPublicKey = spec.Base64Bytes(cfg.PrivateKey.Public().(ed25519.PublicKey))
	}
	return fetcher
}

// VerifyJSONs implements gomatrixserverlib.JSONVerifier.
func (k *KeyRing) VerifyJSONs(ctx context.Context, requests []gomatrixserverlib.VerifyJSONRequest) ([]gomatrixserverlib.VerifyJSONResult, error) {
	for i := range requests {
		requests[i].ServerName = internalutil.NormalizeServerName(requests[i].ServerName)
	}
	return k.verifier.VerifyJSONs(ctx, requests)
}

// VerifyEvents checks the signatures of the events, splitting them into
// batches that are verified in parallel.
func (k *KeyRing) VerifyEvents(ctx context.Context, events []*types.Event) []error {
	results := make([]error, len(events))
	batchSize := (len(events) + k.workers - 1) / k.workers
	if batchSize == 0 {
		return results
	}
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(events); start += batchSize {
		start, end := start, start+batchSize
		if end > len(events) {
			end = len(events)
		}
		g.Go(func() error {
			// Per-event failures are reported through results, so that one
			// bad event does not cancel the others.
			batch := events[start:end]
			errs := gomatrixserverlib.VerifyAllEventSignatures(gctx, types.ToPDUs(batch), k, types.UserIDForSender)
			for i, err := range errs {
				if err != nil {
					results[start+i] = &SignatureError{EventID: batch[i].EventID(), Err: err}
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// keyDatabase answers key lookups for our own server names from the
// configuration and for everyone else from the cache.
type keyDatabase struct {
	cfg   *config.Global
	cache caching.ServerKeyCache
}

// localKeyValidity is how long our own keys are reported valid for, which
// keeps the key ring from asking the fetchers for them.
const localKeyValidity = 24 * time.Hour * 365

func (d *keyDatabase) FetcherName() string {
	return "KeyDatabase"
}

func (d *keyDatabase) FetchKeys(
	ctx context.Context, requests map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp,
) (map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, error) {
	results := make(map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, len(requests))
	for req, ts := range requests {
		if d.cfg != nil && d.cfg.IsLocalServerName(req.ServerName) {
			if res, ok := d.localKey(req.KeyID); ok {
				results[req] = res
			}
			continue
		}
		if res, ok := d.cache.GetServerKey(req, ts); ok {
			results[req] = res
		}
	}
	return results, nil
}

func (d *keyDatabase) StoreKeys(
	ctx context.Context, results map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult,
) error {
	for req, res := range results {
		if d.cfg != nil && d.cfg.IsLocalServerName(req.ServerName) {
			continue
		}
		d.cache.StoreServerKey(req, res)
	}
	return nil
}

func (d *keyDatabase) localKey(keyID gomatrixserverlib.KeyID) (gomatrixserverlib.PublicKeyLookupResult, bool) {
	if keyID == d.cfg.KeyID && d.cfg.PrivateKey != nil {
		return gomatrixserverlib.PublicKeyLookupResult{
			VerifyKey:    gomatrixserverlib.VerifyKey{Key: spec.Base64Bytes(d.cfg.PrivateKey.Public().(ed25519.PublicKey))},
			ExpiredTS:    gomatrixserverlib.PublicKeyNotExpired,
			ValidUntilTS: spec.AsTimestamp(time.Now().Add(localKeyValidity)),
		}, true
	}
	for _, old := range d.cfg.OldVerifyKeys {
		if old.KeyID != keyID {
			continue
		}
		var public []byte
		if old.PrivateKey != nil {
			public = old.PrivateKey.Public().(ed25519.PublicKey)
		} else {
			decoded, err := base64.RawStdEncoding.DecodeString(old.PublicKey)
			if err != nil || len(decoded) != ed25519.PublicKeySize {
				return gomatrixserverlib.PublicKeyLookupResult{}, false
			}
			public = decoded
		}
		res := gomatrixserverlib.PublicKeyLookupResult{
			VerifyKey:    gomatrixserverlib.VerifyKey{Key: public},
			ExpiredTS:    old.ExpiredAt,
			ValidUntilTS: gomatrixserverlib.PublicKeyNotValid,
		}
		if old.ExpiredAt == gomatrixserverlib.PublicKeyNotExpired {
			res.ValidUntilTS = spec.AsTimestamp(time.Now().Add(localKeyValidity))
		}
		return res, true
	}
	return gomatrixserverlib.PublicKeyLookupResult{}, false
}
