// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/fedcore/federationapi/keyring"
	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/test"
)

func signedServerKeys(t *testing.T, serverName, signer spec.ServerName, validUntil spec.Timestamp) []byte {
	t.Helper()
	keys := gomatrixserverlib.ServerKeyFields{
		ServerName:   serverName,
		ValidUntilTS: validUntil,
		VerifyKeys: map[gomatrixserverlib.KeyID]gomatrixserverlib.VerifyKey{
			test.KeyID: {Key: spec.Base64Bytes(test.ServerPublicKey(serverName))},
		},
		OldVerifyKeys: map[gomatrixserverlib.KeyID]gomatrixserverlib.OldVerifyKey{
			"ed25519:old": {
				VerifyKey: gomatrixserverlib.VerifyKey{Key: spec.Base64Bytes(test.ServerPublicKey("retired.example"))},
				ExpiredTS: 1000,
			},
		},
	}
	unsigned, err := json.Marshal(keys)
	require.NoError(t, err)
	_, priv := test.ServerKey(signer)
	signed, err := gomatrixserverlib.SignJSON(string(serverName), test.KeyID, priv, unsigned)
	require.NoError(t, err)
	return signed
}

func TestGetServerKeys(t *testing.T) {
	validUntil := spec.AsTimestamp(time.Now().Add(time.Hour))
	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"remote.example": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/_matrix/key/v2/server", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(signedServerKeys(t, "remote.example", "remote.example", validUntil))
		},
	})
	keys, err := env.client.GetServerKeys(context.Background(), "remote.example")
	require.NoError(t, err)
	assert.Equal(t, spec.ServerName("remote.example"), keys.ServerName)
	assert.Equal(t, []byte(test.ServerPublicKey("remote.example")), keys.PublicKey(test.KeyID, validUntil-1))
	assert.NoError(t, gomatrixserverlib.VerifyJSON("remote.example", test.KeyID, test.ServerPublicKey("remote.example"), keys.Raw))

	_, err = env.client.GetServerKeys(context.Background(), "unknown.example")
	assert.Error(t, err)
}

func TestLookupServerKeys(t *testing.T) {
	validUntil := spec.AsTimestamp(time.Now().Add(time.Hour))
	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"notary.example": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/_matrix/key/v2/query", r.URL.Path)
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, int64(1234), gjson.GetBytes(body, `server_keys.remote\.example.ed25519:test.minimum_valid_until_ts`).Int())
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"server_keys": []json.RawMessage{signedServerKeys(t, "remote.example", "remote.example", validUntil)},
			})
		},
	})
	keys, err := env.client.LookupServerKeys(context.Background(), "notary.example", map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp{
		{ServerName: "remote.example", KeyID: test.KeyID}: 1234,
	})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, spec.ServerName("remote.example"), keys[0].ServerName)
}

func TestDirectKeyFetcher(t *testing.T) {
	validUntil := spec.AsTimestamp(time.Now().Add(time.Hour))
	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"remote.example": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(signedServerKeys(t, "remote.example", "remote.example", validUntil))
		},
		"mallory.example": func(w http.ResponseWriter, r *http.Request) {
			// Signed with the wrong key, whichever endpoint is asked.
			writeJSON(w, http.StatusOK, json.RawMessage(signedServerKeys(t, "mallory.example", "remote.example", validUntil)))
		},
	})
	global := &config.Global{ServerName: localServer}
	global.KeyID, global.PrivateKey = test.ServerKey(localServer)
	keyRing := keyring.NewKeyRing(
		global, caching.NewRistrettoCache(1024*1024, time.Hour, caching.DisableMetrics),
		[]gomatrixserverlib.KeyFetcher{keyring.NewDirectKeyFetcher(global, env.client)}, 1,
	)

	verify := func(serverName spec.ServerName) error {
		_, priv := test.ServerKey(serverName)
		signed, err := gomatrixserverlib.SignJSON(string(serverName), test.KeyID, priv, []byte(`{"a":1}`))
		require.NoError(t, err)
		results, err := keyRing.VerifyJSONs(context.Background(), []gomatrixserverlib.VerifyJSONRequest{{
			ServerName:           serverName,
			Message:              signed,
			AtTS:                 spec.AsTimestamp(time.Now()),
			ValidityCheckingFunc: gomatrixserverlib.StrictValiditySignatureCheck,
		}})
		require.NoError(t, err)
		return results[0].Error
	}
	assert.NoError(t, verify("remote.example"))
	assert.Error(t, verify("mallory.example"))
}
