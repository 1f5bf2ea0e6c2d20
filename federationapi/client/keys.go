// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

type keyQueryCriteria struct {
	MinimumValidUntilTS spec.Timestamp `json:"minimum_valid_until_ts"`
}

// GetServerKeys asks serverName for its own signing keys. Checking that the
// response is signed is left to the key fetcher.
func (c *Client) GetServerKeys(ctx context.Context, serverName spec.ServerName) (gomatrixserverlib.ServerKeys, error) {
	var keys gomatrixserverlib.ServerKeys
	req, err := http.NewRequest(http.MethodGet, "matrix://"+string(serverName)+"/_matrix/key/v2/server", nil)
	if err != nil {
		return keys, err
	}
	err = c.send(ctx, serverName, req, &keys)
	return keys, err
}

// LookupServerKeys asks the notary server for the keys of other servers.
func (c *Client) LookupServerKeys(
	ctx context.Context, notary spec.ServerName, keyRequests map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp,
) ([]gomatrixserverlib.ServerKeys, error) {
	query := struct {
		ServerKeys map[spec.ServerName]map[gomatrixserverlib.KeyID]keyQueryCriteria `json:"server_keys"`
	}{ServerKeys: map[spec.ServerName]map[gomatrixserverlib.KeyID]keyQueryCriteria{}}
	for req, ts := range keyRequests {
		server, ok := query.ServerKeys[req.ServerName]
		if !ok {
			server = map[gomatrixserverlib.KeyID]keyQueryCriteria{}
			query.ServerKeys[req.ServerName] = server
		}
		if req.KeyID != "" {
			server[req.KeyID] = keyQueryCriteria{MinimumValidUntilTS: ts}
		}
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, "matrix://"+string(notary)+"/_matrix/key/v2/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res struct {
		ServerKeys []json.RawMessage `json:"server_keys"`
	}
	if err = c.send(ctx, notary, req, &res); err != nil {
		return nil, err
	}
	results := make([]gomatrixserverlib.ServerKeys, 0, len(res.ServerKeys))
	for _, raw := range res.ServerKeys {
		var keys gomatrixserverlib.ServerKeys
		if err = json.Unmarshal(raw, &keys); err != nil {
			continue
		}
		results = append(results, keys)
	}
	return results, nil
}
