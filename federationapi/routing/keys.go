// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/setup/config"
)

// LocalKeys returns our signing keys, signed by our current key.
func LocalKeys(cfg *config.Global, now time.Time) util.JSONResponse {
	keys, err := localKeys(cfg, now)
	if err != nil {
		logrus.WithError(err).Error("Failed to sign server keys")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	return jsonOK(keys)
}

func localKeys(cfg *config.Global, now time.Time) (json.RawMessage, error) {
	keys := gomatrixserverlib.ServerKeyFields{
		ServerName:   cfg.ServerName,
		ValidUntilTS: spec.AsTimestamp(now.Add(cfg.KeyValidityPeriod)),
		VerifyKeys: map[gomatrixserverlib.KeyID]gomatrixserverlib.VerifyKey{
			cfg.KeyID: {Key: spec.Base64Bytes(cfg.PrivateKey.Public().(ed25519.PublicKey))},
		},
		OldVerifyKeys: map[gomatrixserverlib.KeyID]gomatrixserverlib.OldVerifyKey{},
	}
	for _, old := range cfg.OldVerifyKeys {
		var public []byte
		if old.PrivateKey != nil {
			public = old.PrivateKey.Public().(ed25519.PublicKey)
		} else {
			decoded, err := base64.RawStdEncoding.DecodeString(old.PublicKey)
			if err != nil {
				continue
			}
			public = decoded
		}
		keys.OldVerifyKeys[old.KeyID] = gomatrixserverlib.OldVerifyKey{
			VerifyKey: gomatrixserverlib.VerifyKey{Key: public},
			ExpiredTS: old.ExpiredAt,
		}
	}

	unsigned, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	return gomatrixserverlib.SignJSON(string(cfg.ServerName), cfg.KeyID, cfg.PrivateKey, unsigned)
}

type serverVersion struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
}

// Version returns the server name and version reported by GET /version.
func Version() interface{} {
	var v serverVersion
	v.Server.Name = "fedcore"
	v.Server.Version = internal.VersionString()
	return v
}
