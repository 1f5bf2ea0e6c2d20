// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

const testConfig = `
version: 1
global:
  server_name: localhost
  private_key: matrix_key.pem
  database:
    connection_string: file:fedcore.db
  jetstream:
    in_memory: true
federation_api:
  request_timeout: 10s
  pdu_retry_time: 1m
  rate_limiting:
    enabled: true
    threshold: 5
    cooloff_ms: 500
    exempt_server_names: ["trusted.example"]
room_server:
  max_state_delta_hops: 50
logging:
- type: std
  level: debug
`

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	var buf bytes.Buffer
	require.NoError(t, WriteMatrixKey(&buf, "ed25519:auto", seed))
	return buf.Bytes()
}

func TestLoadConfigRelative(t *testing.T) {
	keyPEM := testKeyPEM(t)
	cfg, err := loadConfig("/my/config/dir", []byte(testConfig), func(path string) ([]byte, error) {
		if path != "/my/config/dir/matrix_key.pem" {
			return nil, fmt.Errorf("unexpected path %q", path)
		}
		return keyPEM, nil
	})
	require.NoError(t, err)

	assert.Equal(t, "localhost", string(cfg.Global.ServerName))
	assert.Equal(t, "ed25519:auto", string(cfg.Global.KeyID))
	assert.Len(t, cfg.Global.PrivateKey, ed25519.PrivateKeySize)
	assert.Equal(t, 10*time.Second, cfg.FederationAPI.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.FederationAPI.PDURetryTime)
	assert.Equal(t, []string{"trusted.example"}, cfg.FederationAPI.RateLimiting.ExemptServerNames)
	assert.Equal(t, 50, cfg.RoomServer.MaxStateDeltaHops)
	// untouched values keep their defaults
	assert.Equal(t, 20, cfg.RoomServer.MaxPrevEvents)
	assert.Equal(t, 10, cfg.RoomServer.MaxAuthEvents)
	assert.Equal(t, 120*time.Second, cfg.FederationAPI.PDUCacheTTL)
	assert.Same(t, &cfg.Global, cfg.RoomServer.Matrix)
}

func TestLoadConfigRejectsUnknownVersion(t *testing.T) {
	_, err := loadConfig("/", []byte("version: 7\n"), func(string) ([]byte, error) {
		return testKeyPEM(t), nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config version")
}

func TestDefaultsVerify(t *testing.T) {
	var cfg FedCore
	cfg.Defaults(DefaultOpts{Generate: true, SingleDatabase: true})

	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	assert.Empty(t, configErrs)
	assert.Equal(t, 100, cfg.RoomServer.MaxStateDeltaHops)
	assert.Equal(t, 60*time.Second, cfg.FederationAPI.PDURetryTime)
}

func TestVerifyReportsMissingKeys(t *testing.T) {
	var cfg FedCore
	cfg.Defaults(DefaultOpts{})
	cfg.Global.PrivateKeyPath = ""
	cfg.RoomServer.MaxPrevEvents = -1

	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	assert.Contains(t, configErrs, `missing config key "global.server_name"`)
	assert.Contains(t, configErrs, `missing config key "global.private_key"`)
	assert.Contains(t, configErrs, `invalid value for config key "room_server.max_prev_events": -1`)
	assert.Contains(t, configErrs.Error(), "other problems")
}

func TestReadKeyPEMInvalidKeyID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMatrixKey(&buf, "ed25519:bad-id!", bytes.Repeat([]byte{1}, ed25519.SeedSize)))
	_, _, err := readKeyPEM("test.pem", buf.Bytes(), true)
	assert.Error(t, err)
}

func TestRateLimitingVerifyPerEndpointOverrides(t *testing.T) {
	rateLimiting := RateLimiting{
		Enabled:   true,
		Threshold: 5,
		CooloffMS: 500,
		PerEndpointOverrides: map[string]RateLimitEndpointOverride{
			"/_matrix/federation/v1/send": {
				Threshold: -1,
				CooloffMS: 100,
			},
		},
	}

	var configErrs ConfigErrors
	rateLimiting.Verify(&configErrs)
	assert.Contains(t, configErrs, `federation_api.rate_limiting.per_endpoint_overrides./_matrix/federation/v1/send: both 'threshold' and 'cooloff_ms' must be positive`)
}

func TestRateLimitingVerifyExemptIPAddressesInvalid(t *testing.T) {
	rateLimiting := RateLimiting{
		Enabled:           true,
		Threshold:         5,
		CooloffMS:         500,
		ExemptIPAddresses: []string{"127.0.0.1", "192.168.1.0/24", "not-an-ip"},
	}

	var configErrs ConfigErrors
	rateLimiting.Verify(&configErrs)
	assert.Equal(t, ConfigErrors{`invalid IP address or CIDR for config key "federation_api.rate_limiting.exempt_ip_addresses": not-an-ip`}, configErrs)
}

func TestDataUnitUnmarshal(t *testing.T) {
	tests := map[string]DataUnit{
		`"1kb"`:   1024,
		`"2MB"`:   2 * 1024 * 1024,
		`"1.5gb"`: 1536 * 1024 * 1024,
		`"12"`:    12,
	}
	for input, want := range tests {
		var got struct {
			Size DataUnit `yaml:"size"`
		}
		require.NoError(t, yaml.Unmarshal([]byte("size: "+input), &got), input)
		assert.Equal(t, want, got.Size, input)
	}
}
