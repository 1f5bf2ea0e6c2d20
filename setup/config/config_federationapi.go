// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
	"time"
)

type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// The database stores information used by the federation destination queues to
	// send transactions to remote servers.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// Federation failure threshold. How many consecutive failures that we should
	// tolerate when sending federation requests to a specific server. The backoff
	// is 2**x seconds, so 1 = 2 seconds, 2 = 4 seconds, 3 = 8 seconds, etc.
	// The default value is 16 if not specified, which is circa 18 hours.
	FederationMaxRetries uint32 `yaml:"send_max_retries"`

	// How many consecutive failures that we should tolerate when sending federation
	// requests to a specific server until we should assume they are offline. If we
	// assume they are offline then we will not try to send messages to them again
	// until they come back online.
	FederationRetriesUntilAssumedOffline uint32 `yaml:"retries_until_assumed_offline"`

	// FederationDisableTLSValidation disables the validation of X.509 TLS certs
	// on remote federation endpoints. This is not recommended in production!
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// DisableHTTPKeepalives prevents Fedcore from keeping HTTP connections
	// open for reuse for future requests. Connections will be closed quicker
	// but we may spend more time on TLS handshakes instead.
	DisableHTTPKeepalives bool `yaml:"disable_http_keepalives"`

	// How long an individual outbound federation request may take before it is
	// abandoned and the next destination is tried.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// How long to remember that a destination was asked for a given event, so that
	// repeated lookups for the same missing event move on to other servers.
	PDURetryTime time.Duration `yaml:"pdu_retry_time"`

	// How long successfully fetched events are kept in the in-memory fetch cache.
	PDUCacheTTL time.Duration `yaml:"pdu_cache_ttl"`

	// The maximum number of signature verifications run concurrently.
	VerifyWorkers int `yaml:"verify_workers"`

	// Networks that outbound federation requests are allowed to reach, and
	// networks that are denied. The deny list takes precedence.
	AllowNetworkCIDRs []string `yaml:"allow_network_cidrs"`
	DenyNetworkCIDRs  []string `yaml:"deny_network_cidrs"`

	// Per-origin rate limiting for inbound federation requests.
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.FederationMaxRetries = 16
	c.FederationRetriesUntilAssumedOffline = 3
	c.DisableTLSValidation = false
	c.DisableHTTPKeepalives = false
	c.RequestTimeout = 30 * time.Second
	c.PDURetryTime = 60 * time.Second
	c.PDUCacheTTL = 120 * time.Second
	c.VerifyWorkers = 8
	c.AllowNetworkCIDRs = []string{"0.0.0.0/0", "::/0"}
	c.DenyNetworkCIDRs = []string{}
	c.RateLimiting.Defaults()
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:federationapi.db"
		}
	}
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "federation_api.database.connection_string", string(c.Database.ConnectionString))
	}
	checkPositive(configErrs, "federation_api.request_timeout", int64(c.RequestTimeout))
	checkPositive(configErrs, "federation_api.pdu_retry_time", int64(c.PDURetryTime))
	checkPositive(configErrs, "federation_api.pdu_cache_ttl", int64(c.PDUCacheTTL))
	if c.VerifyWorkers <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", "federation_api.verify_workers", c.VerifyWorkers))
	}
	for _, cidr := range append(append([]string{}, c.AllowNetworkCIDRs...), c.DenyNetworkCIDRs...) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			configErrs.Add(fmt.Sprintf("invalid CIDR %q for config key %q", cidr, "federation_api.allow_network_cidrs/deny_network_cidrs"))
		}
	}
	c.RateLimiting.Verify(configErrs)
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" an origin server can occupy sending requests to a
	// rate-limited endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of origin server names that are exempt from rate limiting.
	ExemptServerNames []string `yaml:"exempt_server_names"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for specific routes.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"federation_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled",
		)
	}
	for name, override := range r.PerEndpointOverrides {
		if override.Threshold <= 0 || override.CooloffMS <= 0 {
			configErrs.Add(
				fmt.Sprintf("federation_api.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
			)
		}
	}
	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if parsedIP := net.ParseIP(ip); parsedIP == nil {
				configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "federation_api.rate_limiting.exempt_ip_addresses", ip))
			}
		}
	}
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 50
	r.CooloffMS = 1000
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

type RateLimitEndpointOverride struct {
	// Threshold defines how many concurrent slots the override allows.
	Threshold int64 `yaml:"threshold"`
	// CooloffMS controls how long in milliseconds before a slot is released.
	CooloffMS int64 `yaml:"cooloff_ms"`
}
