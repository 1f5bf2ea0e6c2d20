// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	internalutil "github.com/element-hq/fedcore/internal/util"
	"github.com/element-hq/fedcore/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of federation requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of federation requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterConfig struct {
	threshold int64
	cooloff   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	config   limiterConfig
	lastSeen time.Time
}

// RateLimits applies a token bucket per origin server. Requests that could
// not be attributed to an origin are limited by IP address instead.
type RateLimits struct {
	limits        map[string]*limiterEntry
	mutex         sync.RWMutex
	enabled       bool
	defaultConfig limiterConfig
	perEndpoint   map[string]limiterConfig
	exemptServers map[spec.ServerName]struct{}
	exemptIPs     []net.IP
	exemptCIDRs   []*net.IPNet
	cleanupDone   chan struct{}
	stopOnce      sync.Once
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:      make(map[string]*limiterEntry),
		enabled:     cfg.Enabled,
		cleanupDone: make(chan struct{}),
		defaultConfig: limiterConfig{
			threshold: cfg.Threshold,
			cooloff:   time.Duration(cfg.CooloffMS) * time.Millisecond,
		},
		perEndpoint:   make(map[string]limiterConfig),
		exemptServers: map[spec.ServerName]struct{}{},
	}
	for _, serverName := range cfg.ExemptServerNames {
		l.exemptServers[internalutil.NormalizeServerName(spec.ServerName(serverName))] = struct{}{}
	}
	for endpoint, override := range cfg.PerEndpointOverrides {
		l.perEndpoint[endpoint] = limiterConfig{
			threshold: override.Threshold,
			cooloff:   time.Duration(override.CooloffMS) * time.Millisecond,
		}
	}
	for _, ip := range cfg.ExemptIPAddresses {
		if parsedIP := net.ParseIP(ip); parsedIP != nil {
			l.exemptIPs = append(l.exemptIPs, parsedIP)
			continue
		}
		if _, network, err := net.ParseCIDR(ip); err == nil {
			l.exemptCIDRs = append(l.exemptCIDRs, network)
		}
	}
	if l.enabled {
		go l.clean(30*time.Second, time.Minute)
	}
	return l
}

// clean periodically drops limiters that have not been used for maxIdle.
// Keys are snapshotted under the read lock so that request handling is
// never blocked for a whole sweep.
func (l *RateLimits) clean(interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-maxIdle)

			l.mutex.RLock()
			keysToCheck := make([]string, 0, len(l.limits))
			for key := range l.limits {
				keysToCheck = append(keysToCheck, key)
			}
			l.mutex.RUnlock()

			for _, key := range keysToCheck {
				l.mutex.Lock()
				entry, exists := l.limits[key]
				if exists && entry.lastSeen.Before(cutoff) {
					delete(l.limits, key)
				}
				l.mutex.Unlock()
			}
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call multiple times.
func (l *RateLimits) Stop() {
	l.stopOnce.Do(func() {
		close(l.cleanupDone)
	})
}

// Limit returns a 429 response if the origin has exceeded its allowance for
// the endpoint, or nil if the request may proceed.
func (l *RateLimits) Limit(req *http.Request, origin spec.ServerName) *util.JSONResponse {
	endpoint := endpointLabel(req)

	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	var caller string
	requestIPAddr, _ := requestIP(req)
	if requestIPAddr != nil {
		caller = requestIPAddr.String()
	} else if req != nil {
		caller = req.RemoteAddr
	}
	if origin != "" {
		origin = internalutil.NormalizeServerName(origin)
		if _, ok := l.exemptServers[origin]; ok {
			rateLimitAllowed.WithLabelValues(endpoint).Inc()
			return nil
		}
		caller = string(origin)
	}

	if l.isIPExempt(requestIPAddr) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	cfg := l.defaultConfig
	limiterKey := caller
	if override, ok := l.perEndpoint[endpoint]; ok {
		cfg = override
		limiterKey = caller + "|" + endpoint
	}

	limiter, block := l.getLimiter(limiterKey, cfg)
	if block || (limiter != nil && !limiter.Allow()) {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		logrus.WithFields(logrus.Fields{
			"origin":   origin,
			"endpoint": endpoint,
		}).Debug("Rate limiting federation request")
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("You are sending too many requests too quickly!", cfg.cooloff.Milliseconds()),
		}
	}

	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

// getLimiter returns the limiter for key, creating it if needed. The bucket
// holds threshold tokens and refills threshold tokens per cooloff.
//
// Returns (nil, true) if every request must be blocked (threshold <= 0) and
// (nil, false) if limiting is off for this config (cooloff <= 0).
func (l *RateLimits) getLimiter(key string, cfg limiterConfig) (*rate.Limiter, bool) {
	if cfg.threshold <= 0 {
		return nil, true
	}
	if cfg.cooloff <= 0 {
		return nil, false
	}

	requestsPerSecond := rate.Limit(float64(cfg.threshold) * float64(time.Second) / float64(cfg.cooloff))

	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, ok := l.limits[key]
	if ok && entry.config == cfg {
		entry.lastSeen = time.Now()
		return entry.limiter, false
	}

	limiter := rate.NewLimiter(requestsPerSecond, int(cfg.threshold))
	l.limits[key] = &limiterEntry{
		limiter:  limiter,
		config:   cfg,
		lastSeen: time.Now(),
	}
	return limiter, false
}

func (l *RateLimits) size() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.limits)
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	if route := routeTemplate(req); route != "" {
		return route
	}
	return req.URL.Path
}

// requestIP extracts the client IP address from the request.
//
// X-Forwarded-For is only trusted when RemoteAddr is a loopback address,
// meaning that a local reverse proxy sits in front of us. In that case the
// first non-loopback address in the header is used. The boolean result
// reports whether the address came from the header.
func requestIP(req *http.Request) (net.IP, bool) {
	if req == nil {
		return nil, false
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil, false
	}

	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		return remoteIP, false
	}
	if !remoteIP.IsLoopback() {
		logrus.WithFields(logrus.Fields{
			"remote_addr":     remoteIP.String(),
			"x_forwarded_for": forwardedFor,
		}).Debug("Ignoring X-Forwarded-For from non-loopback connection")
		return remoteIP, false
	}
	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip, true
		}
	}
	return remoteIP, false
}

func (l *RateLimits) isIPExempt(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, exemptIP := range l.exemptIPs {
		if exemptIP.Equal(ip) {
			return true
		}
	}
	for _, network := range l.exemptCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
