// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/federationapi/statistics"
	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "client_requests_total",
		Help:      "Outbound federation requests by outcome",
	},
	[]string{"request", "outcome"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// maxResponseSize bounds the body read from a remote server.
const maxResponseSize = 32 * 1024 * 1024

// Resolver maps a server name to the base URL that federation requests to it
// are sent to.
type Resolver func(serverName spec.ServerName) (string, error)

// DefaultResolver sends requests to https on the server name itself.
func DefaultResolver(serverName spec.ServerName) (string, error) {
	return "https://" + string(serverName), nil
}

type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client built from the configuration.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithResolver replaces DefaultResolver.
func WithResolver(resolver Resolver) ClientOption {
	return func(c *Client) { c.resolver = resolver }
}

// Client makes signed requests to remote servers, failing over between
// destinations and backing off from the ones that keep failing.
type Client struct {
	cfg        *config.FederationAPI
	httpClient *http.Client
	resolver   Resolver
	keyRing    api.KeyRing
	stats      *statistics.Statistics

	// pduTried records eventID/destination pairs recently asked for an
	// event, so that repeated lookups move on to other servers.
	pduTried   *cache.Cache
	pduCache   caching.FederationEventCache
	pduFetches singleflight.Group
}

var (
	_ api.FederationClient        = &Client{}
	_ gomatrixserverlib.KeyClient = &Client{}
)

func NewClient(
	cfg *config.FederationAPI, keyRing api.KeyRing, pduCache caching.FederationEventCache,
	stats *statistics.Statistics, opts ...ClientOption,
) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		resolver: DefaultResolver,
		keyRing:  keyRing,
		stats:    stats,
		pduTried: cache.New(cfg.PDURetryTime, cfg.PDURetryTime),
		pduCache: pduCache,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		dialer, err := internal.GetDialer(cfg.AllowNetworkCIDRs, cfg.DenyNetworkCIDRs, cfg.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("internal.GetDialer: %w", err)
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext:       dialer.DialContext,
				DisableKeepAlives: cfg.DisableHTTPKeepalives,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: cfg.DisableTLSValidation, // nolint:gosec
				},
			},
		}
	}
	return c, nil
}

// SetKeyRing sets the key ring used to verify fetched events. The key ring
// itself fetches keys through this client, so it is set after construction.
func (c *Client) SetKeyRing(keyRing api.KeyRing) {
	c.keyRing = keyRing
}

// doRequest signs and sends a request to destination, decoding a successful
// response into resp. Non-2xx responses are returned as gomatrix.HTTPError.
func (c *Client) doRequest(ctx context.Context, destination spec.ServerName, method, path string, content, resp interface{}) error {
	req := fclient.NewFederationRequest(method, c.cfg.Matrix.ServerName, destination, path)
	if content != nil {
		if err := req.SetContent(content); err != nil {
			return err
		}
	}
	if err := req.Sign(c.cfg.Matrix.ServerName, c.cfg.Matrix.KeyID, c.cfg.Matrix.PrivateKey); err != nil {
		return fmt.Errorf("req.Sign: %w", err)
	}
	httpReq, err := req.HTTPRequest()
	if err != nil {
		return err
	}
	return c.send(ctx, destination, httpReq, resp)
}

// send points a matrix:// request at the address the resolver gives for
// destination and performs it.
func (c *Client) send(ctx context.Context, destination spec.ServerName, httpReq *http.Request, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	baseURL, err := c.resolver(destination)
	if err != nil {
		return pkgerrors.Wrapf(err, "resolving %s", destination)
	}
	target, err := url.Parse(baseURL)
	if err != nil {
		return pkgerrors.Wrapf(err, "resolving %s", destination)
	}
	httpReq = httpReq.WithContext(ctx)
	httpReq.URL.Scheme = target.Scheme
	httpReq.URL.Host = target.Host
	httpReq.Host = string(destination)
	method, path := httpReq.Method, httpReq.URL.RequestURI()

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrapf(err, "%s %s%s", method, destination, path)
	}
	defer res.Body.Close() // nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return pkgerrors.Wrapf(err, "reading response from %s", destination)
	}

	if res.StatusCode/100 != 2 {
		httpErr := gomatrix.HTTPError{
			Code:     res.StatusCode,
			Contents: body,
			Message:  fmt.Sprintf("%s %s%s: HTTP %d", method, destination, path, res.StatusCode),
		}
		var respErr gomatrix.RespError
		if json.Unmarshal(body, &respErr) == nil && respErr.ErrCode != "" {
			httpErr.WrappedError = respErr
		}
		return httpErr
	}
	if resp == nil {
		return nil
	}
	if err = json.Unmarshal(body, resp); err != nil {
		return pkgerrors.Wrapf(err, "decoding response from %s", destination)
	}
	return nil
}

// TryDestinations implements api.FederationClient.
func (c *Client) TryDestinations(
	ctx context.Context, description string, destinations []spec.ServerName,
	failover func(error) bool, fn func(ctx context.Context, destination spec.ServerName) error,
) error {
	return c.tryDestinationList(ctx, description, destinations, failover, fn)
}

// tryDestinationList calls fn with each destination in turn until one
// succeeds. Transient failures move on to the next destination. A 3xx or 4xx
// response is returned straight away unless failover allows continuing.
func (c *Client) tryDestinationList(
	ctx context.Context, description string, destinations []spec.ServerName,
	failover func(error) bool, fn func(ctx context.Context, destination spec.ServerName) error,
) error {
	logger := util.GetLogger(ctx).WithField("request", description)
	exhausted := &DestinationsExhaustedError{
		Description: description,
		Errors:      map[spec.ServerName]error{},
	}
	for _, destination := range destinations {
		if c.cfg.Matrix.IsLocalServerName(destination) {
			continue
		}
		if _, tried := exhausted.Errors[destination]; tried {
			continue
		}
		serverStats := c.stats.ForServer(destination)
		if until, _ := serverStats.BackoffInfo(); until != nil {
			requestsTotal.WithLabelValues(description, "skipped").Inc()
			exhausted.Errors[destination] = &NotRetryingDestinationError{Destination: destination, RetryAfter: *until}
			continue
		}

		done := serverStats.StartRequest()
		err := fn(ctx, destination)
		done()
		if err == nil {
			requestsTotal.WithLabelValues(description, "success").Inc()
			serverStats.Success()
			return nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		failBlacklistableError(err, serverStats)

		logger := logger.WithError(err).WithField("destination", destination)
		if IsAuthoritative(err) {
			requestsTotal.WithLabelValues(description, "rejected").Inc()
			if failover == nil || !failover(err) {
				return err
			}
			logger.Info("Destination rejected the request, trying the next one")
		} else {
			requestsTotal.WithLabelValues(description, "transient").Inc()
			logger.Warn("Request to destination failed, trying the next one")
		}
		exhausted.Errors[destination] = err
	}
	return exhausted
}

// failBlacklistableError records a failure against the destination if err
// suggests that the server is unreachable or broken, rather than that it
// refused this particular request.
func failBlacklistableError(err error, stats *statistics.ServerStatistics) (until time.Time, blacklisted bool) {
	if err == nil {
		return
	}
	var mxerr gomatrix.HTTPError
	if !errors.As(err, &mxerr) {
		return stats.Failure()
	}
	if mxerr.Code == 401 { // invalid signature in X-Matrix header
		return stats.Failure()
	}
	if mxerr.Code >= 500 && mxerr.Code < 600 { // internal server errors
		return stats.Failure()
	}
	return
}

// parseAndVerify parses events with the given room version and drops, with a
// warning, every event that fails to parse or whose signatures don't check
// out.
func (c *Client) parseAndVerify(ctx context.Context, origin spec.ServerName, raws []json.RawMessage, ver gomatrixserverlib.IRoomVersion) []*types.Event {
	logger := util.GetLogger(ctx).WithField("origin", origin)
	events := make([]*types.Event, 0, len(raws))
	for _, raw := range raws {
		event, err := types.NewEventFromUntrustedJSON(raw, ver)
		if err != nil {
			logger.WithError(err).Warn("Dropping unparseable event")
			continue
		}
		events = append(events, event)
	}
	verified := events[:0]
	for i, err := range c.keyRing.VerifyEvents(ctx, events) {
		if err != nil {
			logger.WithError(err).WithField("event_id", events[i].EventID()).Warn("Dropping event with bad signatures")
			continue
		}
		verified = append(verified, events[i])
	}
	return verified
}
