// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/federationapi/keyring"
	"github.com/element-hq/fedcore/federationapi/statistics"
	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/test"
)

const localServer spec.ServerName = "local.example"

type remoteServer struct {
	name string
	hits *atomic.Int32
	srv  *httptest.Server
}

type testEnv struct {
	client  *Client
	stats   *statistics.Statistics
	keyRing *keyring.KeyRing
	servers map[spec.ServerName]*remoteServer
}

func testKeyRing(cfg *config.Global) *keyring.KeyRing {
	cache := caching.NewRistrettoCache(1024*1024, time.Hour, caching.DisableMetrics)
	return keyring.NewKeyRing(cfg, cache, []gomatrixserverlib.KeyFetcher{test.NewKeyFetcher()}, 2)
}

func newTestEnv(t *testing.T, handlers map[spec.ServerName]http.HandlerFunc) *testEnv {
	t.Helper()
	keyID, priv := test.ServerKey(localServer)
	global := &config.Global{ServerName: localServer, KeyID: keyID, PrivateKey: priv}
	cfg := &config.FederationAPI{
		Matrix:         global,
		RequestTimeout: 250 * time.Millisecond,
		PDURetryTime:   time.Minute,
		PDUCacheTTL:    time.Minute,
	}

	env := &testEnv{
		stats:   statistics.NewStatistics(test.NewInMemoryFederationDatabase(), 16, 3),
		keyRing: testKeyRing(global),
		servers: map[spec.ServerName]*remoteServer{},
	}
	for name, handler := range handlers {
		name, handler := name, handler
		rs := &remoteServer{name: string(name), hits: atomic.NewInt32(0)}
		rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rs.hits.Inc()
			handler(w, r)
		}))
		t.Cleanup(rs.srv.Close)
		env.servers[name] = rs
	}

	resolver := func(serverName spec.ServerName) (string, error) {
		rs, ok := env.servers[serverName]
		if !ok {
			return "", errors.New("unknown server")
		}
		return rs.srv.URL, nil
	}
	var err error
	caches := caching.NewRistrettoCache(1024*1024, time.Hour, caching.DisableMetrics)
	env.client, err = NewClient(cfg, env.keyRing, caches, env.stats, WithResolver(resolver))
	require.NoError(t, err)
	return env
}

func (e *testEnv) hits(name spec.ServerName) int32 {
	return e.servers[name].hits.Load()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func hang(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

func internalError(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"errcode": "M_UNKNOWN", "error": "boom"})
}

func TestGetPDUFailsOverToNextDestination(t *testing.T) {
	alice := test.NewUser(t, test.WithServerName("remote.example"))
	room := test.NewRoom(t, alice)
	want := room.Latest()

	var env *testEnv
	env = newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"a.example": hang,
		"b.example": internalError,
		"c.example": func(w http.ResponseWriter, r *http.Request) {
			if _, errResp := fclient.VerifyHTTPRequest(r, time.Now(), "c.example", nil, env.keyRing); errResp.Code != http.StatusOK {
				writeJSON(w, errResp.Code, errResp.JSON)
				return
			}
			writeJSON(w, http.StatusOK, api.Transaction{
				Origin:         "c.example",
				OriginServerTS: spec.AsTimestamp(time.Now()),
				PDUs:           []json.RawMessage{want.JSON()},
			})
		},
		"d.example": internalError,
	})

	got, err := env.client.GetPDU(context.Background(),
		[]spec.ServerName{"a.example", "b.example", "c.example", "d.example"},
		want.EventID(), room.Version,
	)
	require.NoError(t, err)
	assert.Equal(t, want.EventID(), got.EventID())

	assert.Equal(t, int32(1), env.hits("a.example"))
	assert.Equal(t, int32(1), env.hits("b.example"))
	assert.Equal(t, int32(1), env.hits("c.example"))
	assert.Zero(t, env.hits("d.example"), "no destination is contacted after a success")

	assert.Equal(t, uint32(1), env.stats.ForServer("a.example").FailureCount())
	assert.Equal(t, uint32(1), env.stats.ForServer("b.example").FailureCount())
	assert.Zero(t, env.stats.ForServer("c.example").FailureCount())

	// Served from the fetch cache the second time.
	time.Sleep(10 * time.Millisecond)
	got, err = env.client.GetPDU(context.Background(), []spec.ServerName{"c.example"}, want.EventID(), room.Version)
	require.NoError(t, err)
	assert.Equal(t, want.EventID(), got.EventID())
	assert.Equal(t, int32(1), env.hits("c.example"))
}

func TestGetPDUConcurrentLookupsWithDifferentDestinations(t *testing.T) {
	alice := test.NewUser(t, test.WithServerName("remote.example"))
	room := test.NewRoom(t, alice)
	want := room.Latest()

	started := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"a.example": func(w http.ResponseWriter, r *http.Request) {
			close(started)
			select {
			case <-release:
			case <-r.Context().Done():
			}
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "not here"})
		},
		"b.example": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, api.Transaction{PDUs: []json.RawMessage{want.JSON()}})
		},
	})

	firstErr := make(chan error, 1)
	go func() {
		_, err := env.client.GetPDU(context.Background(), []spec.ServerName{"a.example"}, want.EventID(), room.Version)
		firstErr <- err
	}()
	<-started

	// A lookup through other servers doesn't wait on the one in flight.
	got, err := env.client.GetPDU(context.Background(), []spec.ServerName{"b.example"}, want.EventID(), room.Version)
	close(release)
	require.NoError(t, err)
	assert.Equal(t, want.EventID(), got.EventID())
	assert.Error(t, <-firstErr)
}

func TestGetPDUSkipsRecentlyTriedDestinations(t *testing.T) {
	alice := test.NewUser(t, test.WithServerName("remote.example"))
	room := test.NewRoom(t, alice)

	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"a.example": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "not here"})
		},
	})
	destinations := []spec.ServerName{"a.example"}

	_, err := env.client.GetPDU(context.Background(), destinations, "$missing", room.Version)
	var exhausted *DestinationsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Errors, spec.ServerName("a.example"))

	_, err = env.client.GetPDU(context.Background(), destinations, "$missing", room.Version)
	require.ErrorAs(t, err, &exhausted)
	assert.Empty(t, exhausted.Errors)
	assert.Equal(t, int32(1), env.hits("a.example"), "a.example was asked for $missing moments ago")
	assert.Zero(t, env.stats.ForServer("a.example").FailureCount(), "404 is not a server failure")
}

func TestGetPDURejectsWrongEvent(t *testing.T) {
	alice := test.NewUser(t, test.WithServerName("remote.example"))
	room := test.NewRoom(t, alice)
	events := room.Events()

	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"a.example": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, api.Transaction{PDUs: []json.RawMessage{events[0].JSON()}})
		},
		"b.example": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, api.Transaction{PDUs: []json.RawMessage{events[1].JSON()}})
		},
	})
	got, err := env.client.GetPDU(context.Background(), []spec.ServerName{"a.example", "b.example"}, events[1].EventID(), room.Version)
	require.NoError(t, err)
	assert.Equal(t, events[1].EventID(), got.EventID())
	assert.Equal(t, int32(1), env.hits("a.example"))
}

func TestGetMissingEventsRecordsFailures(t *testing.T) {
	alice := test.NewUser(t, test.WithServerName("remote.example"))
	room := test.NewRoom(t, alice)

	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"a.example": internalError,
	})
	req := api.MissingEventsRequest{Limit: 10, LatestEvents: []string{room.Latest().EventID()}}

	_, err := env.client.GetMissingEvents(context.Background(), "a.example", room.ID, req, room.Version)
	require.Error(t, err)
	assert.Equal(t, uint32(1), env.stats.ForServer("a.example").FailureCount())

	_, err = env.client.GetMissingEvents(context.Background(), "a.example", room.ID, req, room.Version)
	var exhausted *DestinationsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	var notRetrying *NotRetryingDestinationError
	assert.ErrorAs(t, exhausted.Errors["a.example"], &notRetrying)
	assert.Equal(t, int32(1), env.hits("a.example"), "a.example is backing off")
}

func TestSignedRequestsVerify(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"remote.example": func(w http.ResponseWriter, r *http.Request) {
			fedReq, errResp := fclient.VerifyHTTPRequest(r, time.Now(), "remote.example", nil, env.keyRing)
			if errResp.Code != http.StatusOK {
				writeJSON(w, errResp.Code, errResp.JSON)
				return
			}
			assert.Equal(t, localServer, fedReq.Origin())
			assert.Equal(t, http.MethodPut, fedReq.Method())
			assert.JSONEq(t, `{"hello":"world"}`, string(fedReq.Content()))
			writeJSON(w, http.StatusOK, struct{}{})
		},
	})
	err := env.client.doRequest(context.Background(), "remote.example", http.MethodPut, "/_matrix/federation/v1/send/1", map[string]string{"hello": "world"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.hits("remote.example"))
}

func TestTryDestinationsAbortsOnAuthoritativeRejection(t *testing.T) {
	forbidden := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "go away"})
	}
	ok := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct{}{})
	}
	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"a.example": forbidden,
		"b.example": ok,
	})
	call := func(ctx context.Context, destination spec.ServerName) error {
		return env.client.doRequest(ctx, destination, http.MethodGet, "/_matrix/federation/v1/version", nil, &struct{}{})
	}
	destinations := []spec.ServerName{"a.example", "b.example"}

	err := env.client.TryDestinations(context.Background(), "test", destinations, nil, call)
	var httpErr gomatrix.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Equal(t, "M_FORBIDDEN", MatrixErrorCode(err))
	assert.True(t, IsAuthoritative(err))
	assert.Zero(t, env.hits("b.example"))
	assert.Zero(t, env.stats.ForServer("a.example").FailureCount())

	err = env.client.TryDestinations(context.Background(), "test", destinations, func(error) bool { return true }, call)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.hits("b.example"))
}

func TestTryDestinationsSkipsBackedOffServers(t *testing.T) {
	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"a.example": internalError,
	})
	call := func(ctx context.Context, destination spec.ServerName) error {
		return env.client.doRequest(ctx, destination, http.MethodGet, "/_matrix/federation/v1/version", nil, &struct{}{})
	}
	destinations := []spec.ServerName{localServer, "a.example"}

	err := env.client.TryDestinations(context.Background(), "test", destinations, nil, call)
	var exhausted *DestinationsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.NotContains(t, exhausted.Errors, localServer, "the local server is never contacted")

	err = env.client.TryDestinations(context.Background(), "test", destinations, nil, call)
	require.ErrorAs(t, err, &exhausted)
	var notRetrying *NotRetryingDestinationError
	require.ErrorAs(t, exhausted.Errors["a.example"], &notRetrying)
	assert.Equal(t, int32(1), env.hits("a.example"))
}

func TestTryDestinationsStopsWhenCancelled(t *testing.T) {
	env := newTestEnv(t, map[spec.ServerName]http.HandlerFunc{
		"a.example": internalError,
		"b.example": internalError,
	})
	ctx, cancel := context.WithCancel(context.Background())
	err := env.client.TryDestinations(ctx, "test", []spec.ServerName{"a.example", "b.example"}, nil,
		func(ctx context.Context, destination spec.ServerName) error {
			cancel()
			return ctx.Err()
		},
	)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, env.stats.ForServer("a.example").FailureCount())
}

func TestFailBlacklistableError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantFailure bool
	}{
		{name: "nil", err: nil},
		{name: "401 Unauthorized", err: gomatrix.HTTPError{Code: 401}, wantFailure: true},
		{name: "500 Internal Server Error", err: gomatrix.HTTPError{Code: 500}, wantFailure: true},
		{name: "502 Bad Gateway", err: gomatrix.HTTPError{Code: 502}, wantFailure: true},
		{name: "599 Custom 5xx", err: gomatrix.HTTPError{Code: 599}, wantFailure: true},
		{name: "200 wrapped in an error", err: gomatrix.HTTPError{Code: 200}},
		{name: "400 Bad Request", err: gomatrix.HTTPError{Code: 400}},
		{name: "403 Forbidden", err: gomatrix.HTTPError{Code: 403}},
		{name: "404 Not Found", err: gomatrix.HTTPError{Code: 404}},
		{name: "429 Too Many Requests", err: gomatrix.HTTPError{Code: 429}},
		{name: "connection error", err: assert.AnError, wantFailure: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := statistics.NewStatistics(test.NewInMemoryFederationDatabase(), 16, 3)
			serverStats := stats.ForServer("test")

			until, blacklisted := failBlacklistableError(tt.err, serverStats)
			assert.False(t, blacklisted, "a single error never blacklists")
			if tt.wantFailure {
				assert.True(t, until.After(time.Now()), "backoff should be in the future")
				assert.Equal(t, uint32(1), serverStats.FailureCount())
			} else {
				assert.True(t, until.IsZero())
				assert.Zero(t, serverStats.FailureCount())
			}
		})
	}
}
