// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statistics

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/fedcore/federationapi/storage"
	"github.com/element-hq/fedcore/federationapi/types"
	internalutil "github.com/element-hq/fedcore/internal/util"
	"github.com/element-hq/fedcore/setup/process"
)

const (
	minBackoff = time.Second
	maxBackoff = time.Hour
	// Jitter bounds for backoff calculation
	maxJitterMultiplier = 1.4
	minJitterMultiplier = 0.8
	// Persisted backoffs that ended this long ago are forgotten by the sweeper.
	retryStateRetention = 24 * time.Hour
)

// Statistics contains information about all of the remote federated
// hosts that we have interacted with. It is basically a threadsafe
// wrapper.
type Statistics struct {
	DB      storage.Database
	mutex   sync.RWMutex
	servers map[spec.ServerName]*ServerStatistics

	// How many times should we tolerate consecutive failures before we
	// stop contacting the server entirely?
	FailuresUntilBlacklist uint32

	// How many times should we tolerate consecutive failures before we
	// mark the destination as offline. At this point we should attempt
	// to send only what is strictly necessary.
	FailuresUntilAssumedOffline uint32
}

func NewStatistics(db storage.Database, failuresUntilBlacklist, failuresUntilAssumedOffline uint32) *Statistics {
	return &Statistics{
		DB:                          db,
		FailuresUntilBlacklist:      failuresUntilBlacklist,
		FailuresUntilAssumedOffline: failuresUntilAssumedOffline,
		servers:                     make(map[spec.ServerName]*ServerStatistics),
	}
}

// ForServer returns server statistics for the given server name. If it
// does not exist, it will create empty statistics and return those,
// seeded from any backoff persisted before a restart.
func (s *Statistics) ForServer(serverName spec.ServerName) *ServerStatistics {
	serverName = internalutil.NormalizeServerName(serverName)
	s.mutex.RLock()
	server, found := s.servers[serverName]
	s.mutex.RUnlock()
	if found {
		return server
	}

	server = &ServerStatistics{
		statistics: s,
		serverName: serverName,
	}
	if s.DB != nil {
		state, exists, err := s.DB.GetRetryState(context.Background(), serverName)
		if err != nil {
			logrus.WithError(err).WithField("server", serverName).Error("Failed to load retry state")
		} else if exists {
			server.failCounter.Store(state.FailureCount)
			server.backoffUntil.Store(state.RetryUntil.Time())
			server.blacklisted.Store(s.FailuresUntilBlacklist > 0 && state.FailureCount >= s.FailuresUntilBlacklist)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if existing, ok := s.servers[serverName]; ok {
		return existing
	}
	s.servers[serverName] = server
	return server
}

// StartSweeper periodically drops in-memory statistics for servers that
// have recovered, and forgets persisted backoffs that expired long ago.
func (s *Statistics) StartSweeper(process *process.ProcessContext, interval time.Duration) {
	process.ComponentStarted()
	go func() {
		defer process.ComponentFinished()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-process.WaitForShutdown():
				return
			case <-ticker.C:
				s.sweep(process.Context(), time.Now())
			}
		}
	}()
}

func (s *Statistics) sweep(ctx context.Context, now time.Time) {
	s.mutex.Lock()
	for name, server := range s.servers {
		if server.failCounter.Load() == 0 && !server.inFlight() {
			delete(s.servers, name)
		}
	}
	s.mutex.Unlock()

	if s.DB == nil {
		return
	}
	purged, err := s.DB.PurgeExpiredRetryStates(ctx, spec.AsTimestamp(now.Add(-retryStateRetention)))
	if err != nil {
		logrus.WithError(err).Error("Failed to purge expired retry states")
		return
	}
	if purged > 0 {
		logrus.WithField("count", purged).Debug("Purged expired retry states")
	}
}

func (s *Statistics) size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.servers)
}

// ServerStatistics contains information about our interactions with a
// remote federated host, e.g. how many times we were successful, how
// many times we failed etc. It also manages the backoff time and black-
// listing a remote host if it remains uncooperative.
type ServerStatistics struct {
	statistics     *Statistics
	serverName     spec.ServerName
	blacklisted    atomic.Bool
	backoffUntil   atomic.Time
	failCounter    atomic.Uint32
	successCounter atomic.Uint32
	requests       atomic.Int32
}

// backoffDuration calculates the backoff duration for a given failure count
// using exponential backoff with jitter.
func backoffDuration(failures uint32) time.Duration {
	// Add jitter to minimize thundering herd effects
	jitter := rand.Float64()*(maxJitterMultiplier-minJitterMultiplier) + minJitterMultiplier

	backoff := float64(minBackoff) * math.Pow(2, float64(failures)) * jitter
	if backoff > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(backoff)
}

// Success updates the server statistics with a new successful attempt,
// clearing any backoff.
func (s *ServerStatistics) Success() {
	s.successCounter.Inc()
	s.blacklisted.Store(false)
	s.backoffUntil.Store(time.Time{})
	if s.failCounter.Swap(0) == 0 {
		return
	}
	if s.statistics.DB != nil {
		if err := s.statistics.DB.ClearRetryState(context.Background(), s.serverName); err != nil {
			logrus.WithError(err).WithField("server", s.serverName).Error("Failed to clear retry state")
		}
	}
}

// Failure marks a failure and starts backing off. It returns when the
// backoff ends, and whether the server is now blacklisted.
func (s *ServerStatistics) Failure() (time.Time, bool) {
	failures := s.failCounter.Inc()
	until := time.Now().Add(backoffDuration(failures))
	s.backoffUntil.Store(until)

	blacklisted := s.statistics.FailuresUntilBlacklist > 0 && failures >= s.statistics.FailuresUntilBlacklist
	if blacklisted && !s.blacklisted.Swap(true) {
		logrus.WithField("server", s.serverName).Warnf("Server has failed %d times in a row, backing off until %s", failures, until)
	}
	if s.statistics.DB != nil {
		if err := s.statistics.DB.SetRetryState(context.Background(), s.serverName, types.RetryState{
			FailureCount: failures,
			RetryUntil:   spec.AsTimestamp(until),
		}); err != nil {
			logrus.WithError(err).WithField("server", s.serverName).Error("Failed to persist retry state")
		}
	}
	return until, blacklisted
}

// BackoffInfo returns when the current backoff ends, if the server is
// currently backing off, and whether it is blacklisted.
func (s *ServerStatistics) BackoffInfo() (*time.Time, bool) {
	until := s.backoffUntil.Load()
	if until.IsZero() || !until.After(time.Now()) {
		return nil, s.blacklisted.Load()
	}
	return &until, s.blacklisted.Load()
}

// Blacklisted returns true if the server is blacklisted and false
// otherwise.
func (s *ServerStatistics) Blacklisted() bool {
	return s.blacklisted.Load()
}

// AssumedOffline returns true if the server has failed often enough that we
// should only contact it when strictly necessary.
func (s *ServerStatistics) AssumedOffline() bool {
	return s.failCounter.Load() >= s.statistics.FailuresUntilAssumedOffline
}

// FailureCount returns how many consecutive failures happened.
func (s *ServerStatistics) FailureCount() uint32 {
	return s.failCounter.Load()
}

// SuccessCount returns how many successful requests were made.
func (s *ServerStatistics) SuccessCount() uint32 {
	return s.successCounter.Load()
}

// StartRequest marks a request as in flight, so that the sweeper leaves the
// statistics alone until it completes.
func (s *ServerStatistics) StartRequest() func() {
	s.requests.Inc()
	return func() { s.requests.Dec() }
}

func (s *ServerStatistics) inFlight() bool {
	return s.requests.Load() > 0
}

func (s *ServerStatistics) ServerName() spec.ServerName {
	return s.serverName
}
