// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"context"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/types"
)

// InMemoryFederationDatabase keeps retry states in a map.
type InMemoryFederationDatabase struct {
	mu          sync.Mutex
	retryStates map[spec.ServerName]types.RetryState
}

func NewInMemoryFederationDatabase() *InMemoryFederationDatabase {
	return &InMemoryFederationDatabase{
		retryStates: make(map[spec.ServerName]types.RetryState),
	}
}

func (d *InMemoryFederationDatabase) SetRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retryStates[serverName] = state
	return nil
}

func (d *InMemoryFederationDatabase) GetRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.retryStates[serverName]
	return state, ok, nil
}

func (d *InMemoryFederationDatabase) GetAllRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	all := make(map[spec.ServerName]types.RetryState, len(d.retryStates))
	for k, v := range d.retryStates {
		all[k] = v
	}
	return all, nil
}

func (d *InMemoryFederationDatabase) ClearRetryState(ctx context.Context, serverName spec.ServerName) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.retryStates, serverName)
	return nil
}

func (d *InMemoryFederationDatabase) PurgeExpiredRetryStates(ctx context.Context, before spec.Timestamp) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var purged int64
	for k, v := range d.retryStates {
		if v.RetryUntil < before {
			delete(d.retryStates, k)
			purged++
		}
	}
	return purged, nil
}
