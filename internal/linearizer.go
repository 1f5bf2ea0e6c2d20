// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"sync"
)

// Linearizer provides mutual exclusion keyed by an arbitrary string, e.g. a
// room ID. Callers for the same key run one at a time, in arrival order; callers
// for different keys never block each other.
type Linearizer struct {
	mu    sync.Mutex
	locks map[string]*linearizerEntry
}

type linearizerEntry struct {
	ch      chan struct{}
	waiters int
}

func NewLinearizer() *Linearizer {
	return &Linearizer{
		locks: make(map[string]*linearizerEntry),
	}
}

// Lock blocks until the caller holds the lock for key, or ctx is done. The
// returned function releases the lock and must be called exactly once.
func (l *Linearizer) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &linearizerEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.waiters++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(key, entry, true)
		})
	}, nil
}

func (l *Linearizer) release(key string, entry *linearizerEntry, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held {
		<-entry.ch
	}
	entry.waiters--
	if entry.waiters == 0 {
		delete(l.locks, key)
	}
}

// Do runs fn while holding the lock for key.
func (l *Linearizer) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len returns the number of keys that currently have holders or waiters.
func (l *Linearizer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
