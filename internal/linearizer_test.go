// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestLinearizerSerialisesSameKey(t *testing.T) {
	t.Parallel()

	l := NewLinearizer()
	active := atomic.NewInt32(0)
	maxActive := atomic.NewInt32(0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), "!room:a", func() error {
				n := active.Inc()
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Dec()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, l.Len(), "idle keys should be forgotten")
}

func TestLinearizerDifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	l := NewLinearizer()
	unlockA, err := l.Lock(context.Background(), "!a:a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "!b:b")
	require.NoError(t, err)
	unlockB()
}

func TestLinearizerContextCancelled(t *testing.T) {
	t.Parallel()

	l := NewLinearizer()
	unlock, err := l.Lock(context.Background(), "!a:a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "!a:a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // releasing twice is a no-op
	assert.Equal(t, 0, l.Len())
}
