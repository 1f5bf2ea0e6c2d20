// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

type ProcessContext struct {
	mu         sync.RWMutex
	wg         sync.WaitGroup     // used to wait for components to shutdown
	ctx        context.Context    // cancelled when Stop is called
	shutdown   context.CancelFunc // shut down every component
	degraded   map[string]struct{}
	isDegraded *atomic.Bool
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:        ctx,
		shutdown:   shutdown,
		degraded:   make(map[string]struct{}),
		isDegraded: atomic.NewBool(false),
	}
}

func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, scopeKey{}, "process") // nolint:staticcheck
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// Shutdown cancels the root context, signalling every component to stop.
func (b *ProcessContext) Shutdown() {
	b.shutdown()
}

func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded marks the process as degraded because of err. The error is logged
// and reported once per distinct message.
func (b *ProcessContext) Degraded(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.degraded[err.Error()]; !ok {
		logrus.WithError(err).Warn("Fedcore is entering a degraded state")
		sentry.CaptureException(fmt.Errorf("process entering degraded state: %w", err))
		b.degraded[err.Error()] = struct{}{}
		b.isDegraded.Store(true)
	}
}

func (b *ProcessContext) IsDegraded() (bool, []string) {
	if !b.isDegraded.Load() {
		return false, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	reasons := make([]string, 0, len(b.degraded))
	for reason := range b.degraded {
		reasons = append(reasons, reason)
	}
	return true, reasons
}

type scopeKey struct{}
