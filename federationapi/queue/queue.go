// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue orders the inbound transactions of each origin server.
package queue

import (
	"context"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/element-hq/fedcore/internal"
)

var (
	inboundQueueDepthValue = atomic.NewInt64(0)
	inboundQueueDepth      = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "inbound_transaction_queue_depth",
			Help:      "Inbound transactions that are waiting for or being processed",
		},
	)
	inboundQueueOrigins = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "inbound_transaction_queue_origins",
			Help:      "Origin servers with inbound transactions in flight",
		},
	)
)

var registerQueueMetrics sync.Once

func init() {
	registerQueueMetrics.Do(func() {
		prometheus.MustRegister(inboundQueueDepth, inboundQueueOrigins)
	})
}

func observeInboundQueueDepth(delta int64) {
	inboundQueueDepth.Set(float64(inboundQueueDepthValue.Add(delta)))
}

// TransactionQueue processes the transactions of one origin one at a time,
// in the order they arrived. Transactions of different origins don't wait
// for each other.
type TransactionQueue struct {
	origins *internal.Linearizer
}

func NewTransactionQueue() *TransactionQueue {
	return &TransactionQueue{origins: internal.NewLinearizer()}
}

// Process runs fn once the earlier transactions of origin are done. It gives
// up waiting when ctx is done.
func (q *TransactionQueue) Process(ctx context.Context, origin spec.ServerName, fn func(ctx context.Context) error) error {
	observeInboundQueueDepth(1)
	defer observeInboundQueueDepth(-1)

	unlock, err := q.origins.Lock(ctx, string(origin))
	inboundQueueOrigins.Set(float64(q.origins.Len()))
	if err != nil {
		return err
	}
	defer func() {
		unlock()
		inboundQueueOrigins.Set(float64(q.origins.Len()))
	}()
	return fn(ctx)
}
