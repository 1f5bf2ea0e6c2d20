// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const fetchTimeout = 5 * time.Second

// JetStreamConsumer starts a durable pull consumer on subj and hands batches
// of messages to f until ctx is done. Messages are acked when f returns true
// and nak'd otherwise.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
	opts ...nats.SubOpt,
) error {
	sub, err := js.PullSubscribe(subj, durable+"Pull", opts...)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("js.PullSubscribe: %w", err)
	}
	logger := logrus.WithFields(logrus.Fields{
		"subject": subj,
		"durable": durable,
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				if err := sub.Unsubscribe(); err != nil {
					logger.WithError(err).Warn("Failed to unsubscribe")
				}
				return
			default:
			}
			// Fetch needs a deadline. Expiry just means nothing arrived yet.
			fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
			msgs, err := sub.Fetch(batch, nats.Context(fetchCtx))
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrConsumerDeleted), errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				return
			default:
				sentry.CaptureException(err)
				logger.WithError(err).Error("Failed to fetch messages")
				time.Sleep(time.Second)
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			for _, msg := range msgs {
				if err = msg.InProgress(nats.Context(ctx)); err != nil {
					logger.WithError(err).Warn("msg.InProgress failed")
				}
			}
			ack := f(ctx, msgs)
			for _, msg := range msgs {
				if ack {
					err = msg.AckSync(nats.Context(ctx))
				} else {
					err = msg.Nak(nats.Context(ctx))
				}
				if err != nil {
					logger.WithError(err).Warn("Failed to acknowledge message")
					sentry.CaptureException(err)
				}
			}
		}
	}()
	return nil
}
