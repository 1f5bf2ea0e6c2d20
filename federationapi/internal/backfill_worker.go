// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/setup/process"
)

const (
	backfillWorkerCount = 4
	// Initial backoff delay after the first failure.
	backfillMinBackoff = time.Minute
	// Maximum backoff delay.
	backfillMaxBackoff = time.Hour
	// Maximum number of retries before giving up on a room.
	backfillMaxRetries = 8
	// Jitter bounds for the backoff calculation.
	maxJitterMultiplier = 1.4
	minJitterMultiplier = 0.8
)

type roomRetryInfo struct {
	retryAt    time.Time
	retryCount uint32
}

// BackfillWorker fetches the recent history of rooms in the background after
// we joined them, since send_join only hands us the state.
type BackfillWorker struct {
	process  *process.ProcessContext
	fedAPI   *FederationInternalAPI
	workerCh chan string
	retryMu  sync.Mutex
	retryMap map[string]*roomRetryInfo
}

func NewBackfillWorker(processCtx *process.ProcessContext, fedAPI *FederationInternalAPI) *BackfillWorker {
	return &BackfillWorker{
		process:  processCtx,
		fedAPI:   fedAPI,
		workerCh: make(chan string, 100),
		retryMap: make(map[string]*roomRetryInfo),
	}
}

// backoffDuration is an exponential backoff with jitter, capped at
// backfillMaxBackoff.
func (w *BackfillWorker) backoffDuration(retryCount uint32) time.Duration {
	jitter := rand.Float64()*(maxJitterMultiplier-minJitterMultiplier) + minJitterMultiplier
	backoff := float64(backfillMinBackoff) * math.Pow(2, float64(retryCount)) * jitter
	duration := time.Duration(backoff)
	if duration > backfillMaxBackoff {
		duration = backfillMaxBackoff
	}
	return duration
}

func (w *BackfillWorker) Start() {
	for i := 0; i < backfillWorkerCount; i++ {
		go w.worker(i)
	}
	go w.retryLoop()
}

// QueueRoom asks for the room to be backfilled.
func (w *BackfillWorker) QueueRoom(roomID string) {
	select {
	case w.workerCh <- roomID:
	default:
		// Queue full, try again later without counting it as a failure.
		w.retryMu.Lock()
		if _, exists := w.retryMap[roomID]; !exists {
			w.retryMap[roomID] = &roomRetryInfo{retryAt: time.Now().Add(30 * time.Second)}
		}
		w.retryMu.Unlock()
	}
}

func (w *BackfillWorker) worker(workerID int) {
	for {
		var roomID string
		select {
		case <-w.process.Context().Done():
			return
		case roomID = <-w.workerCh:
		}

		err := w.processRoom(roomID)
		w.retryMu.Lock()
		if err == nil {
			delete(w.retryMap, roomID)
			w.retryMu.Unlock()
			continue
		}
		info, exists := w.retryMap[roomID]
		if !exists {
			info = &roomRetryInfo{}
		}
		info.retryCount++
		logger := logrus.WithFields(logrus.Fields{
			"room_id":     roomID,
			"worker_id":   workerID,
			"retry_count": info.retryCount,
		})
		if info.retryCount >= backfillMaxRetries {
			delete(w.retryMap, roomID)
			w.retryMu.Unlock()
			sentry.CaptureException(err)
			logger.WithError(err).Error("Giving up on backfilling room")
			continue
		}
		backoff := w.backoffDuration(info.retryCount)
		info.retryAt = time.Now().Add(backoff)
		w.retryMap[roomID] = info
		w.retryMu.Unlock()
		logger.WithError(err).WithField("retry_in", backoff).Warn("Failed to backfill room, will retry")
	}
}

// retryLoop requeues failed rooms once their backoff has passed.
func (w *BackfillWorker) retryLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-w.process.Context().Done():
			return
		case <-ticker.C:
			w.retryDue(time.Now())
		}
	}
}

func (w *BackfillWorker) retryDue(now time.Time) {
	w.retryMu.Lock()
	var toRetry []string
	for roomID, info := range w.retryMap {
		if now.After(info.retryAt) {
			toRetry = append(toRetry, roomID)
		}
	}
	// The worker updates or clears the entry once it is done with the room.
	w.retryMu.Unlock()

	for _, roomID := range toRetry {
		select {
		case w.workerCh <- roomID:
		default:
			// Picked up on the next tick.
		}
	}
}

// processRoom backfills one page of history below the deepest event we have.
func (w *BackfillWorker) processRoom(roomID string) error {
	trace, ctx := internal.StartTask(w.process.Context(), "BackfillWorker.processRoom")
	defer trace.EndTask()
	trace.SetTag("room_id", roomID)

	start := time.Now()
	depth, err := w.fedAPI.db.MaxDepth(ctx, roomID)
	if err != nil {
		return err
	}
	fetched, err := w.fedAPI.MaybeBackfill(ctx, roomID, depth, w.fedAPI.rsCfg.BackfillLimit)
	if err != nil {
		trace.SetError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"fetched":     fetched,
		"backfill_ms": time.Since(start).Milliseconds(),
	}).Debug("Backfilled room after join")
	return nil
}
