// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/roomserver/api"
)

// ErrJoinInProgress is returned when a join is attempted for a room that
// already has one running.
var ErrJoinInProgress = api.ErrJoinInProgress

// RoomQueues holds back inbound events for rooms that have a join in
// progress. Events that arrive during the join are replayed in arrival order
// once it completes, whether it succeeded or not.
type RoomQueues struct {
	mu      sync.Mutex
	rooms   map[string]*roomQueue
	timeout time.Duration
	// process handles a replayed event. It must not enqueue it again.
	process func(ctx context.Context, input *api.InputRoomEvent) error
}

type roomQueue struct {
	phony.Inbox
	joining   bool
	replaying bool
	buffer    []*api.InputRoomEvent
	observers []chan struct{}
}

func NewRoomQueues(timeout time.Duration, process func(ctx context.Context, input *api.InputRoomEvent) error) *RoomQueues {
	return &RoomQueues{
		rooms:   make(map[string]*roomQueue),
		timeout: timeout,
		process: process,
	}
}

// BeginJoin marks a join as in progress for the room. The join should run
// under the returned context, which is cancelled once the configured timeout
// passes. The returned release function must be called when the join is
// over, and only it frees the room; calling it more than once is harmless.
func (q *RoomQueues) BeginJoin(ctx context.Context, roomID string) (joinCtx context.Context, release func(), err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.rooms[roomID]
	if !ok {
		rq = &roomQueue{}
		q.rooms[roomID] = rq
	}
	phony.Block(rq, func() {
		if rq.joining {
			err = ErrJoinInProgress
			return
		}
		rq.joining = true
	})
	if err != nil {
		return nil, nil, err
	}

	var cancel context.CancelFunc
	if q.timeout > 0 {
		joinCtx, cancel = context.WithTimeout(ctx, q.timeout)
	} else {
		joinCtx, cancel = context.WithCancel(ctx)
	}
	var once sync.Once
	release = func() {
		once.Do(func() {
			if errors.Is(joinCtx.Err(), context.DeadlineExceeded) {
				logrus.WithField("room_id", roomID).Warn("Join did not finish in time")
			}
			cancel()
			q.endJoin(roomID, rq)
		})
	}
	return joinCtx, release, nil
}

func (q *RoomQueues) endJoin(roomID string, rq *roomQueue) {
	var observers []chan struct{}
	var startReplay bool
	phony.Block(rq, func() {
		rq.joining = false
		observers, rq.observers = rq.observers, nil
		if !rq.replaying {
			rq.replaying = true
			startReplay = true
		}
	})
	for _, ch := range observers {
		close(ch)
	}
	if startReplay {
		go q.replay(roomID, rq)
	}
}

// replay hands the buffered events to process one at a time. New arrivals
// keep being buffered behind them until the buffer is drained, so arrival
// order is kept. A new join stops the replay until it is released.
func (q *RoomQueues) replay(roomID string, rq *roomQueue) {
	ctx := context.Background()
	logger := logrus.WithField("room_id", roomID)
	for {
		var next *api.InputRoomEvent
		phony.Block(rq, func() {
			if rq.joining || len(rq.buffer) == 0 {
				rq.replaying = false
				return
			}
			next, rq.buffer = rq.buffer[0], rq.buffer[1:]
		})
		if next == nil {
			q.removeIfIdle(roomID, rq)
			return
		}
		if err := q.process(ctx, next); err != nil {
			logger.WithError(err).WithField("event_id", next.Event.EventID()).Warn("Failed to process buffered event")
		}
	}
}

func (q *RoomQueues) removeIfIdle(roomID string, rq *roomQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rooms[roomID] != rq {
		return
	}
	var idle bool
	phony.Block(rq, func() {
		idle = !rq.joining && !rq.replaying && len(rq.buffer) == 0
	})
	if idle {
		delete(q.rooms, roomID)
	}
}

// Enqueue buffers the event if the room has a join in progress or buffered
// events still waiting to be replayed. It reports whether the event was
// buffered.
func (q *RoomQueues) Enqueue(input *api.InputRoomEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.rooms[input.Event.RoomID()]
	if !ok {
		return false
	}
	var buffered bool
	phony.Block(rq, func() {
		if rq.joining || rq.replaying {
			rq.buffer = append(rq.buffer, input)
			buffered = true
		}
	})
	return buffered
}

// AwaitJoin blocks until the room has no join in progress or ctx is done.
func (q *RoomQueues) AwaitJoin(ctx context.Context, roomID string) error {
	q.mu.Lock()
	rq, ok := q.rooms[roomID]
	var ch chan struct{}
	if ok {
		phony.Block(rq, func() {
			if rq.joining {
				ch = make(chan struct{})
				rq.observers = append(rq.observers, ch)
			}
		})
	}
	q.mu.Unlock()
	if ch == nil {
		return nil
	}
	logrus.WithField("room_id", roomID).Debug("Awaiting join for room")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Joining reports whether the room has a join in progress.
func (q *RoomQueues) Joining(roomID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.rooms[roomID]
	if !ok {
		return false
	}
	var joining bool
	phony.Block(rq, func() {
		joining = rq.joining
	})
	return joining
}

// Buffered returns the number of events waiting for the room.
func (q *RoomQueues) Buffered(roomID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.rooms[roomID]
	if !ok {
		return 0
	}
	var n int
	phony.Block(rq, func() {
		n = len(rq.buffer)
	})
	return n
}

// PendingRoomCount returns the number of rooms with a join in progress or
// events still to replay.
func (q *RoomQueues) PendingRoomCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rooms)
}
