// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input contains the code that authorises and persists events
// arriving over federation.
package input

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/eventauth"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

var (
	processRoomEventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fedcore",
			Subsystem: "roomserver",
			Name:      "processroomevent_duration_millis",
			Help:      "How long it takes the roomserver to process an event",
			Buckets: []float64{ // milliseconds
				5, 10, 25, 50, 75, 100, 250, 500,
				1000, 2000, 3000, 4000, 5000, 6000,
				7000, 8000, 9000, 10000, 15000, 20000,
			},
		},
		[]string{"kind"},
	)
	processedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "roomserver",
			Name:      "processed_events_total",
			Help:      "Events handled by the roomserver, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

var registerInputMetrics sync.Once

func init() {
	registerInputMetrics.Do(func() {
		prometheus.MustRegister(processRoomEventDuration, processedEvents)
	})
}

const (
	outcomeAccepted  = "accepted"
	outcomeRejected  = "rejected"
	outcomeDuplicate = "duplicate"
	outcomeBuffered  = "buffered"
	outcomeSanity    = "sanity"
	outcomeDropped   = "dropped"
	outcomeError     = "error"
)

// Inputer authorises and persists room events. Events of the same room may
// be processed concurrently: gap filling is serialised per room and so is
// the final persist, which also moves the current state.
type Inputer struct {
	Cfg      *config.RoomServer
	DB       storage.Database
	FSAPI    fedapi.FederationClient
	RuleSet  eventauth.RuleSet
	Notifier api.Notifier
	Queues   *RoomQueues

	// missingLinearizer serialises gap filling per room.
	missingLinearizer *internal.Linearizer
	// persistLinearizer serialises state group allocation, persistence and
	// current state updates per room.
	persistLinearizer *internal.Linearizer
}

func NewInputer(cfg *config.RoomServer, db storage.Database, fsAPI fedapi.FederationClient, notifier api.Notifier) *Inputer {
	r := &Inputer{
		Cfg:               cfg,
		DB:                db,
		FSAPI:             fsAPI,
		RuleSet:           eventauth.DefaultRuleSet{},
		Notifier:          notifier,
		missingLinearizer: internal.NewLinearizer(),
		persistLinearizer: internal.NewLinearizer(),
	}
	r.Queues = NewRoomQueues(cfg.JoinTimeout, func(ctx context.Context, input *api.InputRoomEvent) error {
		return r.processRoomEvent(ctx, input, processOpts{bypassQueue: true, fetchMissing: true})
	})
	return r
}

// InputRoomEvents processes the events in order. Events that are stored as
// rejected are listed in the response and do not stop the rest of the
// request; any other failure does.
func (r *Inputer) InputRoomEvents(ctx context.Context, req *api.InputRoomEventsRequest, res *api.InputRoomEventsResponse) {
	if req.Asynchronous {
		ctx = context.WithoutCancel(ctx)
		go func() {
			for i := range req.InputRoomEvents {
				input := &req.InputRoomEvents[i]
				if err := r.ProcessRoomEvent(ctx, input); err != nil {
					logrus.WithError(err).WithField("event_id", input.Event.EventID()).Warn("Failed to process event")
				}
			}
		}()
		return
	}
	for i := range req.InputRoomEvents {
		input := &req.InputRoomEvents[i]
		err := r.ProcessRoomEvent(ctx, input)
		if err == nil {
			continue
		}
		var rejected types.RejectedError
		if errors.As(err, &rejected) {
			if res.Rejected == nil {
				res.Rejected = make(map[string]types.RejectionReason)
			}
			res.Rejected[input.Event.EventID()] = types.RejectedAuthError
			if res.ErrMsg == "" {
				res.ErrMsg = err.Error()
				res.NotAllowed = true
			}
			continue
		}
		res.ErrMsg = err.Error()
		res.NotAllowed = false
		return
	}
}

// ProcessRoomEvent runs a single event through the input pipeline. A
// types.RejectedError means that the event was stored as rejected.
func (r *Inputer) ProcessRoomEvent(ctx context.Context, input *api.InputRoomEvent) error {
	return r.processRoomEvent(ctx, input, processOpts{fetchMissing: true})
}

// BeginJoin marks a join for the room as in progress.
func (r *Inputer) BeginJoin(ctx context.Context, roomID string) (context.Context, func(), error) {
	return r.Queues.BeginJoin(ctx, roomID)
}

// AwaitJoin waits for the join in progress for the room, if any.
func (r *Inputer) AwaitJoin(ctx context.Context, roomID string) error {
	return r.Queues.AwaitJoin(ctx, roomID)
}

type processOpts struct {
	// bypassQueue processes the event even if its room has a join in
	// progress.
	bypassQueue bool
	// fetchMissing allows asking the origin for missing prev events.
	fetchMissing bool
}
