// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/types"
)

// processRoomEvent is the input pipeline: dedup, sanity checks, buffering
// behind a join, ancestry, authorisation, persistence and notification.
func (r *Inputer) processRoomEvent(ctx context.Context, input *api.InputRoomEvent, opts processOpts) (err error) {
	event := input.Event
	roomID := event.RoomID()
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"room_id":  roomID,
		"kind":     input.Kind,
		"origin":   input.Origin,
		"type":     event.Type(),
	})

	trace, ctx := internal.StartRegion(ctx, "processRoomEvent")
	trace.SetTag("event_id", event.EventID())
	trace.SetTag("room_id", roomID)
	defer trace.EndRegion()

	start := time.Now()
	outcome := outcomeError
	defer func() {
		processedEvents.WithLabelValues(input.Kind.String(), outcome).Inc()
		processRoomEventDuration.WithLabelValues(input.Kind.String()).Observe(float64(time.Since(start).Milliseconds()))
		if outcome == outcomeError {
			trace.SetError(err)
		}
	}()

	known, err := r.DB.EventMetadata(ctx, []string{event.EventID()})
	if err != nil {
		return fmt.Errorf("r.DB.EventMetadata: %w", err)
	}
	if md, ok := known[event.EventID()]; ok && (!md.Outlier || input.Kind == api.KindOutlier) {
		outcome = outcomeDuplicate
		logger.Debug("Event has already been processed")
		return nil
	}

	if err = r.checkSanity(event); err != nil {
		outcome = outcomeSanity
		logger.WithError(err).Warn("Event failed sanity checks")
		return err
	}

	if input.Kind != api.KindOutlier && !opts.bypassQueue && r.Queues.Enqueue(input) {
		outcome = outcomeBuffered
		logger.Debug("Buffering event until the join for the room completes")
		return nil
	}

	if err = r.ensureRoom(ctx, input); err != nil {
		if errors.Is(err, types.ErrorInvalidRoomInfo) {
			outcome = outcomeDropped
		}
		return err
	}

	evCtx := &types.EventContext{Outlier: input.Kind == api.KindOutlier}
	var prevGroup types.StateGroupID
	var prevGroupState types.StateMap
	if !evCtx.Outlier {
		if input.HasState {
			evCtx.PrevState, err = r.stateFromEventIDs(ctx, input.StateEventIDs)
		} else {
			evCtx.PrevState, prevGroup, prevGroupState, err = r.stateBeforeEvent(ctx, input, opts)
		}
		if err != nil {
			return err
		}
	}

	// Once the state is known, finish the job even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	rejection, err := r.doAuth(ctx, event, evCtx, input.Origin)
	if err != nil {
		return fmt.Errorf("r.doAuth: %w", err)
	}

	pos, written, err := r.persist(ctx, input, evCtx, prevGroup, prevGroupState)
	if err != nil {
		return err
	}
	if !written {
		outcome = outcomeDuplicate
		return nil
	}

	if evCtx.Rejected() {
		outcome = outcomeRejected
		logger.WithError(rejection).WithField("reason", evCtx.RejectedReason).Info("Stored event as rejected")
		return types.RejectedError(fmt.Sprintf("event %s was rejected: %s", event.EventID(), rejection))
	}
	outcome = outcomeAccepted
	r.notify(ctx, input, evCtx, pos, logger)
	return nil
}

// checkSanity drops events that reference unreasonable numbers of other
// events before any work is done on their behalf.
func (r *Inputer) checkSanity(event *types.Event) error {
	if n := len(event.PrevEventIDs()); n > r.Cfg.MaxPrevEvents {
		return &types.SanityError{
			EventID: event.EventID(),
			Reason:  fmt.Sprintf("too many prev_events (%d > %d)", n, r.Cfg.MaxPrevEvents),
		}
	}
	if n := len(event.AuthEventIDs()); n > r.Cfg.MaxAuthEvents {
		return &types.SanityError{
			EventID: event.EventID(),
			Reason:  fmt.Sprintf("too many auth_events (%d > %d)", n, r.Cfg.MaxAuthEvents),
		}
	}
	return nil
}

// ensureRoom makes sure that the room of the event is known, recording its
// version the first time a room is seen. Only a create event, an outlier or
// an event with a trusted state snapshot may introduce a new room.
func (r *Inputer) ensureRoom(ctx context.Context, input *api.InputRoomEvent) error {
	event := input.Event
	info, err := r.DB.RoomInfo(ctx, event.RoomID())
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if info != nil {
		if info.RoomVersion != event.RoomVersion() {
			return &types.SanityError{
				EventID: event.EventID(),
				Reason:  fmt.Sprintf("room version %s does not match the room's version %s", event.RoomVersion(), info.RoomVersion),
			}
		}
		return nil
	}
	var predecessor string
	switch {
	case event.Type() == spec.MRoomCreate && event.StateKeyEquals(""):
		predecessor = gjson.GetBytes(event.Content(), "predecessor.room_id").Str
	case input.Kind == api.KindOutlier, input.HasState:
	default:
		return fmt.Errorf("event %s: not in room %s: %w", event.EventID(), event.RoomID(), types.ErrorInvalidRoomInfo)
	}
	if err = r.DB.StoreRoom(ctx, event.RoomID(), event.RoomVersion(), predecessor); err != nil {
		return fmt.Errorf("r.DB.StoreRoom: %w", err)
	}
	return nil
}

// stateFromEventIDs builds a state map from stored state events. Events that
// are unknown or were rejected are left out.
func (r *Inputer) stateFromEventIDs(ctx context.Context, eventIDs []string) (types.StateMap, error) {
	events, err := r.DB.EventsByID(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	state := make(types.StateMap, len(eventIDs))
	for _, eventID := range eventIDs {
		ev, ok := events[eventID]
		if !ok {
			continue
		}
		if tuple, ok := ev.StateKeyTuple(); ok {
			state[tuple] = eventID
		}
	}
	if len(state) < len(eventIDs) {
		logrus.WithFields(logrus.Fields{
			"wanted": len(eventIDs),
			"found":  len(state),
		}).Warn("Some state events are unknown or rejected")
	}
	return state, nil
}

// persist stores the state group and the event, then moves the current state
// of the room forward if the event is new and accepted. It reports false if
// someone else stored the event first.
func (r *Inputer) persist(
	ctx context.Context, input *api.InputRoomEvent, evCtx *types.EventContext,
	prevGroup types.StateGroupID, prevGroupState types.StateMap,
) (types.StreamPosition, bool, error) {
	event := input.Event
	roomID := event.RoomID()
	unlock, err := r.persistLinearizer.Lock(ctx, roomID)
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	known, err := r.DB.EventMetadata(ctx, []string{event.EventID()})
	if err != nil {
		return 0, false, fmt.Errorf("r.DB.EventMetadata: %w", err)
	}
	if md, ok := known[event.EventID()]; ok && (!md.Outlier || evCtx.Outlier) {
		return 0, false, nil
	}

	if !evCtx.Outlier {
		if err = r.allocateStateGroup(ctx, event, evCtx, prevGroup, prevGroupState); err != nil {
			return 0, false, err
		}
	}

	written, err := r.DB.StoreEvents(ctx, []types.EventWithContext{{Event: event, Context: evCtx}})
	if err != nil {
		return 0, false, fmt.Errorf("r.DB.StoreEvents: %w", err)
	}
	pos, ok := written[event.EventID()]
	if !ok {
		return 0, false, nil
	}
	if input.Kind == api.KindNew && !evCtx.Rejected() {
		if err = r.updateCurrentState(ctx, roomID); err != nil {
			return pos, true, fmt.Errorf("r.updateCurrentState: %w", err)
		}
	}
	return pos, true, nil
}

// allocateStateGroup works out the state after the event and gives it a
// state group. An event that leaves the state of its prev group untouched
// shares that group.
func (r *Inputer) allocateStateGroup(
	ctx context.Context, event *types.Event, evCtx *types.EventContext,
	prevGroup types.StateGroupID, prevGroupState types.StateMap,
) error {
	after := evCtx.PrevState.Copy()
	if !evCtx.Rejected() {
		if tuple, ok := event.StateKeyTuple(); ok {
			after[tuple] = event.EventID()
		}
	}
	evCtx.CurrentState = after
	_, changesState := event.StateKeyTuple()
	if (!changesState || evCtx.Rejected()) && prevGroup != 0 && sameState(after, prevGroupState) {
		evCtx.StateGroup = prevGroup
		return nil
	}
	var delta types.StateMap
	if prevGroup != 0 {
		delta, _ = after.Delta(prevGroupState)
	}
	group, err := r.DB.StoreStateGroup(ctx, event.EventID(), event.RoomID(), prevGroup, delta, after)
	if err != nil {
		return fmt.Errorf("r.DB.StoreStateGroup: %w", err)
	}
	evCtx.StateGroup, evCtx.PrevGroup, evCtx.Delta = group, prevGroup, delta
	return nil
}

func sameState(a, b types.StateMap) bool {
	if len(a) != len(b) {
		return false
	}
	for key, eventID := range a {
		if b[key] != eventID {
			return false
		}
	}
	return true
}

// notify tells the notifier about a newly accepted event. Backfilled events
// and outliers are not notified, except for invites of our own users.
func (r *Inputer) notify(ctx context.Context, input *api.InputRoomEvent, evCtx *types.EventContext, pos types.StreamPosition, logger *logrus.Entry) {
	if r.Notifier == nil || input.Kind == api.KindOld {
		return
	}
	event := input.Event
	var extraUsers []string
	if stateKey := event.StateKey(); stateKey != nil && event.Type() == spec.MRoomMember {
		extraUsers = []string{*stateKey}
		if evCtx.Outlier {
			membership, err := event.Membership()
			if err != nil || membership != spec.Invite || !r.isLocalUser(*stateKey) {
				return
			}
		}
	} else if evCtx.Outlier {
		return
	}
	if err := r.Notifier.OnNewRoomEvent(ctx, event, pos, extraUsers); err != nil {
		sentry.CaptureException(err)
		logger.WithError(err).Error("Failed to notify about new event")
	}
}

func (r *Inputer) isLocalUser(userID string) bool {
	if r.Cfg.Matrix == nil {
		return false
	}
	_, domain, err := gomatrixserverlib.SplitID('@', userID)
	if err != nil {
		return false
	}
	return r.Cfg.Matrix.IsLocalServerName(domain)
}
