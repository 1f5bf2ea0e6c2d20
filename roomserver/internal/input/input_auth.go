// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	fedapi "github.com/element-hq/fedcore/federationapi/api"
	"github.com/element-hq/fedcore/roomserver/eventauth"
	"github.com/element-hq/fedcore/roomserver/state"
	"github.com/element-hq/fedcore/roomserver/types"
)

// doAuth checks the event against the rules of its room version. Outliers
// are checked against the auth events they name. Other events are checked
// against the auth events picked from the state before them, after the
// state has been reconciled with the auth events the sender chose.
//
// A failed check is not an error: the event gets a rejection reason and the
// returned rejection says why.
func (r *Inputer) doAuth(ctx context.Context, event *types.Event, evCtx *types.EventContext, origin spec.ServerName) (rejection error, err error) {
	claimed, unknown, err := r.fetchAuthEvents(ctx, event, origin)
	if err != nil {
		return nil, err
	}

	var authEvents []*types.Event
	if evCtx.Outlier {
		if len(unknown) > 0 {
			return nil, types.MissingStateError(fmt.Sprintf("unknown auth events %v for outlier %s", unknown, event.EventID()))
		}
		authEvents = orderedEvents(event.AuthEventIDs(), claimed)
	} else {
		if err = r.reconcileAuth(ctx, event, evCtx, claimed, origin); err != nil {
			return nil, err
		}
		ids := r.RuleSet.ComputeAuthEvents(event, evCtx.PrevState)
		events, err := r.DB.EventsByID(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("r.DB.EventsByID: %w", err)
		}
		authEvents = orderedEvents(ids, events)
	}

	if err = r.RuleSet.Check(event, authEvents); err != nil {
		var notAllowed *eventauth.NotAllowed
		if !errors.As(err, &notAllowed) {
			return nil, fmt.Errorf("r.RuleSet.Check: %w", err)
		}
		evCtx.RejectedReason = types.RejectedAuthError
		return err, nil
	}
	return nil, nil
}

// fetchAuthEvents makes sure that the auth events named by the event are
// known, asking the origin for the auth chain once if some are not. It
// returns the accepted auth events and the IDs still unknown.
func (r *Inputer) fetchAuthEvents(ctx context.Context, event *types.Event, origin spec.ServerName) (map[string]*types.Event, []string, error) {
	authIDs := event.AuthEventIDs()
	unknown, err := r.unseen(ctx, authIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(unknown) > 0 && origin != "" {
		logrus.WithFields(logrus.Fields{
			"event_id": event.EventID(),
			"origin":   origin,
			"missing":  len(unknown),
		}).Debug("Fetching the auth chain of an event")
		chain, err := r.FSAPI.GetEventAuth(ctx, origin, event.RoomID(), event.EventID(), event.Version())
		if err != nil {
			logrus.WithError(err).WithField("event_id", event.EventID()).Warn("Failed to fetch auth chain")
		} else {
			if err = r.persistOutliers(ctx, event.RoomID(), withoutEvent(chain, event.EventID())); err != nil {
				return nil, nil, err
			}
			if unknown, err = r.unseen(ctx, unknown); err != nil {
				return nil, nil, err
			}
		}
	}
	claimed, err := r.DB.EventsByID(ctx, authIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	return claimed, unknown, nil
}

// reconcileAuth deals with senders that picked different auth events than
// the state before the event suggests. The two views are resolved against
// each other and the result replaces the auth entries of the state. If that
// still leaves us disagreeing over auth events we rejected as superseded,
// the origin gets to explain its view with query_auth.
func (r *Inputer) reconcileAuth(
	ctx context.Context, event *types.Event, evCtx *types.EventContext,
	claimed map[string]*types.Event, origin spec.ServerName,
) error {
	if err := r.resolveAuthViews(ctx, event, evCtx, claimed); err != nil {
		return err
	}

	computed := make(map[string]struct{})
	for _, id := range r.RuleSet.ComputeAuthEvents(event, evCtx.PrevState) {
		computed[id] = struct{}{}
	}
	var divergent []string
	for _, id := range event.AuthEventIDs() {
		if _, ok := computed[id]; !ok {
			divergent = append(divergent, id)
		}
	}
	if len(divergent) == 0 || origin == "" {
		return nil
	}
	metadata, err := r.DB.EventMetadata(ctx, divergent)
	if err != nil {
		return fmt.Errorf("r.DB.EventMetadata: %w", err)
	}
	superseded := make(map[string]types.RejectionReason)
	for id, md := range metadata {
		if md.RejectedReason.Superseded() {
			superseded[id] = md.RejectedReason
		}
	}
	if len(superseded) == 0 {
		return nil
	}
	return r.queryAuth(ctx, event, evCtx, origin, superseded)
}

// resolveAuthViews runs state resolution over our auth entries for the
// event and the same entries overridden by the sender's choice, when the two
// differ.
func (r *Inputer) resolveAuthViews(ctx context.Context, event *types.Event, evCtx *types.EventContext, claimed map[string]*types.Event) error {
	localView := evCtx.PrevState.Filter(eventauth.AuthEventTuples(event))
	remoteView := localView.Copy()
	different := false
	for _, id := range event.AuthEventIDs() {
		ev, ok := claimed[id]
		if !ok {
			continue
		}
		tuple, ok := ev.StateKeyTuple()
		if !ok || localView[tuple] == id {
			continue
		}
		remoteView[tuple] = id
		different = true
	}
	if !different {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"event_id":    event.EventID(),
		"local_view":  localView.EventIDs(),
		"remote_view": remoteView.EventIDs(),
	}).Info("Auth events differ from our state, resolving")

	resolved, err := state.Resolve(ctx, event.Version(), []types.StateMap{localView, remoteView}, r.DB)
	if err != nil {
		return fmt.Errorf("state.Resolve: %w", err)
	}
	updated := evCtx.PrevState.Copy()
	for tuple, id := range resolved {
		updated[tuple] = id
	}
	evCtx.PrevState = updated
	return nil
}

// queryAuth sends our auth chain for the event to the origin, stores what it
// has that we don't, and reconciles the auth events again.
func (r *Inputer) queryAuth(
	ctx context.Context, event *types.Event, evCtx *types.EventContext,
	origin spec.ServerName, superseded map[string]types.RejectionReason,
) error {
	logger := logrus.WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"origin":   origin,
	})
	localChain, err := state.AuthChain(ctx, r.DB, event.AuthEventIDs())
	if err != nil {
		return fmt.Errorf("state.AuthChain: %w", err)
	}
	rejects := make(map[string]fedapi.RejectInfo, len(superseded))
	for id, reason := range superseded {
		rejects[id] = fedapi.RejectInfo{Reason: reason}
	}
	res, err := r.FSAPI.QueryAuth(ctx, origin, event, localChain, nil, rejects)
	if err != nil {
		logger.WithError(err).Warn("query_auth failed")
		return nil
	}
	if len(res.Rejects) > 0 {
		logger.WithField("rejects", len(res.Rejects)).Debug("Origin rejects some of our auth chain")
	}
	if err = r.persistOutliers(ctx, event.RoomID(), withoutEvent(res.AuthChain, event.EventID())); err != nil {
		return err
	}
	claimed, err := r.DB.EventsByID(ctx, event.AuthEventIDs())
	if err != nil {
		return fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	return r.resolveAuthViews(ctx, event, evCtx, claimed)
}

// unseen returns the IDs among ids that are not stored at all.
func (r *Inputer) unseen(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen, err := r.DB.HaveSeenEvents(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("r.DB.HaveSeenEvents: %w", err)
	}
	var unseen []string
	for _, id := range ids {
		if !seen[id] {
			unseen = append(unseen, id)
		}
	}
	return unseen, nil
}

func orderedEvents(ids []string, events map[string]*types.Event) []*types.Event {
	result := make([]*types.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := events[id]; ok {
			result = append(result, ev)
		}
	}
	return result
}

func withoutEvent(events []*types.Event, eventID string) []*types.Event {
	result := make([]*types.Event, 0, len(events))
	for _, ev := range events {
		if ev.EventID() != eventID {
			result = append(result, ev)
		}
	}
	return result
}
