// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/jetstream"
)

// JetStreamPublisher is the part of nats.JetStreamContext used to publish.
type JetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// RoomEventProducer publishes accepted room events to the output stream.
type RoomEventProducer struct {
	Topic     string
	JetStream JetStreamPublisher
}

var _ api.Notifier = &RoomEventProducer{}

// OnNewRoomEvent implements api.Notifier.
func (r *RoomEventProducer) OnNewRoomEvent(ctx context.Context, event *types.Event, pos types.StreamPosition, extraUsers []string) error {
	update := api.OutputEvent{
		Type: api.OutputTypeNewRoomEvent,
		NewRoomEvent: &api.OutputNewRoomEvent{
			Event:          event.JSON(),
			RoomVersion:    event.RoomVersion(),
			StreamPosition: pos,
			ExtraUsers:     extraUsers,
		},
	}
	if membership, err := event.Membership(); err == nil && membership == spec.Invite {
		update.Type = api.OutputTypeNewInviteEvent
	}

	msg := nats.NewMsg(r.Topic)
	msg.Header.Set(jetstream.RoomID, event.RoomID())
	msg.Header.Set(jetstream.EventID, event.EventID())
	msg.Header.Set(jetstream.EventType, event.Type())
	msg.Header.Set(jetstream.StreamPosition, strconv.FormatInt(int64(pos), 10))
	if sk := event.StateKey(); sk != nil && event.Type() == spec.MRoomMember {
		msg.Header.Set(jetstream.UserID, *sk)
	}

	var err error
	msg.Data, err = json.Marshal(update)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":    event.RoomID(),
		"event_id":   event.EventID(),
		"event_type": event.Type(),
		"type":       update.Type,
	}).Tracef("Producing to topic '%s'", r.Topic)

	if _, err = r.JetStream.PublishMsg(msg, nats.Context(ctx)); err != nil {
		logrus.WithError(err).Errorf("Failed to produce to topic '%s': %s", r.Topic, err)
		return err
	}
	return nil
}
