// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/poll"

	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/producers"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/jetstream"
	"github.com/element-hq/fedcore/setup/process"
	"github.com/element-hq/fedcore/test"
)

type stubPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (s *stubPublisher) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.msgs = append(s.msgs, msg)
	return &nats.PubAck{}, nil
}

func TestOnNewRoomEventSetsHeaders(t *testing.T) {
	alice := test.NewUser(t)
	bob := test.NewUser(t, test.WithServerName("remote"))
	room := test.NewRoom(t, alice)
	invite := room.CreateAndInsert(t, alice, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Invite,
	}, test.WithStateKey(bob.ID))

	pub := &stubPublisher{}
	producer := &producers.RoomEventProducer{Topic: "OutputRoomEvent", JetStream: pub}
	require.NoError(t, producer.OnNewRoomEvent(context.Background(), invite, 42, []string{bob.ID}))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "OutputRoomEvent", msg.Subject)
	assert.Equal(t, room.ID, msg.Header.Get(jetstream.RoomID))
	assert.Equal(t, invite.EventID(), msg.Header.Get(jetstream.EventID))
	assert.Equal(t, spec.MRoomMember, msg.Header.Get(jetstream.EventType))
	assert.Equal(t, "42", msg.Header.Get(jetstream.StreamPosition))
	assert.Equal(t, bob.ID, msg.Header.Get(jetstream.UserID))

	var output api.OutputEvent
	require.NoError(t, json.Unmarshal(msg.Data, &output))
	assert.Equal(t, api.OutputTypeNewInviteEvent, output.Type)
	require.NotNil(t, output.NewRoomEvent)
	assert.JSONEq(t, string(invite.JSON()), string(output.NewRoomEvent.Event))
	assert.Equal(t, room.Version.Version(), output.NewRoomEvent.RoomVersion)
	assert.Equal(t, []string{bob.ID}, output.NewRoomEvent.ExtraUsers)
}

func TestOnNewRoomEventReturnsPublishErrors(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	pub := &stubPublisher{err: errors.New("nats down")}
	producer := &producers.RoomEventProducer{Topic: "OutputRoomEvent", JetStream: pub}
	assert.Error(t, producer.OnNewRoomEvent(context.Background(), room.Latest(), 1, nil))
}

func TestOnNewRoomEventReachesConsumers(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)

	processCtx := process.NewProcessContext()
	defer func() {
		processCtx.Shutdown()
		processCtx.WaitForComponentsToFinish()
	}()
	cfg := &config.JetStream{
		StoragePath: config.Path(t.TempDir()),
		TopicPrefix: "ProducerTest",
		InMemory:    true,
		NoLog:       true,
	}
	natsInstance := &jetstream.NATSInstance{}
	js, _, err := natsInstance.Prepare(processCtx, cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	var received []api.OutputEvent
	// The stream only retains messages that have an interested consumer.
	err = jetstream.JetStreamConsumer(
		processCtx.Context(), js, cfg.Prefixed(jetstream.OutputRoomEvent), cfg.Durable("ProducerTest"), 10,
		func(ctx context.Context, msgs []*nats.Msg) bool {
			mu.Lock()
			defer mu.Unlock()
			for _, msg := range msgs {
				var output api.OutputEvent
				if err := json.Unmarshal(msg.Data, &output); err != nil {
					return false
				}
				received = append(received, output)
			}
			return true
		},
		nats.DeliverAll(), nats.ManualAck(),
	)
	require.NoError(t, err)

	producer := &producers.RoomEventProducer{
		Topic:     cfg.Prefixed(jetstream.OutputRoomEvent),
		JetStream: js,
	}
	for i, ev := range room.Events() {
		require.NoError(t, producer.OnNewRoomEvent(context.Background(), ev, types.StreamPosition(i+1), nil))
	}

	want := len(room.Events())
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		mu.Lock()
		defer mu.Unlock()
		if len(received) < want {
			return poll.Continue("received %d of %d events", len(received), want)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(20*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	for i, ev := range room.Events() {
		assert.Equal(t, api.OutputTypeNewRoomEvent, received[i].Type)
		assert.JSONEq(t, string(ev.JSON()), string(received[i].NewRoomEvent.Event))
	}
}
