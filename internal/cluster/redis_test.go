// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package cluster

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/pkg/errutil"
)

func newRedisMessenger(t *testing.T, mr *miniredis.Miniredis, channel string) *RedisMessenger {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := NewRedisMessenger(client, channel, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRedisMessenger_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)

	a := newRedisMessenger(t, mr, "")
	b := newRedisMessenger(t, mr, "")

	chB, err := b.Subscribe()
	require.NoError(t, err)

	msg := Message{
		Kind:      KindInvalidate,
		AccountID: ulid.Make(),
		SessionID: ulid.Make(),
		From:      "node-a",
		To:        "node-b",
	}
	require.NoError(t, a.Publish(msg))

	assert.Equal(t, msg, recvMessage(t, chB))
}

func TestRedisMessenger_PublisherHearsItself(t *testing.T) {
	mr := miniredis.RunT(t)

	m := newRedisMessenger(t, mr, "")
	ch, err := m.Subscribe()
	require.NoError(t, err)

	msg := Message{Kind: KindAck, From: "node-a", SessionID: ulid.Make()}
	require.NoError(t, m.Publish(msg))

	assert.Equal(t, msg, recvMessage(t, ch))
}

func TestRedisMessenger_ChannelsAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)

	a := newRedisMessenger(t, mr, "gatewarden:one")
	b := newRedisMessenger(t, mr, "gatewarden:two")

	chB, err := b.Subscribe()
	require.NoError(t, err)

	require.NoError(t, a.Publish(Message{Kind: KindAck, From: "node-a"}))

	select {
	case msg := <-chB:
		t.Fatalf("message crossed channels: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisMessenger_MalformedPayloadIsSkipped(t *testing.T) {
	mr := miniredis.RunT(t)

	m := newRedisMessenger(t, mr, "")
	ch, err := m.Subscribe()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Publish(t.Context(), DefaultChannel, "not json").Err())

	msg := Message{Kind: KindInvalidate, From: "node-a", SessionID: ulid.Make()}
	require.NoError(t, m.Publish(msg))

	// The garbage payload is dropped; the next valid message comes through.
	assert.Equal(t, msg, recvMessage(t, ch))
}

func TestRedisMessenger_SubscribeTwiceFails(t *testing.T) {
	mr := miniredis.RunT(t)

	m := newRedisMessenger(t, mr, "")
	_, err := m.Subscribe()
	require.NoError(t, err)

	_, err = m.Subscribe()
	errutil.AssertErrorCode(t, err, "CLUSTER_ALREADY_SUBSCRIBED")
}

func TestRedisMessenger_CloseEndsSubscription(t *testing.T) {
	mr := miniredis.RunT(t)

	m := newRedisMessenger(t, mr, "")
	ch, err := m.Subscribe()
	require.NoError(t, err)
	require.NoError(t, m.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after Close")
	case <-time.After(time.Second):
		t.Fatal("subscription channel did not close")
	}
}
