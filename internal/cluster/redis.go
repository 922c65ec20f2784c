// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// DefaultChannel is the pub/sub channel shared by all nodes.
const DefaultChannel = "gatewarden:session"

// RedisMessenger implements Messenger over a Redis pub/sub channel. Every
// node subscribes to the same channel; a node also receives its own
// publishes and must filter on Message.From.
type RedisMessenger struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	sub *redis.PubSub
	wg  sync.WaitGroup
}

// NewRedisMessenger creates a messenger on the given channel. The client is
// owned by the caller; Close does not close it.
func NewRedisMessenger(client *redis.Client, channel string, logger *slog.Logger) *RedisMessenger {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisMessenger{
		client:  client,
		channel: channel,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish sends a message to all subscribed nodes. Fire-and-forget: there is
// no delivery guarantee beyond what Redis provides to connected subscribers.
func (m *RedisMessenger) Publish(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return oops.Code("CLUSTER_ENCODE_FAILED").Wrap(err)
	}
	if err := m.client.Publish(m.ctx, m.channel, payload).Err(); err != nil {
		return oops.Code("CLUSTER_PUBLISH_FAILED").
			With("channel", m.channel).
			With("kind", string(msg.Kind)).
			Wrap(err)
	}
	return nil
}

// Subscribe starts consuming the channel. Malformed payloads are logged and
// skipped. The returned channel closes on Close.
func (m *RedisMessenger) Subscribe() (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub != nil {
		return nil, oops.Code("CLUSTER_ALREADY_SUBSCRIBED").Errorf("messenger already subscribed")
	}

	sub := m.client.Subscribe(m.ctx, m.channel)
	// Force the subscription onto the wire before returning so callers do
	// not miss messages published right after Subscribe.
	if _, err := sub.Receive(m.ctx); err != nil {
		_ = sub.Close() //nolint:errcheck // subscription failed; best-effort cleanup
		return nil, oops.Code("CLUSTER_SUBSCRIBE_FAILED").
			With("channel", m.channel).
			Wrap(err)
	}
	m.sub = sub

	out := make(chan Message, 64)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(out)
		for raw := range sub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				m.logger.Warn("dropping malformed cluster message",
					"channel", m.channel,
					"error", err,
				)
				continue
			}
			select {
			case out <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops the subscription and releases the messenger's goroutine.
func (m *RedisMessenger) Close() error {
	m.cancel()
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			return oops.Code("CLUSTER_CLOSE_FAILED").Wrap(err)
		}
	}
	m.wg.Wait()
	return nil
}

// Compile-time interface check.
var _ Messenger = (*RedisMessenger)(nil)
