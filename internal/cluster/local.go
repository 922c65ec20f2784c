// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package cluster

import (
	"sync"

	"github.com/samber/oops"
)

// LocalBus is an in-process message hub. It backs single-node deployments
// (where no Redis is configured) and tests that need several propagators in
// one process. Like the real transport it is lossy: a subscriber with a full
// buffer drops messages rather than blocking publishers.
type LocalBus struct {
	mu     sync.Mutex
	subs   []chan Message
	closed bool
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Endpoint returns a Messenger attached to the bus. Each node in the
// process gets its own endpoint.
func (b *LocalBus) Endpoint() *LocalMessenger {
	return &LocalMessenger{bus: b}
}

func (b *LocalBus) publish(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return oops.Code("CLUSTER_BUS_CLOSED").Errorf("bus is closed")
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber; drop. The propagator tolerates loss.
		}
	}
	return nil
}

func (b *LocalBus) subscribe() chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Message, 64)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *LocalBus) unsubscribe(ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close drops all subscribers.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// LocalMessenger is one endpoint on a LocalBus.
type LocalMessenger struct {
	bus *LocalBus

	mu sync.Mutex
	ch chan Message
}

// Publish fans the message out to every endpoint on the bus, including this
// one. Consumers filter on Message.From, as with the Redis transport.
func (m *LocalMessenger) Publish(msg Message) error {
	return m.bus.publish(msg)
}

// Subscribe attaches to the bus.
func (m *LocalMessenger) Subscribe() (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		return nil, oops.Code("CLUSTER_ALREADY_SUBSCRIBED").Errorf("messenger already subscribed")
	}
	m.ch = m.bus.subscribe()
	return m.ch, nil
}

// Close detaches from the bus.
func (m *LocalMessenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		m.bus.unsubscribe(m.ch)
		m.ch = nil
	}
	return nil
}

// Compile-time interface check.
var _ Messenger = (*LocalMessenger)(nil)
