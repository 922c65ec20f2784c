// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

// Package cluster provides the lossy, asynchronous messaging boundary
// between nodes. Delivery order is not guaranteed and messages may be
// dropped; consumers are designed to tolerate both.
package cluster

import "github.com/oklog/ulid/v2"

// Kind identifies a cluster message type.
type Kind string

const (
	// KindInvalidate asks the owning node to terminate its live session for
	// an account.
	KindInvalidate Kind = "session.invalidate"

	// KindAck confirms a session invalidation back to the requesting node.
	KindAck Kind = "session.ack"
)

// Message is the envelope exchanged between session propagators.
type Message struct {
	Kind      Kind      `json:"kind"`
	AccountID ulid.ULID `json:"account_id"`
	SessionID ulid.ULID `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"` // empty = broadcast
}

// Messenger is the cross-process messaging collaborator. Publish is
// fire-and-forget; Subscribe returns a channel of inbound messages that
// closes when the context is cancelled or the messenger is closed.
type Messenger interface {
	Publish(msg Message) error
	Subscribe() (<-chan Message, error)
	Close() error
}
