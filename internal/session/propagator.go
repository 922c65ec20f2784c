// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/gatewarden/gatewarden/internal/auth"
	"github.com/gatewarden/gatewarden/internal/cluster"
)

// Propagator defaults.
const (
	DefaultAckTimeout     = 2 * time.Second
	DefaultRememberWindow = 30 * time.Minute
)

// DisconnectFunc tears down the local connection bound to a session. Called
// when a remote node claims the account. Must not block.
type DisconnectFunc func(sessionID ulid.ULID)

// PropagatorConfig configures session registration behavior.
type PropagatorConfig struct {
	// NodeID identifies this node in cluster messages.
	NodeID string

	// SessionTTL is the lifetime of newly issued sessions.
	SessionTTL time.Duration

	// AckTimeout bounds how long Register waits for the prior owner to
	// acknowledge an invalidation before proceeding.
	AckTimeout time.Duration

	// Strict refuses the new login with a session conflict when the prior
	// node does not acknowledge in time. Default is to override.
	Strict bool

	// RememberWindow is how long after authentication a reconnect from the
	// same address may skip password entry. Zero disables remembering.
	RememberWindow time.Duration
}

type liveSession struct {
	session    *Session
	disconnect DisconnectFunc
}

// Propagator installs sessions in the cluster-wide table and coordinates
// single-session enforcement with other nodes via invalidation messages.
type Propagator struct {
	cfg       PropagatorConfig
	sessions  Repository
	messenger cluster.Messenger
	logger    *slog.Logger

	mu      sync.Mutex
	live    map[ulid.ULID]*liveSession // keyed by session ID
	pending map[ulid.ULID]chan struct{} // ack waiters keyed by session ID

	liveGauge     prometheus.Gauge
	invalidations *prometheus.CounterVec

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// PropagatorOption configures a Propagator.
type PropagatorOption func(*Propagator)

// WithPropagatorLogger sets the logger.
func WithPropagatorLogger(logger *slog.Logger) PropagatorOption {
	return func(p *Propagator) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPropagatorRegistry registers the live-session gauge with reg.
func WithPropagatorRegistry(reg prometheus.Registerer) PropagatorOption {
	return func(p *Propagator) {
		if reg != nil {
			reg.MustRegister(p.liveGauge)
		}
	}
}

// WithPropagatorInvalidations counts displacement outcomes on cv, labeled by
// result: acked, overridden, or refused.
func WithPropagatorInvalidations(cv *prometheus.CounterVec) PropagatorOption {
	return func(p *Propagator) {
		if cv != nil {
			p.invalidations = cv
		}
	}
}

// NewPropagator creates a propagator. Start must be called before Register
// so remote invalidations are serviced.
func NewPropagator(cfg PropagatorConfig, sessions Repository, messenger cluster.Messenger, opts ...PropagatorOption) (*Propagator, error) {
	if cfg.NodeID == "" {
		return nil, oops.Code("PROPAGATOR_INVALID_NODE").Errorf("node ID cannot be empty")
	}
	if sessions == nil {
		return nil, oops.Code("PROPAGATOR_INVALID_REPO").Errorf("session repository cannot be nil")
	}
	if messenger == nil {
		return nil, oops.Code("PROPAGATOR_INVALID_MESSENGER").Errorf("messenger cannot be nil")
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultTTL
	}

	p := &Propagator{
		cfg:       cfg,
		sessions:  sessions,
		messenger: messenger,
		logger:    slog.New(slog.DiscardHandler),
		live:      make(map[ulid.ULID]*liveSession),
		pending:   make(map[ulid.ULID]chan struct{}),
		liveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatewarden_sessions_live",
			Help: "Number of sessions currently live on this node.",
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start subscribes to cluster messages and services invalidations until
// Close is called.
func (p *Propagator) Start() error {
	msgs, err := p.messenger.Subscribe()
	if err != nil {
		return oops.Code("PROPAGATOR_SUBSCRIBE_FAILED").Wrap(err)
	}

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				p.handleMessage(msg)
			}
		}
	}()
	return nil
}

// Register installs a new session for the account, displacing a prior one
// anywhere in the cluster. The prior owner is asked to tear its connection
// down first; if it does not acknowledge within AckTimeout the new session
// is installed anyway, unless Strict is set, in which case the login is
// refused with a session conflict.
func (p *Propagator) Register(ctx context.Context, accountID ulid.ULID, address string, disconnect DisconnectFunc) (*Session, string, error) {
	prior, err := p.sessions.GetByAccount(ctx, accountID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return nil, "", oops.Code(auth.CodeStoreUnavailable).Wrap(err)
	}

	if prior != nil && !prior.IsExpired() {
		if prior.NodeID == p.cfg.NodeID {
			// Prior session is local. Tear it down directly, no messaging.
			p.dropLocal(prior.ID)
		} else if err := p.displace(ctx, prior); err != nil {
			return nil, "", err
		}
	}

	sess, token, err := New(accountID, p.cfg.NodeID, address, p.cfg.SessionTTL)
	if err != nil {
		return nil, "", err
	}
	if err := p.sessions.Replace(ctx, sess); err != nil {
		return nil, "", oops.Code(auth.CodeStoreUnavailable).Wrap(err)
	}

	p.mu.Lock()
	p.live[sess.ID] = &liveSession{session: sess, disconnect: disconnect}
	p.liveGauge.Set(float64(len(p.live)))
	p.mu.Unlock()

	p.logger.Info("session registered",
		"session_id", sess.ID.String(),
		"account_id", accountID.String(),
		"node_id", p.cfg.NodeID)
	return sess, token, nil
}

// displace asks the remote owner of prior to drop it and waits, bounded,
// for the acknowledgment.
func (p *Propagator) displace(ctx context.Context, prior *Session) error {
	ack := make(chan struct{}, 1)
	p.mu.Lock()
	p.pending[prior.ID] = ack
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, prior.ID)
		p.mu.Unlock()
	}()

	err := p.messenger.Publish(cluster.Message{
		Kind:      cluster.KindInvalidate,
		AccountID: prior.AccountID,
		SessionID: prior.ID,
		From:      p.cfg.NodeID,
		To:        prior.NodeID,
	})
	if err != nil {
		return oops.Code("PROPAGATOR_PUBLISH_FAILED").Wrap(err)
	}

	timer := time.NewTimer(p.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-ack:
		p.countInvalidation("acked")
		return nil
	case <-ctx.Done():
		return oops.Code(auth.CodeDeadline).Wrap(ctx.Err())
	case <-timer.C:
		if p.cfg.Strict {
			p.countInvalidation("refused")
			return oops.Code(auth.CodeSessionConflict).
				With("node_id", prior.NodeID).
				Errorf("account already connected elsewhere")
		}
		// Prior node silent; assume it is dead and take over.
		p.countInvalidation("overridden")
		p.logger.Warn("session invalidation unacknowledged, overriding",
			"session_id", prior.ID.String(),
			"node_id", prior.NodeID)
		return nil
	}
}

func (p *Propagator) countInvalidation(result string) {
	if p.invalidations != nil {
		p.invalidations.WithLabelValues(result).Inc()
	}
}

// Release removes a session on normal disconnect.
func (p *Propagator) Release(ctx context.Context, sessionID ulid.ULID) error {
	p.mu.Lock()
	delete(p.live, sessionID)
	p.liveGauge.Set(float64(len(p.live)))
	p.mu.Unlock()

	if err := p.sessions.Delete(ctx, sessionID); err != nil {
		return oops.Code(auth.CodeStoreUnavailable).Wrap(err)
	}
	return nil
}

// Touch records activity on a live session.
func (p *Propagator) Touch(ctx context.Context, sessionID ulid.ULID) error {
	now := time.Now()
	p.mu.Lock()
	if ls, ok := p.live[sessionID]; ok {
		ls.session.LastSeenAt = now
	}
	p.mu.Unlock()
	return p.sessions.Touch(ctx, sessionID, now)
}

// Remembered reports whether the account has an unexpired session from the
// same address within the remember window, allowing a reconnect to skip
// password entry.
func (p *Propagator) Remembered(ctx context.Context, accountID ulid.ULID, address string) bool {
	if p.cfg.RememberWindow <= 0 || address == "" {
		return false
	}
	sess, err := p.sessions.GetByAccount(ctx, accountID)
	if err != nil || sess.IsExpired() {
		return false
	}
	if !strings.EqualFold(sess.Address, address) {
		return false
	}
	return time.Since(sess.LastSeenAt) <= p.cfg.RememberWindow
}

// LiveCount returns the number of sessions live on this node.
func (p *Propagator) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Close stops servicing cluster messages. The messenger is owned by the
// caller and is not closed.
func (p *Propagator) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}

func (p *Propagator) handleMessage(msg cluster.Message) {
	// A node hears its own publishes on a shared channel; skip them.
	if msg.From == p.cfg.NodeID {
		return
	}
	if msg.To != "" && msg.To != p.cfg.NodeID {
		return
	}

	switch msg.Kind {
	case cluster.KindInvalidate:
		p.dropLocal(msg.SessionID)
		if err := p.messenger.Publish(cluster.Message{
			Kind:      cluster.KindAck,
			AccountID: msg.AccountID,
			SessionID: msg.SessionID,
			From:      p.cfg.NodeID,
			To:        msg.From,
		}); err != nil {
			p.logger.Warn("failed to publish invalidation ack",
				"session_id", msg.SessionID.String(), "error", err)
		}
	case cluster.KindAck:
		p.mu.Lock()
		ack, ok := p.pending[msg.SessionID]
		p.mu.Unlock()
		if ok {
			select {
			case ack <- struct{}{}:
			default:
			}
		}
	}
}

// dropLocal tears down a locally held session, if any.
func (p *Propagator) dropLocal(sessionID ulid.ULID) {
	p.mu.Lock()
	ls, ok := p.live[sessionID]
	if ok {
		delete(p.live, sessionID)
		p.liveGauge.Set(float64(len(p.live)))
	}
	p.mu.Unlock()

	if ok && ls.disconnect != nil {
		ls.disconnect(sessionID)
	}
	if ok {
		p.logger.Info("session invalidated", "session_id", sessionID.String())
	}
}
