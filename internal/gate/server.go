// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

// Package gate provides the TCP edge that game servers connect through to
// authenticate players. The protocol is line-oriented: the proxy announces a
// player with HELLO and the gate drives the login conversation from there.
package gate

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/samber/oops"

	"github.com/gatewarden/gatewarden/internal/auth"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/session"
)

// Server accepts gate connections and hands each to a Handler.
type Server struct {
	addr       string
	flow       *auth.Flow
	propagator *session.Propagator
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
}

// NewServer creates a gate server. metrics may be nil.
func NewServer(addr string, flow *auth.Flow, propagator *session.Propagator, metrics *observability.Metrics, logger *slog.Logger) (*Server, error) {
	if flow == nil {
		return nil, oops.Errorf("flow is required")
	}
	if propagator == nil {
		return nil, oops.Errorf("propagator is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		addr:       addr,
		flow:       flow,
		propagator: propagator,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.Code("GATE_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("gate server started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			s.logger.Debug("error closing listener", "error", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", "error", err)
				continue
			}
		}
		if s.metrics != nil {
			s.metrics.ConnectionsTotal.Inc()
		}
		handler := NewHandler(conn, s.flow, s.propagator, s.metrics, s.logger)
		go handler.Handle(ctx)
	}
}
