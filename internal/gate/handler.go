// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package gate

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatewarden/gatewarden/internal/auth"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/session"
)

// Wire protocol. Each line is a verb followed by space-separated arguments.
//
// Client to server:
//
//	HELLO <name> [verified:<ulid>] [addr:<ip>]
//	PASS <password>
//	CODE <one-time-or-recovery-code>
//	PING
//	QUIT
//
// Server to client:
//
//	GATEWARDEN 1
//	REGISTER            prompt for a new account password
//	PASSWORD            prompt for the account password
//	TOTP                prompt for a one-time code
//	OK <session-token>  authentication complete
//	PONG                reply to PING
//	ERR <code> <message>
//	KICK                session claimed by another login
//	BYE
const protocolGreeting = "GATEWARDEN 1"

// Handler drives the authentication conversation on one gate connection.
type Handler struct {
	conn       net.Conn
	reader     *bufio.Reader
	flow       *auth.Flow
	propagator *session.Propagator
	metrics    *observability.Metrics
	logger     *slog.Logger

	attempt *auth.Attempt
	sess    *session.Session
	quit    bool
}

// NewHandler creates a handler for one connection.
func NewHandler(conn net.Conn, flow *auth.Flow, propagator *session.Propagator, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		flow:       flow,
		propagator: propagator,
		metrics:    metrics,
		logger:     logger,
	}
}

// Handle processes the connection until closed.
func (h *Handler) Handle(ctx context.Context) {
	defer func() {
		if h.sess != nil {
			if err := h.propagator.Release(ctx, h.sess.ID); err != nil {
				h.logger.Debug("session release failed", "error", err)
			}
		}
		if h.attempt != nil {
			h.attempt.Abort()
		}
		if err := h.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.logger.Debug("error closing connection", "error", err)
		}
	}()

	h.send(protocolGreeting)

	lineCh := make(chan string)
	// Buffered so the reader goroutine can deliver its final error and exit
	// even when Handle has already returned.
	errCh := make(chan error, 1)

	go func() {
		for {
			line, err := h.reader.ReadString('\n')
			if err != nil {
				errCh <- err
				return
			}
			select {
			case lineCh <- strings.TrimRight(line, "\r\n"):
			case <-ctx.Done():
				return
			}
		}
	}()

	// Armed from connection open so an idle client cannot hold the socket
	// half-authenticated; disarmed once a session is installed.
	deadlineCh := time.After(h.flow.AuthDeadline())

	for {
		select {
		case <-ctx.Done():
			h.send("BYE")
			return

		case err := <-errCh:
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("connection read error", "error", err)
			}
			return

		case <-deadlineCh:
			h.record("timeout")
			h.send("ERR " + auth.CodeDeadline + " authentication timed out")
			h.send("BYE")
			return

		case line := <-lineCh:
			h.processLine(ctx, line)
			if h.quit {
				h.send("BYE")
				return
			}
			if h.sess != nil {
				deadlineCh = nil
			}
		}
	}
}

func (h *Handler) processLine(ctx context.Context, line string) {
	verb, rest, _ := strings.Cut(line, " ")

	switch strings.ToUpper(verb) {
	case "HELLO":
		h.handleHello(ctx, rest)
	case "PASS":
		h.handlePass(ctx, rest)
	case "CODE":
		h.handleCode(ctx, rest)
	case "PING":
		h.handlePing(ctx)
	case "QUIT":
		h.quit = true
	case "":
		// Blank lines are tolerated.
	default:
		h.send("ERR PROTOCOL unknown command")
	}
}

func (h *Handler) handleHello(ctx context.Context, args string) {
	if h.attempt != nil {
		h.send("ERR PROTOCOL already identified")
		return
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		h.send("ERR PROTOCOL usage: HELLO <name> [verified:<id>] [addr:<ip>]")
		return
	}

	claim := auth.Claim{
		Name:    fields[0],
		Address: remoteIP(h.conn),
	}
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "verified:"):
			id, err := ulid.Parse(strings.TrimPrefix(f, "verified:"))
			if err != nil {
				h.send("ERR PROTOCOL malformed verified id")
				return
			}
			claim.Assertion = &auth.VerifiedAssertion{AccountID: id}
		case strings.HasPrefix(f, "addr:"):
			// Proxies forward the player's address; trust it over the
			// socket peer, which is the proxy itself.
			claim.Address = strings.TrimPrefix(f, "addr:")
		}
	}

	attempt, err := h.flow.Begin(ctx, claim)
	h.attempt = attempt
	if err != nil {
		h.fail(err)
		return
	}

	switch attempt.State() {
	case auth.StateVerifiedBypass:
		if err := attempt.FinishVerified(ctx); err != nil {
			h.fail(err)
			return
		}
		if attempt.Provisioned() && h.metrics != nil {
			h.metrics.RegistrationsTotal.WithLabelValues("verified").Inc()
		}
		h.finish(ctx, "verified")
	case auth.StateAwaitingPassword:
		if h.propagator.Remembered(ctx, attempt.Account().ID, claim.Address) {
			if err := attempt.ResumeRemembered(ctx); err != nil {
				h.fail(err)
				return
			}
			h.finish(ctx, "remembered")
			return
		}
		h.send("PASSWORD")
	case auth.StateAwaitingRegister:
		h.send("REGISTER")
	default:
		reason := attempt.DenialReason()
		h.fail(oops.Code(auth.CodeDenied).Public(reason).Errorf("%s", reason))
	}
}

func (h *Handler) handlePass(ctx context.Context, password string) {
	if h.attempt == nil {
		h.send("ERR PROTOCOL HELLO first")
		return
	}

	var err error
	registering := h.attempt.State() == auth.StateAwaitingRegister
	if registering {
		err = h.attempt.SubmitRegistration(ctx, password)
	} else {
		err = h.attempt.SubmitPassword(ctx, password)
	}

	switch {
	case err != nil && h.attempt.State() == auth.StateFailed:
		h.fail(err)
	case err != nil:
		h.send("ERR " + errCode(err) + " " + playerMessage(err))
		if registering {
			h.send("REGISTER")
		} else {
			h.send("PASSWORD")
		}
	case h.attempt.State() == auth.StateAwaitingTOTP:
		h.send("TOTP")
	default:
		if registering && h.metrics != nil {
			h.metrics.RegistrationsTotal.WithLabelValues("password").Inc()
		}
		h.finish(ctx, "password")
	}
}

func (h *Handler) handleCode(ctx context.Context, code string) {
	if h.attempt == nil || h.attempt.State() != auth.StateAwaitingTOTP {
		h.send("ERR PROTOCOL no code expected")
		return
	}

	err := h.attempt.SubmitCode(ctx, code)
	switch {
	case err != nil && h.attempt.State() == auth.StateFailed:
		h.fail(err)
	case err != nil:
		h.send("ERR " + errCode(err) + " " + playerMessage(err))
		h.send("TOTP")
	default:
		h.finish(ctx, "totp")
	}
}

func (h *Handler) handlePing(ctx context.Context) {
	if h.sess == nil {
		h.send("ERR PROTOCOL not authenticated")
		return
	}
	if err := h.propagator.Touch(ctx, h.sess.ID); err != nil {
		h.logger.Debug("session touch failed", "error", err)
	}
	h.send("PONG")
}

// finish installs the session and reports success on the wire.
func (h *Handler) finish(ctx context.Context, outcome string) {
	account := h.attempt.Account()

	sess, token, err := h.propagator.Register(ctx, account.ID, remoteIP(h.conn), func(ulid.ULID) {
		// Another node claimed the account. Kick the connection; Handle's
		// read loop sees the close and returns.
		h.send("KICK")
		_ = h.conn.Close() //nolint:errcheck // teardown path
	})
	if err != nil {
		h.record("conflict")
		h.send("ERR " + errCode(err) + " " + playerMessage(err))
		h.quit = true
		return
	}

	h.sess = sess
	h.record("success")
	h.logger.Info("player authenticated",
		"name", account.Name,
		"account_id", account.ID.String(),
		"outcome", outcome,
	)
	h.send("OK " + token)
}

// fail reports a terminal authentication error and ends the conversation.
func (h *Handler) fail(err error) {
	switch errCode(err) {
	case auth.CodeLocked:
		h.record("locked")
	case auth.CodeDenied:
		h.record("denied")
	case auth.CodeDeadline:
		h.record("timeout")
	default:
		h.record("failure")
	}
	h.send("ERR " + errCode(err) + " " + playerMessage(err))
	h.quit = true
}

func (h *Handler) record(outcome string) {
	if h.metrics != nil {
		h.metrics.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

func (h *Handler) send(line string) {
	if _, err := h.conn.Write([]byte(line + "\r\n")); err != nil {
		h.logger.Debug("write failed", "error", err)
	}
}

// errCode extracts the oops code, defaulting to the store-unavailable code
// for errors that carry none.
func errCode(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok && code != "" {
			return code
		}
	}
	return auth.CodeStoreUnavailable
}

// playerMessage maps an error to text safe to show the player. Errors that
// carry a public message use it verbatim; everything else maps by code so
// internal details stay in the logs.
func playerMessage(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if msg := oopsErr.Public(); msg != "" {
			return msg
		}
	}
	switch errCode(err) {
	case auth.CodeInvalidCredentials:
		return "invalid name or password"
	case auth.CodeLocked:
		return "too many failures, try again later"
	case auth.CodeDeadline:
		return "authentication timed out"
	case auth.CodeNameTaken:
		return "that name is taken"
	case "AUTH_INVALID_PASSWORD":
		return "password too short"
	case "AUTH_INVALID_NAME":
		return "that name is not allowed"
	case auth.CodeDenied:
		return "login refused"
	case auth.CodeSessionConflict:
		return "already connected elsewhere"
	default:
		return "temporary server error"
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
