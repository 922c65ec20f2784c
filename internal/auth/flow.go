// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"
)

// State is a position in the per-connection login state machine.
type State int

const (
	// StateConnected is the initial state, entered on connection establishment.
	StateConnected State = iota

	// StateAwaitingRegister waits for a registration password.
	StateAwaitingRegister

	// StateAwaitingPassword waits for the account password.
	StateAwaitingPassword

	// StateAwaitingTOTP waits for a one-time or recovery code.
	StateAwaitingTOTP

	// StateVerifiedBypass marks an externally verified connection that skips
	// the password step.
	StateVerifiedBypass

	// StateAuthenticated is the successful terminal state.
	StateAuthenticated

	// StateFailed is the terminal absorbing state reached on timeout, too
	// many failures, denial, or disconnect.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingRegister:
		return "awaiting_register"
	case StateAwaitingPassword:
		return "awaiting_password"
	case StateAwaitingTOTP:
		return "awaiting_totp"
	case StateVerifiedBypass:
		return "verified_bypass"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "failed"
	}
}

// Flow defaults.
const (
	DefaultMaxAttempts  = 3
	DefaultAuthDeadline = 60 * time.Second
	MinPasswordLength   = 8
)

// FlowConfig configures the authentication state machine. Zero values select
// the defaults.
type FlowConfig struct {
	// MaxAttempts is the number of failed credential checks allowed on one
	// connection before it fails.
	MaxAttempts int

	// Deadline is the time allowed to complete authentication.
	Deadline time.Duration
}

// Flow builds per-connection authentication attempts. It composes the
// credential store, cache, rate limiter, TOTP verifier, and reconciler.
type Flow struct {
	cfg        FlowConfig
	accounts   AccountRepository
	cache      *CredentialCache
	limiter    *Limiter
	totp       *TotpVerifier
	reconciler *Reconciler
	hasher     PasswordHasher
	logger     *slog.Logger

	accountLocks *keyedMutex
}

// NewFlow creates a Flow. Returns an error if any required dependency is nil.
func NewFlow(cfg FlowConfig, accounts AccountRepository, cache *CredentialCache, limiter *Limiter, totp *TotpVerifier, reconciler *Reconciler, hasher PasswordHasher, logger *slog.Logger) (*Flow, error) {
	if accounts == nil {
		return nil, oops.Errorf("account repository is required")
	}
	if cache == nil {
		return nil, oops.Errorf("credential cache is required")
	}
	if limiter == nil {
		return nil, oops.Errorf("rate limiter is required")
	}
	if totp == nil {
		return nil, oops.Errorf("totp verifier is required")
	}
	if reconciler == nil {
		return nil, oops.Errorf("reconciler is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultAuthDeadline
	}
	return &Flow{
		cfg:          cfg,
		accounts:     accounts,
		cache:        cache,
		limiter:      limiter,
		totp:         totp,
		reconciler:   reconciler,
		hasher:       hasher,
		logger:       logger,
		accountLocks: newKeyedMutex(),
	}, nil
}

// AuthDeadline returns the configured time allowed to authenticate. The
// connection boundary enforces it from accept, so an idle client cannot
// hold a socket half-authenticated.
func (f *Flow) AuthDeadline() time.Duration { return f.cfg.Deadline }

// Attempt is the transient authentication state for one connection. It is
// owned exclusively by the connection's goroutine and destroyed when the
// connection authenticates or disconnects.
type Attempt struct {
	flow        *Flow
	claim       Claim
	state       State
	account     *Account
	provisioned bool
	failures    int
	deadline    time.Time
	denial      string
}

// Begin starts an authentication attempt for a claim. The rate limiter is
// consulted for the source address before any store access; a Locked result
// fails the attempt immediately.
func (f *Flow) Begin(ctx context.Context, claim Claim) (*Attempt, error) {
	a := &Attempt{
		flow:     f,
		claim:    claim,
		state:    StateConnected,
		deadline: time.Now().Add(f.cfg.Deadline),
	}

	if d := f.limiter.Check(addressKey(claim.Address)); !d.Allowed {
		a.state = StateFailed
		return a, lockedError(d)
	}
	if d := f.limiter.Check(nameKey(claim.Name)); !d.Allowed {
		a.state = StateFailed
		return a, lockedError(d)
	}

	res, err := f.reconciler.Resolve(ctx, claim)
	if err != nil {
		a.state = StateFailed
		return a, err
	}
	a.account = res.Account
	a.provisioned = res.Provisioned

	switch res.Verdict {
	case DecideVerified:
		a.state = StateVerifiedBypass
	case DecidePassword:
		a.state = StateAwaitingPassword
	case DecideRegister:
		a.state = StateAwaitingRegister
	default:
		a.state = StateFailed
		a.denial = res.Reason
		return a, oops.Code(CodeDenied).Public(res.Reason).Errorf("%s", res.Reason)
	}

	f.logger.Debug("authentication attempt started",
		"name", claim.Name,
		"address", claim.Address,
		"state", a.state.String(),
	)
	return a, nil
}

// State returns the current state.
func (a *Attempt) State() State { return a.state }

// Account returns the resolved account, or nil before registration completes.
func (a *Attempt) Account() *Account { return a.account }

// Provisioned reports whether the account was created while resolving this
// attempt's claim.
func (a *Attempt) Provisioned() bool { return a.provisioned }

// Deadline returns the instant by which authentication must complete.
func (a *Attempt) Deadline() time.Time { return a.deadline }

// DenialReason returns the player-facing message for a denied attempt.
func (a *Attempt) DenialReason() string { return a.denial }

// Abort transitions the attempt to the failed state. Used on disconnect and
// when the deadline timer fires.
func (a *Attempt) Abort() {
	if a.state != StateAuthenticated {
		a.state = StateFailed
	}
}

// FinishVerified completes an externally verified attempt.
func (a *Attempt) FinishVerified(ctx context.Context) error {
	if a.state != StateVerifiedBypass {
		return a.badState("finish verified")
	}
	if err := a.checkDeadline(); err != nil {
		return err
	}
	a.authenticate(ctx)
	return nil
}

// ResumeRemembered completes an attempt without a password check. The
// caller is responsible for verifying that the account recently held a
// session from the same address.
func (a *Attempt) ResumeRemembered(ctx context.Context) error {
	if a.state != StateAwaitingPassword {
		return a.badState("resume remembered")
	}
	if err := a.checkDeadline(); err != nil {
		return err
	}
	a.authenticate(ctx)
	return nil
}

// SubmitPassword checks a password in the AwaitingPassword state. On the
// correct password the attempt moves to AwaitingTOTP when a secret is
// enrolled, otherwise to Authenticated.
func (a *Attempt) SubmitPassword(ctx context.Context, password string) error {
	if a.state != StateAwaitingPassword {
		return a.badState("submit password")
	}
	if err := a.checkDeadline(); err != nil {
		return err
	}
	if err := a.checkLimiter(); err != nil {
		return err
	}

	cred, err := a.flow.credential(ctx, a)
	if err != nil {
		a.state = StateFailed
		return err
	}

	ok, err := a.flow.hasher.Verify(password, cred.PasswordHash)
	if err != nil {
		a.state = StateFailed
		return oops.Code(CodeStoreUnavailable).
			With("operation", "verify password").
			Wrap(err)
	}
	if !ok {
		return a.recordFailure("wrong password")
	}

	a.flow.limiter.RecordSuccess(addressKey(a.claim.Address))
	a.flow.limiter.RecordSuccess(nameKey(a.claim.Name))
	a.flow.upgradeHash(ctx, a.account, password)

	if cred.TotpEnrolled {
		a.state = StateAwaitingTOTP
		return nil
	}
	a.authenticate(ctx)
	return nil
}

// SubmitCode checks a one-time code (or a single-use recovery code) in the
// AwaitingTOTP state.
func (a *Attempt) SubmitCode(ctx context.Context, code string) error {
	if a.state != StateAwaitingTOTP {
		return a.badState("submit code")
	}
	if err := a.checkDeadline(); err != nil {
		return err
	}
	if err := a.checkLimiter(); err != nil {
		return err
	}

	if a.account.TotpSecret != nil {
		err := a.flow.totp.Verify(a.account.ID, *a.account.TotpSecret, code, time.Now())
		if err == nil {
			a.flow.limiter.RecordSuccess(addressKey(a.claim.Address))
			a.flow.limiter.RecordSuccess(nameKey(a.claim.Name))
			a.authenticate(ctx)
			return nil
		}
	}

	if a.flow.consumeRecovery(ctx, a.account, code) {
		a.flow.limiter.RecordSuccess(addressKey(a.claim.Address))
		a.flow.limiter.RecordSuccess(nameKey(a.claim.Name))
		a.authenticate(ctx)
		return nil
	}

	return a.recordFailure("wrong one-time code")
}

// SubmitRegistration creates the account in the AwaitingRegister state and
// authenticates the connection.
func (a *Attempt) SubmitRegistration(ctx context.Context, password string) error {
	if a.state != StateAwaitingRegister {
		return a.badState("submit registration")
	}
	if err := a.checkDeadline(); err != nil {
		return err
	}
	if len(password) < MinPasswordLength {
		return oops.Code("AUTH_INVALID_PASSWORD").
			With("min", MinPasswordLength).
			Errorf("password must be at least %d characters", MinPasswordLength)
	}

	hash, err := a.flow.hasher.Hash(password)
	if err != nil {
		a.state = StateFailed
		return err
	}
	account, err := NewAccount(a.claim.Name, hash)
	if err != nil {
		a.state = StateFailed
		return err
	}

	unlock := a.flow.accountLocks.Lock(nameKey(a.claim.Name))
	err = a.flow.accounts.Create(ctx, account)
	unlock()
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
			// Name registered concurrently since reconciliation.
			a.state = StateFailed
			return oops.Code(CodeNameTaken).
				With("name", a.claim.Name).
				Wrap(err)
		}
		a.state = StateFailed
		return oops.Code(CodeStoreUnavailable).Wrap(err)
	}

	a.account = account
	a.authenticate(ctx)
	return nil
}

// authenticate moves the attempt to the terminal success state and records
// the sighting on the account. The session itself is registered by the
// caller through the session propagator.
func (a *Attempt) authenticate(ctx context.Context) {
	a.state = StateAuthenticated

	unlock := a.flow.accountLocks.Lock(a.account.ID.String())
	defer unlock()

	a.account.Seen(a.claim.Address, time.Now())
	if err := a.flow.accounts.Update(ctx, a.account); err != nil {
		// Login still succeeds; the sighting is advisory.
		a.flow.logger.Warn("failed to record last seen",
			"account_id", a.account.ID.String(),
			"error", err,
		)
	}
	a.flow.cache.Invalidate(a.account.ID)
}

func (a *Attempt) checkDeadline() error {
	if time.Now().After(a.deadline) {
		a.state = StateFailed
		return oops.Code(CodeDeadline).Errorf("authentication deadline elapsed")
	}
	return nil
}

// checkLimiter consults the limiter for both keys before any credential
// comparison. A Locked result forces the failed state.
func (a *Attempt) checkLimiter() error {
	if d := a.flow.limiter.Check(addressKey(a.claim.Address)); !d.Allowed {
		a.state = StateFailed
		return lockedError(d)
	}
	if d := a.flow.limiter.Check(nameKey(a.claim.Name)); !d.Allowed {
		a.state = StateFailed
		return lockedError(d)
	}
	return nil
}

// recordFailure reports the failure to the limiter and either re-prompts
// (with the remaining attempt count) or fails the connection.
func (a *Attempt) recordFailure(reason string) error {
	a.failures++
	dAddr := a.flow.limiter.RecordFailure(addressKey(a.claim.Address))
	dName := a.flow.limiter.RecordFailure(nameKey(a.claim.Name))

	if !dAddr.Allowed {
		a.state = StateFailed
		return lockedError(dAddr)
	}
	if !dName.Allowed {
		a.state = StateFailed
		return lockedError(dName)
	}
	if a.failures >= a.flow.cfg.MaxAttempts {
		a.state = StateFailed
		return oops.Code(CodeInvalidCredentials).
			With("reason", reason).
			Errorf("too many failed attempts")
	}
	return oops.Code(CodeInvalidCredentials).
		With("reason", reason).
		With("remaining", a.flow.cfg.MaxAttempts-a.failures).
		Errorf("invalid credentials")
}

func (a *Attempt) badState(op string) error {
	return oops.Code("AUTH_BAD_STATE").
		With("state", a.state.String()).
		Errorf("cannot %s in state %s", op, a.state)
}

// credential returns the cached credential for the attempt's account,
// falling back to the store and repopulating the cache on a miss.
func (f *Flow) credential(ctx context.Context, a *Attempt) (Credential, error) {
	if cred, ok := f.cache.Get(a.account.ID); ok {
		return cred, nil
	}

	account, err := f.accounts.GetByID(ctx, a.account.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Deleted since reconciliation; do not leak the distinction.
			return Credential{AccountID: a.account.ID, PasswordHash: dummyHash}, nil
		}
		return Credential{}, oops.Code(CodeStoreUnavailable).Wrap(err)
	}
	a.account = account

	cred := Credential{
		AccountID:    account.ID,
		Name:         account.Name,
		PasswordHash: account.PasswordHash,
		Verified:     account.Verified,
		TotpEnrolled: account.TotpEnrolled(),
	}
	if cred.PasswordHash == "" {
		cred.PasswordHash = dummyHash
	}
	f.cache.Put(cred)
	return cred, nil
}

// upgradeHash re-hashes the password when the stored hash uses a legacy
// scheme. Best effort; login proceeds regardless.
func (f *Flow) upgradeHash(ctx context.Context, account *Account, password string) {
	if !f.hasher.NeedsUpgrade(account.PasswordHash) {
		return
	}
	newHash, err := f.hasher.Hash(password)
	if err != nil {
		return
	}

	unlock := f.accountLocks.Lock(account.ID.String())
	defer unlock()

	if err := f.accounts.UpdatePassword(ctx, account.ID, newHash); err != nil {
		f.logger.Warn("password hash upgrade failed",
			"account_id", account.ID.String(),
			"error", err,
		)
		return
	}
	account.PasswordHash = newHash
	f.cache.Invalidate(account.ID)
}

// consumeRecovery burns a recovery code if it matches. The account update is
// serialized per account so two connections cannot spend the same code.
func (f *Flow) consumeRecovery(ctx context.Context, account *Account, code string) bool {
	unlock := f.accountLocks.Lock(account.ID.String())
	defer unlock()

	fresh, err := f.accounts.GetByID(ctx, account.ID)
	if err != nil {
		return false
	}
	if !fresh.ConsumeRecoveryCode(strings.ToUpper(strings.TrimSpace(code))) {
		return false
	}
	if err := f.accounts.Update(ctx, fresh); err != nil {
		return false
	}
	*account = *fresh
	f.cache.Invalidate(account.ID)
	return true
}

func addressKey(address string) string { return "addr:" + address }

func nameKey(name string) string { return "name:" + strings.ToLower(name) }

func lockedError(d Decision) error {
	return oops.Code(CodeLocked).
		With("retry_after", d.RetryAfter.Round(time.Second).String()).
		Errorf("temporarily locked out")
}
