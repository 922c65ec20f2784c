// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// CollisionPolicy decides what happens when an externally verified
// connection claims a display name already owned by a self-registered
// account.
type CollisionPolicy int

const (
	// CollisionDeny refuses the verified connection with an actionable
	// message. This is the safe default.
	CollisionDeny CollisionPolicy = iota

	// CollisionRename force-renames the self-registered account by
	// appending a numeric suffix, freeing the name.
	CollisionRename

	// CollisionMerge adopts the self-registered account as the verified
	// identity, keeping its local identifier and password.
	CollisionMerge
)

// ParseCollisionPolicy parses "deny", "rename", or "merge", ignoring case.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch strings.ToLower(s) {
	case "", "deny":
		return CollisionDeny, nil
	case "rename":
		return CollisionRename, nil
	case "merge":
		return CollisionMerge, nil
	default:
		return CollisionDeny, oops.Code("CONFIG_INVALID").
			With("collision_policy", s).
			Errorf("collision policy must be deny, rename, or merge")
	}
}

func (p CollisionPolicy) String() string {
	switch p {
	case CollisionRename:
		return "rename"
	case CollisionMerge:
		return "merge"
	default:
		return "deny"
	}
}

// VerifiedAssertion is the external verification supplied by the edge node
// for a connection whose identity was authenticated upstream.
type VerifiedAssertion struct {
	// AccountID is the stable identifier asserted for the player.
	AccountID ulid.ULID
}

// Claim describes a connecting player before any credential check.
type Claim struct {
	Name      string
	Address   string
	Assertion *VerifiedAssertion
}

// Verdict is the reconciler's ruling for a claim.
type Verdict int

const (
	// DecideVerified admits the connection without a password step.
	DecideVerified Verdict = iota

	// DecidePassword requires local password authentication.
	DecidePassword

	// DecideRegister routes the connection to the registration flow.
	DecideRegister

	// DecideDeny refuses the connection.
	DecideDeny
)

// Resolution pairs a decision with the account it applies to. Account is nil
// for DecideRegister and may be nil for DecideDeny.
type Resolution struct {
	Verdict Verdict
	Account *Account

	// Provisioned is true when the account was created during resolution.
	Provisioned bool

	// Reason is a player-facing explanation for DecideDeny.
	Reason string
}

// Reconciler decides whether a connecting player's claimed identity is
// treated as verified or self-registered, and manages migration between the
// two per the configured collision policy.
type Reconciler struct {
	accounts AccountRepository
	policy   CollisionPolicy
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. Returns an error if accounts is nil.
func NewReconciler(accounts AccountRepository, policy CollisionPolicy, logger *slog.Logger) (*Reconciler, error) {
	if accounts == nil {
		return nil, oops.Errorf("account repository is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{accounts: accounts, policy: policy, logger: logger}, nil
}

// Resolve evaluates the reconciliation policy, in order:
//
//  1. A verified account matching the assertion's stable identifier is
//     admitted without a password step.
//  2. An unverified account owning the claimed name, with no assertion,
//     requires password authentication.
//  3. An asserted connection colliding with an unverified account owning the
//     name is denied, renamed around, or merged per the collision policy.
//  4. No account at all routes to registration; with an assertion, a
//     verified account is created on the spot.
func (r *Reconciler) Resolve(ctx context.Context, claim Claim) (Resolution, error) {
	if claim.Assertion != nil {
		return r.resolveVerified(ctx, claim)
	}

	account, err := r.accounts.GetByName(ctx, claim.Name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Resolution{Verdict: DecideRegister}, nil
		}
		return Resolution{}, oops.Code(CodeStoreUnavailable).Wrap(err)
	}

	if account.Verified {
		// A verified identity cannot be entered with a password alone.
		return Resolution{
			Verdict: DecideDeny,
			Account: account,
			Reason:  "This name belongs to a verified account. Connect through a verified client.",
		}, nil
	}
	return Resolution{Verdict: DecidePassword, Account: account}, nil
}

func (r *Reconciler) resolveVerified(ctx context.Context, claim Claim) (Resolution, error) {
	account, err := r.accounts.GetByID(ctx, claim.Assertion.AccountID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Resolution{}, oops.Code(CodeStoreUnavailable).Wrap(err)
	}
	if account != nil && account.Verified {
		if account.Name != claim.Name {
			// Display name changed upstream; follow it.
			if renameErr := r.followRename(ctx, account, claim.Name); renameErr != nil {
				return Resolution{}, renameErr
			}
		}
		return Resolution{Verdict: DecideVerified, Account: account}, nil
	}

	// No verified account for this identifier. Check whether the claimed
	// name is already owned locally.
	owner, err := r.accounts.GetByName(ctx, claim.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Resolution{}, oops.Code(CodeStoreUnavailable).Wrap(err)
	}

	if owner != nil && !owner.Verified {
		return r.resolveCollision(ctx, claim, owner)
	}

	// Name is free: auto-provision a verified account.
	created, err := r.provisionVerified(ctx, claim)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Verdict: DecideVerified, Account: created, Provisioned: true}, nil
}

// resolveCollision applies the configured policy when a verified connection
// collides with an unverified account owning the claimed name.
func (r *Reconciler) resolveCollision(ctx context.Context, claim Claim, owner *Account) (Resolution, error) {
	switch r.policy {
	case CollisionRename:
		renamed, err := r.freeName(ctx, owner)
		if err != nil {
			return Resolution{}, err
		}
		r.logger.Info("renamed unverified account on collision",
			"account_id", owner.ID.String(),
			"old_name", claim.Name,
			"new_name", renamed,
		)
		created, err := r.provisionVerified(ctx, claim)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Verdict: DecideVerified, Account: created, Provisioned: true}, nil

	case CollisionMerge:
		owner.Verified = true
		if err := r.accounts.Update(ctx, owner); err != nil {
			return Resolution{}, oops.Code(CodeStoreUnavailable).Wrap(err)
		}
		r.logger.Info("merged unverified account into verified identity",
			"account_id", owner.ID.String(),
			"name", owner.Name,
		)
		return Resolution{Verdict: DecideVerified, Account: owner}, nil

	default:
		return Resolution{
			Verdict: DecideDeny,
			Account: owner,
			Reason: "This name is already registered here. Log in with its password from an unverified client, " +
				"or contact an administrator to migrate the account.",
		}, nil
	}
}

// freeName renames the account by appending the first free numeric suffix.
func (r *Reconciler) freeName(ctx context.Context, account *Account) (string, error) {
	base := account.Name
	if len(base) > MaxNameLength-2 {
		base = base[:MaxNameLength-2]
	}
	for i := 1; i < 100; i++ {
		candidate := fmt.Sprintf("%s%d", base, i)
		_, err := r.accounts.GetByName(ctx, candidate)
		if errors.Is(err, ErrNotFound) {
			account.Name = candidate
			if updateErr := r.accounts.Update(ctx, account); updateErr != nil {
				return "", oops.Code(CodeStoreUnavailable).Wrap(updateErr)
			}
			return candidate, nil
		}
		if err != nil {
			return "", oops.Code(CodeStoreUnavailable).Wrap(err)
		}
	}
	return "", oops.Code("AUTH_RENAME_EXHAUSTED").
		With("name", account.Name).
		Errorf("no free rename candidate for %q", account.Name)
}

func (r *Reconciler) provisionVerified(ctx context.Context, claim Claim) (*Account, error) {
	account, err := NewVerifiedAccount(claim.Assertion.AccountID, claim.Name)
	if err != nil {
		return nil, err
	}
	if err := r.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Lost a race with a concurrent connection for the same identity.
			existing, getErr := r.accounts.GetByID(ctx, claim.Assertion.AccountID)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, oops.Code(CodeStoreUnavailable).Wrap(err)
	}
	return account, nil
}

// followRename updates a verified account's display name to track the
// upstream identity. Collisions with an unverified owner of the new name go
// through the collision policy first.
func (r *Reconciler) followRename(ctx context.Context, account *Account, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	owner, err := r.accounts.GetByName(ctx, newName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return oops.Code(CodeStoreUnavailable).Wrap(err)
	}
	if owner != nil && owner.ID != account.ID {
		if !owner.Verified && r.policy == CollisionRename {
			if _, freeErr := r.freeName(ctx, owner); freeErr != nil {
				return freeErr
			}
		} else {
			return oops.Code(CodeNameTaken).
				With("name", newName).
				Errorf("name %q is taken", newName)
		}
	}
	account.Name = newName
	if err := r.accounts.Update(ctx, account); err != nil {
		return oops.Code(CodeStoreUnavailable).Wrap(err)
	}
	return nil
}
