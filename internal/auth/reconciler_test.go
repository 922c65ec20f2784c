// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth_test

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/auth"
	"github.com/gatewarden/gatewarden/internal/auth/memory"
)

func newReconciler(t *testing.T, policy auth.CollisionPolicy) (*auth.Reconciler, *memory.AccountRepository) {
	t.Helper()
	repo := memory.NewAccountRepository()
	r, err := auth.NewReconciler(repo, policy, nil)
	require.NoError(t, err)
	return r, repo
}

func TestParseCollisionPolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    auth.CollisionPolicy
		wantErr bool
	}{
		{input: "deny", want: auth.CollisionDeny},
		{input: "rename", want: auth.CollisionRename},
		{input: "merge", want: auth.CollisionMerge},
		{input: "MERGE", want: auth.CollisionMerge},
		{input: "other", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := auth.ParseCollisionPolicy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconciler_UnknownNameRoutesToRegistration(t *testing.T) {
	r, _ := newReconciler(t, auth.CollisionDeny)

	res, err := r.Resolve(context.Background(), auth.Claim{Name: "Steve", Address: "192.0.2.1"})
	require.NoError(t, err)
	assert.Equal(t, auth.DecideRegister, res.Verdict)
	assert.Nil(t, res.Account)
}

func TestReconciler_KnownNameRoutesToPassword(t *testing.T) {
	r, repo := newReconciler(t, auth.CollisionDeny)
	account, err := auth.NewAccount("Steve", "$argon2id$hash")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), account))

	res, err := r.Resolve(context.Background(), auth.Claim{Name: "steve"})
	require.NoError(t, err)
	assert.Equal(t, auth.DecidePassword, res.Verdict)
	require.NotNil(t, res.Account)
	assert.Equal(t, account.ID, res.Account.ID)
}

func TestReconciler_VerifiedNameDeniedToPasswordLogin(t *testing.T) {
	r, repo := newReconciler(t, auth.CollisionDeny)
	account, err := auth.NewVerifiedAccount(ulid.Make(), "Steve")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), account))

	res, err := r.Resolve(context.Background(), auth.Claim{Name: "Steve"})
	require.NoError(t, err)
	assert.Equal(t, auth.DecideDeny, res.Verdict)
	assert.NotEmpty(t, res.Reason)
}

func TestReconciler_VerifiedAssertionAutoProvisions(t *testing.T) {
	r, repo := newReconciler(t, auth.CollisionDeny)
	id := ulid.Make()

	res, err := r.Resolve(context.Background(), auth.Claim{
		Name:      "Steve",
		Assertion: &auth.VerifiedAssertion{AccountID: id},
	})
	require.NoError(t, err)
	assert.Equal(t, auth.DecideVerified, res.Verdict)
	require.NotNil(t, res.Account)
	assert.Equal(t, id, res.Account.ID)
	assert.True(t, res.Account.Verified)
	assert.True(t, res.Provisioned)

	stored, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Steve", stored.Name)
}

func TestReconciler_VerifiedAssertionReturningAccount(t *testing.T) {
	r, repo := newReconciler(t, auth.CollisionDeny)
	account, err := auth.NewVerifiedAccount(ulid.Make(), "Steve")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), account))

	res, err := r.Resolve(context.Background(), auth.Claim{
		Name:      "Steve",
		Assertion: &auth.VerifiedAssertion{AccountID: account.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, auth.DecideVerified, res.Verdict)
	assert.Equal(t, account.ID, res.Account.ID)
	assert.False(t, res.Provisioned)
}

func TestReconciler_VerifiedFollowsUpstreamRename(t *testing.T) {
	r, repo := newReconciler(t, auth.CollisionDeny)
	account, err := auth.NewVerifiedAccount(ulid.Make(), "Steve")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), account))

	res, err := r.Resolve(context.Background(), auth.Claim{
		Name:      "SteveRenamed",
		Assertion: &auth.VerifiedAssertion{AccountID: account.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, auth.DecideVerified, res.Verdict)
	assert.Equal(t, "SteveRenamed", res.Account.Name)

	_, err = repo.GetByName(context.Background(), "Steve")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestReconciler_CollisionPolicies(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, policy auth.CollisionPolicy) (*auth.Reconciler, *memory.AccountRepository, *auth.Account) {
		r, repo := newReconciler(t, policy)
		owner, err := auth.NewAccount("Steve", "$argon2id$hash")
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, owner))
		return r, repo, owner
	}

	claim := func() auth.Claim {
		return auth.Claim{
			Name:      "Steve",
			Assertion: &auth.VerifiedAssertion{AccountID: ulid.Make()},
		}
	}

	t.Run("deny refuses the verified login", func(t *testing.T) {
		r, _, _ := setup(t, auth.CollisionDeny)

		res, err := r.Resolve(ctx, claim())
		require.NoError(t, err)
		assert.Equal(t, auth.DecideDeny, res.Verdict)
		assert.NotEmpty(t, res.Reason)
	})

	t.Run("rename moves the unverified owner aside", func(t *testing.T) {
		r, repo, owner := setup(t, auth.CollisionRename)

		res, err := r.Resolve(ctx, claim())
		require.NoError(t, err)
		assert.Equal(t, auth.DecideVerified, res.Verdict)
		assert.Equal(t, "Steve", res.Account.Name)
		assert.True(t, res.Account.Verified)
		assert.True(t, res.Provisioned)

		moved, err := repo.GetByID(ctx, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, "Steve1", moved.Name)
	})

	t.Run("merge promotes the existing account", func(t *testing.T) {
		r, repo, owner := setup(t, auth.CollisionMerge)

		res, err := r.Resolve(ctx, claim())
		require.NoError(t, err)
		assert.Equal(t, auth.DecideVerified, res.Verdict)
		assert.Equal(t, owner.ID, res.Account.ID)
		assert.True(t, res.Account.Verified)
		assert.False(t, res.Provisioned)

		stored, err := repo.GetByID(ctx, owner.ID)
		require.NoError(t, err)
		assert.True(t, stored.Verified)
		// The merged account keeps its password for unverified fallback.
		assert.Equal(t, "$argon2id$hash", stored.PasswordHash)
	})
}
