// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/pkg/errutil"
)

func genCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, at)
	require.NoError(t, err)
	return code
}

func enrollSecret(t *testing.T) string {
	t.Helper()
	v := NewTotpVerifier("gatewarden", 1)
	enr, err := v.Enroll("steve")
	require.NoError(t, err)
	return enr.Secret
}

func TestTotpVerifier_AcceptsCurrentCode(t *testing.T) {
	secret := enrollSecret(t)
	v := NewTotpVerifier("gatewarden", 1)
	accountID := ulid.Make()
	now := time.Now()

	err := v.Verify(accountID, secret, genCode(t, secret, now), now)
	assert.NoError(t, err)
}

func TestTotpVerifier_ToleratesAdjacentSteps(t *testing.T) {
	secret := enrollSecret(t)
	accountID := ulid.Make()
	now := time.Unix(1_900_000_000, 0)

	tests := []struct {
		name   string
		offset time.Duration
		wantOK bool
	}{
		{name: "previous step", offset: -30 * time.Second, wantOK: true},
		{name: "next step", offset: 30 * time.Second, wantOK: true},
		{name: "two steps back", offset: -60 * time.Second, wantOK: false},
		{name: "two steps ahead", offset: 60 * time.Second, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewTotpVerifier("gatewarden", 1)
			code := genCode(t, secret, now.Add(tt.offset))
			err := v.Verify(accountID, secret, code, now)
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				errutil.AssertErrorCode(t, err, CodeInvalidCredentials)
			}
		})
	}
}

func TestTotpVerifier_RejectsReplay(t *testing.T) {
	secret := enrollSecret(t)
	v := NewTotpVerifier("gatewarden", 1)
	accountID := ulid.Make()
	now := time.Unix(1_900_000_000, 0)
	code := genCode(t, secret, now)

	require.NoError(t, v.Verify(accountID, secret, code, now))

	// Same code again within its validity window.
	err := v.Verify(accountID, secret, code, now)
	errutil.AssertErrorCode(t, err, CodeInvalidCredentials)

	// A later step is accepted.
	later := now.Add(90 * time.Second)
	assert.NoError(t, v.Verify(accountID, secret, genCode(t, secret, later), later))
}

func TestTotpVerifier_ReplayStateIsPerAccount(t *testing.T) {
	secret := enrollSecret(t)
	v := NewTotpVerifier("gatewarden", 1)
	now := time.Unix(1_900_000_000, 0)
	code := genCode(t, secret, now)

	require.NoError(t, v.Verify(ulid.Make(), secret, code, now))
	assert.NoError(t, v.Verify(ulid.Make(), secret, code, now))
}

func TestTotpVerifier_Forget(t *testing.T) {
	secret := enrollSecret(t)
	v := NewTotpVerifier("gatewarden", 1)
	accountID := ulid.Make()
	now := time.Unix(1_900_000_000, 0)
	code := genCode(t, secret, now)

	require.NoError(t, v.Verify(accountID, secret, code, now))
	v.Forget(accountID)
	assert.NoError(t, v.Verify(accountID, secret, code, now))
}

func TestTotpVerifier_Enroll(t *testing.T) {
	v := NewTotpVerifier("gatewarden", 1)

	enr, err := v.Enroll("alex")
	require.NoError(t, err)
	assert.NotEmpty(t, enr.Secret)
	assert.Contains(t, enr.URL, "gatewarden")
	assert.Len(t, enr.RecoveryCodes, RecoveryCodeCount)
	for _, code := range enr.RecoveryCodes {
		assert.Len(t, code, 9) // XXXX-XXXX
	}
}

func TestGenerateRecoveryCodes_Unique(t *testing.T) {
	codes, err := GenerateRecoveryCodes(16)
	require.NoError(t, err)

	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, 16)
}
