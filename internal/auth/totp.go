// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/samber/oops"
)

// TOTP configuration.
const (
	// TotpPeriod is the standard time-step in seconds.
	TotpPeriod = 30

	// DefaultTotpTolerance is the number of adjacent time-steps accepted on
	// each side of the current one, to tolerate clock drift.
	DefaultTotpTolerance = 1

	// RecoveryCodeCount is the number of recovery codes issued on enrollment.
	RecoveryCodeCount = 8
)

// Enrollment contains the material issued when an account enables TOTP.
type Enrollment struct {
	Secret        string   // base32 shared secret
	URL           string   // otpauth:// URL for QR rendering
	RecoveryCodes []string // single-use fallback codes
}

// TotpVerifier validates time-based one-time codes. Each valid code is
// accepted at most once: the verifier remembers the last consumed time-step
// per account and rejects codes for that step or earlier.
type TotpVerifier struct {
	issuer    string
	tolerance uint

	mu       sync.Mutex
	consumed map[ulid.ULID]int64 // last accepted step per account
}

// NewTotpVerifier creates a verifier accepting codes within tolerance
// time-steps of the current one. A tolerance below zero is treated as the
// default.
func NewTotpVerifier(issuer string, tolerance int) *TotpVerifier {
	if tolerance < 0 {
		tolerance = DefaultTotpTolerance
	}
	return &TotpVerifier{
		issuer:    issuer,
		tolerance: uint(tolerance),
		consumed:  make(map[ulid.ULID]int64),
	}
}

// Verify checks a submitted code against the account's secret at the given
// time. Returns nil on success; an AUTH_INVALID_CREDENTIALS error on a wrong
// or replayed code.
func (v *TotpVerifier) Verify(accountID ulid.ULID, secret, code string, now time.Time) error {
	step, ok := v.match(secret, code, now)
	if !ok {
		return oops.Code(CodeInvalidCredentials).Errorf("invalid one-time code")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if last, seen := v.consumed[accountID]; seen && step <= last {
		return oops.Code(CodeInvalidCredentials).
			With("reason", "replay").
			Errorf("one-time code already used")
	}
	v.consumed[accountID] = step
	return nil
}

// Forget drops the replay-protection state for an account. Called when the
// account disables TOTP or is deleted.
func (v *TotpVerifier) Forget(accountID ulid.ULID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.consumed, accountID)
}

// match tries the code against each tolerated time-step and returns the
// matching step index.
func (v *TotpVerifier) match(secret, code string, now time.Time) (int64, bool) {
	for offset := -int(v.tolerance); offset <= int(v.tolerance); offset++ {
		at := now.Add(time.Duration(offset) * TotpPeriod * time.Second)
		ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
			Period:    TotpPeriod,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err == nil && ok {
			return at.Unix() / TotpPeriod, true
		}
	}
	return 0, false
}

// Enroll generates a fresh secret and recovery codes for an account.
// The caller persists them via AccountRepository.UpdateTotp after the player
// confirms with a first valid code.
func (v *TotpVerifier) Enroll(accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
		Period:      TotpPeriod,
	})
	if err != nil {
		return nil, oops.Code("AUTH_TOTP_ENROLL_FAILED").Wrap(err)
	}

	codes, err := GenerateRecoveryCodes(RecoveryCodeCount)
	if err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret:        key.Secret(),
		URL:           key.URL(),
		RecoveryCodes: codes,
	}, nil
}

// GenerateRecoveryCodes produces n single-use codes in XXXX-XXXX form.
func GenerateRecoveryCodes(n int) ([]string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O, 1/I
	codes := make([]string, 0, n)
	for range n {
		raw := make([]byte, 8)
		if _, err := rand.Read(raw); err != nil {
			return nil, oops.Code("AUTH_RECOVERY_GENERATE_FAILED").Wrap(err)
		}
		for i, b := range raw {
			raw[i] = alphabet[int(b)%len(alphabet)]
		}
		codes = append(codes, fmt.Sprintf("%s-%s", raw[:4], raw[4:]))
	}
	return codes, nil
}
