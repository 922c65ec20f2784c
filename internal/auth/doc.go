// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

// Package auth provides the authentication core for Gatewarden.
//
// # Domain Types
//
// Domain types (Account, Attempt) should be created using their
// constructors:
//   - NewAccount - creates a self-registered Account with a validated name
//   - NewVerifiedAccount - creates an Account backed by an external assertion
//   - Flow.Begin - creates an Attempt for one connection
//
// Direct struct initialization bypasses validation and may create invalid
// state. Repository implementations receive pre-validated types from these
// constructors.
//
// # Components
//
//   - AccountRepository - credential store boundary (postgres and memory variants)
//   - CredentialCache - bounded TTL mirror of authentication-relevant fields
//   - Limiter - failed-attempt tracking with exponential lockout
//   - TotpVerifier - time-based one-time codes with replay protection
//   - Reconciler - verified vs. self-registered identity policy
//   - Flow / Attempt - the per-connection login state machine
package auth
