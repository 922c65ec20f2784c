// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth

import "errors"

// Sentinel errors returned by repositories. Services wrap these with oops
// codes; callers match with errors.Is.
var (
	// ErrNotFound is returned when a requested account or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating an account whose name or
	// identifier collides with an existing record.
	ErrAlreadyExists = errors.New("already exists")
)

// Error codes used across the authentication core. Connection handlers map
// these to player-facing messages.
const (
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeLocked             = "AUTH_LOCKED"
	CodeDeadline           = "AUTH_DEADLINE"
	CodeNameTaken          = "AUTH_NAME_TAKEN"
	CodeDenied             = "AUTH_DENIED"
	CodeSessionConflict    = "SESSION_CONFLICT"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
)
