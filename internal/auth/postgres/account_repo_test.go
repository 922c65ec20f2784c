// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/auth"
)

var accountCols = []string{
	"id", "name", "password_hash", "totp_secret", "recovery_codes",
	"verified", "last_address", "last_seen_at", "created_at", "updated_at",
}

func testAccount(t *testing.T) *auth.Account {
	t.Helper()
	account, err := auth.NewAccount("Steve", "$argon2id$hash")
	require.NoError(t, err)
	return account
}

func accountRow(account *auth.Account) *pgxmock.Rows {
	return pgxmock.NewRows(accountCols).AddRow(
		account.ID.String(),
		account.Name,
		account.PasswordHash,
		account.TotpSecret,
		account.RecoveryCodes,
		account.Verified,
		account.LastAddress,
		account.LastSeenAt,
		account.CreatedAt,
		account.UpdatedAt,
	)
}

func TestAccountRepository_Create(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface, account *auth.Account)
		wantErr   error
	}{
		{
			name: "successful insert",
			setupMock: func(mock pgxmock.PgxPoolIface, account *auth.Account) {
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(
						account.ID.String(),
						account.Name,
						account.PasswordHash,
						account.TotpSecret,
						account.RecoveryCodes,
						account.Verified,
						account.LastAddress,
						account.LastSeenAt,
						account.CreatedAt,
						account.UpdatedAt,
					).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
			},
		},
		{
			name: "unique violation maps to already exists",
			setupMock: func(mock pgxmock.PgxPoolIface, account *auth.Account) {
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(
						account.ID.String(),
						account.Name,
						account.PasswordHash,
						account.TotpSecret,
						account.RecoveryCodes,
						account.Verified,
						account.LastAddress,
						account.LastSeenAt,
						account.CreatedAt,
						account.UpdatedAt,
					).
					WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
			},
			wantErr: auth.ErrAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()

			account := testAccount(t)
			tt.setupMock(mock, account)

			repo := NewAccountRepository(mock)
			err = repo.Create(context.Background(), account)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestAccountRepository_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	account := testAccount(t)
	mock.ExpectQuery(`SELECT (.+) FROM accounts`).
		WithArgs(account.ID.String()).
		WillReturnRows(accountRow(account))

	repo := NewAccountRepository(mock)
	got, err := repo.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)
	assert.Equal(t, "Steve", got.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_GetByName_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT (.+) FROM accounts`).
		WithArgs("nobody").
		WillReturnRows(pgxmock.NewRows(accountCols))

	repo := NewAccountRepository(mock)
	_, err = repo.GetByName(context.Background(), "nobody")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_Update_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	account := testAccount(t)
	mock.ExpectExec(`UPDATE accounts SET`).
		WithArgs(
			account.ID.String(),
			account.Name,
			account.PasswordHash,
			account.TotpSecret,
			account.RecoveryCodes,
			account.Verified,
			account.LastAddress,
			account.LastSeenAt,
			account.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewAccountRepository(mock)
	err = repo.Update(context.Background(), account)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_UpdatePassword(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := ulid.Make()
	mock.ExpectExec(`UPDATE accounts SET password_hash`).
		WithArgs(id.String(), "$argon2id$new", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewAccountRepository(mock)
	assert.NoError(t, repo.UpdatePassword(context.Background(), id, "$argon2id$new"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_UpdateTotp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := ulid.Make()
	secret := "JBSWY3DPEHPK3PXP"
	mock.ExpectExec(`UPDATE accounts SET totp_secret`).
		WithArgs(id.String(), &secret, []string{"AAAA-BBBB"}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewAccountRepository(mock)
	assert.NoError(t, repo.UpdateTotp(context.Background(), id, &secret, []string{"AAAA-BBBB"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_Delete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := ulid.Make()
	mock.ExpectExec(`DELETE FROM accounts`).
		WithArgs(id.String()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	repo := NewAccountRepository(mock)
	assert.NoError(t, repo.Delete(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := ulid.Make()
	mock.ExpectQuery(`SELECT (.+) FROM accounts`).
		WithArgs(id.String()).
		WillReturnError(errors.New("connection refused"))

	repo := NewAccountRepository(mock)
	_, err = repo.GetByID(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Guards against clock-related field drift in the scan order.
func TestAccountRepository_ScanRoundTrip(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	account := testAccount(t)
	secret := "JBSWY3DPEHPK3PXP"
	addr := "192.0.2.10"
	seen := time.Now().UTC()
	account.TotpSecret = &secret
	account.RecoveryCodes = []string{"AAAA-BBBB"}
	account.LastAddress = &addr
	account.LastSeenAt = &seen

	mock.ExpectQuery(`SELECT (.+) FROM accounts`).
		WithArgs(account.ID.String()).
		WillReturnRows(accountRow(account))

	repo := NewAccountRepository(mock)
	got, err := repo.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, got.TotpEnrolled())
	assert.Equal(t, []string{"AAAA-BBBB"}, got.RecoveryCodes)
	require.NotNil(t, got.LastAddress)
	assert.Equal(t, addr, *got.LastAddress)
	assert.NoError(t, mock.ExpectationsWereMet())
}
