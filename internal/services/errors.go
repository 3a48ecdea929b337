package services

import "errors"

var (
	// ErrWalletExists is returned when creating a wallet for a user who
	// already has one.
	ErrWalletExists = errors.New("wallet already exists for user")

	// ErrWalletNotFound is returned when no wallet exists for a user.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletInactive is returned when a funding operation targets a
	// deactivated wallet.
	ErrWalletInactive = errors.New("wallet is not active")

	// ErrNotFound is returned when a transaction reference is unknown.
	ErrNotFound = errors.New("transaction not found")

	// ErrDuplicateReference is returned when a transaction insert hits
	// the reference uniqueness constraint.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrStaleStatus signals that a conditional status transition found
	// the row already moved by another writer. Consumed internally by
	// reconciliation; never surfaced to callers.
	ErrStaleStatus = errors.New("transaction status changed by another writer")
)
