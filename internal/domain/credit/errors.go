package credit

import "errors"

var (
	// ErrInsufficientCredits is returned when user doesn't have enough credits
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrInvalidType is returned for ledger types a caller may not write
	ErrInvalidType = errors.New("invalid transaction type")

	// ErrUserNotFound is returned when user doesn't exist
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateEntry is returned when a ledger row for the same
	// related id already exists (one debit per generation, one top-up per order)
	ErrDuplicateEntry = errors.New("ledger entry already recorded")

	ErrInternal = errors.New("internal error")
)
